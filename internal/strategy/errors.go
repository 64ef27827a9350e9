package strategy

import "errors"

var (
	// ErrEntryRejected means an entry leg was rejected; the counterpart was
	// cancelled or squared and the instance is FAILED.
	ErrEntryRejected = errors.New("entry rejected")
	// ErrPremiumMismatch means no CE/PE pair near the ATM strike has premiums
	// within the requested tolerance. No order was placed.
	ErrPremiumMismatch = errors.New("premium mismatch")
	// ErrInvalidStrikes means the hedge strikes collapse onto the straddle
	// strike, so an iron fly cannot be formed.
	ErrInvalidStrikes = errors.New("invalid iron fly strikes")
	// ErrPersistence wraps a failed snapshot write. The tick that hit it must
	// not act on the unsaved intent.
	ErrPersistence = errors.New("persistence failed")
	// ErrIrrecoverableState means the broker no longer knows an order the
	// snapshot depends on. The instance is FAILED and needs manual reconciliation.
	ErrIrrecoverableState = errors.New("irrecoverable state")
	// ErrGatewayFault means square-off did not complete within the allowed attempts.
	ErrGatewayFault = errors.New("gateway fault")
	// ErrExitIncomplete means some legs are still open after an exit attempt;
	// the next tick tries again.
	ErrExitIncomplete = errors.New("exit incomplete")
)

// IsFatal reports whether err ends the instance with manual follow-up.
func IsFatal(err error) bool {
	return errors.Is(err, ErrGatewayFault) || errors.Is(err, ErrIrrecoverableState)
}
