package strategy

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/eddiefleurent/straddle_bot/internal/models"
)

// Remark messages and suffixes. A leg's remarks is "{instance}|{msg}".
const (
	msgStraddle  = "straddle"
	msgHedge     = "hedge"
	sufStopLoss  = "_stop_loss"
	sufSquareOff = "_square_off"
)

// Remarks returns the remarks tag for msg within an instance.
func Remarks(instanceID, msg string) string {
	return instanceID + "|" + msg
}

// EntryRemarks is the remarks of the straddle leg of type t.
func EntryRemarks(instanceID string, t models.OptionType) string {
	return Remarks(instanceID, strings.ToLower(string(t))+"_"+msgStraddle)
}

// HedgeRemarks is the remarks of the protective wing of type t.
func HedgeRemarks(instanceID string, t models.OptionType) string {
	return Remarks(instanceID, strings.ToLower(string(t))+"_"+msgHedge)
}

// StopRemarks is the remarks of the stop order protecting a leg.
func StopRemarks(legRemarks string) string { return legRemarks + sufStopLoss }

// SquareOffRemarks is the remarks of the order closing a leg at exit.
func SquareOffRemarks(legRemarks string) string { return legRemarks + sufSquareOff }

// Kite caps order tags at 20 characters.
const maxTagLen = 20

var tagCodes = strings.NewReplacer(
	"_"+msgStraddle, "S",
	"_"+msgHedge, "H",
	sufStopLoss, "SL",
	sufSquareOff, "X",
)

// InstanceTag is the 8 hex character prefix shared by every broker tag of an instance.
func InstanceTag(instanceID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(instanceID))
	return fmt.Sprintf("%08x", h.Sum32())
}

// BrokerTag compresses a remarks string into a broker order tag, e.g.
// "straddle_x|ce_straddle_stop_loss" becomes "1a2b3c4dCESSL".
func BrokerTag(remarks string) string {
	instanceID, msg, ok := strings.Cut(remarks, "|")
	if !ok {
		msg = remarks
	}
	code := strings.ToUpper(tagCodes.Replace(msg))
	tag := InstanceTag(instanceID) + code
	if len(tag) > maxTagLen {
		tag = tag[:maxTagLen]
	}
	return tag
}
