package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/eddiefleurent/straddle_bot/internal/models"
)

// shortID returns a truncated ID string, safely handling IDs shorter than 8 characters
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// printStrategy writes a one-instance summary table.
func printStrategy(w io.Writer, st *models.Strategy) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "instance\t%s\n", st.InstanceID)
	fmt.Fprintf(tw, "index\t%s\n", st.Index)
	fmt.Fprintf(tw, "status\t%s\n", st.Status)
	fmt.Fprintf(tw, "atm\t%.0f\n", st.ATMStrike)
	fmt.Fprintf(tw, "collected_premium\t%.2f\n", st.CollectedPremium)
	fmt.Fprintf(tw, "target_mtm\t%.2f\n", st.TargetMTM)
	fmt.Fprintf(tw, "target_loss\t%.2f\n", st.TargetLoss)
	fmt.Fprintf(tw, "pnl\t%.2f\n", st.PnL.Total())
	if st.ExitReason != "" {
		fmt.Fprintf(tw, "exit_reason\t%s\n", st.ExitReason)
	}
	for _, leg := range st.Legs {
		fmt.Fprintf(tw, "leg\t%s %s %s %.0f entry=%.2f stop=%.2f\n",
			leg.Remarks, leg.Side, leg.Status, leg.Strike, leg.EntryPremium, leg.StopPrice)
	}
	return tw.Flush()
}
