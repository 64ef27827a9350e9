package main

import (
	"bytes"
	"testing"
	"testing/quick"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/straddle_bot/internal/models"
)

func TestShortID(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"longer than 8", "straddle_1234", "straddle"},
		{"exactly 8", "12345678", "12345678"},
		{"shorter", "abcd", "abcd"},
		{"empty", "", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, shortID(tc.in))
		})
	}
}

func TestShortID_Properties(t *testing.T) {
	prop := func(s string) bool {
		got := shortID(s)
		if len(s) <= 8 {
			return got == s
		}
		return got == s[:8]
	}
	if err := quick.Check(prop, &quick.Config{MaxCount: 512}); err != nil {
		t.Fatalf("property check failed: %v", err)
	}
}

func TestPrintStrategy(t *testing.T) {
	st := models.NewStrategy("straddle_print", models.IndexNifty, 50, time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC))
	st.ATMStrike = 20000
	st.CollectedPremium = 200
	st.ExitReason = "day_over"
	st.Legs = []models.Leg{{
		Remarks: "straddle_print|ce_straddle", Side: models.SideShort, Status: models.LegOpen,
		Strike: 20000, EntryPremium: 100, StopPrice: 175,
	}}

	var buf bytes.Buffer
	require.NoError(t, printStrategy(&buf, st))
	out := buf.String()
	assert.Contains(t, out, "straddle_print")
	assert.Contains(t, out, "INITIATING")
	assert.Contains(t, out, "day_over")
	assert.Contains(t, out, "entry=100.00 stop=175.00")
}
