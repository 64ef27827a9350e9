package storage

import "time"

// Statistics summarizes finished instances.
type Statistics struct {
	TotalTrades   int                `json:"total_trades"`
	WinningTrades int                `json:"winning_trades"`
	LosingTrades  int                `json:"losing_trades"`
	WinRate       float64            `json:"win_rate"`
	TotalPnL      float64            `json:"total_pnl"`
	AverageWin    float64            `json:"average_win"`
	AverageLoss   float64            `json:"average_loss"`
	MaxDrawdown   float64            `json:"max_drawdown"`
	CurrentStreak int                `json:"current_streak"`
	DailyPnL      map[string]float64 `json:"daily_pnl"`
}

// NewStatistics returns empty statistics.
func NewStatistics() *Statistics {
	return &Statistics{DailyPnL: make(map[string]float64)}
}

// Add folds one finished instance into the running totals.
func (stats *Statistics) Add(pnl float64, at time.Time) {
	stats.TotalTrades++
	stats.TotalPnL += pnl

	if pnl > 0 {
		stats.WinningTrades++
		if stats.CurrentStreak >= 0 {
			stats.CurrentStreak++
		} else {
			stats.CurrentStreak = 1
		}
		totalWins := stats.AverageWin*float64(stats.WinningTrades-1) + pnl
		stats.AverageWin = totalWins / float64(stats.WinningTrades)
	} else {
		stats.LosingTrades++
		if stats.CurrentStreak <= 0 {
			stats.CurrentStreak--
		} else {
			stats.CurrentStreak = -1
		}
		totalLosses := stats.AverageLoss*float64(stats.LosingTrades-1) + pnl
		stats.AverageLoss = totalLosses / float64(stats.LosingTrades)
	}

	stats.WinRate = float64(stats.WinningTrades) / float64(stats.TotalTrades)

	if pnl < 0 && pnl < stats.MaxDrawdown {
		stats.MaxDrawdown = pnl
	}

	if stats.DailyPnL == nil {
		stats.DailyPnL = make(map[string]float64)
	}
	stats.DailyPnL[at.Format("2006-01-02")] += pnl
}
