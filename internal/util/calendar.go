package util

import (
	"time"
	_ "time/tzdata" // session times must resolve without a system zoneinfo

	"quantbt/internal/domain"
)

// TradingCalendar provides weekday session hours for a market. Exchange
// holidays are not modelled.
type TradingCalendar struct {
	market domain.Market
	loc    *time.Location
	open   [2]int // hour, minute
	close  [2]int
}

// NewTradingCalendar creates a TradingCalendar for the given market.
// Unknown markets use the US session.
func NewTradingCalendar(market domain.Market) *TradingCalendar {
	tc := &TradingCalendar{market: market}
	switch market {
	case domain.MarketCN:
		tc.loc = mustLoad("Asia/Shanghai")
		tc.open, tc.close = [2]int{9, 30}, [2]int{15, 0}
	default:
		tc.loc = mustLoad("America/New_York")
		tc.open, tc.close = [2]int{9, 30}, [2]int{16, 0}
	}
	return tc
}

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Market returns the calendar's market.
func (tc *TradingCalendar) Market() domain.Market { return tc.market }

// IsTradingDay reports whether t falls on a weekday in the market's zone.
func (tc *TradingCalendar) IsTradingDay(t time.Time) bool {
	switch t.In(tc.loc).Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return true
}

// IsMarketOpen returns whether the market is in session at time t.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	if !tc.IsTradingDay(t) {
		return false
	}
	openAt, closeAt := tc.session(t)
	return !t.Before(openAt) && t.Before(closeAt)
}

// LastCompletedSession returns the date (midnight UTC) of the most recent
// session that had closed by t. Daily bars after it are still forming.
func (tc *TradingCalendar) LastCompletedSession(t time.Time) time.Time {
	day := t.In(tc.loc)
	for i := 0; i < 8; i++ {
		if tc.IsTradingDay(day) {
			if _, closeAt := tc.session(day); !t.Before(closeAt) {
				y, m, d := day.Date()
				return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
			}
		}
		day = day.AddDate(0, 0, -1)
	}
	y, m, d := day.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (tc *TradingCalendar) session(t time.Time) (time.Time, time.Time) {
	y, m, d := t.In(tc.loc).Date()
	openAt := time.Date(y, m, d, tc.open[0], tc.open[1], 0, 0, tc.loc)
	closeAt := time.Date(y, m, d, tc.close[0], tc.close[1], 0, 0, tc.loc)
	return openAt, closeAt
}
