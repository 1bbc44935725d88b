package model

import "time"

// Quote is one market data snapshot for a symbol as reported by the brokerage.
// Numeric fields absent from the upstream payload are zero; the adapter is the
// only place that defaulting happens.
type Quote struct {
	Symbol         string
	BidPrice       float64
	AskPrice       float64
	LastTradePrice float64
	BidSize        int
	AskSize        int
	Volume         int64
	IsHalted       bool
	Timestamp      time.Time
}
