package model

import "time"

// Account is a brokerage account mirrored locally for a person.
type Account struct {
	ID         int64
	PersonName string
	Number     string
	Type       string // "TFSA", "RRSP", "Margin", ...
	Status     string
	IsPrimary  bool
	Currency   string
	SyncedAt   time.Time
}

// Position is one open position in an account, mirrored as reported upstream.
// Currency amounts stay in the upstream currency; no conversion is applied.
type Position struct {
	ID                 int64
	AccountNumber      string
	Symbol             string
	OpenQuantity       float64
	AverageEntryPrice  float64
	CurrentPrice       float64
	CurrentMarketValue float64
	OpenPnL            float64
	ClosedPnL          float64
	SyncedAt           time.Time
}

// Activity is one account activity row (trade, dividend, deposit, ...).
type Activity struct {
	ID              int64
	AccountNumber   string
	Type            string
	Action          string
	Symbol          string
	Description     string
	Quantity        float64
	Price           float64
	GrossAmount     float64
	Commission      float64
	NetAmount       float64
	Currency        string
	TradeDate       time.Time
	SettlementDate  time.Time
	TransactionDate time.Time
}
