package ember

import (
	"math/bits"
	"time"
)

// Side represents order side (bid/ask)
type Side int

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	switch s {
	case Bid:
		return "bid"
	case Ask:
		return "ask"
	default:
		return "unknown"
	}
}

// Leg identifies one of the three per-user asset balances.
type Leg uint8

const (
	LegQuote Leg = iota
	LegOutcomeA
	LegOutcomeB
)

func (l Leg) String() string {
	switch l {
	case LegQuote:
		return "quote"
	case LegOutcomeA:
		return "outcomeA"
	case LegOutcomeB:
		return "outcomeB"
	default:
		return "unknown"
	}
}

// AssetID identifies a fungible token mint.
type AssetID string

// AccountID identifies an external token account.
type AccountID string

// Order is the resident unit of book state. A slot with UID == 0 is free.
// Prev/Next are intrusive indices into the owning book's slot array, with
// slot 0 reserved as the "none" sentinel.
type Order struct {
	Price    uint64 `json:"price"`
	Size     uint64 `json:"size"`
	UID      uint64 `json:"uid"`
	Prev     uint64 `json:"-"`
	Next     uint64 `json:"-"`
	ExpireAt uint64 `json:"expireAt"` // unix seconds, 0 = never
}

// Resident reports whether the slot holds a live order.
func (o *Order) Resident() bool {
	return o.UID != 0
}

// Trade represents an executed fill between a taker and a resident maker.
type Trade struct {
	MarketID  string    `json:"marketId"`
	Outcome   int       `json:"outcome"`
	TakerSide Side      `json:"takerSide"`
	Price     uint64    `json:"price"`
	Size      uint64    `json:"size"`
	MakerUID  uint64    `json:"makerUid"`
	TakerUID  uint64    `json:"takerUid"`
	Timestamp time.Time `json:"timestamp"`
}

// PriceLevel aggregates resident size at a single price.
type PriceLevel struct {
	Price uint64 `json:"price"`
	Size  uint64 `json:"size"`
	Count int    `json:"count"`
}

// FillReport summarizes a market-order walk.
type FillReport struct {
	Filled    uint64 `json:"filled"`
	Remaining uint64 `json:"remaining"`
	Cost      uint64 `json:"cost"` // quote notional of the filled amount
	Trades    int    `json:"trades"`
}

// User is the global per-trader record.
type User struct {
	Owner         string `json:"owner"`
	HasOpenOrders bool   `json:"hasOpenOrders"`
	Volume        uint64 `json:"volume"`
	WinningBets   uint64 `json:"winningBets"`
	LosingBets    uint64 `json:"losingBets"`
}

// MarketUser is the per-market trader record carrying the dense ledger uid.
type MarketUser struct {
	Owner  string `json:"owner"`
	UID    uint64 `json:"uid"`
	Volume uint64 `json:"volume"`
}

// checkedMul multiplies two amounts, reporting overflow instead of wrapping.
func checkedMul(a, b uint64) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	return lo, hi == 0
}

// checkedAdd adds two amounts, reporting overflow instead of wrapping.
func checkedAdd(a, b uint64) (uint64, bool) {
	sum, carry := bits.Add64(a, b, 0)
	return sum, carry == 0
}
