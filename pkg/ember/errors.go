package ember

import "errors"

// Errors
var (
	ErrBookFull                 = errors.New("orderbook is full and price does not outrank the worst resident order")
	ErrPriceCrossesSpread       = errors.New("limit price crosses the spread")
	ErrInsufficientFunds        = errors.New("insufficient funds")
	ErrUnauthorizedCancellation = errors.New("caller does not own the order")
	ErrInvalidMarket            = errors.New("market/book/asset binding mismatch")
	ErrOverflow                 = errors.New("arithmetic overflow")
	ErrMarketResolved           = errors.New("market is resolved")
	ErrLedgerFull               = errors.New("ledger is full")
	ErrUnknownUser              = errors.New("unknown ledger uid")
	ErrOrderNotFound            = errors.New("order not found")
	ErrInvalidPrice             = errors.New("invalid price")
	ErrInvalidSize              = errors.New("invalid size")
	ErrInvalidOutcome           = errors.New("invalid outcome index")
	ErrUnauthorized             = errors.New("signer is not an admin")
	ErrMarketNotFound           = errors.New("market not found")
	ErrMarketExists             = errors.New("market already exists")
	ErrDurationTooShort         = errors.New("market duration is too short")
	ErrRewardsMultiplier        = errors.New("rewards multiplier should be 100 or more")
	ErrQuestionTooLong          = errors.New("question should be 200 bytes or less")
)
