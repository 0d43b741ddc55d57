// Package ember implements the matching core for binary-outcome prediction
// markets: a pair of fixed-capacity price-time priority order books per
// outcome, backed by a per-user balance ledger that escrows funds for every
// resident order.
//
// The core is strictly sequential: every operation runs to completion and
// validates all of its preconditions before the first mutation, because
// there is no transactional rollback available. Mutual exclusion per market
// is the caller's responsibility.
package ember

import (
	"context"
	"fmt"
	"time"

	"github.com/luxfi/log"
)

// Engine orchestrates order placement, cancellation, and market-order
// execution for one market, moving escrow through the ledger and settling
// taker flows through the external token backend.
type Engine struct {
	market *Market
	cond   *Condition
	tokens TokenBackend
	logger log.Logger

	now func() time.Time

	users      map[string]*MarketUser // owner -> per-market record
	byUID      map[uint64]*MarketUser
	trades     []Trade
	hooks      []func(Trade)
	evictHooks []func(Order)
}

// NewEngine creates the engine for a market. The condition is read-only: the
// engine consults it to detect exogenous resolution.
func NewEngine(market *Market, cond *Condition, tokens TokenBackend, logger log.Logger) *Engine {
	return &Engine{
		market: market,
		cond:   cond,
		tokens: tokens,
		logger: logger,
		now:    time.Now,
		users:  make(map[string]*MarketUser),
		byUID:  make(map[uint64]*MarketUser),
	}
}

// SetClock overrides the engine's time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// OnTrade registers a hook invoked for every fill.
func (e *Engine) OnTrade(fn func(Trade)) {
	e.hooks = append(e.hooks, fn)
}

// OnEvict registers a hook invoked with a copy of every order pushed out of a
// full book, after its escrow has been refunded.
func (e *Engine) OnEvict(fn func(Order)) {
	e.evictHooks = append(e.evictHooks, fn)
}

// Market returns the engine's market.
func (e *Engine) Market() *Market {
	return e.market
}

// Ledger returns the market's balance ledger.
func (e *Engine) Ledger() *Ledger {
	return e.market.Ledger
}

// Trades returns a copy of the fill history.
func (e *Engine) Trades() []Trade {
	out := make([]Trade, len(e.trades))
	copy(out, e.trades)
	return out
}

// isResolved folds the backing condition's state into the market flag. Once
// set the market is terminal.
func (e *Engine) isResolved() bool {
	if e.market.Resolved {
		return true
	}
	if e.cond != nil && e.cond.Resolved() {
		e.market.Resolved = true
	}
	return e.market.Resolved
}

// RegisterUser assigns the owner a dense ledger uid for this market.
// Registering an already known owner returns the existing record.
func (e *Engine) RegisterUser(owner string) (*MarketUser, error) {
	if u, ok := e.users[owner]; ok {
		return u, nil
	}
	uid, err := e.market.Ledger.Register()
	if err != nil {
		return nil, err
	}
	u := &MarketUser{Owner: owner, UID: uid}
	e.users[owner] = u
	e.byUID[uid] = u
	e.logger.Info("registered market user", "owner", owner, "uid", uid)
	return u, nil
}

// UserByUID returns the per-market record for a dense uid.
func (e *Engine) UserByUID(uid uint64) (*MarketUser, error) {
	u, ok := e.byUID[uid]
	if !ok {
		return nil, ErrUnknownUser
	}
	return u, nil
}

// escrowFor computes the leg and amount a resident order holds in escrow:
// bids escrow quote at price*size, asks escrow the pair's outcome token at
// size.
func (e *Engine) escrowFor(pair *BookPair, side Side, price, size uint64) (Leg, uint64, error) {
	if side == Bid {
		amount, ok := checkedMul(price, size)
		if !ok {
			return 0, 0, ErrOverflow
		}
		return LegQuote, amount, nil
	}
	leg, err := e.market.legForBase(pair.BaseAsset)
	if err != nil {
		return 0, 0, err
	}
	return leg, size, nil
}

// PlaceLimitOrder inserts a resident order and debits its escrow. The order
// rests: a price that would already match the best contra resident is
// rejected with ErrPriceCrossesSpread rather than auto-matched.
func (e *Engine) PlaceLimitOrder(uid uint64, outcome int, side Side, price, size uint64, expireIn time.Duration) (uint64, error) {
	if e.isResolved() {
		return 0, ErrMarketResolved
	}
	pair, err := e.market.Pair(outcome)
	if err != nil {
		return 0, err
	}
	if price == 0 {
		return 0, ErrInvalidPrice
	}
	if size == 0 {
		return 0, ErrInvalidSize
	}

	if best := pair.side(side.other()).BestOrder(); best != nil {
		crossed := (side == Bid && best.Price <= price) || (side == Ask && best.Price >= price)
		if crossed {
			return 0, ErrPriceCrossesSpread
		}
	}

	leg, escrow, err := e.escrowFor(pair, side, price, size)
	if err != nil {
		return 0, err
	}
	if _, err := e.market.Ledger.BalanceOf(uid); err != nil {
		return 0, err
	}
	if !e.market.Ledger.CanDebit(uid, escrow, leg) {
		return 0, ErrInsufficientFunds
	}

	var expireAt uint64
	if expireIn > 0 {
		expireAt = uint64(e.now().Add(expireIn).Unix())
	}

	// A full book may evict its worst resident, whose escrow is refunded.
	// Check the refund credit here so the insert never mutates the book with
	// the refund doomed to overflow.
	book := pair.side(side)
	if book.Full() {
		if w := book.WorstOrder(); w != nil {
			wLeg, wEscrow, err := e.escrowFor(pair, side, w.Price, w.Size)
			if err != nil {
				return 0, err
			}
			if !e.market.Ledger.CanCredit(w.UID, wEscrow, wLeg) {
				return 0, ErrOverflow
			}
		}
	}

	slot, evicted, err := book.InsertOrder(size, price, uid, expireAt)
	if err != nil {
		return 0, err
	}
	if evicted != nil {
		if err := e.refundEscrow(pair, side, evicted); err != nil {
			return 0, err
		}
		e.logger.Debug("evicted worst resident order",
			"market", e.market.ID, "outcome", outcome, "side", side.String(),
			"uid", evicted.UID, "price", evicted.Price, "size", evicted.Size)
		for _, fn := range e.evictHooks {
			fn(*evicted)
		}
	}
	if err := e.market.Ledger.Debit(uid, escrow, leg); err != nil {
		// CanDebit held above and nothing ran concurrently, so this is a
		// broken ledger, not a caller error.
		return 0, fmt.Errorf("escrow debit after validation: %w", err)
	}

	e.logger.Debug("placed limit order",
		"market", e.market.ID, "outcome", outcome, "side", side.String(),
		"uid", uid, "price", price, "size", size, "slot", slot)
	return slot, nil
}

// refundEscrow credits back exactly what a resident order escrowed at
// placement.
func (e *Engine) refundEscrow(pair *BookPair, side Side, o *Order) error {
	leg, escrow, err := e.escrowFor(pair, side, o.Price, o.Size)
	if err != nil {
		return err
	}
	if err := e.market.Ledger.Credit(o.UID, escrow, leg); err != nil {
		return fmt.Errorf("refund escrow for uid %d: %w", o.UID, err)
	}
	return nil
}

// CancelLimitOrder removes a resident order owned by uid and credits back its
// escrow.
func (e *Engine) CancelLimitOrder(uid uint64, outcome int, side Side, slot uint64) error {
	if e.isResolved() {
		return ErrMarketResolved
	}
	pair, err := e.market.Pair(outcome)
	if err != nil {
		return err
	}
	book := pair.side(side)
	order, err := book.Order(slot)
	if err != nil {
		return err
	}
	if order.UID != uid {
		return ErrUnauthorizedCancellation
	}
	if err := e.refundEscrow(pair, side, order); err != nil {
		return err
	}
	if err := book.RemoveOrder(slot); err != nil {
		return fmt.Errorf("remove cancelled order: %w", err)
	}
	e.logger.Debug("cancelled limit order",
		"market", e.market.ID, "outcome", outcome, "side", side.String(),
		"uid", uid, "slot", slot)
	return nil
}

// PlaceMarketOrder walks the contra book from best, filling resident orders
// until amount is exhausted or the book is empty. Makers are credited in the
// ledger per fill; the taker settles through the token backend after the
// walk: cost (buy) or filled size (sell) to the vault on the paid leg,
// matched proceeds from the vault on the received leg. The unmatched
// remainder is dropped, never rested.
//
// payFrom is the taker's account on the paid leg, receiveTo the taker's
// account on the received leg.
func (e *Engine) PlaceMarketOrder(ctx context.Context, uid uint64, outcome int, side Side, amount uint64, payFrom, receiveTo AccountID) (*FillReport, error) {
	if e.isResolved() {
		return nil, ErrMarketResolved
	}
	pair, err := e.market.Pair(outcome)
	if err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, ErrInvalidSize
	}
	taker, err := e.UserByUID(uid)
	if err != nil {
		return nil, err
	}
	baseLeg, err := e.market.legForBase(pair.BaseAsset)
	if err != nil {
		return nil, err
	}

	contra := pair.side(side.other())

	// Dry pass: totals with checked arithmetic so an overflow rejects the
	// whole order before any fill is applied.
	var filled, cost uint64
	remaining := amount
	for i := contra.Best; i != nilSlot && remaining > 0; i = contra.Orders[i].Next {
		o := &contra.Orders[i]
		fill := min(o.Size, remaining)
		c, ok := checkedMul(fill, o.Price)
		if !ok {
			return nil, ErrOverflow
		}
		if cost, ok = checkedAdd(cost, c); !ok {
			return nil, ErrOverflow
		}
		filled += fill
		remaining -= fill
	}
	if filled == 0 {
		return &FillReport{Remaining: amount}, nil
	}

	// Execute pass: decrement residents, credit makers, remove drained slots.
	report := &FillReport{}
	remaining = amount
	ts := e.now()
	for i := contra.Best; i != nilSlot && remaining > 0; {
		o := &contra.Orders[i]
		next := o.Next
		fill := min(o.Size, remaining)
		fillCost := fill * o.Price

		var makerLeg Leg
		var makerAmount uint64
		if side == Bid {
			// Taker buys: the resting seller's escrowed outcome tokens leave
			// the book, the seller is owed quote.
			makerLeg, makerAmount = LegQuote, fillCost
		} else {
			// Taker sells: the resting buyer's escrowed quote leaves the
			// book, the buyer is owed outcome tokens.
			makerLeg, makerAmount = baseLeg, fill
		}
		if err := e.market.Ledger.Credit(o.UID, makerAmount, makerLeg); err != nil {
			return nil, fmt.Errorf("credit maker uid %d: %w", o.UID, err)
		}

		trade := Trade{
			MarketID:  e.market.ID,
			Outcome:   outcome,
			TakerSide: side,
			Price:     o.Price,
			Size:      fill,
			MakerUID:  o.UID,
			TakerUID:  uid,
			Timestamp: ts,
		}

		o.Size -= fill
		if o.Size == 0 {
			// Remove the drained slot itself, then continue from its
			// recorded successor.
			if err := contra.RemoveOrder(i); err != nil {
				return nil, fmt.Errorf("remove drained order: %w", err)
			}
		}

		e.recordTrade(trade)
		report.Trades++
		remaining -= fill
		i = next
	}
	report.Filled = filled
	report.Remaining = remaining
	report.Cost = cost

	// Settle the taker's own funds. Book and ledger are consistent at this
	// point; a transfer failure aborts the operation with no partial
	// settlement.
	quoteAsset := e.market.QuoteAsset
	baseAsset := pair.BaseAsset
	quoteVault := e.market.Vaults.QuoteVault
	baseVault := e.market.legVault(baseLeg)
	auth := e.market.Vaults.Authority
	if side == Bid {
		if err := e.tokens.Transfer(ctx, quoteAsset, payFrom, quoteVault, cost); err != nil {
			return nil, fmt.Errorf("taker quote transfer: %w", err)
		}
		if err := e.tokens.TransferSigned(ctx, auth, baseAsset, baseVault, receiveTo, filled); err != nil {
			return nil, fmt.Errorf("vault base transfer: %w", err)
		}
	} else {
		if err := e.tokens.Transfer(ctx, baseAsset, payFrom, baseVault, filled); err != nil {
			return nil, fmt.Errorf("taker base transfer: %w", err)
		}
		if err := e.tokens.TransferSigned(ctx, auth, quoteAsset, quoteVault, receiveTo, cost); err != nil {
			return nil, fmt.Errorf("vault quote transfer: %w", err)
		}
	}

	taker.Volume += filled
	e.logger.Debug("market order executed",
		"market", e.market.ID, "outcome", outcome, "side", side.String(),
		"uid", uid, "filled", filled, "remaining", remaining, "cost", cost)
	return report, nil
}

// ClearExpiredOrders sweeps one outcome's books, removing every resident
// order whose expiry has passed and crediting back its escrow exactly as
// cancellation does. Returns the number of orders removed.
func (e *Engine) ClearExpiredOrders(outcome int) (int, error) {
	pair, err := e.market.Pair(outcome)
	if err != nil {
		return 0, err
	}
	now := uint64(e.now().Unix())
	removed := 0
	for _, side := range []Side{Bid, Ask} {
		book := pair.side(side)
		for i := book.Best; i != nilSlot; {
			o := &book.Orders[i]
			next := o.Next
			if o.ExpireAt != 0 && o.ExpireAt <= now {
				if err := e.refundEscrow(pair, side, o); err != nil {
					return removed, err
				}
				if err := book.RemoveOrder(i); err != nil {
					return removed, fmt.Errorf("remove expired order: %w", err)
				}
				removed++
			}
			i = next
		}
	}
	if removed > 0 {
		e.logger.Info("cleared expired orders",
			"market", e.market.ID, "outcome", outcome, "removed", removed)
	}
	return removed, nil
}

// DepositBalance moves tokens from the user's account into the leg's vault
// and credits the ledger to match.
func (e *Engine) DepositBalance(ctx context.Context, uid uint64, leg Leg, from AccountID, amount uint64) error {
	if e.isResolved() {
		return ErrMarketResolved
	}
	if _, err := e.market.Ledger.BalanceOf(uid); err != nil {
		return err
	}
	if !e.market.Ledger.CanCredit(uid, amount, leg) {
		return ErrOverflow
	}
	if err := e.tokens.Transfer(ctx, e.market.legAsset(leg), from, e.market.legVault(leg), amount); err != nil {
		return fmt.Errorf("deposit transfer: %w", err)
	}
	if err := e.market.Ledger.Credit(uid, amount, leg); err != nil {
		return fmt.Errorf("deposit credit after transfer: %w", err)
	}
	e.logger.Debug("deposit", "market", e.market.ID, "uid", uid, "leg", leg.String(), "amount", amount)
	return nil
}

// ClaimBalance debits the ledger and pays the user out of the leg's vault.
// Claims stay available after resolution so winners can exit.
func (e *Engine) ClaimBalance(ctx context.Context, uid uint64, leg Leg, to AccountID, amount uint64) error {
	if err := e.market.Ledger.Debit(uid, amount, leg); err != nil {
		return err
	}
	if err := e.tokens.TransferSigned(ctx, e.market.Vaults.Authority, e.market.legAsset(leg), e.market.legVault(leg), to, amount); err != nil {
		return fmt.Errorf("claim transfer: %w", err)
	}
	e.logger.Debug("claim", "market", e.market.ID, "uid", uid, "leg", leg.String(), "amount", amount)
	return nil
}

func (e *Engine) recordTrade(t Trade) {
	e.trades = append(e.trades, t)
	for _, fn := range e.hooks {
		fn(t)
	}
}

func (s Side) other() Side {
	if s == Bid {
		return Ask
	}
	return Bid
}
