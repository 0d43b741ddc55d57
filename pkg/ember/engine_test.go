package ember

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() log.Logger {
	level, _ := log.ToLevel("debug")
	return log.NewTestLogger(level)
}

func testCondition() *Condition {
	return &Condition{
		ID:     "cond-1",
		Name:   "btc-100k",
		Active: true,
		Outcomes: [2]Outcome{
			{Name: "YES", TokenMint: "YES"},
			{Name: "NO", TokenMint: "NO"},
		},
		CollateralToken:     "USDC",
		CollateralPerTicket: 100,
		ResolutionAuth:      "resolver",
		CollateralVault:     "collateral-vault",
	}
}

func testVaults() VaultAccounts {
	return VaultAccounts{
		QuoteVault: "quote-vault",
		BaseVaults: [2]AccountID{"yes-vault", "no-vault"},
		Authority:  "market-auth",
	}
}

func newTestEngine(t testing.TB) (*Engine, *MemoryTokenBackend, *Condition) {
	t.Helper()
	cond := testCondition()
	market, err := NewMarket(MarketParams{
		ID:                "mkt-1",
		Question:          "Will BTC close above 100k?",
		Duration:          24 * time.Hour,
		RewardsMultiplier: 100,
		Creator:           "admin",
	}, cond, testVaults())
	require.NoError(t, err)

	tokens := NewMemoryTokenBackend()
	return NewEngine(market, cond, tokens, testLogger()), tokens, cond
}

func acct(owner string, asset AssetID) AccountID {
	return AccountID(owner + ":" + string(asset))
}

// fundUser registers owner and deposits the given balances through the token
// backend so vault holdings stay consistent with the ledger.
func fundUser(t testing.TB, e *Engine, tokens *MemoryTokenBackend, owner string, quote, outcomeA, outcomeB uint64) uint64 {
	t.Helper()
	u, err := e.RegisterUser(owner)
	require.NoError(t, err)

	ctx := context.Background()
	deposits := []struct {
		leg    Leg
		asset  AssetID
		amount uint64
	}{
		{LegQuote, e.Market().QuoteAsset, quote},
		{LegOutcomeA, e.Market().OutcomeAssets[0], outcomeA},
		{LegOutcomeB, e.Market().OutcomeAssets[1], outcomeB},
	}
	for _, d := range deposits {
		if d.amount == 0 {
			continue
		}
		tokens.Mint(d.asset, acct(owner, d.asset), d.amount)
		require.NoError(t, e.DepositBalance(ctx, u.UID, d.leg, acct(owner, d.asset), d.amount))
	}
	return u.UID
}

func balanceOf(t *testing.T, e *Engine, uid uint64) Balance {
	t.Helper()
	bal, err := e.Ledger().BalanceOf(uid)
	require.NoError(t, err)
	return bal
}

func TestRegisterUserIdempotent(t *testing.T) {
	e, _, _ := newTestEngine(t)
	a, err := e.RegisterUser("alice")
	require.NoError(t, err)
	b, err := e.RegisterUser("alice")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, uint64(1), a.UID)

	c, err := e.RegisterUser("bob")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), c.UID)
}

func TestPlaceLimitBidDebitsQuote(t *testing.T) {
	e, tokens, _ := newTestEngine(t)
	uid := fundUser(t, e, tokens, "alice", 1000, 0, 0)

	slot, err := e.PlaceLimitOrder(uid, 0, Bid, 5, 10, 0)
	require.NoError(t, err)

	assert.Equal(t, uint64(950), balanceOf(t, e, uid).Quote)
	order, err := e.Market().Books[0].Bids.Order(slot)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), order.Price)
	assert.Equal(t, uint64(10), order.Size)
	assert.Equal(t, uid, order.UID)
}

func TestPlaceLimitAskDebitsOutcomeLeg(t *testing.T) {
	e, tokens, _ := newTestEngine(t)
	uid := fundUser(t, e, tokens, "bob", 0, 25, 30)

	_, err := e.PlaceLimitOrder(uid, 0, Ask, 5, 10, 0)
	require.NoError(t, err)
	bal := balanceOf(t, e, uid)
	assert.Equal(t, uint64(15), bal.OutcomeA)
	assert.Equal(t, uint64(30), bal.OutcomeB)

	_, err = e.PlaceLimitOrder(uid, 1, Ask, 7, 30, 0)
	require.NoError(t, err)
	bal = balanceOf(t, e, uid)
	assert.Equal(t, uint64(15), bal.OutcomeA)
	assert.Equal(t, uint64(0), bal.OutcomeB)
}

func TestPlaceLimitInsufficientFundsMutatesNothing(t *testing.T) {
	e, tokens, _ := newTestEngine(t)
	uid := fundUser(t, e, tokens, "alice", 49, 0, 0)

	_, err := e.PlaceLimitOrder(uid, 0, Bid, 5, 10, 0)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, 0, e.Market().Books[0].Bids.Len())
	assert.Equal(t, uint64(49), balanceOf(t, e, uid).Quote)
}

func TestPlaceLimitUnknownUser(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.PlaceLimitOrder(42, 0, Bid, 5, 10, 0)
	assert.ErrorIs(t, err, ErrUnknownUser)
}

func TestPlaceLimitInvalidOutcome(t *testing.T) {
	e, tokens, _ := newTestEngine(t)
	uid := fundUser(t, e, tokens, "alice", 100, 0, 0)
	_, err := e.PlaceLimitOrder(uid, 2, Bid, 5, 10, 0)
	assert.ErrorIs(t, err, ErrInvalidOutcome)
}

func TestNoSelfCross(t *testing.T) {
	e, tokens, _ := newTestEngine(t)
	seller := fundUser(t, e, tokens, "bob", 0, 100, 0)
	buyer := fundUser(t, e, tokens, "alice", 1000, 0, 0)

	_, err := e.PlaceLimitOrder(seller, 0, Ask, 5, 10, 0)
	require.NoError(t, err)

	// A bid at or above the best resident ask would match: rejected.
	_, err = e.PlaceLimitOrder(buyer, 0, Bid, 5, 1, 0)
	assert.ErrorIs(t, err, ErrPriceCrossesSpread)
	_, err = e.PlaceLimitOrder(buyer, 0, Bid, 6, 1, 0)
	assert.ErrorIs(t, err, ErrPriceCrossesSpread)
	_, err = e.PlaceLimitOrder(buyer, 0, Bid, 4, 1, 0)
	require.NoError(t, err)

	// Symmetric for asks against the best resident bid.
	_, err = e.PlaceLimitOrder(seller, 0, Ask, 4, 1, 0)
	assert.ErrorIs(t, err, ErrPriceCrossesSpread)
	_, err = e.PlaceLimitOrder(seller, 0, Ask, 3, 1, 0)
	assert.ErrorIs(t, err, ErrPriceCrossesSpread)
	_, err = e.PlaceLimitOrder(seller, 0, Ask, 6, 1, 0)
	require.NoError(t, err)
}

func TestEmptyContraBookNeverRejects(t *testing.T) {
	e, tokens, _ := newTestEngine(t)
	uid := fundUser(t, e, tokens, "alice", 1000, 0, 0)
	_, err := e.PlaceLimitOrder(uid, 0, Bid, 999, 1, 0)
	require.NoError(t, err)
}

func TestEscrowRoundTrip(t *testing.T) {
	e, tokens, _ := newTestEngine(t)
	uid := fundUser(t, e, tokens, "alice", 1000, 50, 0)
	before := balanceOf(t, e, uid)

	slot, err := e.PlaceLimitOrder(uid, 0, Bid, 7, 11, 0)
	require.NoError(t, err)
	assert.Equal(t, before.Quote-77, balanceOf(t, e, uid).Quote)
	require.NoError(t, e.CancelLimitOrder(uid, 0, Bid, slot))
	assert.Equal(t, before, balanceOf(t, e, uid))

	slot, err = e.PlaceLimitOrder(uid, 0, Ask, 7, 11, 0)
	require.NoError(t, err)
	assert.Equal(t, before.OutcomeA-11, balanceOf(t, e, uid).OutcomeA)
	require.NoError(t, e.CancelLimitOrder(uid, 0, Ask, slot))
	assert.Equal(t, before, balanceOf(t, e, uid))

	assert.Equal(t, 0, e.Market().Books[0].Bids.Len())
	assert.Equal(t, 0, e.Market().Books[0].Asks.Len())
}

func TestCancelUnauthorized(t *testing.T) {
	e, tokens, _ := newTestEngine(t)
	alice := fundUser(t, e, tokens, "alice", 1000, 0, 0)
	bob := fundUser(t, e, tokens, "bob", 1000, 0, 0)

	slot, err := e.PlaceLimitOrder(alice, 0, Bid, 5, 10, 0)
	require.NoError(t, err)

	err = e.CancelLimitOrder(bob, 0, Bid, slot)
	assert.ErrorIs(t, err, ErrUnauthorizedCancellation)

	_, err = e.Market().Books[0].Bids.Order(slot)
	assert.NoError(t, err, "order must remain resident")
	assert.Equal(t, uint64(1000), balanceOf(t, e, bob).Quote)
}

func TestCancelMissingOrder(t *testing.T) {
	e, tokens, _ := newTestEngine(t)
	uid := fundUser(t, e, tokens, "alice", 100, 0, 0)
	err := e.CancelLimitOrder(uid, 0, Bid, 3)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestMarketOrderPartialFill(t *testing.T) {
	e, tokens, _ := newTestEngine(t)
	seller := fundUser(t, e, tokens, "bob", 0, 10, 0)
	taker, err := e.RegisterUser("alice")
	require.NoError(t, err)

	_, err = e.PlaceLimitOrder(seller, 0, Ask, 5, 10, 0)
	require.NoError(t, err)

	quote := e.Market().QuoteAsset
	yes := e.Market().OutcomeAssets[0]
	tokens.Mint(quote, acct("alice", quote), 100)

	report, err := e.PlaceMarketOrder(context.Background(), taker.UID, 0, Bid, 15,
		acct("alice", quote), acct("alice", yes))
	require.NoError(t, err)

	assert.Equal(t, uint64(10), report.Filled)
	assert.Equal(t, uint64(5), report.Remaining, "unmatched remainder is dropped, not rested")
	assert.Equal(t, uint64(50), report.Cost)
	assert.Equal(t, 1, report.Trades)

	// Resting seller is owed quote in the ledger.
	assert.Equal(t, uint64(50), balanceOf(t, e, seller).Quote)
	// Ask book is empty.
	assert.Equal(t, 0, e.Market().Books[0].Asks.Len())
	assert.Equal(t, uint64(nilSlot), e.Market().Books[0].Asks.Best)
	// Taker settled through the vaults.
	assert.Equal(t, uint64(50), tokens.Balance(quote, acct("alice", quote)))
	assert.Equal(t, uint64(10), tokens.Balance(yes, acct("alice", yes)))
	assert.Equal(t, uint64(50), tokens.Balance(quote, e.Market().Vaults.QuoteVault))
	assert.Equal(t, uint64(0), tokens.Balance(yes, e.Market().Vaults.BaseVaults[0]))

	assert.Equal(t, uint64(10), taker.Volume)
	require.Len(t, e.Trades(), 1)
	trade := e.Trades()[0]
	assert.Equal(t, uint64(5), trade.Price)
	assert.Equal(t, uint64(10), trade.Size)
	assert.Equal(t, seller, trade.MakerUID)
	assert.Equal(t, taker.UID, trade.TakerUID)
}

func TestMarketOrderWalksBestFirst(t *testing.T) {
	e, tokens, _ := newTestEngine(t)
	seller := fundUser(t, e, tokens, "bob", 0, 30, 0)
	taker, err := e.RegisterUser("alice")
	require.NoError(t, err)

	// Asks at 7, 5, 6 rest in price order 5, 6, 7.
	for _, price := range []uint64{7, 5, 6} {
		_, err := e.PlaceLimitOrder(seller, 0, Ask, price, 10, 0)
		require.NoError(t, err)
	}

	quote := e.Market().QuoteAsset
	yes := e.Market().OutcomeAssets[0]
	tokens.Mint(quote, acct("alice", quote), 1000)

	report, err := e.PlaceMarketOrder(context.Background(), taker.UID, 0, Bid, 15,
		acct("alice", quote), acct("alice", yes))
	require.NoError(t, err)

	// 10 at 5, then 5 at 6.
	assert.Equal(t, uint64(15), report.Filled)
	assert.Equal(t, uint64(0), report.Remaining)
	assert.Equal(t, uint64(80), report.Cost)
	assert.Equal(t, 2, report.Trades)

	// The partially drained ask at 6 shrank in place; the ask at 7 is
	// untouched.
	asks := e.Market().Books[0].Asks
	assert.Equal(t, 2, asks.Len())
	best := asks.BestOrder()
	require.NotNil(t, best)
	assert.Equal(t, uint64(6), best.Price)
	assert.Equal(t, uint64(5), best.Size)
	assert.Equal(t, uint64(80), balanceOf(t, e, seller).Quote)
}

func TestMarketSellWalksBids(t *testing.T) {
	e, tokens, _ := newTestEngine(t)
	buyer := fundUser(t, e, tokens, "alice", 1000, 0, 0)
	taker, err := e.RegisterUser("bob")
	require.NoError(t, err)

	_, err = e.PlaceLimitOrder(buyer, 1, Bid, 4, 20, 0)
	require.NoError(t, err)

	quote := e.Market().QuoteAsset
	no := e.Market().OutcomeAssets[1]
	tokens.Mint(no, acct("bob", no), 8)

	report, err := e.PlaceMarketOrder(context.Background(), taker.UID, 1, Ask, 8,
		acct("bob", no), acct("bob", quote))
	require.NoError(t, err)

	assert.Equal(t, uint64(8), report.Filled)
	assert.Equal(t, uint64(32), report.Cost)

	// The resting buyer is owed outcome-B tokens in the ledger.
	assert.Equal(t, uint64(8), balanceOf(t, e, buyer).OutcomeB)
	// Taker received quote out of the vault and paid outcome tokens in.
	assert.Equal(t, uint64(32), tokens.Balance(quote, acct("bob", quote)))
	assert.Equal(t, uint64(0), tokens.Balance(no, acct("bob", no)))
	assert.Equal(t, uint64(8), tokens.Balance(no, e.Market().Vaults.BaseVaults[1]))

	// The bid shrank in place.
	bid := e.Market().Books[1].Bids.BestOrder()
	require.NotNil(t, bid)
	assert.Equal(t, uint64(12), bid.Size)
}

func TestMarketOrderEmptyBook(t *testing.T) {
	e, _, _ := newTestEngine(t)
	taker, err := e.RegisterUser("alice")
	require.NoError(t, err)

	report, err := e.PlaceMarketOrder(context.Background(), taker.UID, 0, Bid, 15, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), report.Filled)
	assert.Equal(t, uint64(15), report.Remaining)
	assert.Empty(t, e.Trades())
}

func TestFullBookEvictionRefundsEscrow(t *testing.T) {
	e, tokens, _ := newTestEngine(t)
	maker := fundUser(t, e, tokens, "alice", 100000, 0, 0)
	rival := fundUser(t, e, tokens, "bob", 100000, 0, 0)

	for k := 0; k < BookCapacity-1; k++ {
		_, err := e.PlaceLimitOrder(maker, 0, Bid, uint64(100+k), 1, 0)
		require.NoError(t, err)
	}
	makerBefore := balanceOf(t, e, maker).Quote

	// Outranks the worst resident bid at 100: evicts it, refunding 100.
	_, err := e.PlaceLimitOrder(rival, 0, Bid, 300, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, makerBefore+100, balanceOf(t, e, maker).Quote)
	assert.Equal(t, BookCapacity-1, e.Market().Books[0].Bids.Len())

	// Does not outrank the new worst (101): rejected, nothing moves.
	rivalBefore := balanceOf(t, e, rival).Quote
	_, err = e.PlaceLimitOrder(rival, 0, Bid, 101, 1, 0)
	assert.ErrorIs(t, err, ErrBookFull)
	assert.Equal(t, rivalBefore, balanceOf(t, e, rival).Quote)
}

func TestFullBookEvictionRefundOverflowRejected(t *testing.T) {
	e, tokens, _ := newTestEngine(t)
	maker := fundUser(t, e, tokens, "alice", 100000, 0, 0)
	rival := fundUser(t, e, tokens, "bob", 100000, 0, 0)

	for k := 0; k < BookCapacity-1; k++ {
		_, err := e.PlaceLimitOrder(maker, 0, Bid, uint64(100+k), 1, 0)
		require.NoError(t, err)
	}

	// Push the maker's quote balance to the ceiling so the eviction refund
	// of the worst bid would wrap.
	headroom := math.MaxUint64 - balanceOf(t, e, maker).Quote
	require.NoError(t, e.Ledger().Credit(maker, headroom, LegQuote))

	rivalBefore := balanceOf(t, e, rival).Quote
	_, err := e.PlaceLimitOrder(rival, 0, Bid, 300, 1, 0)
	assert.ErrorIs(t, err, ErrOverflow)

	// The book and every balance are exactly as before the attempt.
	bids := e.Market().Books[0].Bids
	assert.Equal(t, BookCapacity-1, bids.Len())
	assert.Equal(t, uint64(100), bids.WorstOrder().Price)
	assert.Equal(t, uint64(math.MaxUint64), balanceOf(t, e, maker).Quote)
	assert.Equal(t, rivalBefore, balanceOf(t, e, rival).Quote)
}

func TestEvictionHookSeesEvictedOrder(t *testing.T) {
	e, tokens, _ := newTestEngine(t)
	maker := fundUser(t, e, tokens, "alice", 100000, 0, 0)
	rival := fundUser(t, e, tokens, "bob", 100000, 0, 0)

	var evictions []Order
	e.OnEvict(func(o Order) { evictions = append(evictions, o) })

	for k := 0; k < BookCapacity-1; k++ {
		_, err := e.PlaceLimitOrder(maker, 0, Bid, uint64(100+k), 1, 0)
		require.NoError(t, err)
	}
	assert.Empty(t, evictions)

	_, err := e.PlaceLimitOrder(rival, 0, Bid, 300, 1, 0)
	require.NoError(t, err)
	require.Len(t, evictions, 1)
	assert.Equal(t, uint64(100), evictions[0].Price)
	assert.Equal(t, maker, evictions[0].UID)
}

func TestClearExpiredOrders(t *testing.T) {
	e, tokens, _ := newTestEngine(t)
	uid := fundUser(t, e, tokens, "alice", 1000, 50, 0)

	now := time.Unix(1_700_000_000, 0)
	e.SetClock(func() time.Time { return now })

	_, err := e.PlaceLimitOrder(uid, 0, Bid, 5, 10, time.Minute)
	require.NoError(t, err)
	_, err = e.PlaceLimitOrder(uid, 0, Ask, 9, 7, 30*time.Second)
	require.NoError(t, err)
	keeper, err := e.PlaceLimitOrder(uid, 0, Bid, 4, 2, 0)
	require.NoError(t, err)

	// Nothing has expired yet.
	removed, err := e.ClearExpiredOrders(0)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	now = now.Add(2 * time.Minute)
	removed, err = e.ClearExpiredOrders(0)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	bal := balanceOf(t, e, uid)
	assert.Equal(t, uint64(1000-4*2), bal.Quote, "expired escrow credited back like cancellation")
	assert.Equal(t, uint64(50), bal.OutcomeA)

	_, err = e.Market().Books[0].Bids.Order(keeper)
	assert.NoError(t, err, "order without expiry survives the sweep")
	assert.Equal(t, 0, e.Market().Books[0].Asks.Len())
}

func TestResolvedMarketRejectsMatching(t *testing.T) {
	e, tokens, cond := newTestEngine(t)
	uid := fundUser(t, e, tokens, "alice", 1000, 0, 0)

	cond.Active = false
	cond.Outcomes[0].Winner = true

	_, err := e.PlaceLimitOrder(uid, 0, Bid, 5, 10, 0)
	assert.ErrorIs(t, err, ErrMarketResolved)
	_, err = e.PlaceMarketOrder(context.Background(), uid, 0, Bid, 10, "a", "b")
	assert.ErrorIs(t, err, ErrMarketResolved)
	err = e.DepositBalance(context.Background(), uid, LegQuote, acct("alice", "USDC"), 1)
	assert.ErrorIs(t, err, ErrMarketResolved)

	// Claims stay open so balances can exit.
	quote := e.Market().QuoteAsset
	require.NoError(t, e.ClaimBalance(context.Background(), uid, LegQuote, acct("alice", quote), 400))
	assert.Equal(t, uint64(600), balanceOf(t, e, uid).Quote)
	assert.Equal(t, uint64(400), tokens.Balance(quote, acct("alice", quote)))

	winner, ok := cond.WinningOutcome()
	require.True(t, ok)
	assert.Equal(t, 0, winner)
}

func TestDepositClaimRoundTrip(t *testing.T) {
	e, tokens, _ := newTestEngine(t)
	u, err := e.RegisterUser("alice")
	require.NoError(t, err)

	ctx := context.Background()
	quote := e.Market().QuoteAsset
	tokens.Mint(quote, acct("alice", quote), 100)

	require.NoError(t, e.DepositBalance(ctx, u.UID, LegQuote, acct("alice", quote), 100))
	assert.Equal(t, uint64(100), balanceOf(t, e, u.UID).Quote)
	assert.Equal(t, uint64(100), tokens.Balance(quote, e.Market().Vaults.QuoteVault))

	require.NoError(t, e.ClaimBalance(ctx, u.UID, LegQuote, acct("alice", quote), 40))
	assert.Equal(t, uint64(60), balanceOf(t, e, u.UID).Quote)
	assert.Equal(t, uint64(60), tokens.Balance(quote, e.Market().Vaults.QuoteVault))
	assert.Equal(t, uint64(40), tokens.Balance(quote, acct("alice", quote)))

	err = e.ClaimBalance(ctx, u.UID, LegQuote, acct("alice", quote), 61)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestDepositInsufficientTokens(t *testing.T) {
	e, _, _ := newTestEngine(t)
	u, err := e.RegisterUser("alice")
	require.NoError(t, err)

	err = e.DepositBalance(context.Background(), u.UID, LegQuote, acct("alice", "USDC"), 5)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, uint64(0), balanceOf(t, e, u.UID).Quote)
}

func TestPlaceLimitOverflowRejected(t *testing.T) {
	e, tokens, _ := newTestEngine(t)
	uid := fundUser(t, e, tokens, "alice", 1000, 0, 0)

	_, err := e.PlaceLimitOrder(uid, 0, Bid, math.MaxUint64/2, 3, 0)
	assert.ErrorIs(t, err, ErrOverflow)
	assert.Equal(t, uint64(1000), balanceOf(t, e, uid).Quote)
	assert.Equal(t, 0, e.Market().Books[0].Bids.Len())
}

// checkConservation asserts that, per leg, ledger balances plus resident
// escrow equal the vault's token holdings.
func checkConservation(t *testing.T, e *Engine, tokens *MemoryTokenBackend) {
	t.Helper()
	escrow, err := e.Market().EscrowTotals()
	require.NoError(t, err)
	for _, leg := range []Leg{LegQuote, LegOutcomeA, LegOutcomeB} {
		vault := tokens.Balance(e.Market().legAsset(leg), e.Market().legVault(leg))
		assert.Equal(t, vault, e.Ledger().TotalOf(leg)+escrow[leg],
			"leg %s: ledger+escrow must equal vault", leg)
	}
}

func TestConservationUnderRandomOperations(t *testing.T) {
	e, tokens, _ := newTestEngine(t)

	makers := []uint64{
		fundUser(t, e, tokens, "alice", 1_000_000, 500, 500),
		fundUser(t, e, tokens, "bob", 1_000_000, 500, 500),
		fundUser(t, e, tokens, "carol", 1_000_000, 500, 500),
	}
	taker, err := e.RegisterUser("dave")
	require.NoError(t, err)
	quote := e.Market().QuoteAsset
	for _, outcomeAsset := range e.Market().OutcomeAssets {
		tokens.Mint(outcomeAsset, acct("dave", outcomeAsset), 10_000)
	}
	tokens.Mint(quote, acct("dave", quote), 10_000_000)

	rng := uint64(88172645463325252)
	next := func() uint64 {
		rng ^= rng << 13
		rng ^= rng >> 7
		rng ^= rng << 17
		return rng
	}

	type placed struct {
		outcome int
		side    Side
		slot    uint64
		uid     uint64
	}
	var open []placed
	ctx := context.Background()

	for step := 0; step < 1500; step++ {
		outcome := int(next() % 2)
		uid := makers[next()%3]
		switch next() % 5 {
		case 0, 1: // limit order
			side := Side(next() % 2)
			price := next()%20 + 1
			size := next()%10 + 1
			slot, err := e.PlaceLimitOrder(uid, outcome, side, price, size, 0)
			if err == nil {
				open = append(open, placed{outcome, side, slot, uid})
			}
		case 2: // cancel
			if len(open) > 0 {
				k := int(next() % uint64(len(open)))
				p := open[k]
				// The slot may have been filled, evicted, or reused; only a
				// still-owned resident cancels cleanly.
				_ = e.CancelLimitOrder(p.uid, p.outcome, p.side, p.slot)
				open = append(open[:k], open[k+1:]...)
			}
		case 3: // market buy
			amount := next()%30 + 1
			base := e.Market().OutcomeAssets[outcome]
			_, err := e.PlaceMarketOrder(ctx, taker.UID, outcome, Bid, amount,
				acct("dave", quote), acct("dave", base))
			require.NoError(t, err)
		case 4: // market sell
			amount := next()%30 + 1
			base := e.Market().OutcomeAssets[outcome]
			_, err := e.PlaceMarketOrder(ctx, taker.UID, outcome, Ask, amount,
				acct("dave", base), acct("dave", quote))
			require.NoError(t, err)
		}

		if step%100 == 0 {
			checkConservation(t, e, tokens)
			verifyChain(t, e.Market().Books[outcome].Bids)
			verifyChain(t, e.Market().Books[outcome].Asks)
		}
	}
	checkConservation(t, e, tokens)
	for _, pair := range e.Market().Books {
		verifyChain(t, pair.Bids)
		verifyChain(t, pair.Asks)
	}
}
