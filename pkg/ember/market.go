package ember

import (
	"time"
)

// Market creation constraints carried over from the admin path.
const (
	MinMarketDuration    = 8 * time.Hour
	MinRewardsMultiplier = 100 // units of 1/100, 100 means x1
	MaxQuestionLen       = 200
)

// BookPair is the bid/ask book pair for one outcome token traded against the
// market's quote asset.
type BookPair struct {
	Bids      *OrderBook
	Asks      *OrderBook
	BaseAsset AssetID
}

// NewBookPair creates an empty pair bound to its outcome token.
func NewBookPair(base AssetID) *BookPair {
	return &BookPair{
		Bids:      NewOrderBook(Bid),
		Asks:      NewOrderBook(Ask),
		BaseAsset: base,
	}
}

// side returns the pair's book for one side.
func (p *BookPair) side(s Side) *OrderBook {
	if s == Bid {
		return p.Bids
	}
	return p.Asks
}

// MarketParams are the admin-supplied inputs to market creation.
type MarketParams struct {
	ID                string
	Question          string
	Duration          time.Duration
	RewardsMultiplier uint64
	Creator           string
}

// VaultAccounts binds a market to its escrow token accounts.
type VaultAccounts struct {
	QuoteVault AccountID
	BaseVaults [2]AccountID
	Authority  AccountID
}

// Market associates one condition with its two outcome book pairs, its
// ledger, and the token identities the settlement collaborator needs. Both
// pairs share the single ledger.
type Market struct {
	ID                string
	Question          string
	ConditionID       string
	RewardsMultiplier uint64
	EndTime           uint64
	Creator           string
	Resolved          bool

	Books  [2]*BookPair
	Ledger *Ledger

	QuoteAsset    AssetID
	OutcomeAssets [2]AssetID
	Vaults        VaultAccounts
}

// NewMarket validates params against the admin constraints and binds the
// market to its backing condition and vaults.
func NewMarket(params MarketParams, cond *Condition, vaults VaultAccounts) (*Market, error) {
	if params.Duration < MinMarketDuration {
		return nil, ErrDurationTooShort
	}
	if params.RewardsMultiplier < MinRewardsMultiplier {
		return nil, ErrRewardsMultiplier
	}
	if len(params.Question) > MaxQuestionLen {
		return nil, ErrQuestionTooLong
	}

	outcomes := [2]AssetID{cond.Outcomes[0].TokenMint, cond.Outcomes[1].TokenMint}
	return &Market{
		ID:                params.ID,
		Question:          params.Question,
		ConditionID:       cond.ID,
		RewardsMultiplier: params.RewardsMultiplier,
		EndTime:           uint64(time.Now().Add(params.Duration).Unix()),
		Creator:           params.Creator,
		Books:             [2]*BookPair{NewBookPair(outcomes[0]), NewBookPair(outcomes[1])},
		Ledger:            NewLedger(),
		QuoteAsset:        cond.CollateralToken,
		OutcomeAssets:     outcomes,
		Vaults:            vaults,
	}, nil
}

// Pair returns the book pair for an outcome index.
func (m *Market) Pair(outcome int) (*BookPair, error) {
	if outcome < 0 || outcome >= len(m.Books) {
		return nil, ErrInvalidOutcome
	}
	return m.Books[outcome], nil
}

// legForBase maps a pair's outcome token to its ledger leg. A base asset
// that matches neither outcome is a binding mismatch.
func (m *Market) legForBase(base AssetID) (Leg, error) {
	switch base {
	case m.OutcomeAssets[0]:
		return LegOutcomeA, nil
	case m.OutcomeAssets[1]:
		return LegOutcomeB, nil
	default:
		return 0, ErrInvalidMarket
	}
}

// legAsset maps a ledger leg to its token mint.
func (m *Market) legAsset(leg Leg) AssetID {
	switch leg {
	case LegQuote:
		return m.QuoteAsset
	case LegOutcomeA:
		return m.OutcomeAssets[0]
	default:
		return m.OutcomeAssets[1]
	}
}

// legVault maps a ledger leg to the escrow vault holding that asset.
func (m *Market) legVault(leg Leg) AccountID {
	switch leg {
	case LegQuote:
		return m.Vaults.QuoteVault
	case LegOutcomeA:
		return m.Vaults.BaseVaults[0]
	default:
		return m.Vaults.BaseVaults[1]
	}
}

// EscrowTotals sums, per leg, the escrow held by every resident order across
// both book pairs: bids hold quote at price*size, asks hold their pair's
// outcome token at size. For each leg, ledger total plus escrow total equals
// the vault balance whenever all user funds entered through deposits.
func (m *Market) EscrowTotals() (map[Leg]uint64, error) {
	totals := map[Leg]uint64{LegQuote: 0, LegOutcomeA: 0, LegOutcomeB: 0}
	for _, pair := range m.Books {
		baseLeg, err := m.legForBase(pair.BaseAsset)
		if err != nil {
			return nil, err
		}
		for i := pair.Bids.Best; i != nilSlot; i = pair.Bids.Orders[i].Next {
			o := &pair.Bids.Orders[i]
			notional, ok := checkedMul(o.Price, o.Size)
			if !ok {
				return nil, ErrOverflow
			}
			totals[LegQuote] += notional
		}
		for i := pair.Asks.Best; i != nilSlot; i = pair.Asks.Orders[i].Next {
			totals[baseLeg] += pair.Asks.Orders[i].Size
		}
	}
	return totals, nil
}

// ConfirmBaseVault reports whether an external base account is the vault
// bound to the given pair's outcome token.
func (m *Market) ConfirmBaseVault(pair *BookPair, account AccountID) bool {
	switch pair {
	case m.Books[0]:
		return account == m.Vaults.BaseVaults[0]
	case m.Books[1]:
		return account == m.Vaults.BaseVaults[1]
	default:
		return false
	}
}
