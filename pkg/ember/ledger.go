package ember

// MaxLedgerUsers caps the number of dense uids a market's ledger can assign.
// uid 0 is reserved so that an order slot with UID 0 reads as free.
const MaxLedgerUsers = 1024

// Balance holds one user's three asset legs.
type Balance struct {
	Quote    uint64 `json:"quote"`
	OutcomeA uint64 `json:"outcomeA"`
	OutcomeB uint64 `json:"outcomeB"`
}

func (bal *Balance) leg(l Leg) *uint64 {
	switch l {
	case LegQuote:
		return &bal.Quote
	case LegOutcomeA:
		return &bal.OutcomeA
	default:
		return &bal.OutcomeB
	}
}

// Get returns the balance of one leg.
func (bal *Balance) Get(l Leg) uint64 {
	return *bal.leg(l)
}

// Ledger is the fixed-capacity per-user balance table backing a market's
// escrow. uids are assigned monotonically starting at 1.
type Ledger struct {
	idx   uint64
	users [MaxLedgerUsers]Balance
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{}
}

// Register assigns the next dense uid.
func (l *Ledger) Register() (uint64, error) {
	if l.idx+1 >= MaxLedgerUsers {
		return 0, ErrLedgerFull
	}
	l.idx++
	return l.idx, nil
}

// Registered returns the number of assigned uids.
func (l *Ledger) Registered() uint64 {
	return l.idx
}

func (l *Ledger) row(uid uint64) (*Balance, error) {
	if uid == 0 || uid > l.idx {
		return nil, ErrUnknownUser
	}
	return &l.users[uid], nil
}

// Debit subtracts amount from one leg, failing with ErrInsufficientFunds if
// the result would go negative. The balance is untouched on failure.
func (l *Ledger) Debit(uid, amount uint64, leg Leg) error {
	row, err := l.row(uid)
	if err != nil {
		return err
	}
	cur := row.leg(leg)
	if *cur < amount {
		return ErrInsufficientFunds
	}
	*cur -= amount
	return nil
}

// CanDebit reports whether a Debit with the same arguments would succeed.
func (l *Ledger) CanDebit(uid, amount uint64, leg Leg) bool {
	row, err := l.row(uid)
	return err == nil && row.Get(leg) >= amount
}

// Credit adds amount to one leg with checked addition; a wrap surfaces as
// ErrOverflow rather than corrupting the balance.
func (l *Ledger) Credit(uid, amount uint64, leg Leg) error {
	row, err := l.row(uid)
	if err != nil {
		return err
	}
	cur := row.leg(leg)
	sum, ok := checkedAdd(*cur, amount)
	if !ok {
		return ErrOverflow
	}
	*cur = sum
	return nil
}

// CanCredit reports whether a Credit with the same arguments would succeed.
func (l *Ledger) CanCredit(uid, amount uint64, leg Leg) bool {
	row, err := l.row(uid)
	if err != nil {
		return false
	}
	_, ok := checkedAdd(row.Get(leg), amount)
	return ok
}

// BalanceOf returns a copy of a user's balances.
func (l *Ledger) BalanceOf(uid uint64) (Balance, error) {
	row, err := l.row(uid)
	if err != nil {
		return Balance{}, err
	}
	return *row, nil
}

// TotalOf sums one leg across every registered user. Together with the
// matching vault balance the sum is invariant across engine operations.
func (l *Ledger) TotalOf(leg Leg) uint64 {
	var total uint64
	for uid := uint64(1); uid <= l.idx; uid++ {
		total += l.users[uid].Get(leg)
	}
	return total
}
