package ember

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerRegisterAssignsDenseUIDs(t *testing.T) {
	l := NewLedger()
	for want := uint64(1); want <= 5; want++ {
		uid, err := l.Register()
		require.NoError(t, err)
		assert.Equal(t, want, uid)
	}
	assert.Equal(t, uint64(5), l.Registered())
}

func TestLedgerFull(t *testing.T) {
	l := NewLedger()
	for i := 0; i < MaxLedgerUsers-1; i++ {
		_, err := l.Register()
		require.NoError(t, err)
	}
	_, err := l.Register()
	assert.ErrorIs(t, err, ErrLedgerFull)
}

func TestLedgerDebitCredit(t *testing.T) {
	l := NewLedger()
	uid, err := l.Register()
	require.NoError(t, err)

	require.NoError(t, l.Credit(uid, 100, LegQuote))
	require.NoError(t, l.Credit(uid, 40, LegOutcomeA))

	bal, err := l.BalanceOf(uid)
	require.NoError(t, err)
	assert.Equal(t, Balance{Quote: 100, OutcomeA: 40}, bal)

	require.NoError(t, l.Debit(uid, 60, LegQuote))
	bal, _ = l.BalanceOf(uid)
	assert.Equal(t, uint64(40), bal.Quote)
	assert.Equal(t, uint64(40), bal.OutcomeA)
	assert.Equal(t, uint64(0), bal.OutcomeB)
}

func TestLedgerDebitInsufficientLeavesBalanceUntouched(t *testing.T) {
	l := NewLedger()
	uid, _ := l.Register()
	require.NoError(t, l.Credit(uid, 50, LegOutcomeB))

	err := l.Debit(uid, 51, LegOutcomeB)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	bal, _ := l.BalanceOf(uid)
	assert.Equal(t, uint64(50), bal.OutcomeB)
	assert.False(t, l.CanDebit(uid, 51, LegOutcomeB))
	assert.True(t, l.CanDebit(uid, 50, LegOutcomeB))
}

func TestLedgerCreditOverflow(t *testing.T) {
	l := NewLedger()
	uid, _ := l.Register()
	require.NoError(t, l.Credit(uid, math.MaxUint64, LegQuote))

	err := l.Credit(uid, 1, LegQuote)
	assert.ErrorIs(t, err, ErrOverflow)
	assert.False(t, l.CanCredit(uid, 1, LegQuote))

	bal, _ := l.BalanceOf(uid)
	assert.Equal(t, uint64(math.MaxUint64), bal.Quote)
}

func TestLedgerUnknownUID(t *testing.T) {
	l := NewLedger()
	assert.ErrorIs(t, l.Credit(7, 1, LegQuote), ErrUnknownUser)
	assert.ErrorIs(t, l.Debit(0, 1, LegQuote), ErrUnknownUser)
	_, err := l.BalanceOf(1)
	assert.ErrorIs(t, err, ErrUnknownUser)
	assert.False(t, l.CanDebit(0, 0, LegQuote))
}

func TestLedgerTotalOf(t *testing.T) {
	l := NewLedger()
	a, _ := l.Register()
	b, _ := l.Register()
	require.NoError(t, l.Credit(a, 30, LegQuote))
	require.NoError(t, l.Credit(b, 12, LegQuote))
	require.NoError(t, l.Credit(b, 9, LegOutcomeA))

	assert.Equal(t, uint64(42), l.TotalOf(LegQuote))
	assert.Equal(t, uint64(9), l.TotalOf(LegOutcomeA))
	assert.Equal(t, uint64(0), l.TotalOf(LegOutcomeB))
}
