package ember

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	return NewRegistry(AllowList("admin"), testLogger())
}

func TestAllowList(t *testing.T) {
	auth := AllowList("alice", "bob")
	assert.True(t, auth("alice"))
	assert.True(t, auth("bob"))
	assert.False(t, auth("mallory"))
	assert.False(t, auth(""))
}

func TestCreateMarketUnauthorized(t *testing.T) {
	r := newTestRegistry()
	_, err := r.CreateMarket("mallory", validParams(), testCondition(), testVaults(), NewMemoryTokenBackend())
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Empty(t, r.Markets())
}

func TestCreateMarketNilPredicateDeniesAll(t *testing.T) {
	r := NewRegistry(nil, testLogger())
	_, err := r.CreateMarket("admin", validParams(), testCondition(), testVaults(), NewMemoryTokenBackend())
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestCreateMarketValidatesParams(t *testing.T) {
	r := newTestRegistry()
	p := validParams()
	p.Duration = 0
	_, err := r.CreateMarket("admin", p, testCondition(), testVaults(), NewMemoryTokenBackend())
	assert.ErrorIs(t, err, ErrDurationTooShort)
}

func TestCreateMarketDuplicate(t *testing.T) {
	r := newTestRegistry()
	tokens := NewMemoryTokenBackend()

	_, err := r.CreateMarket("admin", validParams(), testCondition(), testVaults(), tokens)
	require.NoError(t, err)

	_, err = r.CreateMarket("admin", validParams(), testCondition(), testVaults(), tokens)
	assert.ErrorIs(t, err, ErrMarketExists)
}

func TestDoUnknownMarket(t *testing.T) {
	r := newTestRegistry()
	err := r.Do("no-such-market", func(*Engine) error {
		t.Fatal("fn must not run for an unknown market")
		return nil
	})
	assert.ErrorIs(t, err, ErrMarketNotFound)
}

func TestDoRunsAgainstEngine(t *testing.T) {
	r := newTestRegistry()
	eng, err := r.CreateMarket("admin", validParams(), testCondition(), testVaults(), NewMemoryTokenBackend())
	require.NoError(t, err)

	var seen *Engine
	require.NoError(t, r.Do("mkt-1", func(e *Engine) error {
		seen = e
		return nil
	}))
	assert.Same(t, eng, seen)
}

func TestMarketsSorted(t *testing.T) {
	r := newTestRegistry()
	for _, id := range []string{"zeta", "alpha", "mid"} {
		p := validParams()
		p.ID = id
		_, err := r.CreateMarket("admin", p, testCondition(), testVaults(), NewMemoryTokenBackend())
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, r.Markets())
}
