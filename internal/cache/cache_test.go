package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRoundTripAndExpiry(t *testing.T) {
	m := NewMemory()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, AvailableKey(), []string{"a", "b"}, time.Minute))
	var got []string
	require.NoError(t, m.Get(ctx, AvailableKey(), &got))
	assert.Equal(t, []string{"a", "b"}, got)

	now = now.Add(time.Minute)
	assert.ErrorIs(t, m.Get(ctx, AvailableKey(), &got), ErrMiss)
}

func TestMemoryDeletePrefixKeepsDetails(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, AvailableKey(), 1, 0))
	require.NoError(t, m.Set(ctx, ReservationsKey("ngo-1"), 2, 0))
	require.NoError(t, m.Set(ctx, DonationKey("d1"), 3, 0))

	require.NoError(t, m.DeletePrefix(ctx, PrefixLists))
	var n int
	assert.ErrorIs(t, m.Get(ctx, AvailableKey(), &n), ErrMiss)
	assert.ErrorIs(t, m.Get(ctx, ReservationsKey("ngo-1"), &n), ErrMiss)
	require.NoError(t, m.Get(ctx, DonationKey("d1"), &n))
	assert.Equal(t, 3, n)

	require.NoError(t, m.Delete(ctx, DonationKey("d1")))
	assert.ErrorIs(t, m.Get(ctx, DonationKey("d1"), &n), ErrMiss)
}

func TestNewSelectsDriver(t *testing.T) {
	c, err := New(Options{Driver: "none"})
	require.NoError(t, err)
	assert.IsType(t, Nop{}, c)
	var v int
	assert.ErrorIs(t, c.Get(context.Background(), "k", &v), ErrMiss)

	c, err = New(Options{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, c)

	_, err = New(Options{Driver: "memcached"})
	assert.Error(t, err)
}
