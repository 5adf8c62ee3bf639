package auth

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedline/feedline/internal/cache"
	"github.com/feedline/feedline/internal/metrics"
)

func newLimiter(t *testing.T) (*Limiter, redismock.ClientMock) {
	t.Helper()
	db, mock := redismock.NewClientMock()
	c := cache.NewWithClients(db, db, db, 60*time.Second)
	return NewLimiter(c, metrics.NewRegistry()), mock
}

func TestCheckUnderLimit(t *testing.T) {
	l, mock := newLimiter(t)
	id := Identity{Key: "k1", Tier: TierPublic, RateLimit: 1000}
	key := cache.RateLimitKey("k1")

	mock.ExpectIncr(key).SetVal(10)
	mock.ExpectTTL(key).SetVal(45 * time.Second)

	d := l.Check(context.Background(), id)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1000, d.Limit)
	assert.Equal(t, 990, d.Remaining)
	assert.Zero(t, d.RetryAfter)
}

func TestCheckOverLimit(t *testing.T) {
	l, mock := newLimiter(t)
	id := Identity{Key: "k1", Tier: TierPublic, RateLimit: 1000}
	key := cache.RateLimitKey("k1")

	mock.ExpectIncr(key).SetVal(1001)
	mock.ExpectTTL(key).SetVal(30 * time.Second)

	d := l.Check(context.Background(), id)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, 30*time.Second, d.RetryAfter)
}

func TestCheckExactLimitAllowed(t *testing.T) {
	l, mock := newLimiter(t)
	id := Identity{Key: "k1", Tier: TierPublic, RateLimit: 1000}
	key := cache.RateLimitKey("k1")

	mock.ExpectIncr(key).SetVal(1000)
	mock.ExpectTTL(key).SetVal(5 * time.Second)

	d := l.Check(context.Background(), id)
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
}

func TestCheckZeroLimitBypasses(t *testing.T) {
	l, mock := newLimiter(t)
	id := Identity{Key: "admin", Tier: TierAdmin, RateLimit: 0}

	// No broker expectations: the counter must not be touched.
	d := l.Check(context.Background(), id)
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Limit)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckFailsOpenOnBrokerError(t *testing.T) {
	l, mock := newLimiter(t)
	id := Identity{Key: "k1", Tier: TierPublic, RateLimit: 1000}
	key := cache.RateLimitKey("k1")

	mock.ExpectIncr(key).SetErr(assert.AnError)

	d := l.Check(context.Background(), id)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1000, d.Limit)
	assert.Equal(t, 1000, d.Remaining)
}
