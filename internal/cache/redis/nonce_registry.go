package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/duelarena/escrowd/internal/domain"
)

// NonceRegistry burns claim nonces with SETNX. Keys carry no TTL: a nonce is
// spent forever, which is the whole point of replay protection.
type NonceRegistry struct {
	rdb *redis.Client
}

// NewNonceRegistry creates a NonceRegistry backed by the given Client.
func NewNonceRegistry(c *Client) *NonceRegistry {
	return &NonceRegistry{rdb: c.Underlying()}
}

func nonceKey(roundID string, nonce uint64) string {
	return fmt.Sprintf("nonce:%s:%d", roundID, nonce)
}

// Reserve marks the (roundID, nonce) pair as spent. It returns
// domain.ErrNonceUsed if the pair was reserved before.
func (n *NonceRegistry) Reserve(ctx context.Context, roundID string, nonce uint64) error {
	ok, err := n.rdb.SetNX(ctx, nonceKey(roundID, nonce), 1, 0).Result()
	if err != nil {
		return fmt.Errorf("redis: reserve nonce %s/%d: %w", roundID, nonce, err)
	}
	if !ok {
		return domain.ErrNonceUsed
	}
	return nil
}

// Compile-time interface check.
var _ domain.NonceRegistry = (*NonceRegistry)(nil)
