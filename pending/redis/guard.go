// Package redis provides a pending.ReplayGuard backed by Redis, shared by
// every replica pointing at the same server.
package redis

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/hupe1980/actionmesh/pending"
)

// DefaultPrefix namespaces the guard's keys.
const DefaultPrefix = "actionmesh:consumed:"

// Guard stores one key per consumed digest:
//
//	<prefix><digest> => consumption time in Unix ms, expiring with the token
type Guard struct {
	client goredis.Cmdable
	prefix string
	now    func() time.Time
}

var _ pending.ReplayGuard = (*Guard)(nil)

// New creates a Guard. prefix is optional.
func New(client goredis.Cmdable, prefix string) *Guard {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Guard{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
}

// Dial connects to addr and returns a Guard together with the client so the
// caller can close it.
func Dial(ctx context.Context, addr, prefix string) (*Guard, *goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, oops.In("redis_guard").With("addr", addr).Wrapf(err, "ping redis")
	}
	return New(client, prefix), client, nil
}

func (g *Guard) key(digest string) string {
	return g.prefix + digest
}

// Consume implements pending.ReplayGuard. The key lives until the token
// would expire anyway.
func (g *Guard) Consume(ctx context.Context, digest string, expiresAt time.Time) (bool, error) {
	now := g.now()
	ttl := expiresAt.Sub(now)
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}

	first, err := g.client.SetNX(ctx, g.key(digest), now.UnixMilli(), ttl).Result()
	if err != nil {
		return false, oops.In("redis_guard").With("digest", digest).Wrapf(err, "record consumed token")
	}
	return first, nil
}
