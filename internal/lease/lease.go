// Package lease hands out short-lived exclusive claims stored in Redis so
// that several pods don't work on the same thing at once.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

var ErrNotAcquired = errors.New("lease is held by another owner")

// deletes the key only while it still holds our token
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

type Client interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

type Config struct {
	Prefix string
	// Owner ends up in the stored value, which helps when looking at a stuck
	// lease with redis-cli.
	Owner string
}

type Manager struct {
	config *Config
	client Client
}

func New(config *Config, client Client) *Manager {
	return &Manager{config: config, client: client}
}

type Lease struct {
	key    string
	token  string
	client Client
}

// Acquire claims key for ttl. It returns ErrNotAcquired when somebody else
// holds it.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	l := &Lease{
		key:    m.config.Prefix + key,
		token:  fmt.Sprintf("%s/%s", m.config.Owner, uuid.NewString()),
		client: m.client,
	}

	ok, err := m.client.SetNX(ctx, l.key, l.token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return l, nil
}

// Release gives the lease up unless it already expired and went to someone
// else.
func (l *Lease) Release(ctx context.Context) error {
	if err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	return nil
}

func (l *Lease) Key() string {
	return l.key
}
