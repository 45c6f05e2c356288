package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type Config struct {
	RedisCheckInterval time.Duration
	DBCheckInterval    time.Duration
	CheckTimeout       time.Duration
	ID                 string
}

type Component string

const (
	ComponentRedis Component = "redis"
	ComponentDB    Component = "db"
)

// DBPinger is satisfied by *pgxpool.Pool.
type DBPinger interface {
	Ping(ctx context.Context) error
}

// RedisPinger is satisfied by *redis.Client.
type RedisPinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

type CheckResult struct {
	Timestamp time.Time `json:"timestamp"`
	Result    bool      `json:"result"`
}

type HealthChecks map[Component]CheckResult

type HealthStatus struct {
	Healthy bool         `json:"healthy"`
	Checks  HealthChecks `json:"checks"`
}

type Checker struct {
	config *Config
	redis  RedisPinger
	db     DBPinger
	log    *slog.Logger
	mu     sync.RWMutex
	checks HealthChecks
}

// NewChecker returns a checker for the given dependencies. A nil redis is
// not checked.
func NewChecker(redis RedisPinger, db DBPinger, config *Config) *Checker {
	checks := HealthChecks{
		// if this code gets executed, we assume that there was an initial
		// check
		ComponentDB: CheckResult{Timestamp: time.Now(), Result: true},
	}
	if redis != nil {
		checks[ComponentRedis] = CheckResult{Timestamp: time.Now(), Result: true}
	}

	return &Checker{
		config: config,
		redis:  redis,
		db:     db,
		log:    slog.With("pod", config.ID, "component", "health"),
		checks: checks,
	}
}

func (c *Checker) Run(ctx context.Context) error {
	c.log.Debug("Starting the health checker...")

	redisTicker := time.NewTicker(c.config.RedisCheckInterval)
	defer redisTicker.Stop()
	dbTicker := time.NewTicker(c.config.DBCheckInterval)
	defer dbTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Debug("Stopping health checker ...")
			return nil
		case <-redisTicker.C:
			c.checkRedis(ctx)
		case <-dbTicker.C:
			c.checkDB(ctx)
		}
	}
}

func (c *Checker) checkRedis(ctx context.Context) {
	if c.redis == nil {
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	_, err := c.redis.Ping(checkCtx).Result()
	c.record(ComponentRedis, err)
}

func (c *Checker) checkDB(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	c.record(ComponentDB, c.db.Ping(checkCtx))
}

func (c *Checker) record(component Component, err error) {
	if err != nil {
		c.log.Warn("Health check failed", "component", component, "error", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.checks[component] = CheckResult{
		Timestamp: time.Now(),
		Result:    err == nil,
	}
}

func (c *Checker) timeout() time.Duration {
	if c.config.CheckTimeout <= 0 {
		return time.Second
	}
	return c.config.CheckTimeout
}

func (c *Checker) GetHealthStatus() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	healthy := true
	checks := make(HealthChecks, len(c.checks))
	for component, check := range c.checks {
		checks[component] = check
		if !check.Result {
			healthy = false
			c.log.Error("Component health check failed", "component", component)
		}
	}

	return HealthStatus{
		Healthy: healthy,
		Checks:  checks,
	}
}
