package service

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-ap-approvals/internal/repository"
)

// PolicyUpdateChannel is the Redis pub/sub channel on which policy mutations
// are broadcast. Every instance subscribed to it re-reads the policy table.
const PolicyUpdateChannel = "approvals:policy:update"

// PolicyCache is an in-memory snapshot of the policy table. The workflow core
// matches policies on every request creation and decision, so the hot path
// reads only memory; the snapshot is rebuilt from Postgres on startup and
// whenever a refresh signal arrives.
//
// PolicyCache implements PolicyStore.
type PolicyCache struct {
	mu     sync.RWMutex
	byID   map[string]*repository.ApprovalPolicy
	active []*repository.ApprovalPolicy
	all    []*repository.ApprovalPolicy

	source PolicyStore
	log    zerolog.Logger
}

// NewPolicyCache creates a cache backed by the given source of truth.
func NewPolicyCache(source PolicyStore, log zerolog.Logger) *PolicyCache {
	return &PolicyCache{
		byID:   make(map[string]*repository.ApprovalPolicy),
		source: source,
		log:    log,
	}
}

// Refresh replaces the snapshot with the current contents of policy storage.
func (c *PolicyCache) Refresh(ctx context.Context) error {
	policies, err := c.source.FindAll(ctx, false)
	if err != nil {
		return err
	}

	byID := make(map[string]*repository.ApprovalPolicy, len(policies))
	var active []*repository.ApprovalPolicy
	for _, p := range policies {
		byID[p.ID] = p
		if p.IsActive {
			active = append(active, p)
		}
	}

	c.mu.Lock()
	c.byID = byID
	c.active = active
	c.all = policies
	c.mu.Unlock()

	c.log.Info().Int("count", len(policies)).Msg("policy cache refreshed")
	return nil
}

// FindAll serves policies from the snapshot.
func (c *PolicyCache) FindAll(_ context.Context, activeOnly bool) ([]*repository.ApprovalPolicy, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if activeOnly {
		return c.active, nil
	}
	return c.all, nil
}

// FindByID serves a policy from the snapshot. Returns nil when absent.
func (c *PolicyCache) FindByID(_ context.Context, id string) (*repository.ApprovalPolicy, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byID[id], nil
}

// Listen subscribes to the policy update channel and refreshes the snapshot on
// every signal. The loop survives Redis disconnects: it resubscribes, refreshes
// once per successful (re)connect to catch missed signals, and exits only when
// ctx is done. Run in its own goroutine.
func (c *PolicyCache) Listen(ctx context.Context, rdb *redis.Client) {
	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := rdb.Subscribe(ctx, PolicyUpdateChannel)
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			c.log.Error().Err(err).Msg("policy cache: subscribe failed; retrying")
			time.Sleep(5 * time.Second)
			continue
		}

		if err := c.Refresh(ctx); err != nil {
			c.log.Error().Err(err).Msg("policy cache: refresh on (re)connect failed")
		}

		ch := pubsub.Channel()
	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case _, ok := <-ch:
				if !ok {
					break loop
				}
				if err := c.Refresh(ctx); err != nil {
					c.log.Error().Err(err).Msg("policy cache: refresh failed")
				}
			}
		}

		pubsub.Close()
		time.Sleep(time.Second)
	}
}
