package service

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-ap-approvals/internal/apperrors"
	"github.com/pesio-ai/be-ap-approvals/internal/repository"
)

// PolicyWriter is the mutation side of policy storage.
type PolicyWriter interface {
	Create(ctx context.Context, policy *repository.ApprovalPolicy) error
	Update(ctx context.Context, policy *repository.ApprovalPolicy) error
	Delete(ctx context.Context, id string) error
}

// PolicyAdminService is the administrator surface for editing policies. It
// validates structure before every write and broadcasts a cache refresh so all
// instances pick up the change. The workflow core never writes policies.
type PolicyAdminService struct {
	writer PolicyWriter
	reader PolicyStore
	engine *PolicyEngine
	cache  *PolicyCache
	rdb    *redis.Client // optional; nil means single-instance, refresh locally
	log    zerolog.Logger
}

// NewPolicyAdminService creates a new PolicyAdminService.
func NewPolicyAdminService(writer PolicyWriter, reader PolicyStore, engine *PolicyEngine, cache *PolicyCache, rdb *redis.Client, log zerolog.Logger) *PolicyAdminService {
	return &PolicyAdminService{
		writer: writer,
		reader: reader,
		engine: engine,
		cache:  cache,
		rdb:    rdb,
		log:    log,
	}
}

// Create validates and stores a new policy.
func (s *PolicyAdminService) Create(ctx context.Context, policy *repository.ApprovalPolicy) error {
	if result := s.engine.ValidatePolicy(policy); !result.Valid {
		return apperrors.Newf(apperrors.ErrCodePolicyInvalid,
			"policy failed validation: %s", strings.Join(result.Errors, "; "))
	}
	if err := s.writer.Create(ctx, policy); err != nil {
		return err
	}
	s.notifyUpdate(ctx)
	return nil
}

// Update validates and persists changes to an existing policy. In-flight
// requests keep their participant snapshot and are unaffected.
func (s *PolicyAdminService) Update(ctx context.Context, policy *repository.ApprovalPolicy) error {
	if result := s.engine.ValidatePolicy(policy); !result.Valid {
		return apperrors.Newf(apperrors.ErrCodePolicyInvalid,
			"policy failed validation: %s", strings.Join(result.Errors, "; "))
	}
	if err := s.writer.Update(ctx, policy); err != nil {
		return err
	}
	s.notifyUpdate(ctx)
	return nil
}

// Delete removes a policy.
func (s *PolicyAdminService) Delete(ctx context.Context, id string) error {
	if err := s.writer.Delete(ctx, id); err != nil {
		return err
	}
	s.notifyUpdate(ctx)
	return nil
}

// GetByID returns a policy from storage, bypassing the cache so administrators
// always see the latest version.
func (s *PolicyAdminService) GetByID(ctx context.Context, id string) (*repository.ApprovalPolicy, error) {
	policy, err := s.reader.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if policy == nil {
		return nil, apperrors.NotFound("approval_policy", id)
	}
	return policy, nil
}

// List returns all policies from storage.
func (s *PolicyAdminService) List(ctx context.Context, activeOnly bool) ([]*repository.ApprovalPolicy, error) {
	return s.reader.FindAll(ctx, activeOnly)
}

// notifyUpdate broadcasts a refresh signal; without Redis the local cache is
// refreshed directly. Signal delivery is best-effort; a lost signal heals on
// the next reconnect refresh.
func (s *PolicyAdminService) notifyUpdate(ctx context.Context) {
	if s.rdb != nil {
		if err := s.rdb.Publish(ctx, PolicyUpdateChannel, "refresh").Err(); err != nil {
			s.log.Warn().Err(err).Msg("failed to publish policy update signal")
		}
		return
	}
	if s.cache != nil {
		if err := s.cache.Refresh(ctx); err != nil {
			s.log.Warn().Err(err).Msg("failed to refresh policy cache")
		}
	}
}
