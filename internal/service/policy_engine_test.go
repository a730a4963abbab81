package service

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ap-approvals/internal/repository"
)

func newTestEngine(policies ...*repository.ApprovalPolicy) *PolicyEngine {
	return NewPolicyEngine(&memPolicyStore{policies: policies}, zerolog.Nop())
}

func TestValidatePolicy(t *testing.T) {
	engine := newTestEngine()

	t.Run("valid policy", func(t *testing.T) {
		policy := testPolicy("pol-expense", "expense", "alice", "bob")
		policy.EscalationChain = chainOf("carol")

		result := engine.ValidatePolicy(policy)
		assert.True(t, result.Valid)
		assert.Empty(t, result.Errors)
	})

	t.Run("short id", func(t *testing.T) {
		policy := testPolicy("ab", "expense", "alice")
		result := engine.ValidatePolicy(policy)
		assert.False(t, result.Valid)
		assert.Contains(t, result.Errors, "policy id must be at least 3 characters")
	})

	t.Run("empty approval chain", func(t *testing.T) {
		policy := testPolicy("pol-empty", "expense")
		result := engine.ValidatePolicy(policy)
		assert.False(t, result.Valid)
		assert.Contains(t, result.Errors, "approval chain must not be empty")
	})

	t.Run("duplicate approver in chain", func(t *testing.T) {
		policy := testPolicy("pol-dup", "expense", "alice", "alice")
		result := engine.ValidatePolicy(policy)
		assert.False(t, result.Valid)
		assert.Contains(t, result.Errors, `duplicate approver "alice" in approval chain`)
	})

	t.Run("approver in both chains", func(t *testing.T) {
		policy := testPolicy("pol-overlap", "expense", "alice", "bob")
		policy.EscalationChain = chainOf("bob")
		result := engine.ValidatePolicy(policy)
		assert.False(t, result.Valid)
		assert.Contains(t, result.Errors, `approver "bob" appears in both approval and escalation chains`)
	})

	t.Run("timeout below minimum", func(t *testing.T) {
		policy := testPolicy("pol-fast", "expense", "alice")
		policy.TimeoutMinutes = intp(3)
		result := engine.ValidatePolicy(policy)
		assert.False(t, result.Valid)
		assert.Contains(t, result.Errors, "timeout must be at least 5 minutes")
	})

	t.Run("violations accumulate", func(t *testing.T) {
		policy := &repository.ApprovalPolicy{ID: "x", TimeoutMinutes: intp(1)}
		result := engine.ValidatePolicy(policy)
		assert.False(t, result.Valid)
		assert.Len(t, result.Errors, 3)
	})
}

func TestFindMatchingPolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("filters by approval type", func(t *testing.T) {
		engine := newTestEngine(
			testPolicy("pol-expense", "expense", "alice"),
			testPolicy("pol-invoice", "invoice", "bob"),
		)

		policy, err := engine.FindMatchingPolicy(ctx, "invoice", nil)
		require.NoError(t, err)
		require.NotNil(t, policy)
		assert.Equal(t, "pol-invoice", policy.ID)
	})

	t.Run("no match returns nil", func(t *testing.T) {
		engine := newTestEngine(testPolicy("pol-expense", "expense", "alice"))

		policy, err := engine.FindMatchingPolicy(ctx, "purchase_order", nil)
		require.NoError(t, err)
		assert.Nil(t, policy)
	})

	t.Run("inactive policies are ignored", func(t *testing.T) {
		inactive := testPolicy("pol-off", "expense", "alice")
		inactive.IsActive = false
		engine := newTestEngine(inactive)

		policy, err := engine.FindMatchingPolicy(ctx, "expense", nil)
		require.NoError(t, err)
		assert.Nil(t, policy)
	})

	t.Run("amount bands select the policy", func(t *testing.T) {
		low := testPolicy("pol-low", "expense", "alice")
		low.Thresholds = []repository.AmountThreshold{{MaxAmount: i64p(50_000)}}
		high := testPolicy("pol-high", "expense", "bob")
		high.Thresholds = []repository.AmountThreshold{{MinAmount: i64p(50_000)}}
		engine := newTestEngine(low, high)

		policy, err := engine.FindMatchingPolicy(ctx, "expense", i64p(10_000))
		require.NoError(t, err)
		require.NotNil(t, policy)
		assert.Equal(t, "pol-low", policy.ID)

		// Max bound is exclusive, min is inclusive.
		policy, err = engine.FindMatchingPolicy(ctx, "expense", i64p(50_000))
		require.NoError(t, err)
		require.NotNil(t, policy)
		assert.Equal(t, "pol-high", policy.ID)
	})

	t.Run("policy without thresholds matches any amount", func(t *testing.T) {
		engine := newTestEngine(testPolicy("pol-any", "expense", "alice"))

		policy, err := engine.FindMatchingPolicy(ctx, "expense", i64p(9_999_999))
		require.NoError(t, err)
		require.NotNil(t, policy)
		assert.Equal(t, "pol-any", policy.ID)
	})

	t.Run("longest chain wins among candidates", func(t *testing.T) {
		short := testPolicy("pol-a", "expense", "alice")
		long := testPolicy("pol-b", "expense", "alice", "bob", "carol")
		engine := newTestEngine(short, long)

		policy, err := engine.FindMatchingPolicy(ctx, "expense", nil)
		require.NoError(t, err)
		require.NotNil(t, policy)
		assert.Equal(t, "pol-b", policy.ID)
	})

	t.Run("equal chains resolve to smallest id", func(t *testing.T) {
		engine := newTestEngine(
			testPolicy("pol-z", "expense", "alice"),
			testPolicy("pol-a", "expense", "bob"),
		)

		policy, err := engine.FindMatchingPolicy(ctx, "expense", nil)
		require.NoError(t, err)
		require.NotNil(t, policy)
		assert.Equal(t, "pol-a", policy.ID)
	})
}

func TestGetNextApprover(t *testing.T) {
	engine := newTestEngine()

	req := &repository.ApprovalRequest{
		Status:       repository.StatusPending,
		Participants: chainOf("alice", "bob"),
	}
	next := engine.GetNextApprover(req)
	require.NotNil(t, next)
	assert.Equal(t, "alice", next.UserID)

	req.CurrentApproverIndex = len(req.Participants)
	assert.Nil(t, engine.GetNextApprover(req))

	req.CurrentApproverIndex = 0
	req.Status = repository.StatusApproved
	assert.Nil(t, engine.GetNextApprover(req))
}

func TestShouldEscalate(t *testing.T) {
	ctx := context.Background()

	policy := testPolicy("pol-exp", "expense", "alice")
	policy.AutoEscalateOnTimeout = true
	policy.AutoEscalateOnRejection = false
	engine := newTestEngine(policy)

	req := &repository.ApprovalRequest{ID: "req-1", PolicyID: "pol-exp"}

	assert.True(t, engine.ShouldEscalate(ctx, req, repository.ReasonManual))
	assert.True(t, engine.ShouldEscalate(ctx, req, repository.ReasonThresholdExceeded))
	assert.True(t, engine.ShouldEscalate(ctx, req, repository.ReasonTimeout))
	assert.False(t, engine.ShouldEscalate(ctx, req, repository.ReasonRejection))

	// Missing policy fails closed for the policy-governed reasons.
	orphan := &repository.ApprovalRequest{ID: "req-2", PolicyID: "gone"}
	assert.False(t, engine.ShouldEscalate(ctx, orphan, repository.ReasonTimeout))
	assert.True(t, engine.ShouldEscalate(ctx, orphan, repository.ReasonManual))
}
