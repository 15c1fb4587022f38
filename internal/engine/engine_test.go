package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"docketline/internal/config"
	"docketline/internal/db"
	"docketline/internal/domain"
	"docketline/internal/engine"
	"docketline/internal/engine/access"
	"docketline/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.CreateCase(ctx, "case-1", "Smith v. Jones", "", "tester"); err != nil {
		t.Fatalf("create case: %v", err)
	}
	if _, err := eng.SeedRoutingPolicies(ctx, "tester"); err != nil {
		t.Fatalf("seed policies: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func createEnvelope(t *testing.T, env testEnv, scope string) domain.Envelope {
	t.Helper()
	e, err := env.Engine.CreateEnvelope(env.Ctx, engine.EnvelopeCreateOptions{
		CaseID:          "case-1",
		Title:           "Exhibit A",
		ContentHash:     "deadbeef",
		VisibilityScope: scope,
		ActorID:         "owner",
	})
	if err != nil {
		t.Fatalf("create envelope: %v", err)
	}
	return e
}

func TestEnvelopeStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	e := createEnvelope(t, env, "case_team")

	// created -> approved skips submission and must fail
	if _, err := env.Engine.SetEnvelopeStatus(env.Ctx, e.ID, "approved", "owner", false); err == nil {
		t.Fatalf("expected transition error")
	}
	e, err := env.Engine.SetEnvelopeStatus(env.Ctx, e.ID, "submitted", "owner", false)
	if err != nil || e.Status != "submitted" {
		t.Fatalf("to submitted: %v", err)
	}
	e, err = env.Engine.SetEnvelopeStatus(env.Ctx, e.ID, "rejected", "owner", false)
	if err != nil || e.Status != "rejected" {
		t.Fatalf("to rejected: %v", err)
	}
	// rejected envelopes can be resubmitted
	e, err = env.Engine.SetEnvelopeStatus(env.Ctx, e.ID, "submitted", "owner", false)
	if err != nil || e.Status != "submitted" {
		t.Fatalf("resubmit: %v", err)
	}
	e, err = env.Engine.SetEnvelopeStatus(env.Ctx, e.ID, "approved", "owner", false)
	if err != nil || e.Status != "approved" {
		t.Fatalf("to approved: %v", err)
	}
}

func TestApprovalRequiresCapability(t *testing.T) {
	env := newTestEnv(t)
	e := createEnvelope(t, env, "case_team")
	if _, err := env.Engine.SetEnvelopeStatus(env.Ctx, e.ID, "submitted", "owner", false); err != nil {
		t.Fatalf("submit: %v", err)
	}

	_, err := env.Engine.SetEnvelopeStatus(env.Ctx, e.ID, "approved", "stranger", false)
	var forbidden access.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}

	// a granted reviewer can approve
	if err := env.Engine.GrantParticipant(env.Ctx, e.ID, "reviewer", []string{access.TagView, access.TagApprove}, "owner"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := env.Engine.SetEnvelopeStatus(env.Ctx, e.ID, "approved", "reviewer", false); err != nil {
		t.Fatalf("reviewer approve: %v", err)
	}
}

func TestOverrideReplacesParticipantGrant(t *testing.T) {
	env := newTestEnv(t)
	e := createEnvelope(t, env, "case_team")
	if err := env.Engine.GrantParticipant(env.Ctx, e.ID, "reviewer", []string{access.TagView, access.TagApprove}, "owner"); err != nil {
		t.Fatalf("grant: %v", err)
	}

	perms, err := env.Engine.ResolvePermissions(env.Ctx, e.ID, "reviewer")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !perms.CanView || !perms.CanApprove {
		t.Fatalf("participant grant not applied: %+v", perms)
	}

	// an override replaces the grant outright; unset capabilities are lost
	err = env.Engine.SetVisibilityOverride(env.Ctx, domain.VisibilityOverride{
		EnvelopeID: e.ID,
		ActorID:    "reviewer",
		CanView:    true,
	}, "owner")
	if err != nil {
		t.Fatalf("set override: %v", err)
	}
	perms, err = env.Engine.ResolvePermissions(env.Ctx, e.ID, "reviewer")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !perms.CanView || perms.CanApprove {
		t.Fatalf("override must replace, not merge: %+v", perms)
	}

	if err := env.Engine.ClearVisibilityOverride(env.Ctx, e.ID, "reviewer", "owner"); err != nil {
		t.Fatalf("clear override: %v", err)
	}
	perms, _ = env.Engine.ResolvePermissions(env.Ctx, e.ID, "reviewer")
	if !perms.CanApprove {
		t.Fatalf("grant should apply again after clear: %+v", perms)
	}
}

func TestResolvePermissionsDefaultDeny(t *testing.T) {
	env := newTestEnv(t)
	e := createEnvelope(t, env, "attorney_only")
	perms, err := env.Engine.ResolvePermissions(env.Ctx, e.ID, "nobody")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if perms.CanView || perms.CanComment || perms.CanAnnotate || perms.CanApprove {
		t.Fatalf("expected deny-all for unknown actor: %+v", perms)
	}
}

func TestRequestDispatchIdempotent(t *testing.T) {
	env := newTestEnv(t)
	e := createEnvelope(t, env, "case_team")
	_, _ = env.Engine.SetEnvelopeStatus(env.Ctx, e.ID, "submitted", "owner", false)
	if _, err := env.Engine.SetEnvelopeStatus(env.Ctx, e.ID, "approved", "owner", false); err != nil {
		t.Fatalf("approve: %v", err)
	}

	created, err := env.Engine.RequestDispatch(env.Ctx, e.ID, "owner")
	if err != nil {
		t.Fatalf("request dispatch: %v", err)
	}
	// default policy: case_team/approved routes to ledger, chain, verify
	if len(created) != 3 {
		t.Fatalf("expected 3 distributions, got %d", len(created))
	}

	again, err := env.Engine.RequestDispatch(env.Ctx, e.ID, "owner")
	if err != nil {
		t.Fatalf("request dispatch again: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("replay must create nothing, got %d", len(again))
	}
}

func TestRequestDispatchNoPolicyIsNoop(t *testing.T) {
	env := newTestEnv(t)
	e := createEnvelope(t, env, "attorney_only") // status created matches no default policy
	created, err := env.Engine.RequestDispatch(env.Ctx, e.ID, "owner")
	if err != nil {
		t.Fatalf("request dispatch: %v", err)
	}
	if created != nil {
		t.Fatalf("routing miss must create nothing, got %v", created)
	}
}

func TestMaterializeFreezesPayloadSnapshot(t *testing.T) {
	env := newTestEnv(t)
	e := createEnvelope(t, env, "attorney_only")
	_, _ = env.Engine.SetEnvelopeStatus(env.Ctx, e.ID, "submitted", "owner", false)
	if _, err := env.Engine.SetEnvelopeStatus(env.Ctx, e.ID, "approved", "owner", false); err != nil {
		t.Fatalf("approve: %v", err)
	}
	created, err := env.Engine.RequestDispatch(env.Ctx, e.ID, "owner")
	if err != nil || len(created) == 0 {
		t.Fatalf("request dispatch: %v", err)
	}

	n, err := env.Engine.MaterializeOutboundMessages(env.Ctx)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if n != len(created) {
		t.Fatalf("expected %d messages, got %d", len(created), n)
	}

	// a second pass creates nothing
	n, err = env.Engine.MaterializeOutboundMessages(env.Ctx)
	if err != nil || n != 0 {
		t.Fatalf("rematerialize: n=%d err=%v", n, err)
	}

	// superseding the envelope must not touch the frozen snapshot
	if _, err := env.Engine.SupersedeEnvelope(env.Ctx, e.ID, "owner"); err != nil {
		t.Fatalf("supersede: %v", err)
	}
	m, err := env.Engine.Repo.GetOutboundMessageByDistribution(env.Ctx, created[0].ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	var snapshot struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal([]byte(m.Payload), &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snapshot.Version != 1 {
		t.Fatalf("snapshot drifted to version %d", snapshot.Version)
	}
}

func TestCreateRoutingPolicyRejectsUnknownTarget(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateRoutingPolicy(env.Ctx, domain.RoutingPolicy{
		VisibilityScope: "case_team",
		EvidenceStatus:  "approved",
		Targets:         []string{"chitty_mystery"},
		IsActive:        true,
	}, "tester")
	if err == nil {
		t.Fatalf("expected unknown target error")
	}
}

func TestSeedRoutingPoliciesOnlyWhenEmpty(t *testing.T) {
	env := newTestEnv(t)
	// newTestEnv already seeded; a second seed is a no-op
	n, err := env.Engine.SeedRoutingPolicies(env.Ctx, "tester")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if n != 0 {
		t.Fatalf("reseed inserted %d policies", n)
	}
	policies, err := env.Engine.Repo.ListRoutingPolicies(env.Ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(policies) != 4 {
		t.Fatalf("expected 4 default policies, got %d", len(policies))
	}
}
