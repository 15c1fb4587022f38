package dispatch_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"docketline/internal/adapters"
	"docketline/internal/config"
	"docketline/internal/db"
	"docketline/internal/dispatch"
	"docketline/internal/domain"
	"docketline/internal/engine"
	"docketline/internal/migrate"
)

// fakeAdapter replays a scripted sequence of results, repeating the last entry.
type fakeAdapter struct {
	target  string
	results []adapters.Result

	mu    sync.Mutex
	calls int
}

func (f *fakeAdapter) Target() string { return f.target }

func (f *fakeAdapter) Deliver(ctx context.Context, p adapters.Payload) (adapters.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	f.calls++
	return f.results[idx], nil
}

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

// submittedDistribution stages one pending outbound message routed to chitty_verify.
func submittedDistribution(t *testing.T, env testEnv) domain.Distribution {
	t.Helper()
	e, err := env.Engine.CreateEnvelope(env.Ctx, engine.EnvelopeCreateOptions{
		CaseID:          "case-1",
		Title:           "Exhibit A",
		ContentHash:     "deadbeef",
		VisibilityScope: "case_team",
		ActorID:         "owner",
	})
	if err != nil {
		t.Fatalf("create envelope: %v", err)
	}
	if _, err := env.Engine.SetEnvelopeStatus(env.Ctx, e.ID, "submitted", "owner", false); err != nil {
		t.Fatalf("submit: %v", err)
	}
	created, err := env.Engine.RequestDispatch(env.Ctx, e.ID, "owner")
	if err != nil {
		t.Fatalf("request dispatch: %v", err)
	}
	if len(created) != 1 || created[0].Target != adapters.TargetVerify {
		t.Fatalf("expected one chitty_verify distribution, got %+v", created)
	}
	if _, err := env.Engine.MaterializeOutboundMessages(env.Ctx); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	return created[0]
}

func newDispatcher(env testEnv, fakes ...adapters.Adapter) dispatch.Dispatcher {
	reg := adapters.NewRegistry(env.Engine.Config)
	for _, f := range fakes {
		reg.Register(f)
	}
	return dispatch.New(env.Engine, reg)
}

func TestProcessPendingDelivers(t *testing.T) {
	env := newTestEnv(t)
	dist := submittedDistribution(t, env)
	fake := &fakeAdapter{
		target:  adapters.TargetVerify,
		results: []adapters.Result{{Success: true, StatusCode: 201, ExternalID: "ver-1"}},
	}
	d := newDispatcher(env, fake)

	res, err := d.ProcessPending(env.Ctx)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Delivered != 1 || res.Processed != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	got, err := env.Engine.Repo.GetDistribution(env.Ctx, dist.ID)
	if err != nil {
		t.Fatalf("get distribution: %v", err)
	}
	if got.Status != "dispatched" {
		t.Fatalf("distribution status: %s", got.Status)
	}
	if got.ExternalID == nil || *got.ExternalID != "ver-1" {
		t.Fatalf("external id not recorded: %+v", got)
	}
	if got.RetryCount != 1 {
		t.Fatalf("retry count: %d", got.RetryCount)
	}
	m, err := env.Engine.Repo.GetOutboundMessageByDistribution(env.Ctx, dist.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if m.Status != "delivered" || m.AttemptCount != 1 {
		t.Fatalf("message state: status=%s attempts=%d", m.Status, m.AttemptCount)
	}
}

func TestProcessPendingRetriesThenSucceeds(t *testing.T) {
	env := newTestEnv(t)
	dist := submittedDistribution(t, env)
	fake := &fakeAdapter{
		target: adapters.TargetVerify,
		results: []adapters.Result{
			{Success: false, StatusCode: 503, Message: "chitty_verify returned status 503"},
			{Success: true, StatusCode: 200, ExternalID: "ver-2"},
		},
	}
	d := newDispatcher(env, fake)

	res, err := d.ProcessPending(env.Ctx)
	if err != nil || res.Retried != 1 {
		t.Fatalf("first pass: %+v err=%v", res, err)
	}
	got, _ := env.Engine.Repo.GetDistribution(env.Ctx, dist.ID)
	if got.Status != "failed" || got.ErrorLog == nil {
		t.Fatalf("failed attempt not recorded: %+v", got)
	}

	res, err = d.ProcessPending(env.Ctx)
	if err != nil || res.Delivered != 1 {
		t.Fatalf("second pass: %+v err=%v", res, err)
	}
	got, _ = env.Engine.Repo.GetDistribution(env.Ctx, dist.ID)
	if got.Status != "dispatched" || got.RetryCount != 2 {
		t.Fatalf("delivery not recorded: %+v", got)
	}
	m, _ := env.Engine.Repo.GetOutboundMessageByDistribution(env.Ctx, dist.ID)
	if m.AttemptCount != 2 {
		t.Fatalf("attempts: %d", m.AttemptCount)
	}
}

func TestProcessPendingExhaustsAtCap(t *testing.T) {
	env := newTestEnv(t)
	dist := submittedDistribution(t, env)
	fake := &fakeAdapter{
		target:  adapters.TargetVerify,
		results: []adapters.Result{{Success: false, StatusCode: 500, Message: "boom"}},
	}
	d := newDispatcher(env, fake)

	// five failing attempts spend the whole budget
	for i := 0; i < 5; i++ {
		res, err := d.ProcessPending(env.Ctx)
		if err != nil || res.Retried != 1 {
			t.Fatalf("pass %d: %+v err=%v", i+1, res, err)
		}
	}
	if fake.calls != 5 {
		t.Fatalf("expected 5 delivery calls, got %d", fake.calls)
	}

	// the sixth pass closes the message out without another network call
	res, err := d.ProcessPending(env.Ctx)
	if err != nil || res.Exhausted != 1 {
		t.Fatalf("exhaust pass: %+v err=%v", res, err)
	}
	if fake.calls != 5 {
		t.Fatalf("exhaustion must not attempt delivery, calls=%d", fake.calls)
	}

	m, _ := env.Engine.Repo.GetOutboundMessageByDistribution(env.Ctx, dist.ID)
	if m.Status != "failed" || m.AttemptCount != 5 {
		t.Fatalf("message state: status=%s attempts=%d", m.Status, m.AttemptCount)
	}
	if m.ErrorLog == nil || *m.ErrorLog != "Max retry attempts exceeded" {
		t.Fatalf("error log: %v", m.ErrorLog)
	}
	got, _ := env.Engine.Repo.GetDistribution(env.Ctx, dist.ID)
	if got.Status != "failed" || got.ErrorLog == nil || *got.ErrorLog != "Max retry attempts exceeded" {
		t.Fatalf("distribution state: %+v", got)
	}

	// terminal messages are no longer processable
	res, err = d.ProcessPending(env.Ctx)
	if err != nil || res.Processed != 0 {
		t.Fatalf("post-terminal pass: %+v err=%v", res, err)
	}
}

func TestProcessPendingUnknownTargetBurnsNoAttempts(t *testing.T) {
	env := newTestEnv(t)
	dist := submittedDistribution(t, env)
	// no fake registered and chitty_verify removed from config: a configuration bug
	delete(env.Engine.Config.Targets, adapters.TargetVerify)
	d := newDispatcher(env)

	res, err := d.ProcessPending(env.Ctx)
	if err == nil {
		t.Fatalf("expected configuration error")
	}
	if res.Skipped != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	m, getErr := env.Engine.Repo.GetOutboundMessageByDistribution(env.Ctx, dist.ID)
	if getErr != nil {
		t.Fatalf("get message: %v", getErr)
	}
	if m.AttemptCount != 0 || m.Status != "pending" {
		t.Fatalf("unknown target must not spend attempts: status=%s attempts=%d", m.Status, m.AttemptCount)
	}
}

func TestClaimRejectsStaleAttemptCount(t *testing.T) {
	env := newTestEnv(t)
	dist := submittedDistribution(t, env)
	m, err := env.Engine.Repo.GetOutboundMessageByDistribution(env.Ctx, dist.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)

	claimed, err := env.Engine.Repo.ClaimOutboundMessage(env.Ctx, m.ID, m.AttemptCount, now)
	if err != nil || !claimed {
		t.Fatalf("first claim: claimed=%v err=%v", claimed, err)
	}
	// a second claimer holding the old attempt count loses the race
	claimed, err = env.Engine.Repo.ClaimOutboundMessage(env.Ctx, m.ID, m.AttemptCount, now)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed {
		t.Fatalf("stale claim must be rejected")
	}
}

func TestProcessPendingWorkerPool(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 4; i++ {
		submittedDistribution(t, env)
	}
	fake := &fakeAdapter{
		target:  adapters.TargetVerify,
		results: []adapters.Result{{Success: true, StatusCode: 200}},
	}
	d := newDispatcher(env, fake)
	d.Workers = 3

	res, err := d.ProcessPending(env.Ctx)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Processed != 4 || res.Delivered != 4 {
		t.Fatalf("unexpected result: %+v", res)
	}
}
