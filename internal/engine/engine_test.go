package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"gatehouse/internal/config"
	"gatehouse/internal/db"
	"gatehouse/internal/domain"
	"gatehouse/internal/engine"
	"gatehouse/internal/engine/auth"
	"gatehouse/internal/migrate"
	"gatehouse/internal/repo"
)

var (
	guard    = auth.Actor{ID: "guard-1", Role: auth.RoleGuard}
	resident = auth.Actor{ID: "res-1", Role: auth.RoleResident}
	system   = auth.Actor{ID: "sweeper", Role: auth.RoleSystem}
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	now    *time.Time
}

func (env *testEnv) advance(d time.Duration) {
	*env.now = env.now.Add(d)
}

func newTestEnv(t *testing.T) *testEnv {
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
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	cfg := config.Default("gate-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return now }
	eng.Events.Now = eng.Now
	ctx := context.Background()
	if _, err := eng.InitGate(ctx, "gate-1", "Main Gate", system); err != nil {
		t.Fatalf("init gate: %v", err)
	}
	if err := eng.Repo.UpsertResident(ctx, domain.Resident{
		ID: "res-1", Building: "A", Flat: "A-101", Name: "Asha", Phone: "+911234500001",
		CreatedAt: now.Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("seed resident: %v", err)
	}
	return &testEnv{Engine: eng, Ctx: ctx, now: &now}
}

func createEntry(t *testing.T, env *testEnv, opts engine.EntryCreateOptions) domain.GateEntry {
	t.Helper()
	if opts.GateID == "" {
		opts.GateID = "gate-1"
	}
	if opts.Kind == "" {
		opts.Kind = domain.KindGuest
	}
	if opts.VisitorName == "" {
		opts.VisitorName = "Ravi"
	}
	if opts.Flat == "" {
		opts.Flat = "A-101"
	}
	if opts.Actor.ID == "" {
		opts.Actor = guard
	}
	entry, err := env.Engine.CreateEntry(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}
	return entry
}

func TestEntryLifecycleHappyPath(t *testing.T) {
	env := newTestEnv(t)
	entry := createEntry(t, env, engine.EntryCreateOptions{})
	if entry.State != domain.StateWaiting {
		t.Fatalf("new entry state = %s, want waiting", entry.State)
	}

	env.advance(5 * time.Second)
	entry, err := env.Engine.CallResident(env.Ctx, entry.ID, guard)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if entry.State != domain.StateCalling || entry.CallStartedAt == nil {
		t.Fatalf("after call: state=%s callStartedAt=%v", entry.State, entry.CallStartedAt)
	}

	env.advance(10 * time.Second)
	entry, err = env.Engine.Approve(env.Ctx, entry.ID, resident)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if entry.State != domain.StateApproved || entry.RespondedAt == nil {
		t.Fatalf("after approve: state=%s respondedAt=%v", entry.State, entry.RespondedAt)
	}
	if entry.ApprovedBy == nil || *entry.ApprovedBy != resident.ID {
		t.Fatalf("approvedBy = %v, want %s", entry.ApprovedBy, resident.ID)
	}

	env.advance(time.Minute)
	entry, err = env.Engine.CheckIn(env.Ctx, entry.ID, guard)
	if err != nil {
		t.Fatalf("checkin: %v", err)
	}
	env.advance(time.Hour)
	entry, err = env.Engine.CheckOut(env.Ctx, entry.ID, guard)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if entry.State != domain.StateCheckedOut {
		t.Fatalf("final state = %s, want checked_out", entry.State)
	}
	// lifecycle timestamps must be present and ordered
	stamps := []string{entry.CreatedAt, *entry.CallStartedAt, *entry.RespondedAt, *entry.CheckInAt, *entry.CheckOutAt}
	for i := 1; i < len(stamps); i++ {
		if stamps[i] < stamps[i-1] {
			t.Fatalf("timestamps out of order: %v", stamps)
		}
	}
}

func TestInvalidTransitionLeavesRecordUnchanged(t *testing.T) {
	env := newTestEnv(t)
	entry := createEntry(t, env, engine.EntryCreateOptions{})

	_, err := env.Engine.CheckIn(env.Ctx, entry.ID, guard)
	var invalid engine.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("checkin from waiting: got %v, want InvalidTransitionError", err)
	}
	_, err = env.Engine.CheckOut(env.Ctx, entry.ID, guard)
	if !errors.As(err, &invalid) {
		t.Fatalf("checkout from waiting: got %v, want InvalidTransitionError", err)
	}

	got, err := env.Engine.Repo.GetEntry(env.Ctx, entry.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.StateWaiting || got.CheckInAt != nil || got.CheckOutAt != nil {
		t.Fatalf("record mutated by rejected transition: %+v", got)
	}
}

func TestApproveAfterDecisionIsStale(t *testing.T) {
	env := newTestEnv(t)
	entry := createEntry(t, env, engine.EntryCreateOptions{})
	if _, err := env.Engine.Approve(env.Ctx, entry.ID, resident); err != nil {
		t.Fatalf("approve: %v", err)
	}

	var stale engine.StaleStateError
	if _, err := env.Engine.Reject(env.Ctx, entry.ID, "changed my mind", resident); !errors.As(err, &stale) {
		t.Fatalf("reject after approve: got %v, want StaleStateError", err)
	}
	if _, err := env.Engine.Approve(env.Ctx, entry.ID, resident); !errors.As(err, &stale) {
		t.Fatalf("double approve: got %v, want StaleStateError", err)
	}

	got, _ := env.Engine.Repo.GetEntry(env.Ctx, entry.ID)
	if got.State != domain.StateApproved {
		t.Fatalf("state = %s, want approved", got.State)
	}
}

func TestRejectRecordsReason(t *testing.T) {
	env := newTestEnv(t)
	entry := createEntry(t, env, engine.EntryCreateOptions{})
	entry, err := env.Engine.Reject(env.Ctx, entry.ID, "not expecting anyone", resident)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if entry.State != domain.StateRejected || entry.RejectReason == nil || *entry.RejectReason != "not expecting anyone" {
		t.Fatalf("after reject: %+v", entry)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	entry := createEntry(t, env, engine.EntryCreateOptions{})

	entry, err := env.Engine.Cancel(env.Ctx, entry.ID, guard)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if entry.State != domain.StateRejected {
		t.Fatalf("state = %s, want rejected", entry.State)
	}
	again, err := env.Engine.Cancel(env.Ctx, entry.ID, guard)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if again.State != domain.StateRejected {
		t.Fatalf("second cancel state = %s", again.State)
	}
}

func TestCancelRefusedOnClosedVisit(t *testing.T) {
	env := newTestEnv(t)
	entry := createEntry(t, env, engine.EntryCreateOptions{})
	if _, err := env.Engine.Approve(env.Ctx, entry.ID, resident); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CheckIn(env.Ctx, entry.ID, guard); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CheckOut(env.Ctx, entry.ID, guard); err != nil {
		t.Fatal(err)
	}
	var invalid engine.InvalidTransitionError
	if _, err := env.Engine.Cancel(env.Ctx, entry.ID, guard); !errors.As(err, &invalid) {
		t.Fatalf("cancel after checkout: got %v, want InvalidTransitionError", err)
	}
}

func TestCancelPermissions(t *testing.T) {
	env := newTestEnv(t)
	entry := createEntry(t, env, engine.EntryCreateOptions{})

	otherGuard := auth.Actor{ID: "guard-2", Role: auth.RoleGuard}
	var forbidden auth.ForbiddenError
	if _, err := env.Engine.Cancel(env.Ctx, entry.ID, otherGuard); !errors.As(err, &forbidden) {
		t.Fatalf("cancel by non-issuing guard: got %v, want ForbiddenError", err)
	}

	stranger := auth.Actor{ID: "res-9", Role: auth.RoleResident}
	if _, err := env.Engine.Cancel(env.Ctx, entry.ID, stranger); !errors.As(err, &forbidden) {
		t.Fatalf("cancel by resident of another flat: got %v, want ForbiddenError", err)
	}

	if _, err := env.Engine.Cancel(env.Ctx, entry.ID, resident); err != nil {
		t.Fatalf("cancel by flat resident: %v", err)
	}
}

func TestGatepassPreApprovesMatchingEntry(t *testing.T) {
	env := newTestEnv(t)
	pass, err := env.Engine.IssueGatepass(env.Ctx, engine.GatepassIssueOptions{
		Kind:         domain.KindDelivery,
		VisitorName:  "Amazon",
		VisitorPhone: "+919900011122",
		Flat:         "A-101",
		ValidFrom:    env.now.Format(time.RFC3339),
		ValidUntil:   env.now.Add(4 * time.Hour).Format(time.RFC3339),
		Actor:        resident,
	})
	if err != nil {
		t.Fatalf("issue pass: %v", err)
	}

	env.advance(time.Hour)
	entry := createEntry(t, env, engine.EntryCreateOptions{
		Kind:         domain.KindDelivery,
		VisitorName:  "Amazon",
		VisitorPhone: "+919900011122",
	})
	if entry.State != domain.StateApproved {
		t.Fatalf("state = %s, want approved", entry.State)
	}
	if entry.PreApprovalRef == nil || *entry.PreApprovalRef != pass.ID {
		t.Fatalf("preApprovalRef = %v, want %s", entry.PreApprovalRef, pass.ID)
	}
	if entry.ApprovedBy == nil || *entry.ApprovedBy != resident.ID {
		t.Fatalf("approvedBy = %v, want issuer", entry.ApprovedBy)
	}

	got, err := env.Engine.Repo.GetGatepass(env.Ctx, pass.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsUsed || got.UsedByEntry == nil || *got.UsedByEntry != entry.ID {
		t.Fatalf("pass not consumed: %+v", got)
	}

	// the pass is spent; an identical follow-up entry waits like anyone else
	second := createEntry(t, env, engine.EntryCreateOptions{
		Kind:         domain.KindDelivery,
		VisitorName:  "Amazon",
		VisitorPhone: "+919900011122",
	})
	if second.State != domain.StateWaiting {
		t.Fatalf("second entry state = %s, want waiting", second.State)
	}
}

func TestGatepassMatchingRules(t *testing.T) {
	env := newTestEnv(t)
	issue := func(kind, phone string, from, until time.Time) domain.Gatepass {
		t.Helper()
		p, err := env.Engine.IssueGatepass(env.Ctx, engine.GatepassIssueOptions{
			Kind: kind, VisitorName: "vis", VisitorPhone: phone, Flat: "A-101",
			ValidFrom: from.Format(time.RFC3339), ValidUntil: until.Format(time.RFC3339),
			Actor: resident,
		})
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		return p
	}
	now := *env.now

	// kind mismatch never matches
	issue(domain.KindCab, "+91111", now, now.Add(time.Hour))
	entry := createEntry(t, env, engine.EntryCreateOptions{Kind: domain.KindGuest, VisitorPhone: "+91111"})
	if entry.State != domain.StateWaiting {
		t.Fatalf("kind mismatch matched a pass: %+v", entry)
	}

	// the window is half-open: an arrival exactly at validUntil is late
	issue(domain.KindStaff, "+92222", now.Add(-time.Hour), now)
	entry = createEntry(t, env, engine.EntryCreateOptions{Kind: domain.KindStaff, VisitorPhone: "+92222"})
	if entry.State != domain.StateWaiting {
		t.Fatalf("expired pass matched: %+v", entry)
	}

	// a pass with no phone matches any phone
	wild := issue(domain.KindService, "", now, now.Add(time.Hour))
	entry = createEntry(t, env, engine.EntryCreateOptions{Kind: domain.KindService, VisitorPhone: "+93333"})
	if entry.State != domain.StateApproved || *entry.PreApprovalRef != wild.ID {
		t.Fatalf("wildcard pass not matched: %+v", entry)
	}

	// two candidates: earliest validFrom wins
	early := issue(domain.KindGuest, "+94444", now.Add(-2*time.Hour), now.Add(time.Hour))
	issue(domain.KindGuest, "+94444", now.Add(-time.Hour), now.Add(time.Hour))
	entry = createEntry(t, env, engine.EntryCreateOptions{Kind: domain.KindGuest, VisitorPhone: "+94444"})
	if entry.State != domain.StateApproved || *entry.PreApprovalRef != early.ID {
		t.Fatalf("tie-break picked %v, want %s", entry.PreApprovalRef, early.ID)
	}
}

func TestReusableGatepassNeverConsumed(t *testing.T) {
	env := newTestEnv(t)
	pass, err := env.Engine.IssueGatepass(env.Ctx, engine.GatepassIssueOptions{
		Kind: domain.KindStaff, VisitorName: "Maid", VisitorPhone: "+95555", Flat: "A-101",
		ValidFrom:  env.now.Format(time.RFC3339),
		ValidUntil: env.now.Add(30 * 24 * time.Hour).Format(time.RFC3339),
		Reusable:   true,
		Actor:      resident,
	})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		env.advance(24 * time.Hour)
		entry := createEntry(t, env, engine.EntryCreateOptions{Kind: domain.KindStaff, VisitorPhone: "+95555", VisitorName: "Maid"})
		if entry.State != domain.StateApproved || *entry.PreApprovalRef != pass.ID {
			t.Fatalf("day %d: reusable pass not applied: %+v", i, entry)
		}
	}
	got, _ := env.Engine.Repo.GetGatepass(env.Ctx, pass.ID)
	if got.IsUsed {
		t.Fatalf("reusable pass was flipped to used")
	}
}

func TestGatepassSingleUseUnderConcurrency(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.IssueGatepass(env.Ctx, engine.GatepassIssueOptions{
		Kind: domain.KindGuest, VisitorName: "Ravi", VisitorPhone: "+96666", Flat: "A-101",
		ValidFrom:  env.now.Format(time.RFC3339),
		ValidUntil: env.now.Add(time.Hour).Format(time.RFC3339),
		Actor:      resident,
	}); err != nil {
		t.Fatal(err)
	}

	const n = 8
	results := make([]domain.GateEntry, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.Engine.CreateEntry(env.Ctx, engine.EntryCreateOptions{
				GateID: "gate-1", Kind: domain.KindGuest,
				VisitorName: fmt.Sprintf("Ravi-%d", i), VisitorPhone: "+96666", Flat: "A-101",
				Actor: guard,
			})
		}(i)
	}
	wg.Wait()

	approved := 0
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("create %d: %v", i, errs[i])
		}
		if results[i].State == domain.StateApproved {
			approved++
		} else if results[i].State != domain.StateWaiting {
			t.Fatalf("create %d: unexpected state %s", i, results[i].State)
		}
	}
	if approved != 1 {
		t.Fatalf("pass consumed by %d entries, want exactly 1", approved)
	}
}

func TestAttemptPolicySettlesNotResponded(t *testing.T) {
	env := newTestEnv(t)
	entry := createEntry(t, env, engine.EntryCreateOptions{})

	// attempts only count while calling
	var invalid engine.InvalidTransitionError
	if _, err := env.Engine.RecordAttempt(env.Ctx, entry.ID, guard); !errors.As(err, &invalid) {
		t.Fatalf("attempt on waiting: got %v, want InvalidTransitionError", err)
	}

	if _, err := env.Engine.CallResident(env.Ctx, entry.ID, guard); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 2; i++ {
		env.advance(time.Minute)
		entry, _ = env.Engine.RecordAttempt(env.Ctx, entry.ID, guard)
		if entry.State != domain.StateCalling || entry.Attempts != i {
			t.Fatalf("attempt %d: state=%s attempts=%d", i, entry.State, entry.Attempts)
		}
	}
	env.advance(time.Minute)
	entry, err := env.Engine.RecordAttempt(env.Ctx, entry.ID, guard)
	if err != nil {
		t.Fatalf("third attempt: %v", err)
	}
	if entry.State != domain.StateNotResponded || entry.Attempts != 3 {
		t.Fatalf("after third attempt: state=%s attempts=%d, want not_responded/3", entry.State, entry.Attempts)
	}
}

func TestSweepExpiresOverdueEntries(t *testing.T) {
	env := newTestEnv(t)
	stale := createEntry(t, env, engine.EntryCreateOptions{VisitorName: "Stale"})
	if _, err := env.Engine.CallResident(env.Ctx, stale.ID, guard); err != nil {
		t.Fatal(err)
	}
	fresh := createEntry(t, env, engine.EntryCreateOptions{VisitorName: "Fresh", Flat: "B-202"})
	settled := createEntry(t, env, engine.EntryCreateOptions{VisitorName: "Settled", Flat: "C-303"})
	if _, err := env.Engine.Approve(env.Ctx, settled.ID, resident); err != nil {
		t.Fatal(err)
	}

	// one ring cycle has not elapsed yet
	env.advance(30 * time.Second)
	n, err := env.Engine.SweepExpired(env.Ctx, "gate-1", system)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("early sweep expired %d entries", n)
	}

	env.advance(31 * time.Second)
	n, err = env.Engine.SweepExpired(env.Ctx, "gate-1", system)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("sweep expired %d entries, want 2", n)
	}
	for _, id := range []string{stale.ID, fresh.ID} {
		got, _ := env.Engine.Repo.GetEntry(env.Ctx, id)
		if got.State != domain.StateExpired {
			t.Fatalf("entry %s state = %s, want expired", id, got.State)
		}
	}
	got, _ := env.Engine.Repo.GetEntry(env.Ctx, settled.ID)
	if got.State != domain.StateApproved {
		t.Fatalf("approved entry touched by sweep: %s", got.State)
	}
}

func TestSweepBudgetScalesWithAttempts(t *testing.T) {
	env := newTestEnv(t)
	entry := createEntry(t, env, engine.EntryCreateOptions{})
	if _, err := env.Engine.CallResident(env.Ctx, entry.ID, guard); err != nil {
		t.Fatal(err)
	}
	env.advance(45 * time.Second)
	if _, err := env.Engine.RecordAttempt(env.Ctx, entry.ID, guard); err != nil {
		t.Fatal(err)
	}
	env.advance(5 * time.Second)
	if _, err := env.Engine.RecordAttempt(env.Ctx, entry.ID, guard); err != nil {
		t.Fatal(err)
	}

	// 95s since the call started, but two attempts buy a 120s budget
	env.advance(45 * time.Second)
	n, err := env.Engine.SweepExpired(env.Ctx, "gate-1", system)
	if err != nil || n != 0 {
		t.Fatalf("sweep inside extended budget: n=%d err=%v", n, err)
	}

	env.advance(30 * time.Second)
	n, err = env.Engine.SweepExpired(env.Ctx, "gate-1", system)
	if err != nil || n != 1 {
		t.Fatalf("sweep past extended budget: n=%d err=%v", n, err)
	}
}

func TestClockSkewRefused(t *testing.T) {
	env := newTestEnv(t)
	entry := createEntry(t, env, engine.EntryCreateOptions{})

	env.advance(-time.Minute)
	var skew engine.ClockSkewError
	if _, err := env.Engine.CallResident(env.Ctx, entry.ID, guard); !errors.As(err, &skew) {
		t.Fatalf("call with rewound clock: got %v, want ClockSkewError", err)
	}
	got, _ := env.Engine.Repo.GetEntry(env.Ctx, entry.ID)
	if got.State != domain.StateWaiting || got.CallStartedAt != nil {
		t.Fatalf("record mutated despite skew: %+v", got)
	}
}

func TestPermissionsEnforcedPerOperation(t *testing.T) {
	env := newTestEnv(t)
	entry := createEntry(t, env, engine.EntryCreateOptions{})

	var forbidden auth.ForbiddenError
	if _, err := env.Engine.Approve(env.Ctx, entry.ID, guard); !errors.As(err, &forbidden) {
		t.Fatalf("guard approve: got %v, want ForbiddenError", err)
	}
	if _, err := env.Engine.CreateEntry(env.Ctx, engine.EntryCreateOptions{
		GateID: "gate-1", Kind: domain.KindGuest, VisitorName: "x", Flat: "A-101", Actor: resident,
	}); !errors.As(err, &forbidden) {
		t.Fatalf("resident create: got %v, want ForbiddenError", err)
	}
	if _, err := env.Engine.SweepExpired(env.Ctx, "gate-1", guard); !errors.As(err, &forbidden) {
		t.Fatalf("guard sweep: got %v, want ForbiddenError", err)
	}
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []string
	fail  bool
}

func (d *recordingDispatcher) Notify(_ context.Context, residentID string, s domain.EntrySummary) (domain.DeliveryReceipt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, residentID+":"+s.EntryID)
	if d.fail {
		return domain.DeliveryReceipt{}, errors.New("provider down")
	}
	return domain.DeliveryReceipt{ID: "r-1", ResidentID: residentID, Channel: "test"}, nil
}

func TestCallNotifiesResidentOnFile(t *testing.T) {
	env := newTestEnv(t)
	disp := &recordingDispatcher{}
	env.Engine.Notifier = disp

	entry := createEntry(t, env, engine.EntryCreateOptions{})
	if _, err := env.Engine.CallResident(env.Ctx, entry.ID, guard); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RecordAttempt(env.Ctx, entry.ID, guard); err != nil {
		t.Fatal(err)
	}
	if len(disp.calls) != 2 || disp.calls[0] != "res-1:"+entry.ID {
		t.Fatalf("dispatcher calls = %v", disp.calls)
	}
}

func TestNotifyFailureDoesNotRollBackTransition(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Notifier = &recordingDispatcher{fail: true}

	entry := createEntry(t, env, engine.EntryCreateOptions{})
	entry, err := env.Engine.CallResident(env.Ctx, entry.ID, guard)
	if err != nil {
		t.Fatalf("call with failing dispatcher: %v", err)
	}
	if entry.State != domain.StateCalling {
		t.Fatalf("state = %s, want calling", entry.State)
	}
}

func TestEventsAppendedPerTransition(t *testing.T) {
	env := newTestEnv(t)
	entry := createEntry(t, env, engine.EntryCreateOptions{})
	if _, err := env.Engine.CallResident(env.Ctx, entry.ID, guard); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Approve(env.Ctx, entry.ID, resident); err != nil {
		t.Fatal(err)
	}

	evts, err := env.Engine.Repo.ListEvents(env.Ctx, repo.EventFilters{EntityKind: "entry", EntityID: entry.ID})
	if err != nil {
		t.Fatal(err)
	}
	types := map[string]bool{}
	for _, evt := range evts {
		types[evt.Type] = true
	}
	for _, want := range []string{"entry.created", "entry.called", "entry.approved"} {
		if !types[want] {
			t.Fatalf("missing event %s in %v", want, evts)
		}
	}
}

func TestListWaitingAndTodayLog(t *testing.T) {
	env := newTestEnv(t)
	open := createEntry(t, env, engine.EntryCreateOptions{VisitorName: "Open"})
	ringing := createEntry(t, env, engine.EntryCreateOptions{VisitorName: "Ringing", Flat: "B-202"})
	if _, err := env.Engine.CallResident(env.Ctx, ringing.ID, guard); err != nil {
		t.Fatal(err)
	}
	done := createEntry(t, env, engine.EntryCreateOptions{VisitorName: "Done", Flat: "C-303"})
	if _, err := env.Engine.Reject(env.Ctx, done.ID, "", resident); err != nil {
		t.Fatal(err)
	}

	waiting, err := env.Engine.ListWaiting(env.Ctx, "gate-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(waiting) != 2 {
		t.Fatalf("waiting = %d entries, want 2", len(waiting))
	}
	for _, e := range waiting {
		if e.ID != open.ID && e.ID != ringing.ID {
			t.Fatalf("unexpected entry in waiting list: %s", e.ID)
		}
	}

	today, err := env.Engine.ListTodayLog(env.Ctx, "gate-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(today) != 3 {
		t.Fatalf("today log = %d entries, want 3", len(today))
	}
}

func TestCreateEntryValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name string
		opts engine.EntryCreateOptions
	}{
		{"bad kind", engine.EntryCreateOptions{GateID: "gate-1", Kind: "drone", VisitorName: "x", Flat: "A-101", Actor: guard}},
		{"missing name", engine.EntryCreateOptions{GateID: "gate-1", Kind: domain.KindGuest, Flat: "A-101", Actor: guard}},
		{"missing flat", engine.EntryCreateOptions{GateID: "gate-1", Kind: domain.KindGuest, VisitorName: "x", Actor: guard}},
	}
	for _, tc := range cases {
		var verr engine.ValidationError
		if _, err := env.Engine.CreateEntry(env.Ctx, tc.opts); !errors.As(err, &verr) {
			t.Fatalf("%s: got %v, want ValidationError", tc.name, err)
		}
	}
	if _, err := env.Engine.CreateEntry(env.Ctx, engine.EntryCreateOptions{
		GateID: "gate-9", Kind: domain.KindGuest, VisitorName: "x", Flat: "A-101", Actor: guard,
	}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown gate: got %v, want ErrNotFound", err)
	}
}
