package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"gatehouse/internal/config"
	"gatehouse/internal/domain"
	"gatehouse/internal/engine/auth"
	"gatehouse/internal/events"
	"gatehouse/internal/idgen"
	"gatehouse/internal/notify"
	"gatehouse/internal/repo"
)

// Engine owns every GateEntry state transition. All mutations go through a
// per-record lock plus a SQL transaction; the notification dispatcher is only
// ever invoked after the lock is released.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Auth     auth.Service
	Notifier notify.Dispatcher
	Now      func() time.Time

	locks *lockTable
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Auth:     auth.NewService(cfg),
		Notifier: notify.NewConsole(),
		Now:      time.Now,
		locks:    newLockTable(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ringTimeout() time.Duration {
	if e.Config != nil && e.Config.Lifecycle.RingTimeoutSeconds > 0 {
		return e.Config.RingTimeout()
	}
	return 60 * time.Second
}

func (e Engine) maxAttempts() int {
	if e.Config != nil && e.Config.Lifecycle.MaxAttempts > 0 {
		return e.Config.Lifecycle.MaxAttempts
	}
	return 3
}

// InitGate registers a gate and seeds its config.
func (e Engine) InitGate(ctx context.Context, gateID, name string, actor auth.Actor) (domain.Gate, error) {
	if gateID == "" {
		return domain.Gate{}, ValidationError{Field: "gate_id", Reason: "required"}
	}
	if name == "" {
		name = "Main Gate"
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Gate{}, err
	}
	defer tx.Rollback()

	g := domain.Gate{
		ID:        gateID,
		Name:      name,
		Status:    "active",
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertGate(ctx, tx, g); err != nil {
		return domain.Gate{}, fmt.Errorf("insert gate: %w", err)
	}
	if err := e.Repo.UpsertGateConfigTx(ctx, tx, g.ID, config.Default(g.ID)); err != nil {
		return domain.Gate{}, fmt.Errorf("insert gate config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "gate.init", g.ID, "gate", g.ID, actor.ID, events.EventPayload{"name": g.Name}); err != nil {
		return domain.Gate{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Gate{}, err
	}
	return g, nil
}

// EntryCreateOptions are parameters for creating a gate entry.
type EntryCreateOptions struct {
	GateID       string
	Kind         string
	VisitorName  string
	VisitorPhone string
	VehiclePlate string
	Building     string
	Flat         string
	Actor        auth.Actor
}

// CreateEntry records a new attempt at the gate. When a gatepass matches, the
// pass is consumed and the entry is born Approved in the same transaction, so
// a pass can never be double-spent by two concurrent entries.
func (e Engine) CreateEntry(ctx context.Context, opts EntryCreateOptions) (domain.GateEntry, error) {
	if err := e.Auth.Require(opts.Actor, "entry.create"); err != nil {
		return domain.GateEntry{}, err
	}
	if !domain.ValidKind(opts.Kind) {
		return domain.GateEntry{}, ValidationError{Field: "kind", Reason: fmt.Sprintf("must be one of %v", domain.Kinds)}
	}
	if opts.VisitorName == "" {
		return domain.GateEntry{}, ValidationError{Field: "visitor_name", Reason: "required"}
	}
	if opts.Flat == "" {
		return domain.GateEntry{}, ValidationError{Field: "flat", Reason: "required"}
	}
	if opts.GateID == "" {
		return domain.GateEntry{}, ValidationError{Field: "gate_id", Reason: "required"}
	}
	if _, err := e.Repo.GetGate(ctx, opts.GateID); err != nil {
		return domain.GateEntry{}, err
	}
	id, err := idgen.Generate(idgen.EntryPrefix)
	if err != nil {
		return domain.GateEntry{}, err
	}
	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)

	entry := domain.GateEntry{
		ID:          id,
		GateID:      opts.GateID,
		Kind:        opts.Kind,
		VisitorName: opts.VisitorName,
		Building:    opts.Building,
		Flat:        opts.Flat,
		State:       domain.StateWaiting,
		CreatedBy:   opts.Actor.ID,
		CreatedAt:   nowStr,
	}
	if opts.VisitorPhone != "" {
		entry.VisitorPhone = &opts.VisitorPhone
	}
	if opts.VehiclePlate != "" {
		entry.VehiclePlate = &opts.VehiclePlate
	}
	if res, err := e.Repo.ResidentForFlat(ctx, opts.Flat); err == nil {
		entry.ResidentID = &res.ID
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.GateEntry{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.GateEntry{}, err
	}
	defer tx.Rollback()

	pass, err := e.Repo.FindMatchingGatepass(ctx, tx, opts.Kind, opts.VisitorPhone, opts.Flat, nowStr)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.GateEntry{}, err
	}
	if err == nil {
		consumed, err := e.Repo.ConsumeGatepass(ctx, tx, pass.ID, entry.ID, nowStr)
		if err != nil {
			return domain.GateEntry{}, err
		}
		if consumed {
			entry.State = domain.StateApproved
			entry.PreApprovalRef = &pass.ID
			entry.RespondedAt = &nowStr
			entry.ApprovedBy = &pass.IssuedBy
		}
	}
	if err := e.Repo.InsertEntry(ctx, tx, entry); err != nil {
		return domain.GateEntry{}, err
	}
	if err := e.Events.Append(ctx, tx, "entry.created", entry.GateID, "entry", entry.ID, opts.Actor.ID, events.EventPayload{
		"kind": entry.Kind, "flat": entry.Flat, "state": entry.State,
	}); err != nil {
		return domain.GateEntry{}, err
	}
	if entry.PreApprovalRef != nil {
		if err := e.Events.Append(ctx, tx, "entry.preapproved", entry.GateID, "entry", entry.ID, opts.Actor.ID, events.EventPayload{
			"gatepass": *entry.PreApprovalRef,
		}); err != nil {
			return domain.GateEntry{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.GateEntry{}, err
	}
	return entry, nil
}

// errSkip aborts a withEntry mutation without surfacing an error.
var errSkip = errors.New("skip")

// withEntry runs fn under the entry's lock inside a transaction and persists
// the mutated record. The lock is released before withEntry returns, so
// callers may safely do slow work (notify) with the returned snapshot.
func (e Engine) withEntry(ctx context.Context, entryID string, fn func(tx *sql.Tx, entry *domain.GateEntry) error) (domain.GateEntry, error) {
	release := e.locks.acquire(entryID)
	defer release()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.GateEntry{}, err
	}
	defer tx.Rollback()

	entry, err := e.Repo.GetEntryTx(ctx, tx, entryID)
	if err != nil {
		return entry, err
	}
	if err := fn(tx, &entry); err != nil {
		if errors.Is(err, errSkip) {
			return entry, errSkip
		}
		return entry, err
	}
	if err := e.Repo.UpdateEntry(ctx, tx, entry); err != nil {
		return entry, err
	}
	if err := tx.Commit(); err != nil {
		return entry, err
	}
	return entry, nil
}

// ensureMonotonic rejects a transition whose wall-clock now precedes any
// timestamp already on the record.
func ensureMonotonic(entry domain.GateEntry, now time.Time) error {
	last := entry.CreatedAt
	for _, ts := range []*string{entry.CallStartedAt, entry.RespondedAt, entry.CheckInAt, entry.CheckOutAt} {
		if ts != nil && *ts > last {
			last = *ts
		}
	}
	lastT, err := time.Parse(time.RFC3339, last)
	if err != nil {
		return nil
	}
	if now.Before(lastT) {
		return ClockSkewError{EntryID: entry.ID, Now: now.UTC().Format(time.RFC3339), Last: last}
	}
	return nil
}

// CallResident moves a waiting entry to Calling. The notification itself is
// dispatched after the record lock is released; a delivery failure is logged
// and never rolls the transition back.
func (e Engine) CallResident(ctx context.Context, entryID string, actor auth.Actor) (domain.GateEntry, error) {
	if err := e.Auth.Require(actor, "entry.call"); err != nil {
		return domain.GateEntry{}, err
	}
	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)
	entry, err := e.withEntry(ctx, entryID, func(tx *sql.Tx, entry *domain.GateEntry) error {
		if entry.State != domain.StateWaiting {
			return InvalidTransitionError{EntryID: entry.ID, State: entry.State, Op: "callResident"}
		}
		if err := ensureMonotonic(*entry, now); err != nil {
			return err
		}
		entry.State = domain.StateCalling
		entry.CallStartedAt = &nowStr
		return e.Events.Append(ctx, tx, "entry.called", entry.GateID, "entry", entry.ID, actor.ID, events.EventPayload{
			"flat": entry.Flat,
		})
	})
	if err != nil {
		return entry, err
	}
	e.dispatchNotification(ctx, entry)
	return entry, nil
}

// RecordAttempt counts one more ring cycle toward the resident. Crossing the
// configured maximum settles the entry as NotResponded.
func (e Engine) RecordAttempt(ctx context.Context, entryID string, actor auth.Actor) (domain.GateEntry, error) {
	if err := e.Auth.Require(actor, "entry.call"); err != nil {
		return domain.GateEntry{}, err
	}
	max := e.maxAttempts()
	entry, err := e.withEntry(ctx, entryID, func(tx *sql.Tx, entry *domain.GateEntry) error {
		if entry.State != domain.StateCalling {
			return InvalidTransitionError{EntryID: entry.ID, State: entry.State, Op: "recordAttempt"}
		}
		entry.Attempts++
		if entry.Attempts >= max {
			entry.State = domain.StateNotResponded
			return e.Events.Append(ctx, tx, "entry.not_responded", entry.GateID, "entry", entry.ID, actor.ID, events.EventPayload{
				"attempts": entry.Attempts,
			})
		}
		return e.Events.Append(ctx, tx, "entry.attempt", entry.GateID, "entry", entry.ID, actor.ID, events.EventPayload{
			"attempts": entry.Attempts,
		})
	})
	if err != nil {
		return entry, err
	}
	if entry.State == domain.StateCalling {
		e.dispatchNotification(ctx, entry)
	}
	return entry, nil
}

// Approve records the resident's yes. Losing a concurrent decision race
// returns StaleState so the caller can re-fetch and surface the real outcome.
func (e Engine) Approve(ctx context.Context, entryID string, actor auth.Actor) (domain.GateEntry, error) {
	if err := e.Auth.Require(actor, "entry.approve"); err != nil {
		return domain.GateEntry{}, err
	}
	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)
	return e.withEntry(ctx, entryID, func(tx *sql.Tx, entry *domain.GateEntry) error {
		if err := decidable(*entry, "approve"); err != nil {
			return err
		}
		if err := ensureMonotonic(*entry, now); err != nil {
			return err
		}
		entry.State = domain.StateApproved
		entry.RespondedAt = &nowStr
		entry.ApprovedBy = &actor.ID
		return e.Events.Append(ctx, tx, "entry.approved", entry.GateID, "entry", entry.ID, actor.ID, nil)
	})
}

// Reject records the resident's no.
func (e Engine) Reject(ctx context.Context, entryID, reason string, actor auth.Actor) (domain.GateEntry, error) {
	if err := e.Auth.Require(actor, "entry.reject"); err != nil {
		return domain.GateEntry{}, err
	}
	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)
	return e.withEntry(ctx, entryID, func(tx *sql.Tx, entry *domain.GateEntry) error {
		if err := decidable(*entry, "reject"); err != nil {
			return err
		}
		if err := ensureMonotonic(*entry, now); err != nil {
			return err
		}
		entry.State = domain.StateRejected
		entry.RespondedAt = &nowStr
		if reason != "" {
			entry.RejectReason = &reason
		}
		return e.Events.Append(ctx, tx, "entry.rejected", entry.GateID, "entry", entry.ID, actor.ID, events.EventPayload{
			"reason": reason,
		})
	})
}

// decidable gates approve/reject. An entry already settled by the other
// decision is a lost race (StaleState); everything else off-graph is an
// InvalidTransition.
func decidable(entry domain.GateEntry, op string) error {
	switch entry.State {
	case domain.StateWaiting, domain.StateCalling:
		return nil
	case domain.StateApproved, domain.StateRejected:
		return StaleStateError{EntryID: entry.ID, State: entry.State}
	default:
		return InvalidTransitionError{EntryID: entry.ID, State: entry.State, Op: op}
	}
}

// CheckIn validates the physical entry of an approved visitor.
func (e Engine) CheckIn(ctx context.Context, entryID string, actor auth.Actor) (domain.GateEntry, error) {
	if err := e.Auth.Require(actor, "entry.checkin"); err != nil {
		return domain.GateEntry{}, err
	}
	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)
	return e.withEntry(ctx, entryID, func(tx *sql.Tx, entry *domain.GateEntry) error {
		if entry.State != domain.StateApproved {
			return InvalidTransitionError{EntryID: entry.ID, State: entry.State, Op: "checkIn"}
		}
		if err := ensureMonotonic(*entry, now); err != nil {
			return err
		}
		entry.State = domain.StateCheckedIn
		entry.CheckInAt = &nowStr
		return e.Events.Append(ctx, tx, "entry.checked_in", entry.GateID, "entry", entry.ID, actor.ID, nil)
	})
}

// CheckOut closes the visit.
func (e Engine) CheckOut(ctx context.Context, entryID string, actor auth.Actor) (domain.GateEntry, error) {
	if err := e.Auth.Require(actor, "entry.checkout"); err != nil {
		return domain.GateEntry{}, err
	}
	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)
	return e.withEntry(ctx, entryID, func(tx *sql.Tx, entry *domain.GateEntry) error {
		if entry.State != domain.StateCheckedIn {
			return InvalidTransitionError{EntryID: entry.ID, State: entry.State, Op: "checkOut"}
		}
		if err := ensureMonotonic(*entry, now); err != nil {
			return err
		}
		entry.State = domain.StateCheckedOut
		entry.CheckOutAt = &nowStr
		return e.Events.Append(ctx, tx, "entry.checked_out", entry.GateID, "entry", entry.ID, actor.ID, nil)
	})
}

// Cancel withdraws an open entry. Only the issuing guard, a resident of the
// target flat, or the system may cancel. Cancelling an already cancelled
// entry is not an error; the settled record is returned as-is.
func (e Engine) Cancel(ctx context.Context, entryID string, actor auth.Actor) (domain.GateEntry, error) {
	if err := e.Auth.Require(actor, "entry.cancel"); err != nil {
		return domain.GateEntry{}, err
	}
	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)
	reason := "canceled"
	// ownership depends only on immutable fields, so it is checked outside
	// the record lock to keep reads off the transaction's connection
	current, err := e.Repo.GetEntry(ctx, entryID)
	if err != nil {
		return domain.GateEntry{}, err
	}
	if err := e.mayCancel(ctx, current, actor); err != nil {
		return domain.GateEntry{}, err
	}
	entry, err := e.withEntry(ctx, entryID, func(tx *sql.Tx, entry *domain.GateEntry) error {
		if entry.State == domain.StateRejected {
			return errSkip
		}
		if domain.TerminalState(entry.State) {
			return InvalidTransitionError{EntryID: entry.ID, State: entry.State, Op: "cancel"}
		}
		if err := ensureMonotonic(*entry, now); err != nil {
			return err
		}
		entry.State = domain.StateRejected
		entry.RespondedAt = &nowStr
		entry.RejectReason = &reason
		return e.Events.Append(ctx, tx, "entry.canceled", entry.GateID, "entry", entry.ID, actor.ID, nil)
	})
	if errors.Is(err, errSkip) {
		return entry, nil
	}
	return entry, err
}

func (e Engine) mayCancel(ctx context.Context, entry domain.GateEntry, actor auth.Actor) error {
	switch actor.Role {
	case auth.RoleSystem, auth.RoleAdmin:
		return nil
	case auth.RoleGuard:
		if entry.CreatedBy == actor.ID {
			return nil
		}
	case auth.RoleResident:
		ok, err := e.Repo.ResidentOfFlat(ctx, actor.ID, entry.Flat)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		// No directory for the flat means we cannot disprove the claim.
		residents, err := e.Repo.ListResidents(ctx, entry.Flat)
		if err != nil {
			return err
		}
		if len(residents) == 0 {
			return nil
		}
	}
	return auth.ForbiddenError{Role: actor.Role, Permission: "entry.cancel"}
}

// SweepExpired applies the expiry policy to every undecided entry, going
// through the same per-record locks as user transitions so it can never race
// a genuine late approval. Returns the number of entries expired.
func (e Engine) SweepExpired(ctx context.Context, gateID string, actor auth.Actor) (int, error) {
	if err := e.Auth.Require(actor, "entry.sweep"); err != nil {
		return 0, err
	}
	ids, err := e.Repo.ListOpenEntryIDs(ctx, gateID)
	if err != nil {
		return 0, err
	}
	ringTimeout := e.ringTimeout()
	expired := 0
	for _, id := range ids {
		now := e.now().UTC()
		_, err := e.withEntry(ctx, id, func(tx *sql.Tx, entry *domain.GateEntry) error {
			if !ExpiryDue(*entry, now, ringTimeout) {
				return errSkip
			}
			if err := ensureMonotonic(*entry, now); err != nil {
				return err
			}
			entry.State = domain.StateExpired
			return e.Events.Append(ctx, tx, "entry.expired", entry.GateID, "entry", entry.ID, actor.ID, events.EventPayload{
				"waited": ElapsedWaiting(*entry, now).String(),
			})
		})
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// GatepassIssueOptions are parameters for issuing a pre-approval.
type GatepassIssueOptions struct {
	Kind         string
	VisitorName  string
	VisitorPhone string // empty matches any phone
	Building     string
	Flat         string
	ValidFrom    string
	ValidUntil   string
	Reusable     bool
	Actor        auth.Actor
}

// IssueGatepass creates a resident pre-approval.
func (e Engine) IssueGatepass(ctx context.Context, opts GatepassIssueOptions) (domain.Gatepass, error) {
	if err := e.Auth.Require(opts.Actor, "pass.issue"); err != nil {
		return domain.Gatepass{}, err
	}
	if !domain.ValidKind(opts.Kind) {
		return domain.Gatepass{}, ValidationError{Field: "kind", Reason: fmt.Sprintf("must be one of %v", domain.Kinds)}
	}
	if opts.VisitorName == "" {
		return domain.Gatepass{}, ValidationError{Field: "visitor_name", Reason: "required"}
	}
	if opts.Flat == "" {
		return domain.Gatepass{}, ValidationError{Field: "flat", Reason: "required"}
	}
	from, err := time.Parse(time.RFC3339, opts.ValidFrom)
	if err != nil {
		return domain.Gatepass{}, ValidationError{Field: "valid_from", Reason: "must be RFC3339"}
	}
	until, err := time.Parse(time.RFC3339, opts.ValidUntil)
	if err != nil {
		return domain.Gatepass{}, ValidationError{Field: "valid_until", Reason: "must be RFC3339"}
	}
	if !from.Before(until) {
		return domain.Gatepass{}, ValidationError{Field: "valid_until", Reason: "must be after valid_from"}
	}
	id, err := idgen.Generate(idgen.GatepassPrefix)
	if err != nil {
		return domain.Gatepass{}, err
	}
	p := domain.Gatepass{
		ID:           id,
		Kind:         opts.Kind,
		VisitorName:  opts.VisitorName,
		VisitorPhone: opts.VisitorPhone,
		Building:     opts.Building,
		Flat:         opts.Flat,
		ValidFrom:    from.UTC().Format(time.RFC3339),
		ValidUntil:   until.UTC().Format(time.RFC3339),
		Reusable:     opts.Reusable,
		IssuedBy:     opts.Actor.ID,
		CreatedAt:    e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Gatepass{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertGatepass(ctx, tx, p); err != nil {
		return domain.Gatepass{}, err
	}
	if err := e.Events.Append(ctx, tx, "pass.issued", "", "gatepass", p.ID, opts.Actor.ID, events.EventPayload{
		"kind": p.Kind, "flat": p.Flat, "valid_until": p.ValidUntil,
	}); err != nil {
		return domain.Gatepass{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Gatepass{}, err
	}
	return p, nil
}

// ListWaiting returns entries still awaiting a decision at the gate.
func (e Engine) ListWaiting(ctx context.Context, gateID string) ([]domain.GateEntry, error) {
	return e.Repo.ListEntries(ctx, repo.EntryFilters{
		GateID: gateID,
		States: []string{domain.StateWaiting, domain.StateCalling},
	})
}

// ListTodayLog returns everything that happened at the gate since midnight UTC.
func (e Engine) ListTodayLog(ctx context.Context, gateID string) ([]domain.GateEntry, error) {
	now := e.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return e.Repo.ListEntries(ctx, repo.EntryFilters{
		GateID:       gateID,
		CreatedSince: midnight.Format(time.RFC3339),
	})
}

// dispatchNotification resolves the recipient and fires the dispatcher. The
// receipt is logged; failures are logged and swallowed, the attempt/timeout
// policy covers the case where the provider is down.
func (e Engine) dispatchNotification(ctx context.Context, entry domain.GateEntry) {
	if e.Notifier == nil {
		return
	}
	residentID := ""
	if entry.ResidentID != nil {
		residentID = *entry.ResidentID
	} else if res, err := e.Repo.ResidentForFlat(ctx, entry.Flat); err == nil {
		residentID = res.ID
	}
	if residentID == "" {
		log.Printf("notify: no resident on file for flat %s (entry %s)", entry.Flat, entry.ID)
		return
	}
	summary := domain.EntrySummary{
		EntryID:     entry.ID,
		Kind:        entry.Kind,
		VisitorName: entry.VisitorName,
		Flat:        entry.Flat,
		GateID:      entry.GateID,
		Attempt:     entry.Attempts,
	}
	if entry.VisitorPhone != nil {
		summary.VisitorPhone = *entry.VisitorPhone
	}
	receipt, err := e.Notifier.Notify(ctx, residentID, summary)
	if err != nil {
		log.Printf("notify: entry %s resident %s failed: %v", entry.ID, residentID, err)
		return
	}
	log.Printf("notify: entry %s delivered to %s via %s (receipt %s)", entry.ID, residentID, receipt.Channel, receipt.ID)
}
