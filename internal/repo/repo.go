package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gatehouse/internal/config"
	"gatehouse/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

// --- gates ---

func (r Repo) InsertGate(ctx context.Context, tx *sql.Tx, g domain.Gate) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO gates(id,name,status,created_at) VALUES (?,?,?,?)`,
		g.ID, g.Name, g.Status, g.CreatedAt)
	return err
}

func (r Repo) GetGate(ctx context.Context, id string) (domain.Gate, error) {
	var g domain.Gate
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,status,created_at FROM gates WHERE id=?`, id).
		Scan(&g.ID, &g.Name, &g.Status, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	return g, err
}

func (r Repo) ListGates(ctx context.Context) ([]domain.Gate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,created_at FROM gates ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Gate
	for rows.Next() {
		var g domain.Gate
		if err := rows.Scan(&g.ID, &g.Name, &g.Status, &g.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

// SingleGate returns the only gate in the workspace, or an error telling the
// caller to disambiguate.
func (r Repo) SingleGate(ctx context.Context) (domain.Gate, error) {
	gates, err := r.ListGates(ctx)
	if err != nil {
		return domain.Gate{}, err
	}
	if len(gates) == 0 {
		return domain.Gate{}, ErrNotFound
	}
	if len(gates) > 1 {
		return domain.Gate{}, fmt.Errorf("multiple gates exist; specify --gate")
	}
	return gates[0], nil
}

// --- gate configs ---

func (r Repo) UpsertGateConfig(ctx context.Context, gateID string, cfg *config.Config) error {
	return upsertGateConfig(ctx, r.DB, nil, gateID, cfg)
}

func (r Repo) UpsertGateConfigTx(ctx context.Context, tx *sql.Tx, gateID string, cfg *config.Config) error {
	return upsertGateConfig(ctx, nil, tx, gateID, cfg)
}

func upsertGateConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, gateID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Gate.ID = gateID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO gate_configs(gate_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(gate_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, gateID, string(payload), now, now)
	return err
}

func (r Repo) GetGateConfig(ctx context.Context, gateID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM gate_configs WHERE gate_id=?`, gateID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Gate.ID == "" {
		cfg.Gate.ID = gateID
	}
	return &cfg, cfg.Validate()
}

// --- entries ---

const entryColumns = `id,gate_id,kind,visitor_name,visitor_phone,vehicle_plate,building,flat,resident_id,state,attempts,pre_approval_ref,approved_by,reject_reason,created_by,created_at,call_started_at,responded_at,check_in_at,check_out_at`

func (r Repo) InsertEntry(ctx context.Context, tx *sql.Tx, e domain.GateEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO entries(`+entryColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.GateID, e.Kind, e.VisitorName, nullableStringPtr(e.VisitorPhone), nullableStringPtr(e.VehiclePlate),
		nullable(e.Building), e.Flat, nullableStringPtr(e.ResidentID), e.State, e.Attempts,
		nullableStringPtr(e.PreApprovalRef), nullableStringPtr(e.ApprovedBy), nullableStringPtr(e.RejectReason),
		e.CreatedBy, e.CreatedAt, nullableStringPtr(e.CallStartedAt), nullableStringPtr(e.RespondedAt),
		nullableStringPtr(e.CheckInAt), nullableStringPtr(e.CheckOutAt))
	return err
}

// UpdateEntry rewrites every mutable entry column. The engine is the only
// legitimate caller and always does so inside a transaction holding the
// per-record lock.
func (r Repo) UpdateEntry(ctx context.Context, tx *sql.Tx, e domain.GateEntry) error {
	res, err := tx.ExecContext(ctx, `UPDATE entries SET state=?, attempts=?, resident_id=?, pre_approval_ref=?, approved_by=?, reject_reason=?, call_started_at=?, responded_at=?, check_in_at=?, check_out_at=? WHERE id=?`,
		e.State, e.Attempts, nullableStringPtr(e.ResidentID), nullableStringPtr(e.PreApprovalRef),
		nullableStringPtr(e.ApprovedBy), nullableStringPtr(e.RejectReason), nullableStringPtr(e.CallStartedAt),
		nullableStringPtr(e.RespondedAt), nullableStringPtr(e.CheckInAt), nullableStringPtr(e.CheckOutAt), e.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanEntry(scan func(dest ...any) error) (domain.GateEntry, error) {
	var e domain.GateEntry
	var visitorPhone, vehiclePlate, building, residentID, preApprovalRef, approvedBy, rejectReason sql.NullString
	var callStartedAt, respondedAt, checkInAt, checkOutAt sql.NullString
	err := scan(&e.ID, &e.GateID, &e.Kind, &e.VisitorName, &visitorPhone, &vehiclePlate, &building, &e.Flat,
		&residentID, &e.State, &e.Attempts, &preApprovalRef, &approvedBy, &rejectReason, &e.CreatedBy,
		&e.CreatedAt, &callStartedAt, &respondedAt, &checkInAt, &checkOutAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if visitorPhone.Valid {
		e.VisitorPhone = &visitorPhone.String
	}
	if vehiclePlate.Valid {
		e.VehiclePlate = &vehiclePlate.String
	}
	if building.Valid {
		e.Building = building.String
	}
	if residentID.Valid {
		e.ResidentID = &residentID.String
	}
	if preApprovalRef.Valid {
		e.PreApprovalRef = &preApprovalRef.String
	}
	if approvedBy.Valid {
		e.ApprovedBy = &approvedBy.String
	}
	if rejectReason.Valid {
		e.RejectReason = &rejectReason.String
	}
	if callStartedAt.Valid {
		e.CallStartedAt = &callStartedAt.String
	}
	if respondedAt.Valid {
		e.RespondedAt = &respondedAt.String
	}
	if checkInAt.Valid {
		e.CheckInAt = &checkInAt.String
	}
	if checkOutAt.Valid {
		e.CheckOutAt = &checkOutAt.String
	}
	return e, nil
}

func (r Repo) GetEntry(ctx context.Context, id string) (domain.GateEntry, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id=?`, id)
	return scanEntry(row.Scan)
}

func (r Repo) GetEntryTx(ctx context.Context, tx *sql.Tx, id string) (domain.GateEntry, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id=?`, id)
	return scanEntry(row.Scan)
}

type EntryFilters struct {
	GateID       string
	State        string
	States       []string
	Flat         string
	CreatedSince string
	Limit        int
}

func (r Repo) ListEntries(ctx context.Context, f EntryFilters) ([]domain.GateEntry, error) {
	var clauses []string
	var args []any
	if f.GateID != "" {
		clauses = append(clauses, "gate_id=?")
		args = append(args, f.GateID)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if len(f.States) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.States)), ",")
		clauses = append(clauses, "state IN ("+placeholders+")")
		for _, s := range f.States {
			args = append(args, s)
		}
	}
	if f.Flat != "" {
		clauses = append(clauses, "flat=?")
		args = append(args, f.Flat)
	}
	if f.CreatedSince != "" {
		clauses = append(clauses, "created_at>=?")
		args = append(args, f.CreatedSince)
	}
	query := `SELECT ` + entryColumns + ` FROM entries`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GateEntry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ListOpenEntryIDs returns ids of entries still awaiting a decision, for the
// expiry sweep. IDs only; the sweep re-reads each record under its lock.
func (r Repo) ListOpenEntryIDs(ctx context.Context, gateID string) ([]string, error) {
	query := `SELECT id FROM entries WHERE state IN (?,?)`
	args := []any{domain.StateWaiting, domain.StateCalling}
	if gateID != "" {
		query += ` AND gate_id=?`
		args = append(args, gateID)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) CountEntriesByState(ctx context.Context, gateID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, COUNT(*) FROM entries WHERE gate_id=? GROUP BY state`, gateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}
