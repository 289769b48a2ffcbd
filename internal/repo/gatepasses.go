package repo

import (
	"context"
	"database/sql"

	"gatehouse/internal/domain"
)

const gatepassColumns = `id,kind,visitor_name,visitor_phone,building,flat,valid_from,valid_until,reusable,is_used,used_by_entry,used_at,issued_by,created_at`

func (r Repo) InsertGatepass(ctx context.Context, tx *sql.Tx, p domain.Gatepass) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO gatepasses(`+gatepassColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Kind, p.VisitorName, p.VisitorPhone, nullable(p.Building), p.Flat, p.ValidFrom, p.ValidUntil,
		boolInt(p.Reusable), boolInt(p.IsUsed), nullableStringPtr(p.UsedByEntry), nullableStringPtr(p.UsedAt),
		p.IssuedBy, p.CreatedAt)
	return err
}

func scanGatepass(scan func(dest ...any) error) (domain.Gatepass, error) {
	var p domain.Gatepass
	var building, usedByEntry, usedAt sql.NullString
	var reusable, isUsed int
	err := scan(&p.ID, &p.Kind, &p.VisitorName, &p.VisitorPhone, &building, &p.Flat, &p.ValidFrom, &p.ValidUntil,
		&reusable, &isUsed, &usedByEntry, &usedAt, &p.IssuedBy, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Reusable = reusable != 0
	p.IsUsed = isUsed != 0
	if building.Valid {
		p.Building = building.String
	}
	if usedByEntry.Valid {
		p.UsedByEntry = &usedByEntry.String
	}
	if usedAt.Valid {
		p.UsedAt = &usedAt.String
	}
	return p, nil
}

func (r Repo) GetGatepass(ctx context.Context, id string) (domain.Gatepass, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+gatepassColumns+` FROM gatepasses WHERE id=?`, id)
	return scanGatepass(row.Scan)
}

// FindMatchingGatepass implements the pre-approval match: same flat and kind,
// unused, inside the half-open validity window, phone equal or pass wildcard.
// Earliest valid_from wins on ties (oldest intent).
func (r Repo) FindMatchingGatepass(ctx context.Context, tx *sql.Tx, kind, visitorPhone, flat, now string) (domain.Gatepass, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+gatepassColumns+` FROM gatepasses
WHERE flat=? AND kind=? AND is_used=0 AND valid_from<=? AND valid_until>? AND (visitor_phone='' OR visitor_phone=?)
ORDER BY valid_from ASC, id ASC LIMIT 1`, flat, kind, now, now, visitorPhone)
	return scanGatepass(row.Scan)
}

// ConsumeGatepass marks a pass used by a specific entry. The is_used guard in
// the WHERE clause makes double-spending impossible even if two transactions
// matched the same pass; the loser sees zero rows and must fall back to the
// normal waiting path. Reusable passes are never flipped.
func (r Repo) ConsumeGatepass(ctx context.Context, tx *sql.Tx, passID, entryID, now string) (bool, error) {
	var reusable int
	if err := tx.QueryRowContext(ctx, `SELECT reusable FROM gatepasses WHERE id=?`, passID).Scan(&reusable); err != nil {
		if err == sql.ErrNoRows {
			return false, ErrNotFound
		}
		return false, err
	}
	if reusable != 0 {
		return true, nil
	}
	res, err := tx.ExecContext(ctx, `UPDATE gatepasses SET is_used=1, used_by_entry=?, used_at=? WHERE id=? AND is_used=0`,
		entryID, now, passID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

type GatepassFilters struct {
	Flat           string
	Kind           string
	IncludeExpired bool
	IncludeUsed    bool
	Now            string
	Limit          int
}

func (r Repo) ListGatepasses(ctx context.Context, f GatepassFilters) ([]domain.Gatepass, error) {
	query := `SELECT ` + gatepassColumns + ` FROM gatepasses WHERE 1=1`
	var args []any
	if f.Flat != "" {
		query += ` AND flat=?`
		args = append(args, f.Flat)
	}
	if f.Kind != "" {
		query += ` AND kind=?`
		args = append(args, f.Kind)
	}
	if !f.IncludeUsed {
		query += ` AND is_used=0`
	}
	if !f.IncludeExpired && f.Now != "" {
		query += ` AND valid_until>?`
		args = append(args, f.Now)
	}
	query += ` ORDER BY valid_from ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Gatepass
	for rows.Next() {
		p, err := scanGatepass(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
