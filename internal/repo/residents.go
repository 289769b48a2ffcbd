package repo

import (
	"context"
	"database/sql"

	"gatehouse/internal/domain"
)

func (r Repo) UpsertResident(ctx context.Context, res domain.Resident) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO residents(id,building,flat,name,phone,created_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET building=excluded.building, flat=excluded.flat, name=excluded.name, phone=excluded.phone`,
		res.ID, nullable(res.Building), res.Flat, res.Name, nullable(res.Phone), res.CreatedAt)
	return err
}

func scanResident(scan func(dest ...any) error) (domain.Resident, error) {
	var res domain.Resident
	var building, phone sql.NullString
	err := scan(&res.ID, &building, &res.Flat, &res.Name, &phone, &res.CreatedAt)
	if err == sql.ErrNoRows {
		return res, ErrNotFound
	}
	if err != nil {
		return res, err
	}
	if building.Valid {
		res.Building = building.String
	}
	if phone.Valid {
		res.Phone = phone.String
	}
	return res, nil
}

func (r Repo) GetResident(ctx context.Context, id string) (domain.Resident, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,building,flat,name,phone,created_at FROM residents WHERE id=?`, id)
	return scanResident(row.Scan)
}

// ResidentForFlat returns the first registered resident of a flat, used to
// resolve the notify recipient. ErrNotFound when the flat has no one on file.
func (r Repo) ResidentForFlat(ctx context.Context, flat string) (domain.Resident, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,building,flat,name,phone,created_at FROM residents WHERE flat=? ORDER BY created_at ASC LIMIT 1`, flat)
	return scanResident(row.Scan)
}

func (r Repo) ListResidents(ctx context.Context, flat string) ([]domain.Resident, error) {
	query := `SELECT id,building,flat,name,phone,created_at FROM residents`
	var args []any
	if flat != "" {
		query += ` WHERE flat=?`
		args = append(args, flat)
	}
	query += ` ORDER BY flat ASC, created_at ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Resident
	for rows.Next() {
		one, err := scanResident(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, one)
	}
	return res, rows.Err()
}

// ResidentOfFlat reports whether actorID is registered against the flat.
func (r Repo) ResidentOfFlat(ctx context.Context, actorID, flat string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM residents WHERE id=? AND flat=? LIMIT 1`, actorID, flat)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}
