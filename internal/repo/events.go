package repo

import (
	"context"
	"strings"

	"gatehouse/internal/domain"
)

type EventFilters struct {
	GateID     string
	EntityKind string
	EntityID   string
	Type       string
	Limit      int
}

func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	var clauses []string
	var args []any
	if f.GateID != "" {
		clauses = append(clauses, "gate_id=?")
		args = append(args, f.GateID)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	query := `SELECT id,ts,type,COALESCE(gate_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var ev domain.Event
		if err := rows.Scan(&ev.ID, &ev.TS, &ev.Type, &ev.GateID, &ev.EntityKind, &ev.EntityID, &ev.ActorID, &ev.Payload); err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}
