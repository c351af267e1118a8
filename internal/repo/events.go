package repo

import (
	"context"
	"strings"

	"afternote/internal/domain"
)

// LatestEvents returns events newest first. A positive beforeID pages past it.
func (r Repo) LatestEvents(ctx context.Context, limit int, beforeID int64, subjectID, evtType string) ([]domain.Event, error) {
	var (
		clauses []string
		args    []any
	)
	if beforeID > 0 {
		clauses = append(clauses, "id < ?")
		args = append(args, beforeID)
	}
	if subjectID != "" {
		clauses = append(clauses, "subject_id = ?")
		args = append(args, subjectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, evtType)
	}
	query := `SELECT id,ts,type,COALESCE(subject_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.SubjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountEvents counts events of a type for a subject.
func (r Repo) CountEvents(ctx context.Context, subjectID, evtType string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE subject_id=? AND type=?`, subjectID, evtType).Scan(&n)
	return n, err
}
