package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"afternote/internal/domain"
)

var episodeColumns = episodeColumnsAs("")

func episodeColumnsAs(p string) string {
	return fmt.Sprintf(`%[1]sid,%[1]ssubject_id,%[1]skind,%[1]sstatus,%[1]sdate_of_death,COALESCE(%[1]splace_of_death,''),
COALESCE(%[1]snotes,''),COALESCE(%[1]smethod,''),%[1]srequired_trustees,%[1]sscheduled_date,%[1]sauto_resolve_after_days,
%[1]sverification_date,COALESCE(%[1]sevidence_ref,''),COALESCE(%[1]striggered_by,''),%[1]sversion,%[1]screated_at,%[1]supdated_at`, p)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEpisode(row rowScanner) (domain.Episode, error) {
	var (
		e                                   domain.Episode
		dateOfDeath, scheduled, verifiedAt sql.NullString
	)
	err := row.Scan(&e.ID, &e.SubjectID, &e.Kind, &e.Status, &dateOfDeath, &e.PlaceOfDeath, &e.Notes, &e.Method,
		&e.RequiredTrustees, &scheduled, &e.AutoResolveAfterDays, &verifiedAt, &e.EvidenceRef, &e.TriggeredBy,
		&e.Version, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.DateOfDeath = ptrFromNull(dateOfDeath)
	e.ScheduledDate = ptrFromNull(scheduled)
	e.VerificationDate = ptrFromNull(verifiedAt)
	e.Attestations = []domain.Attestation{}
	return e, nil
}

func (r Repo) InsertEpisode(ctx context.Context, tx *sql.Tx, e domain.Episode) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO episodes(id,subject_id,kind,status,date_of_death,place_of_death,notes,method,
required_trustees,scheduled_date,auto_resolve_after_days,verification_date,evidence_ref,triggered_by,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.SubjectID, e.Kind, e.Status, nullableStringPtr(e.DateOfDeath), nullable(e.PlaceOfDeath), nullable(e.Notes), nullable(e.Method),
		e.RequiredTrustees, nullableStringPtr(e.ScheduledDate), e.AutoResolveAfterDays, nullableStringPtr(e.VerificationDate),
		nullable(e.EvidenceRef), nullable(e.TriggeredBy), e.Version, e.CreatedAt, e.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("open episode exists for subject %s: %w", e.SubjectID, ErrConflict)
	}
	return err
}

// UpdateEpisode writes e if the stored version still equals e.Version and bumps it.
// A stale version yields ErrConflict.
func (r Repo) UpdateEpisode(ctx context.Context, tx *sql.Tx, e domain.Episode) (domain.Episode, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE episodes SET kind=?,status=?,date_of_death=?,place_of_death=?,notes=?,method=?,
required_trustees=?,scheduled_date=?,auto_resolve_after_days=?,verification_date=?,evidence_ref=?,triggered_by=?,
version=version+1,updated_at=? WHERE id=? AND version=?`,
		e.Kind, e.Status, nullableStringPtr(e.DateOfDeath), nullable(e.PlaceOfDeath), nullable(e.Notes), nullable(e.Method),
		e.RequiredTrustees, nullableStringPtr(e.ScheduledDate), e.AutoResolveAfterDays, nullableStringPtr(e.VerificationDate),
		nullable(e.EvidenceRef), nullable(e.TriggeredBy), e.UpdatedAt, e.ID, e.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return e, ErrConflict
		}
		return e, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return e, fmt.Errorf("episode %s version %d: %w", e.ID, e.Version, ErrConflict)
	}
	e.Version++
	return e, nil
}

func (r Repo) GetEpisode(ctx context.Context, tx *sql.Tx, id string) (domain.Episode, error) {
	e, err := scanEpisode(r.q(tx).QueryRowContext(ctx, `SELECT `+episodeColumns+` FROM episodes WHERE id=?`, id))
	if err != nil {
		return e, err
	}
	return r.withAttestations(ctx, tx, e)
}

// GetOpenEpisode returns the subject's pending or waiting_for_release episode.
func (r Repo) GetOpenEpisode(ctx context.Context, tx *sql.Tx, subjectID string) (domain.Episode, error) {
	e, err := scanEpisode(r.q(tx).QueryRowContext(ctx, `SELECT `+episodeColumns+` FROM episodes
WHERE subject_id=? AND status IN ('pending','waiting_for_release') LIMIT 1`, subjectID))
	if err != nil {
		return e, err
	}
	return r.withAttestations(ctx, tx, e)
}

// LatestEpisode returns the newest episode of the subject whose status is one of statuses.
func (r Repo) LatestEpisode(ctx context.Context, tx *sql.Tx, subjectID string, statuses ...string) (domain.Episode, error) {
	query := `SELECT ` + episodeColumns + ` FROM episodes WHERE subject_id=?`
	args := []any{subjectID}
	if len(statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(statuses)) + `)`
		for _, s := range statuses {
			args = append(args, s)
		}
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT 1`
	e, err := scanEpisode(r.q(tx).QueryRowContext(ctx, query, args...))
	if err != nil {
		return e, err
	}
	return r.withAttestations(ctx, tx, e)
}

// ListScheduledPending returns pending scheduled episodes that have a target date.
func (r Repo) ListScheduledPending(ctx context.Context) ([]domain.Episode, error) {
	return r.listEpisodes(ctx, nil, `SELECT `+episodeColumns+` FROM episodes
WHERE status='pending' AND kind='scheduled' AND scheduled_date IS NOT NULL ORDER BY scheduled_date, id`)
}

// ListOpenForTrustee returns open episodes of every subject where identity may verify death.
func (r Repo) ListOpenForTrustee(ctx context.Context, identity string) ([]domain.Episode, error) {
	return r.listEpisodes(ctx, nil, `SELECT `+episodeColumnsAs("e.")+` FROM episodes e
JOIN trustees t ON t.subject_id=e.subject_id
WHERE t.identity=? AND t.can_verify_death=1 AND e.status IN ('pending','waiting_for_release')
ORDER BY e.created_at DESC, e.id`, identity)
}

// EpisodeFilter narrows the administrative episode listing.
type EpisodeFilter struct {
	Status    string
	Method    string
	SubjectID string
	Search    string
	SortBy    string
	SortOrder string
	Page      int
	Limit     int
}

var episodeSortColumns = map[string]string{
	"created_at":        "created_at",
	"date_of_death":     "date_of_death",
	"verification_date": "verification_date",
	"status":            "status",
}

func ValidEpisodeSort(field string) bool {
	_, ok := episodeSortColumns[field]
	return ok
}

// ListEpisodes pages through all episodes and returns the total match count.
func (r Repo) ListEpisodes(ctx context.Context, f EpisodeFilter) ([]domain.Episode, int, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Method != "" {
		clauses = append(clauses, "method=?")
		args = append(args, f.Method)
	}
	if f.SubjectID != "" {
		clauses = append(clauses, "subject_id=?")
		args = append(args, f.SubjectID)
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		clauses = append(clauses, "(notes LIKE ? ESCAPE '\\' OR place_of_death LIKE ? ESCAPE '\\')")
		pattern := "%" + escapeLike(s) + "%"
		args = append(args, pattern, pattern)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM episodes`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	col, ok := episodeSortColumns[f.SortBy]
	if !ok {
		col = "created_at"
	}
	order := "DESC"
	if strings.EqualFold(f.SortOrder, "asc") {
		order = "ASC"
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	query := fmt.Sprintf(`SELECT %s FROM episodes%s ORDER BY %s %s, id %s LIMIT ? OFFSET ?`, episodeColumns, where, col, order, order)
	items, err := r.listEpisodes(ctx, nil, query, append(args, limit, (page-1)*limit)...)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r Repo) listEpisodes(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]domain.Episode, error) {
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var items []domain.Episode
	for rows.Next() {
		e, err := scanEpisode(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		items = append(items, e)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range items {
		if items[i], err = r.withAttestations(ctx, tx, items[i]); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (r Repo) withAttestations(ctx context.Context, tx *sql.Tx, e domain.Episode) (domain.Episode, error) {
	atts, err := r.ListAttestations(ctx, tx, e.ID)
	if err != nil {
		return e, err
	}
	e.Attestations = atts
	return e, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
