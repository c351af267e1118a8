package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"afternote/internal/domain"
)

// Directory tables: users, trustees, recipients and video messages. The
// verification core only reads them, except for the release gate on messages.

func (r Repo) InsertUser(ctx context.Context, u domain.User) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,name,email,created_at) VALUES (?,?,?,?)`,
		u.ID, u.Name, u.Email, u.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("user %s: %w", u.ID, ErrConflict)
	}
	return err
}

func (r Repo) GetUser(ctx context.Context, tx *sql.Tx, id string) (domain.User, error) {
	var u domain.User
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,name,email,created_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.Name, &u.Email, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return u, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return u, err
}

func (r Repo) InsertTrustee(ctx context.Context, t domain.Trustee) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO trustees(id,subject_id,identity,full_name,can_verify_death,can_release_messages,can_modify_recipients,required_quorum,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, t.SubjectID, t.Identity, nullable(t.FullName), boolInt(t.Permissions.CanVerifyDeath), boolInt(t.Permissions.CanReleaseMessages),
		boolInt(t.Permissions.CanModifyRecipients), t.RequiredQuorum, t.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("trustee %s for %s: %w", t.Identity, t.SubjectID, ErrConflict)
	}
	return err
}

const trusteeColumns = `id,subject_id,identity,COALESCE(full_name,''),can_verify_death,can_release_messages,can_modify_recipients,required_quorum,created_at`

func scanTrustee(row rowScanner) (domain.Trustee, error) {
	var t domain.Trustee
	err := row.Scan(&t.ID, &t.SubjectID, &t.Identity, &t.FullName, &t.Permissions.CanVerifyDeath,
		&t.Permissions.CanReleaseMessages, &t.Permissions.CanModifyRecipients, &t.RequiredQuorum, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	return t, err
}

// GetTrustee looks up the registry entry for (subject, identity).
func (r Repo) GetTrustee(ctx context.Context, tx *sql.Tx, subjectID, identity string) (domain.Trustee, error) {
	return scanTrustee(r.q(tx).QueryRowContext(ctx, `SELECT `+trusteeColumns+` FROM trustees WHERE subject_id=? AND identity=?`, subjectID, identity))
}

func (r Repo) ListTrustees(ctx context.Context, subjectID string) ([]domain.Trustee, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+trusteeColumns+` FROM trustees WHERE subject_id=? ORDER BY created_at, id`, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Trustee
	for rows.Next() {
		t, err := scanTrustee(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertRecipient(ctx context.Context, rc domain.Recipient) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO recipients(id,subject_id,full_name,email,created_at) VALUES (?,?,?,?,?)`,
		rc.ID, rc.SubjectID, rc.FullName, rc.Email, rc.CreatedAt)
	return err
}

// InsertVideoMessage stores a message and links its recipients in one transaction.
func (r Repo) InsertVideoMessage(ctx context.Context, m domain.VideoMessage) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `INSERT INTO video_messages(id,subject_id,title,release_type,verification_required,trusted_contacts_required,scheduled_release,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		m.ID, m.SubjectID, m.Title, m.ReleaseCondition.Type, boolInt(m.ReleaseCondition.VerificationRequired),
		m.ReleaseCondition.TrustedContactsRequired, nullableStringPtr(m.ScheduledRelease), m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return err
	}
	for _, rid := range m.RecipientIDs {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO video_recipients(video_id,recipient_id) VALUES (?,?)`, m.ID, rid); err != nil {
			return fmt.Errorf("link recipient %s: %w", rid, err)
		}
	}
	return tx.Commit()
}

// ListVideoMessages returns the subject's messages; with sealedOnly, only those
// still gated on death verification.
func (r Repo) ListVideoMessages(ctx context.Context, tx *sql.Tx, subjectID string, sealedOnly bool) ([]domain.VideoMessage, error) {
	query := `SELECT id,subject_id,title,release_type,verification_required,trusted_contacts_required,scheduled_release,created_at,updated_at
FROM video_messages WHERE subject_id=?`
	if sealedOnly {
		query += ` AND release_type='death_verification' AND verification_required=1`
	}
	query += ` ORDER BY created_at, id`
	rows, err := r.q(tx).QueryContext(ctx, query, subjectID)
	if err != nil {
		return nil, err
	}
	var res []domain.VideoMessage
	for rows.Next() {
		var (
			m         domain.VideoMessage
			scheduled sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.SubjectID, &m.Title, &m.ReleaseCondition.Type, &m.ReleaseCondition.VerificationRequired,
			&m.ReleaseCondition.TrustedContactsRequired, &scheduled, &m.CreatedAt, &m.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		m.ScheduledRelease = ptrFromNull(scheduled)
		res = append(res, m)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		ids, err := r.messageRecipientIDs(ctx, tx, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].RecipientIDs = ids
	}
	return res, nil
}

// ReleasedMessages returns the subject's death-verification messages whose gate is open.
func (r Repo) ReleasedMessages(ctx context.Context, tx *sql.Tx, subjectID string) ([]domain.VideoMessage, error) {
	all, err := r.ListVideoMessages(ctx, tx, subjectID, false)
	if err != nil {
		return nil, err
	}
	var res []domain.VideoMessage
	for _, m := range all {
		if m.ReleaseCondition.Type == domain.ReleaseDeathVerification && !m.ReleaseCondition.VerificationRequired {
			res = append(res, m)
		}
	}
	return res, nil
}

// ReleaseMessage opens the gate on a sealed message. It reports false if the
// message was already released, so repeated calls never touch it twice.
func (r Repo) ReleaseMessage(ctx context.Context, tx *sql.Tx, id, releasedAt string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE video_messages SET verification_required=0, scheduled_release=?, updated_at=?
WHERE id=? AND release_type='death_verification' AND verification_required=1`, releasedAt, releasedAt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) messageRecipientIDs(ctx context.Context, tx *sql.Tx, videoID string) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT recipient_id FROM video_recipients WHERE video_id=? ORDER BY recipient_id`, videoID)
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

// RecipientsByID loads the given recipients, skipping unknown ids.
func (r Repo) RecipientsByID(ctx context.Context, tx *sql.Tx, ids []string) ([]domain.Recipient, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	uniq := make(map[string]struct{}, len(ids))
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		if _, ok := uniq[id]; ok {
			continue
		}
		uniq[id] = struct{}{}
		args = append(args, id)
	}
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,subject_id,full_name,email,created_at FROM recipients WHERE id IN (`+placeholders(len(args))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Recipient
	for rows.Next() {
		var rc domain.Recipient
		if err := rows.Scan(&rc.ID, &rc.SubjectID, &rc.FullName, &rc.Email, &rc.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}
