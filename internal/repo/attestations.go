package repo

import (
	"context"
	"database/sql"

	"afternote/internal/domain"
)

// InsertAttestation appends a trustee's attestation to an episode. It reports
// false when that trustee already attested; the stored row is left untouched.
func (r Repo) InsertAttestation(ctx context.Context, tx *sql.Tx, a domain.Attestation) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO attestations(episode_id,trustee_id,actor_id,method,place_of_death,notes,ts)
VALUES (?,?,?,?,?,?,?) ON CONFLICT(episode_id,trustee_id) DO NOTHING`,
		a.EpisodeID, a.TrusteeID, a.ActorID, a.Method, nullable(a.PlaceOfDeath), nullable(a.Notes), a.TS)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) ListAttestations(ctx context.Context, tx *sql.Tx, episodeID string) ([]domain.Attestation, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,episode_id,trustee_id,actor_id,method,COALESCE(place_of_death,''),COALESCE(notes,''),ts
FROM attestations WHERE episode_id=? ORDER BY id`, episodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Attestation{}
	for rows.Next() {
		var a domain.Attestation
		if err := rows.Scan(&a.ID, &a.EpisodeID, &a.TrusteeID, &a.ActorID, &a.Method, &a.PlaceOfDeath, &a.Notes, &a.TS); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
