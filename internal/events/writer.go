package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written to the audit log.
const (
	EpisodeOpened        = "episode.opened"
	EpisodeScheduled     = "episode.scheduled"
	EpisodeQuorumReached = "episode.quorum_reached"
	EpisodeReleased      = "episode.released"
	EpisodeAutoVerified  = "episode.auto_verified"
	EpisodeRejected      = "episode.rejected"
	EpisodeExpired       = "episode.expired"
	AttestationRecorded  = "attestation.recorded"
	AttestationRepeated  = "attestation.repeated"
	MessagesReleased     = "messages.released"
	NotificationsQueued  = "notifications.queued"
)

// Writer appends audit events inside the caller's transaction.
type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, subjectID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,subject_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(subjectID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
