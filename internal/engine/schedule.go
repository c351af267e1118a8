package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"

	"afternote/internal/domain"
	"afternote/internal/events"
	"afternote/internal/repo"
)

type ScheduleInput struct {
	SubjectID     string
	ActorID       string
	ScheduledDate string
	// AutoResolveAfterDays of zero uses the configured default.
	AutoResolveAfterDays int
}

// Schedule sets a time-based resolution for the subject. A pending episode is
// converted in place, which also makes re-issuing Schedule the way to move the
// target date; otherwise a new scheduled episode is opened.
func (e Engine) Schedule(ctx context.Context, in ScheduleInput) (domain.Episode, error) {
	in.SubjectID = strings.TrimSpace(in.SubjectID)
	if in.SubjectID == "" {
		return domain.Episode{}, required("subject_id")
	}
	when, err := parseDate("scheduled_date", in.ScheduledDate)
	if err != nil {
		return domain.Episode{}, err
	}
	if in.AutoResolveAfterDays < 0 {
		return domain.Episode{}, ValidationError{Field: "auto_resolve_after_days", Msg: "must not be negative"}
	}
	if in.AutoResolveAfterDays == 0 {
		in.AutoResolveAfterDays = e.defaultAutoResolveDays()
	}
	scheduled := formatTS(when)

	var ep domain.Episode
	err = e.withSubject(ctx, in.SubjectID, func(ctx context.Context) error {
		return e.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := e.Repo.GetUser(ctx, tx, in.SubjectID); err != nil {
				return err
			}
			ts := formatTS(e.now())
			converted := false
			current, err := e.Repo.GetOpenEpisode(ctx, tx, in.SubjectID)
			switch {
			case errors.Is(err, repo.ErrNotFound):
				ep = domain.Episode{
					ID:                   uuid.NewString(),
					SubjectID:            in.SubjectID,
					Kind:                 domain.KindScheduled,
					Status:               domain.StatusPending,
					ScheduledDate:        strPtr(scheduled),
					AutoResolveAfterDays: in.AutoResolveAfterDays,
					Attestations:         []domain.Attestation{},
					Version:              1,
					CreatedAt:            ts,
					UpdatedAt:            ts,
				}
				if err := e.Repo.InsertEpisode(ctx, tx, ep); err != nil {
					return err
				}
			case err != nil:
				return err
			case current.Status != domain.StatusPending:
				return errAwaitingRelease
			default:
				current.Kind = domain.KindScheduled
				current.ScheduledDate = strPtr(scheduled)
				current.AutoResolveAfterDays = in.AutoResolveAfterDays
				current.UpdatedAt = ts
				if ep, err = e.Repo.UpdateEpisode(ctx, tx, current); err != nil {
					return err
				}
				converted = true
			}
			return e.audit().Append(ctx, tx, events.EpisodeScheduled, ep.SubjectID, "episode", ep.ID, in.ActorID, events.EventPayload{
				"scheduled_date":          scheduled,
				"auto_resolve_after_days": in.AutoResolveAfterDays,
				"converted":               converted,
			})
		})
	})
	if err != nil {
		return domain.Episode{}, err
	}
	return ep, nil
}
