package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"afternote/internal/domain"
	"afternote/internal/events"
	"afternote/internal/release"
	"afternote/internal/repo"
)

// CloseInput names an open episode to close without releasing anything.
type CloseInput struct {
	SubjectID string
	ActorID   string
	Reason    string
}

// Reject closes the subject's open episode as rejected.
func (e Engine) Reject(ctx context.Context, in CloseInput) (domain.Episode, error) {
	return e.closeEpisode(ctx, in, domain.StatusRejected, events.EpisodeRejected)
}

// Expire closes the subject's open episode as expired.
func (e Engine) Expire(ctx context.Context, in CloseInput) (domain.Episode, error) {
	return e.closeEpisode(ctx, in, domain.StatusExpired, events.EpisodeExpired)
}

func (e Engine) closeEpisode(ctx context.Context, in CloseInput, status, evtType string) (domain.Episode, error) {
	in.SubjectID = strings.TrimSpace(in.SubjectID)
	if in.SubjectID == "" {
		return domain.Episode{}, required("subject_id")
	}
	var ep domain.Episode
	err := e.withSubject(ctx, in.SubjectID, func(ctx context.Context) error {
		return e.inTx(ctx, func(tx *sql.Tx) error {
			var err error
			ep, err = e.Repo.GetOpenEpisode(ctx, tx, in.SubjectID)
			if errors.Is(err, repo.ErrNotFound) {
				return errNoOpenEpisode
			}
			if err != nil {
				return err
			}
			from := ep.Status
			ep.Status = status
			ep.UpdatedAt = formatTS(e.now())
			if ep, err = e.Repo.UpdateEpisode(ctx, tx, ep); err != nil {
				return err
			}
			return e.audit().Append(ctx, tx, evtType, ep.SubjectID, "episode", ep.ID, in.ActorID, events.EventPayload{
				"from": from, "reason": in.Reason,
			})
		})
	})
	if err != nil {
		return domain.Episode{}, err
	}
	e.logger().InfoContext(ctx, "verification closed",
		"subject_id", in.SubjectID, "episode_id", ep.ID, "status", status)
	return ep, nil
}

// EpisodePage is one page of the administrative listing.
type EpisodePage struct {
	Items []domain.Episode `json:"items"`
	Total int              `json:"total"`
	Page  int              `json:"page"`
	Limit int              `json:"limit"`
}

func (e Engine) ListEpisodes(ctx context.Context, f repo.EpisodeFilter) (EpisodePage, error) {
	if f.Status != "" && !domain.ValidStatus(f.Status) {
		return EpisodePage{}, ValidationError{Field: "status", Msg: "unknown status " + f.Status}
	}
	if f.Method != "" && !domain.ValidMethod(f.Method) {
		return EpisodePage{}, ValidationError{Field: "method", Msg: "unknown method " + f.Method}
	}
	if f.SortBy != "" && !repo.ValidEpisodeSort(f.SortBy) {
		return EpisodePage{}, ValidationError{Field: "sort_by", Msg: "cannot sort by " + f.SortBy}
	}
	switch strings.ToLower(f.SortOrder) {
	case "", "asc", "desc":
	default:
		return EpisodePage{}, ValidationError{Field: "sort_order", Msg: "must be asc or desc"}
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	items, total, err := e.Repo.ListEpisodes(ctx, f)
	if err != nil {
		return EpisodePage{}, err
	}
	if items == nil {
		items = []domain.Episode{}
	}
	return EpisodePage{Items: items, Total: total, Page: f.Page, Limit: f.Limit}, nil
}

// RetryRelease re-runs the release for the subject's latest verified episode.
// Messages already released stay untouched, so it is safe to repeat.
func (e Engine) RetryRelease(ctx context.Context, subjectID, actorID string) (release.Outcome, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return release.Outcome{}, required("subject_id")
	}
	var out release.Outcome
	err := e.withSubject(ctx, subjectID, func(ctx context.Context) error {
		var err error
		out, err = e.coordinator().ReleaseFor(ctx, subjectID, actorID)
		return err
	})
	if errors.Is(err, repo.ErrNotFound) {
		return release.Outcome{}, errNoVerifiedEpisode
	}
	return out, err
}

// Renotify queues the release notices again for every released message.
func (e Engine) Renotify(ctx context.Context, subjectID, actorID string) (int, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return 0, required("subject_id")
	}
	out, err := e.coordinator().Renotify(ctx, subjectID)
	if errors.Is(err, repo.ErrNotFound) {
		return 0, errNoVerifiedEpisode
	}
	if err != nil {
		return 0, err
	}
	if len(out.Notifications) > 0 {
		err = e.inTx(ctx, func(tx *sql.Tx) error {
			return e.audit().Append(ctx, tx, events.NotificationsQueued, subjectID, "episode", out.EpisodeID, actorID, events.EventPayload{
				"recipients": len(out.Notifications),
			})
		})
	}
	return len(out.Notifications), err
}
