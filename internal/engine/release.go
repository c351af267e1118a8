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

type ReleaseInput struct {
	SubjectID string
	ActorID   string
	// Admin skips the trustee permission check.
	Admin bool
}

type ReleaseResult struct {
	EpisodeID            string `json:"episode_id"`
	Status               string `json:"status"`
	VerificationDate     string `json:"verification_date"`
	ReleasedMessageCount int    `json:"released_message_count"`
	Message              string `json:"message"`
}

// Release finalizes a waiting_for_release episode and opens the subject's
// sealed messages in the same transaction. Notifications go out after commit.
func (e Engine) Release(ctx context.Context, in ReleaseInput) (ReleaseResult, error) {
	in.SubjectID = strings.TrimSpace(in.SubjectID)
	in.ActorID = strings.TrimSpace(in.ActorID)
	if in.SubjectID == "" {
		return ReleaseResult{}, required("subject_id")
	}
	if in.ActorID == "" && !in.Admin {
		return ReleaseResult{}, required("actor_id")
	}
	path := "trustee"
	if in.Admin {
		path = "admin"
	}
	var (
		res ReleaseResult
		out release.Outcome
	)
	err := e.withSubject(ctx, in.SubjectID, func(ctx context.Context) error {
		return e.inTx(ctx, func(tx *sql.Tx) error {
			if !in.Admin {
				if _, err := e.Auth.AuthorizeRelease(ctx, tx, in.SubjectID, in.ActorID, e.releaseMode()); err != nil {
					return err
				}
			}
			ep, err := e.Repo.GetOpenEpisode(ctx, tx, in.SubjectID)
			if errors.Is(err, repo.ErrNotFound) {
				return errNoWaitingEpisode
			}
			if err != nil {
				return err
			}
			if ep.Status != domain.StatusWaitingForRelease {
				return errNoWaitingEpisode
			}
			now := e.now()
			ts := formatTS(now)
			ep.Status = domain.StatusVerified
			if ep.VerificationDate == nil {
				ep.VerificationDate = strPtr(ts)
			}
			ep.UpdatedAt = ts
			if ep, err = e.Repo.UpdateEpisode(ctx, tx, ep); err != nil {
				return err
			}
			if out, err = e.coordinator().ReleaseTx(ctx, tx, ep.SubjectID, ep.ID, in.ActorID, now); err != nil {
				return err
			}
			res = ReleaseResult{
				EpisodeID:            ep.ID,
				Status:               ep.Status,
				VerificationDate:     *ep.VerificationDate,
				ReleasedMessageCount: out.ReleasedCount(),
				Message:              "Video messages released successfully.",
			}
			return e.audit().Append(ctx, tx, events.EpisodeReleased, ep.SubjectID, "episode", ep.ID, in.ActorID, events.EventPayload{
				"path": path, "released_messages": res.ReleasedMessageCount,
			})
		})
	})
	if err != nil {
		return ReleaseResult{}, err
	}
	e.Metrics.IncRelease(path, res.ReleasedMessageCount)
	e.logger().InfoContext(ctx, "verification released",
		"subject_id", in.SubjectID, "episode_id", res.EpisodeID, "messages", res.ReleasedMessageCount, "path", path)
	e.coordinator().Dispatch(ctx, out)
	return res, nil
}
