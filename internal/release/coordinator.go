// Package release opens the verification gate on a subject's video messages
// and prepares the recipient notifications that follow.
package release

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"afternote/internal/domain"
	"afternote/internal/events"
	"afternote/internal/metrics"
	"afternote/internal/notify"
	"afternote/internal/repo"
)

// Enqueuer accepts notification batches without blocking.
type Enqueuer interface {
	Enqueue(batch []notify.Notification)
}

// Coordinator flips release gates and hands notifications to a dispatcher.
type Coordinator struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Dispatcher Enqueuer
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Now        func() time.Time
}

// Outcome describes one release pass. Notifications is empty when nothing new was released.
type Outcome struct {
	SubjectID     string                `json:"subject_id"`
	EpisodeID     string                `json:"episode_id"`
	ReleasedAt    string                `json:"released_at"`
	Released      []domain.VideoMessage `json:"released"`
	Notifications []notify.Notification `json:"-"`
}

func (o Outcome) ReleasedCount() int { return len(o.Released) }

func (c Coordinator) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// ReleaseTx opens every sealed death-verification message of the subject
// inside tx. Messages already released are skipped, so a repeat call changes
// nothing and yields no notifications.
func (c Coordinator) ReleaseTx(ctx context.Context, tx *sql.Tx, subjectID, episodeID, actorID string, now time.Time) (Outcome, error) {
	releasedAt := now.UTC().Format(time.RFC3339)
	out := Outcome{SubjectID: subjectID, EpisodeID: episodeID, ReleasedAt: releasedAt}
	sealed, err := c.Repo.ListVideoMessages(ctx, tx, subjectID, true)
	if err != nil {
		return out, fmt.Errorf("list sealed messages: %w", err)
	}
	for _, m := range sealed {
		ok, err := c.Repo.ReleaseMessage(ctx, tx, m.ID, releasedAt)
		if err != nil {
			return out, fmt.Errorf("release message %s: %w", m.ID, err)
		}
		if !ok {
			continue
		}
		m.ReleaseCondition.VerificationRequired = false
		m.ScheduledRelease = &releasedAt
		out.Released = append(out.Released, m)
	}
	if len(out.Released) == 0 {
		return out, nil
	}
	ids := make([]string, 0, len(out.Released))
	for _, m := range out.Released {
		ids = append(ids, m.ID)
	}
	if err := c.Events.Append(ctx, tx, events.MessagesReleased, subjectID, "episode", episodeID, actorID,
		events.EventPayload{"message_ids": ids, "released_at": releasedAt}); err != nil {
		return out, err
	}
	out.Notifications, err = c.buildNotifications(ctx, tx, subjectID, episodeID, releasedAt, out.Released)
	if err != nil {
		return out, err
	}
	return out, nil
}

// ReleaseFor is the standalone, retry-safe entry point: it releases whatever
// is still sealed for the subject's latest verified episode and dispatches.
func (c Coordinator) ReleaseFor(ctx context.Context, subjectID, actorID string) (Outcome, error) {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, err
	}
	defer tx.Rollback()
	ep, err := c.Repo.LatestEpisode(ctx, tx, subjectID, domain.StatusVerified)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Outcome{}, fmt.Errorf("verified episode for %s: %w", subjectID, repo.ErrNotFound)
		}
		return Outcome{}, err
	}
	out, err := c.ReleaseTx(ctx, tx, subjectID, ep.ID, actorID, c.now())
	if err != nil {
		return Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, err
	}
	c.Metrics.IncRelease("retry", out.ReleasedCount())
	c.Dispatch(ctx, out)
	return out, nil
}

// Renotify rebuilds notifications for every message already released for the
// subject's latest verified episode and dispatches them again.
func (c Coordinator) Renotify(ctx context.Context, subjectID string) (Outcome, error) {
	ep, err := c.Repo.LatestEpisode(ctx, nil, subjectID, domain.StatusVerified)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Outcome{}, fmt.Errorf("verified episode for %s: %w", subjectID, repo.ErrNotFound)
		}
		return Outcome{}, err
	}
	released, err := c.Repo.ReleasedMessages(ctx, nil, subjectID)
	if err != nil {
		return Outcome{}, err
	}
	releasedAt := ""
	if ep.VerificationDate != nil {
		releasedAt = *ep.VerificationDate
	}
	out := Outcome{SubjectID: subjectID, EpisodeID: ep.ID, ReleasedAt: releasedAt, Released: released}
	out.Notifications, err = c.buildNotifications(ctx, nil, subjectID, ep.ID, releasedAt, released)
	if err != nil {
		return Outcome{}, err
	}
	c.Dispatch(ctx, out)
	return out, nil
}

// Dispatch hands the outcome's notifications off. It never fails.
func (c Coordinator) Dispatch(ctx context.Context, out Outcome) {
	if len(out.Notifications) == 0 {
		return
	}
	if c.Dispatcher == nil {
		c.logger().WarnContext(ctx, "no notification dispatcher configured",
			slog.String("episode_id", out.EpisodeID),
			slog.Int("notifications", len(out.Notifications)))
		return
	}
	c.Dispatcher.Enqueue(out.Notifications)
}

// buildNotifications groups released messages by recipient: one notice per
// distinct recipient listing every message addressed to them.
func (c Coordinator) buildNotifications(ctx context.Context, tx *sql.Tx, subjectID, episodeID, releasedAt string, released []domain.VideoMessage) ([]notify.Notification, error) {
	if len(released) == 0 {
		return nil, nil
	}
	byRecipient := map[string][]notify.MessageRef{}
	var ids []string
	for _, m := range released {
		for _, rid := range m.RecipientIDs {
			if _, ok := byRecipient[rid]; !ok {
				ids = append(ids, rid)
			}
			byRecipient[rid] = append(byRecipient[rid], notify.MessageRef{ID: m.ID, Title: m.Title})
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	recipients, err := c.Repo.RecipientsByID(ctx, tx, ids)
	if err != nil {
		return nil, fmt.Errorf("load recipients: %w", err)
	}
	subjectName := ""
	if u, err := c.Repo.GetUser(ctx, tx, subjectID); err == nil {
		subjectName = u.Name
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	res := make([]notify.Notification, 0, len(recipients))
	for _, rc := range recipients {
		msgs := byRecipient[rc.ID]
		sort.Slice(msgs, func(i, j int) bool { return msgs[i].Title < msgs[j].Title })
		res = append(res, notify.Notification{
			SubjectID:      subjectID,
			SubjectName:    subjectName,
			EpisodeID:      episodeID,
			RecipientID:    rc.ID,
			RecipientName:  rc.FullName,
			RecipientEmail: rc.Email,
			Messages:       msgs,
			ReleasedAt:     releasedAt,
		})
	}
	return res, nil
}
