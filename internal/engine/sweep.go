package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"afternote/internal/domain"
	"afternote/internal/events"
	"afternote/internal/release"
)

const sweepActor = "system:sweep"

// SweepResult summarizes one resolution pass.
type SweepResult struct {
	Scanned  int      `json:"scanned"`
	Resolved []string `json:"resolved"`
	Skipped  int      `json:"skipped"`
	Failed   int      `json:"failed"`
}

// SweepResolve auto-verifies every pending scheduled episode whose grace
// period has elapsed as of now, releasing its messages. A failing episode
// does not stop the pass; all failures are joined into the returned error.
func (e Engine) SweepResolve(ctx context.Context, now time.Time) (SweepResult, error) {
	start := time.Now()
	now = now.UTC()
	res := SweepResult{Resolved: []string{}}
	candidates, err := e.Repo.ListScheduledPending(ctx)
	if err != nil {
		e.Metrics.ObserveSweep("error", 0, time.Since(start))
		return res, fmt.Errorf("list scheduled episodes: %w", err)
	}
	var errs []error
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res.Scanned++
		due, err := dueForResolution(c, now, e.defaultAutoResolveDays())
		if err != nil {
			res.Failed++
			errs = append(errs, fmt.Errorf("episode %s: %w", c.ID, err))
			continue
		}
		if !due {
			res.Skipped++
			continue
		}
		ok, err := e.resolveScheduled(ctx, c.SubjectID, c.ID, now)
		switch {
		case err != nil:
			res.Failed++
			errs = append(errs, fmt.Errorf("episode %s: %w", c.ID, err))
			e.logger().ErrorContext(ctx, "auto-resolution failed",
				slog.String("subject_id", c.SubjectID), slog.String("episode_id", c.ID), slog.Any("error", err))
		case ok:
			res.Resolved = append(res.Resolved, c.ID)
		default:
			res.Skipped++
		}
	}
	result := "ok"
	if len(errs) > 0 {
		result = "partial"
	}
	e.Metrics.ObserveSweep(result, len(res.Resolved), time.Since(start))
	e.logger().InfoContext(ctx, "sweep finished",
		slog.Int("scanned", res.Scanned), slog.Int("resolved", len(res.Resolved)),
		slog.Int("skipped", res.Skipped), slog.Int("failed", res.Failed))
	return res, errors.Join(errs...)
}

// dueForResolution reports whether at least the episode's auto-resolve days
// have fully elapsed since its scheduled date.
func dueForResolution(ep domain.Episode, now time.Time, fallbackDays int) (bool, error) {
	if ep.ScheduledDate == nil {
		return false, nil
	}
	scheduled, err := parseDate("scheduled_date", *ep.ScheduledDate)
	if err != nil {
		return false, err
	}
	if now.Before(scheduled) {
		return false, nil
	}
	days := ep.AutoResolveAfterDays
	if days <= 0 {
		days = fallbackDays
	}
	elapsed := int(now.Sub(scheduled) / (24 * time.Hour))
	return elapsed >= days, nil
}

// resolveScheduled re-reads the episode under the subject lock and resolves
// it only if it is still a due, pending scheduled episode.
func (e Engine) resolveScheduled(ctx context.Context, subjectID, episodeID string, now time.Time) (bool, error) {
	var (
		resolved bool
		out      release.Outcome
	)
	err := e.withSubject(ctx, subjectID, func(ctx context.Context) error {
		resolved = false
		return e.inTx(ctx, func(tx *sql.Tx) error {
			ep, err := e.Repo.GetEpisode(ctx, tx, episodeID)
			if err != nil {
				return err
			}
			if ep.Status != domain.StatusPending || ep.Kind != domain.KindScheduled {
				return nil
			}
			if due, err := dueForResolution(ep, now, e.defaultAutoResolveDays()); err != nil || !due {
				return err
			}
			ts := formatTS(now)
			ep.Status = domain.StatusVerified
			ep.Kind = domain.KindAutomatic
			ep.VerificationDate = strPtr(ts)
			ep.UpdatedAt = ts
			if ep, err = e.Repo.UpdateEpisode(ctx, tx, ep); err != nil {
				return err
			}
			if out, err = e.coordinator().ReleaseTx(ctx, tx, ep.SubjectID, ep.ID, sweepActor, now); err != nil {
				return err
			}
			resolved = true
			return e.audit().Append(ctx, tx, events.EpisodeAutoVerified, ep.SubjectID, "episode", ep.ID, sweepActor, events.EventPayload{
				"scheduled_date":    *ep.ScheduledDate,
				"released_messages": out.ReleasedCount(),
			})
		})
	})
	if err != nil || !resolved {
		return false, err
	}
	e.Metrics.IncRelease("sweep", out.ReleasedCount())
	e.coordinator().Dispatch(ctx, out)
	return true, nil
}
