package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"afternote/internal/config"
	"afternote/internal/engine/auth"
	"afternote/internal/events"
	"afternote/internal/lock"
	"afternote/internal/metrics"
	"afternote/internal/release"
	"afternote/internal/repo"
)

const maxConflictRetries = 3

// Engine drives verification episodes through their state machine. Every
// mutation of a subject's episode runs under that subject's lock, inside one
// transaction, with a version-checked write.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Auth     auth.Service
	Config   *config.Config
	Locker   lock.Locker
	Releaser release.Coordinator
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: db}
	return Engine{
		DB:       db,
		Repo:     r,
		Events:   events.Writer{},
		Auth:     auth.Service{Repo: r},
		Config:   cfg,
		Locker:   lock.NewSharded(),
		Releaser: release.Coordinator{DB: db, Repo: r},
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) releaseMode() auth.ReleaseMode {
	if e.Config == nil {
		return auth.ReleaseByVerifyDeath
	}
	mode, err := auth.ParseReleaseMode(e.Config.Policy.ReleasePermission)
	if err != nil {
		return auth.ReleaseByVerifyDeath
	}
	return mode
}

func (e Engine) defaultAutoResolveDays() int {
	if e.Config != nil && e.Config.Policy.DefaultAutoResolveDays > 0 {
		return e.Config.Policy.DefaultAutoResolveDays
	}
	return 30
}

// coordinator returns the release coordinator sharing the engine's clock, log and audit writer.
func (e Engine) coordinator() release.Coordinator {
	c := e.Releaser
	if c.DB == nil {
		c.DB = e.DB
		c.Repo = e.Repo
	}
	c.Events = e.audit()
	if c.Metrics == nil {
		c.Metrics = e.Metrics
	}
	if c.Logger == nil {
		c.Logger = e.Logger
	}
	c.Now = e.now
	return c
}

func (e Engine) audit() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

// withSubject runs fn under the subject lock, retrying on lost version races.
func (e Engine) withSubject(ctx context.Context, subjectID string, fn func(ctx context.Context) error) error {
	locker := e.Locker
	if locker == nil {
		return errors.New("engine locker not configured")
	}
	return locker.WithLock(ctx, subjectID, func(ctx context.Context) error {
		var err error
		for attempt := 0; attempt < maxConflictRetries; attempt++ {
			err = fn(ctx)
			if !errors.Is(err, repo.ErrConflict) {
				return err
			}
			e.logger().DebugContext(ctx, "episode write conflict, retrying",
				slog.String("subject_id", subjectID), slog.Int("attempt", attempt+1))
		}
		return err
	})
}

// inTx runs fn in a transaction and commits when it returns nil.
func (e Engine) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func formatTS(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// parseDate accepts RFC 3339 timestamps or bare YYYY-MM-DD dates.
func parseDate(field, in string) (time.Time, error) {
	in = strings.TrimSpace(in)
	if in == "" {
		return time.Time{}, required(field)
	}
	if t, err := time.Parse(time.RFC3339, in); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.DateOnly, in); err == nil {
		return t, nil
	}
	return time.Time{}, ValidationError{Field: field, Msg: fmt.Sprintf("invalid date %q", in)}
}

func strPtr(s string) *string {
	return &s
}

func setIfEmpty(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}
