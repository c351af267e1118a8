package release_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"afternote/internal/db"
	"afternote/internal/domain"
	"afternote/internal/migrate"
	"afternote/internal/notify"
	"afternote/internal/release"
	"afternote/internal/repo"
)

const ts = "2024-01-01T00:00:00Z"

type captureQueue struct {
	mu      sync.Mutex
	batches [][]notify.Notification
}

func (q *captureQueue) Enqueue(batch []notify.Notification) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.batches = append(q.batches, batch)
}

func setup(t *testing.T) (release.Coordinator, *captureQueue) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	r := repo.Repo{DB: conn}
	ctx := context.Background()
	require.NoError(t, r.InsertUser(ctx, domain.User{ID: "u1", Name: "Ada", Email: "ada@example.com", CreatedAt: ts}))
	for _, rc := range []domain.Recipient{
		{ID: "r1", SubjectID: "u1", FullName: "Bob", Email: "bob@example.com", CreatedAt: ts},
		{ID: "r2", SubjectID: "u1", FullName: "Cy", Email: "cy@example.com", CreatedAt: ts},
	} {
		require.NoError(t, r.InsertRecipient(ctx, rc))
	}
	sealed := domain.ReleaseCondition{Type: domain.ReleaseDeathVerification, VerificationRequired: true, TrustedContactsRequired: 1}
	for _, m := range []domain.VideoMessage{
		{ID: "v1", SubjectID: "u1", Title: "Birthday", RecipientIDs: []string{"r1", "r2"}, ReleaseCondition: sealed},
		{ID: "v2", SubjectID: "u1", Title: "Advice", RecipientIDs: []string{"r1"}, ReleaseCondition: sealed},
		{ID: "v3", SubjectID: "u1", Title: "Someday", RecipientIDs: []string{"r2"},
			ReleaseCondition: domain.ReleaseCondition{Type: domain.ReleaseDateBased, VerificationRequired: true}},
	} {
		m.CreatedAt, m.UpdatedAt = ts, ts
		require.NoError(t, r.InsertVideoMessage(ctx, m))
	}
	verifiedAt := ts
	require.NoError(t, r.InsertEpisode(ctx, nil, domain.Episode{
		ID: "e1", SubjectID: "u1", Kind: domain.KindManual, Status: domain.StatusVerified,
		RequiredTrustees: 1, VerificationDate: &verifiedAt, Version: 1, CreatedAt: ts, UpdatedAt: ts,
	}))

	q := &captureQueue{}
	c := release.Coordinator{
		DB:         conn,
		Repo:       r,
		Dispatcher: q,
		Now:        func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) },
	}
	return c, q
}

func TestReleaseForIsIdempotent(t *testing.T) {
	c, q := setup(t)
	ctx := context.Background()

	first, err := c.ReleaseFor(ctx, "u1", "admin")
	require.NoError(t, err)
	assert.Equal(t, 2, first.ReleasedCount())
	assert.Equal(t, "2024-03-01T12:00:00Z", first.ReleasedAt)

	second, err := c.ReleaseFor(ctx, "u1", "admin")
	require.NoError(t, err)
	assert.Equal(t, 0, second.ReleasedCount())

	require.Len(t, q.batches, 1, "repeat release must not notify again")
	batch := q.batches[0]
	require.Len(t, batch, 2, "one notification per distinct recipient")
	byRecipient := map[string]notify.Notification{}
	for _, n := range batch {
		byRecipient[n.RecipientEmail] = n
	}
	assert.Len(t, byRecipient["bob@example.com"].Messages, 2)
	assert.Len(t, byRecipient["cy@example.com"].Messages, 1)
	assert.Equal(t, "Ada", byRecipient["cy@example.com"].SubjectName)

	msgs, err := c.Repo.ListVideoMessages(ctx, nil, "u1", false)
	require.NoError(t, err)
	for _, m := range msgs {
		switch m.ID {
		case "v1", "v2":
			assert.False(t, m.ReleaseCondition.VerificationRequired, m.ID)
			require.NotNil(t, m.ScheduledRelease)
			assert.Equal(t, "2024-03-01T12:00:00Z", *m.ScheduledRelease, "release time must not move on repeat")
		case "v3":
			assert.True(t, m.ReleaseCondition.VerificationRequired, "date based message stays sealed")
		}
	}
}

func TestReleaseForRequiresVerifiedEpisode(t *testing.T) {
	c, _ := setup(t)
	_, err := c.ReleaseFor(context.Background(), "nobody", "admin")
	require.True(t, errors.Is(err, repo.ErrNotFound))
}

func TestRenotifyRebuildsFromReleasedMessages(t *testing.T) {
	c, q := setup(t)
	ctx := context.Background()
	_, err := c.ReleaseFor(ctx, "u1", "admin")
	require.NoError(t, err)

	out, err := c.Renotify(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, out.ReleasedCount())
	require.Len(t, q.batches, 2)
	assert.Len(t, q.batches[1], 2)
}

func TestDispatchWithoutDispatcherDoesNotPanic(t *testing.T) {
	c, _ := setup(t)
	c.Dispatcher = nil
	out, err := c.ReleaseFor(context.Background(), "u1", "admin")
	require.NoError(t, err)
	assert.Equal(t, 2, out.ReleasedCount())
}
