package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"afternote/internal/config"
	"afternote/internal/db"
	"afternote/internal/domain"
	"afternote/internal/engine"
	"afternote/internal/engine/auth"
	"afternote/internal/events"
	"afternote/internal/migrate"
	"afternote/internal/notify"
	"afternote/internal/repo"
)

const seedTS = "2024-01-01T00:00:00Z"

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type captureQueue struct {
	mu      sync.Mutex
	batches [][]notify.Notification
}

func (q *captureQueue) Enqueue(batch []notify.Notification) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.batches = append(q.batches, batch)
}

func (q *captureQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.batches)
}

type testEnv struct {
	Engine engine.Engine
	Queue  *captureQueue
	Ctx    context.Context
}

// newTestEnv seeds subject u1 with verifying trustees t1..t3 requiring quorum,
// a release-only trustee, two recipients and two sealed messages.
func newTestEnv(t *testing.T, quorum int, mutate ...func(*config.Config)) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	for _, m := range mutate {
		m(cfg)
	}
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return testNow }
	q := &captureQueue{}
	eng.Releaser.Dispatcher = q
	ctx := context.Background()

	r := eng.Repo
	if err := r.InsertUser(ctx, domain.User{ID: "u1", Name: "Ada", Email: "ada@example.com", CreatedAt: seedTS}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	for _, tr := range []domain.Trustee{
		{ID: "t1", Identity: "t1@example.com", Permissions: domain.Permissions{CanVerifyDeath: true}},
		{ID: "t2", Identity: "t2@example.com", Permissions: domain.Permissions{CanVerifyDeath: true}},
		{ID: "t3", Identity: "t3@example.com", Permissions: domain.Permissions{CanVerifyDeath: true}},
		{ID: "t4", Identity: "rel@example.com", Permissions: domain.Permissions{CanReleaseMessages: true}},
	} {
		tr.SubjectID, tr.RequiredQuorum, tr.CreatedAt = "u1", quorum, seedTS
		if err := r.InsertTrustee(ctx, tr); err != nil {
			t.Fatalf("seed trustee: %v", err)
		}
	}
	for _, rc := range []domain.Recipient{
		{ID: "r1", SubjectID: "u1", FullName: "Bob", Email: "bob@example.com", CreatedAt: seedTS},
		{ID: "r2", SubjectID: "u1", FullName: "Cy", Email: "cy@example.com", CreatedAt: seedTS},
	} {
		if err := r.InsertRecipient(ctx, rc); err != nil {
			t.Fatalf("seed recipient: %v", err)
		}
	}
	sealed := domain.ReleaseCondition{Type: domain.ReleaseDeathVerification, VerificationRequired: true, TrustedContactsRequired: 2}
	for _, m := range []domain.VideoMessage{
		{ID: "v1", SubjectID: "u1", Title: "Birthday", RecipientIDs: []string{"r1", "r2"}, ReleaseCondition: sealed},
		{ID: "v2", SubjectID: "u1", Title: "Advice", RecipientIDs: []string{"r1"}, ReleaseCondition: sealed},
	} {
		m.CreatedAt, m.UpdatedAt = seedTS, seedTS
		if err := r.InsertVideoMessage(ctx, m); err != nil {
			t.Fatalf("seed message: %v", err)
		}
	}
	return testEnv{Engine: eng, Queue: q, Ctx: ctx}
}

func attest(identity string) engine.AttestInput {
	return engine.AttestInput{
		SubjectID:    "u1",
		ActorID:      identity,
		Method:       domain.MethodDeathCertificate,
		DateOfDeath:  "2024-05-30",
		PlaceOfDeath: "Lisbon",
		Confirmed:    true,
	}
}

func sealedCount(t *testing.T, env testEnv) int {
	t.Helper()
	msgs, err := env.Engine.Repo.ListVideoMessages(env.Ctx, nil, "u1", true)
	if err != nil {
		t.Fatalf("list sealed: %v", err)
	}
	return len(msgs)
}

func eventCount(t *testing.T, env testEnv, evtType string) int {
	t.Helper()
	n, err := env.Engine.Repo.CountEvents(env.Ctx, "u1", evtType)
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	return n
}

func TestSingleTrusteeQuorumThenRelease(t *testing.T) {
	env := newTestEnv(t, 1)
	res, err := env.Engine.Attest(env.Ctx, attest("t1@example.com"))
	if err != nil {
		t.Fatalf("attest: %v", err)
	}
	if !res.QuorumReached || res.Episode.Status != domain.StatusWaitingForRelease {
		t.Fatalf("expected waiting_for_release, got %+v", res)
	}
	if res.Episode.VerificationDate == nil || *res.Episode.VerificationDate != "2024-06-01T12:00:00Z" {
		t.Fatalf("verification date not stamped: %v", res.Episode.VerificationDate)
	}
	if sealedCount(t, env) != 2 {
		t.Fatalf("messages must stay sealed until release")
	}

	rel, err := env.Engine.Release(env.Ctx, engine.ReleaseInput{SubjectID: "u1", ActorID: "t1@example.com"})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if rel.Status != domain.StatusVerified || rel.ReleasedMessageCount != 2 {
		t.Fatalf("unexpected release result %+v", rel)
	}
	if sealedCount(t, env) != 0 {
		t.Fatalf("expected every message released")
	}
	if env.Queue.count() != 1 {
		t.Fatalf("expected one notification batch, got %d", env.Queue.count())
	}
	if got := len(env.Queue.batches[0]); got != 2 {
		t.Fatalf("expected one notification per recipient, got %d", got)
	}
	ep, ok, err := env.Engine.GetStatus(env.Ctx, "u1")
	if err != nil || !ok || ep.Status != domain.StatusVerified {
		t.Fatalf("status after release: %+v %v %v", ep, ok, err)
	}
}

func TestQuorumCountsDistinctTrustees(t *testing.T) {
	env := newTestEnv(t, 2)
	res, err := env.Engine.Attest(env.Ctx, attest("t1@example.com"))
	if err != nil {
		t.Fatalf("attest t1: %v", err)
	}
	if res.Episode.Status != domain.StatusPending || res.VerifiedCount != 1 || res.RequiredCount != 2 {
		t.Fatalf("after first attestation: %+v", res)
	}
	res, err = env.Engine.Attest(env.Ctx, attest("t1@example.com"))
	if err != nil {
		t.Fatalf("repeat attest: %v", err)
	}
	if !res.Duplicate || res.VerifiedCount != 1 || res.Episode.Status != domain.StatusPending {
		t.Fatalf("repeat must not count twice: %+v", res)
	}
	res, err = env.Engine.Attest(env.Ctx, attest("t2@example.com"))
	if err != nil {
		t.Fatalf("attest t2: %v", err)
	}
	if !res.QuorumReached || res.Episode.Status != domain.StatusWaitingForRelease || res.VerifiedCount != 2 {
		t.Fatalf("second trustee should reach quorum: %+v", res)
	}
	if len(res.Episode.Attestations) != 2 {
		t.Fatalf("expected 2 attestations, got %d", len(res.Episode.Attestations))
	}
	if n := eventCount(t, env, events.AttestationRepeated); n != 1 {
		t.Fatalf("expected one repeated event, got %d", n)
	}

	// a late third attestation is kept but does not transition again
	res, err = env.Engine.Attest(env.Ctx, attest("t3@example.com"))
	if err != nil {
		t.Fatalf("attest t3: %v", err)
	}
	if res.QuorumReached || res.Episode.Status != domain.StatusWaitingForRelease || res.VerifiedCount != 3 {
		t.Fatalf("late attestation: %+v", res)
	}
	if n := eventCount(t, env, events.EpisodeQuorumReached); n != 1 {
		t.Fatalf("quorum event must fire once, got %d", n)
	}
}

func TestAttestValidation(t *testing.T) {
	env := newTestEnv(t, 1)
	cases := map[string]func(*engine.AttestInput){
		"subject":     func(in *engine.AttestInput) { in.SubjectID = "" },
		"method":      func(in *engine.AttestInput) { in.Method = "rumour" },
		"date":        func(in *engine.AttestInput) { in.DateOfDeath = "yesterday" },
		"no date":     func(in *engine.AttestInput) { in.DateOfDeath = "" },
		"unconfirmed": func(in *engine.AttestInput) { in.Confirmed = false },
	}
	for name, mutate := range cases {
		in := attest("t1@example.com")
		mutate(&in)
		_, err := env.Engine.Attest(env.Ctx, in)
		var ve engine.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
}

func TestAttestForbidden(t *testing.T) {
	env := newTestEnv(t, 1)
	for _, identity := range []string{"stranger@example.com", "rel@example.com"} {
		_, err := env.Engine.Attest(env.Ctx, attest(identity))
		var fe auth.ForbiddenError
		if !errors.As(err, &fe) {
			t.Fatalf("%s: expected forbidden, got %v", identity, err)
		}
	}
	if _, ok, _ := env.Engine.GetStatus(env.Ctx, "u1"); ok {
		t.Fatalf("forbidden attestation must not open an episode")
	}
}

func TestReleaseRequiresWaitingEpisode(t *testing.T) {
	env := newTestEnv(t, 2)
	_, err := env.Engine.Release(env.Ctx, engine.ReleaseInput{SubjectID: "u1", ActorID: "t1@example.com"})
	var ie engine.InvalidStateError
	if !errors.As(err, &ie) {
		t.Fatalf("expected invalid state with no episode, got %v", err)
	}
	if _, err := env.Engine.Attest(env.Ctx, attest("t1@example.com")); err != nil {
		t.Fatalf("attest: %v", err)
	}
	_, err = env.Engine.Release(env.Ctx, engine.ReleaseInput{SubjectID: "u1", ActorID: "t1@example.com"})
	if !errors.As(err, &ie) {
		t.Fatalf("expected invalid state for pending episode, got %v", err)
	}
	if sealedCount(t, env) != 2 {
		t.Fatalf("nothing may be released while pending")
	}
}

func TestReleasePermissionModes(t *testing.T) {
	env := newTestEnv(t, 1)
	if _, err := env.Engine.Attest(env.Ctx, attest("t1@example.com")); err != nil {
		t.Fatalf("attest: %v", err)
	}
	_, err := env.Engine.Release(env.Ctx, engine.ReleaseInput{SubjectID: "u1", ActorID: "rel@example.com"})
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("release-only trustee must be forbidden in verify_death mode, got %v", err)
	}

	env = newTestEnv(t, 1, func(c *config.Config) { c.Policy.ReleasePermission = "release_messages" })
	if _, err := env.Engine.Attest(env.Ctx, attest("t1@example.com")); err != nil {
		t.Fatalf("attest: %v", err)
	}
	_, err = env.Engine.Release(env.Ctx, engine.ReleaseInput{SubjectID: "u1", ActorID: "t1@example.com"})
	if !errors.As(err, &fe) {
		t.Fatalf("verifier without release permission must be forbidden, got %v", err)
	}
	if _, err := env.Engine.Release(env.Ctx, engine.ReleaseInput{SubjectID: "u1", ActorID: "rel@example.com"}); err != nil {
		t.Fatalf("release by release trustee: %v", err)
	}
}

func TestAdminReleaseBypassesTrusteeCheck(t *testing.T) {
	env := newTestEnv(t, 1)
	if _, err := env.Engine.Attest(env.Ctx, attest("t1@example.com")); err != nil {
		t.Fatalf("attest: %v", err)
	}
	res, err := env.Engine.Release(env.Ctx, engine.ReleaseInput{SubjectID: "u1", ActorID: "ops", Admin: true})
	if err != nil {
		t.Fatalf("admin release: %v", err)
	}
	if res.ReleasedMessageCount != 2 {
		t.Fatalf("expected 2 released, got %d", res.ReleasedMessageCount)
	}
	// second release finds nothing waiting
	_, err = env.Engine.Release(env.Ctx, engine.ReleaseInput{SubjectID: "u1", ActorID: "ops", Admin: true})
	var ie engine.InvalidStateError
	if !errors.As(err, &ie) {
		t.Fatalf("expected invalid state on repeat release, got %v", err)
	}
}

func TestSweepResolvesElapsedSchedule(t *testing.T) {
	env := newTestEnv(t, 2)
	ep, err := env.Engine.Schedule(env.Ctx, engine.ScheduleInput{
		SubjectID:            "u1",
		ActorID:              "ops",
		ScheduledDate:        testNow.AddDate(0, 0, -40).Format(time.RFC3339),
		AutoResolveAfterDays: 30,
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if ep.Kind != domain.KindScheduled || ep.Status != domain.StatusPending || ep.AutoResolveAfterDays != 30 {
		t.Fatalf("unexpected scheduled episode %+v", ep)
	}

	res, err := env.Engine.SweepResolve(env.Ctx, testNow)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Scanned != 1 || len(res.Resolved) != 1 || res.Resolved[0] != ep.ID {
		t.Fatalf("unexpected sweep result %+v", res)
	}
	got, ok, err := env.Engine.GetStatus(env.Ctx, "u1")
	if err != nil || !ok {
		t.Fatalf("status: %v %v", ok, err)
	}
	if got.Status != domain.StatusVerified || got.Kind != domain.KindAutomatic {
		t.Fatalf("expected automatic verified episode, got %s/%s", got.Kind, got.Status)
	}
	if got.VerificationDate == nil || *got.VerificationDate != "2024-06-01T12:00:00Z" {
		t.Fatalf("verification date should be the sweep time: %v", got.VerificationDate)
	}
	if sealedCount(t, env) != 0 || env.Queue.count() != 1 {
		t.Fatalf("sweep must release and notify once")
	}

	res, err = env.Engine.SweepResolve(env.Ctx, testNow.Add(time.Hour))
	if err != nil || res.Scanned != 0 {
		t.Fatalf("second sweep should find nothing: %+v %v", res, err)
	}
	if env.Queue.count() != 1 {
		t.Fatalf("second sweep must not notify again")
	}
}

func TestSweepLeavesScheduleInGracePeriod(t *testing.T) {
	env := newTestEnv(t, 2)
	if _, err := env.Engine.Schedule(env.Ctx, engine.ScheduleInput{
		SubjectID:            "u1",
		ScheduledDate:        testNow.AddDate(0, 0, -10).Format(time.RFC3339),
		AutoResolveAfterDays: 30,
	}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	res, err := env.Engine.SweepResolve(env.Ctx, testNow)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(res.Resolved) != 0 || res.Skipped != 1 {
		t.Fatalf("expected the episode skipped, got %+v", res)
	}
	ep, _, _ := env.Engine.GetStatus(env.Ctx, "u1")
	if ep.Status != domain.StatusPending || ep.Kind != domain.KindScheduled {
		t.Fatalf("episode should be untouched, got %s/%s", ep.Kind, ep.Status)
	}
	if sealedCount(t, env) != 2 {
		t.Fatalf("no messages may be released during grace period")
	}
}

func TestAutoReleaseOnQuorumNotifiesOnce(t *testing.T) {
	env := newTestEnv(t, 2, func(c *config.Config) { c.Policy.AutoReleaseOnQuorum = true })
	if _, err := env.Engine.Attest(env.Ctx, attest("t1@example.com")); err != nil {
		t.Fatalf("attest t1: %v", err)
	}
	if env.Queue.count() != 0 {
		t.Fatalf("no release before quorum")
	}
	res, err := env.Engine.Attest(env.Ctx, attest("t2@example.com"))
	if err != nil {
		t.Fatalf("attest t2: %v", err)
	}
	if res.Episode.Status != domain.StatusVerified || res.ReleasedMessageCount != 2 {
		t.Fatalf("expected immediate release, got %+v", res)
	}
	if _, err := env.Engine.Attest(env.Ctx, attest("t3@example.com")); err != nil {
		t.Fatalf("attest t3: %v", err)
	}
	if env.Queue.count() != 1 {
		t.Fatalf("release must fire exactly once, got %d", env.Queue.count())
	}
	if n := eventCount(t, env, events.MessagesReleased); n != 1 {
		t.Fatalf("expected one messages.released event, got %d", n)
	}
	if n := eventCount(t, env, events.EpisodeQuorumReached); n != 1 {
		t.Fatalf("expected one quorum_reached event, got %d", n)
	}
	got, err := env.Engine.Repo.GetEpisode(env.Ctx, nil, res.Episode.ID)
	if err != nil || got.Status != domain.StatusVerified {
		t.Fatalf("stored episode should be verified without a waiting step: %+v %v", got, err)
	}
}

func TestConcurrentAttestationsReleaseOnce(t *testing.T) {
	env := newTestEnv(t, 2, func(c *config.Config) { c.Policy.AutoReleaseOnQuorum = true })
	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for _, id := range []string{"t1@example.com", "t2@example.com", "t3@example.com"} {
		wg.Add(1)
		go func(identity string) {
			defer wg.Done()
			_, err := env.Engine.Attest(env.Ctx, attest(identity))
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent attest: %v", err)
		}
	}
	if env.Queue.count() != 1 {
		t.Fatalf("expected exactly one dispatch, got %d", env.Queue.count())
	}
	if sealedCount(t, env) != 0 {
		t.Fatalf("expected all messages released")
	}
}

func TestConcurrentAttestationsReachQuorumOnce(t *testing.T) {
	env := newTestEnv(t, 2)
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, id := range []string{"t1@example.com", "t2@example.com"} {
		wg.Add(1)
		go func(identity string) {
			defer wg.Done()
			_, err := env.Engine.Attest(env.Ctx, attest(identity))
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent attest: %v", err)
		}
	}
	ep, ok, err := env.Engine.GetStatus(env.Ctx, "u1")
	if err != nil || !ok {
		t.Fatalf("status: %v %v", ok, err)
	}
	if len(ep.Attestations) != 2 || ep.VerifiedCount() != 2 {
		t.Fatalf("expected two attestations, got %d", len(ep.Attestations))
	}
	if ep.Status != domain.StatusWaitingForRelease {
		t.Fatalf("status = %s, want %s", ep.Status, domain.StatusWaitingForRelease)
	}
	if n := eventCount(t, env, events.EpisodeQuorumReached); n != 1 {
		t.Fatalf("expected one quorum_reached event, got %d", n)
	}
	if env.Queue.count() != 0 || sealedCount(t, env) != 2 {
		t.Fatalf("nothing may be released before an explicit release")
	}
}

func TestSweepRacingManualReleaseReleasesOnce(t *testing.T) {
	for i := 0; i < 5; i++ {
		env := newTestEnv(t, 1)
		if _, err := env.Engine.Schedule(env.Ctx, engine.ScheduleInput{
			SubjectID:            "u1",
			ActorID:              "ops",
			ScheduledDate:        testNow.AddDate(0, 0, -40).Format(time.RFC3339),
			AutoResolveAfterDays: 30,
		}); err != nil {
			t.Fatalf("schedule: %v", err)
		}

		var wg sync.WaitGroup
		errs := make(chan error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := env.Engine.SweepResolve(env.Ctx, testNow)
			errs <- err
		}()
		go func() {
			defer wg.Done()
			if _, err := env.Engine.Attest(env.Ctx, attest("t1@example.com")); err != nil {
				errs <- err
				return
			}
			_, err := env.Engine.Release(env.Ctx, engine.ReleaseInput{SubjectID: "u1", ActorID: "t1@example.com"})
			errs <- err
		}()
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("run %d: %v", i, err)
			}
		}
		if n := eventCount(t, env, events.MessagesReleased); n != 1 {
			t.Fatalf("run %d: expected one messages.released event, got %d", i, n)
		}
		if env.Queue.count() != 1 {
			t.Fatalf("run %d: expected one dispatch, got %d", i, env.Queue.count())
		}
		if sealedCount(t, env) != 0 {
			t.Fatalf("run %d: expected all messages released", i)
		}
	}
}

func TestScheduleValidationAndState(t *testing.T) {
	env := newTestEnv(t, 1)
	_, err := env.Engine.Schedule(env.Ctx, engine.ScheduleInput{SubjectID: "ghost", ScheduledDate: "2024-07-01"})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for unknown subject, got %v", err)
	}
	var ve engine.ValidationError
	_, err = env.Engine.Schedule(env.Ctx, engine.ScheduleInput{SubjectID: "u1", ScheduledDate: "2024-07-01", AutoResolveAfterDays: -1})
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error for negative days, got %v", err)
	}
	ep, err := env.Engine.Schedule(env.Ctx, engine.ScheduleInput{SubjectID: "u1", ScheduledDate: "2024-07-01"})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if ep.AutoResolveAfterDays != 30 || ep.ScheduledDate == nil || *ep.ScheduledDate != "2024-07-01T00:00:00Z" {
		t.Fatalf("unexpected defaults %+v", ep)
	}
	// rescheduling moves the date on the same episode
	again, err := env.Engine.Schedule(env.Ctx, engine.ScheduleInput{SubjectID: "u1", ScheduledDate: "2024-08-01", AutoResolveAfterDays: 7})
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if again.ID != ep.ID || again.AutoResolveAfterDays != 7 {
		t.Fatalf("expected same episode updated, got %+v", again)
	}

	// the first attestation snapshots the quorum and resolves it
	res, err := env.Engine.Attest(env.Ctx, attest("t1@example.com"))
	if err != nil {
		t.Fatalf("attest: %v", err)
	}
	if res.Episode.ID != ep.ID || res.Episode.Status != domain.StatusWaitingForRelease || res.Episode.RequiredTrustees != 1 {
		t.Fatalf("attestation should complete the scheduled episode: %+v", res.Episode)
	}
	_, err = env.Engine.Schedule(env.Ctx, engine.ScheduleInput{SubjectID: "u1", ScheduledDate: "2024-09-01"})
	var ie engine.InvalidStateError
	if !errors.As(err, &ie) {
		t.Fatalf("expected invalid state while waiting for release, got %v", err)
	}
}

func TestScheduleConvertsPendingManualEpisode(t *testing.T) {
	env := newTestEnv(t, 2)
	res, err := env.Engine.Attest(env.Ctx, attest("t1@example.com"))
	if err != nil {
		t.Fatalf("attest: %v", err)
	}
	ep, err := env.Engine.Schedule(env.Ctx, engine.ScheduleInput{
		SubjectID:            "u1",
		ScheduledDate:        testNow.AddDate(0, 0, -31).Format(time.RFC3339),
		AutoResolveAfterDays: 30,
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if ep.ID != res.Episode.ID || ep.Kind != domain.KindScheduled || len(ep.Attestations) != 1 {
		t.Fatalf("expected in-place conversion, got %+v", ep)
	}
	sweep, err := env.Engine.SweepResolve(env.Ctx, testNow)
	if err != nil || len(sweep.Resolved) != 1 {
		t.Fatalf("converted episode should resolve: %+v %v", sweep, err)
	}
}

func TestRejectAndExpire(t *testing.T) {
	env := newTestEnv(t, 2)
	_, err := env.Engine.Reject(env.Ctx, engine.CloseInput{SubjectID: "u1", ActorID: "ops"})
	var ie engine.InvalidStateError
	if !errors.As(err, &ie) {
		t.Fatalf("expected invalid state with nothing open, got %v", err)
	}
	if _, err := env.Engine.Attest(env.Ctx, attest("t1@example.com")); err != nil {
		t.Fatalf("attest: %v", err)
	}
	ep, err := env.Engine.Reject(env.Ctx, engine.CloseInput{SubjectID: "u1", ActorID: "ops", Reason: "subject alive"})
	if err != nil || ep.Status != domain.StatusRejected {
		t.Fatalf("reject: %+v %v", ep, err)
	}
	if _, ok, _ := env.Engine.GetStatus(env.Ctx, "u1"); ok {
		t.Fatalf("rejected episodes are not reported as status")
	}

	// a new attestation opens a fresh episode
	res, err := env.Engine.Attest(env.Ctx, attest("t2@example.com"))
	if err != nil {
		t.Fatalf("attest after reject: %v", err)
	}
	if res.Episode.ID == ep.ID || res.VerifiedCount != 1 {
		t.Fatalf("expected a fresh episode, got %+v", res.Episode)
	}
	exp, err := env.Engine.Expire(env.Ctx, engine.CloseInput{SubjectID: "u1", ActorID: "ops"})
	if err != nil || exp.Status != domain.StatusExpired {
		t.Fatalf("expire: %+v %v", exp, err)
	}
	if sealedCount(t, env) != 2 {
		t.Fatalf("closing episodes must not release messages")
	}
}

func TestListPendingAndEpisodes(t *testing.T) {
	env := newTestEnv(t, 2)
	if _, err := env.Engine.Attest(env.Ctx, attest("t1@example.com")); err != nil {
		t.Fatalf("attest: %v", err)
	}
	pending, err := env.Engine.ListPending(env.Ctx, "t2@example.com")
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending for t2: %v %v", pending, err)
	}
	pending, err = env.Engine.ListPending(env.Ctx, "rel@example.com")
	if err != nil || len(pending) != 0 {
		t.Fatalf("release-only trustee sees nothing: %v %v", pending, err)
	}
	page, err := env.Engine.ListEpisodes(env.Ctx, repo.EpisodeFilter{Status: domain.StatusPending, Search: "lisbon"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 1 || len(page.Items) != 1 || page.Page != 1 || page.Limit != 20 {
		t.Fatalf("unexpected page %+v", page)
	}
	var ve engine.ValidationError
	if _, err := env.Engine.ListEpisodes(env.Ctx, repo.EpisodeFilter{SortBy: "password"}); !errors.As(err, &ve) {
		t.Fatalf("expected sort validation error, got %v", err)
	}
}

func TestRetryReleaseAndRenotify(t *testing.T) {
	env := newTestEnv(t, 1)
	if _, err := env.Engine.Renotify(env.Ctx, "u1", "ops"); err == nil {
		t.Fatalf("renotify without a verified episode should fail")
	}
	if _, err := env.Engine.Attest(env.Ctx, attest("t1@example.com")); err != nil {
		t.Fatalf("attest: %v", err)
	}
	if _, err := env.Engine.Release(env.Ctx, engine.ReleaseInput{SubjectID: "u1", ActorID: "t1@example.com"}); err != nil {
		t.Fatalf("release: %v", err)
	}
	out, err := env.Engine.RetryRelease(env.Ctx, "u1", "ops")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if out.ReleasedCount() != 0 || env.Queue.count() != 1 {
		t.Fatalf("retry after release must be a no-op, released=%d batches=%d", out.ReleasedCount(), env.Queue.count())
	}
	n, err := env.Engine.Renotify(env.Ctx, "u1", "ops")
	if err != nil || n != 2 {
		t.Fatalf("renotify: %d %v", n, err)
	}
	if env.Queue.count() != 2 {
		t.Fatalf("renotify should enqueue one more batch")
	}
}
