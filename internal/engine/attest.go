package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"afternote/internal/domain"
	"afternote/internal/engine/auth"
	"afternote/internal/events"
	"afternote/internal/release"
	"afternote/internal/repo"
)

// AttestInput is one trustee's statement that the subject has died.
type AttestInput struct {
	SubjectID    string
	ActorID      string
	Method       string
	DateOfDeath  string
	PlaceOfDeath string
	Notes        string
	EvidenceRef  string
	Confirmed    bool
}

type AttestResult struct {
	Episode       domain.Episode `json:"episode"`
	VerifiedCount int            `json:"verified_count"`
	RequiredCount int            `json:"required_count"`
	// QuorumReached is true only for the call that moved the episode past pending.
	QuorumReached        bool   `json:"quorum_reached"`
	Duplicate            bool   `json:"duplicate"`
	ReleasedMessageCount int    `json:"released_message_count,omitempty"`
	Message              string `json:"message"`
}

func (in *AttestInput) normalize() (time.Time, error) {
	in.SubjectID = strings.TrimSpace(in.SubjectID)
	in.ActorID = strings.TrimSpace(in.ActorID)
	in.Method = strings.TrimSpace(in.Method)
	if in.SubjectID == "" {
		return time.Time{}, required("subject_id")
	}
	if in.ActorID == "" {
		return time.Time{}, required("actor_id")
	}
	if in.Method == "" {
		return time.Time{}, required("verification_method")
	}
	if !domain.ValidMethod(in.Method) {
		return time.Time{}, ValidationError{Field: "verification_method", Msg: "must be one of " + strings.Join(domain.Methods, ", ")}
	}
	dod, err := parseDate("date_of_death", in.DateOfDeath)
	if err != nil {
		return time.Time{}, err
	}
	if !in.Confirmed {
		return time.Time{}, ValidationError{Field: "confirm_verification", Msg: "must be confirmed"}
	}
	return dod, nil
}

// Attest records a trustee attestation, opening a manual episode if the
// subject has none, and advances the episode once quorum is met.
func (e Engine) Attest(ctx context.Context, in AttestInput) (AttestResult, error) {
	dod, err := in.normalize()
	if err != nil {
		return AttestResult{}, err
	}
	var (
		res AttestResult
		out release.Outcome
	)
	err = e.withSubject(ctx, in.SubjectID, func(ctx context.Context) error {
		return e.inTx(ctx, func(tx *sql.Tx) error {
			var err error
			res, out, err = e.attestTx(ctx, tx, in, dod)
			return err
		})
	})
	if err != nil {
		return AttestResult{}, err
	}
	if res.Duplicate {
		e.Metrics.IncAttestation("repeated")
	} else {
		e.Metrics.IncAttestation("recorded")
	}
	if res.QuorumReached {
		e.Metrics.IncQuorumReached()
		e.logger().InfoContext(ctx, "verification quorum reached",
			"subject_id", in.SubjectID, "episode_id", res.Episode.ID, "status", res.Episode.Status)
	}
	if res.Episode.Status == domain.StatusVerified && res.QuorumReached {
		e.Metrics.IncRelease("quorum", out.ReleasedCount())
		e.coordinator().Dispatch(ctx, out)
	}
	return res, nil
}

func (e Engine) attestTx(ctx context.Context, tx *sql.Tx, in AttestInput, dod time.Time) (AttestResult, release.Outcome, error) {
	var out release.Outcome
	trustee, err := e.Auth.AuthorizeAttest(ctx, tx, in.SubjectID, in.ActorID)
	if err != nil {
		return AttestResult{}, out, err
	}
	now := e.now()
	ts := formatTS(now)
	w := e.audit()
	dodStr := dod.Format(time.DateOnly)

	dirty := false
	ep, err := e.Repo.GetOpenEpisode(ctx, tx, in.SubjectID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		ep = domain.Episode{
			ID:               uuid.NewString(),
			SubjectID:        in.SubjectID,
			Kind:             domain.KindManual,
			Status:           domain.StatusPending,
			DateOfDeath:      strPtr(dodStr),
			PlaceOfDeath:     in.PlaceOfDeath,
			Notes:            in.Notes,
			Method:           in.Method,
			RequiredTrustees: auth.Quorum(trustee.RequiredQuorum),
			EvidenceRef:      in.EvidenceRef,
			TriggeredBy:      trustee.ID,
			Version:          1,
			CreatedAt:        ts,
			UpdatedAt:        ts,
		}
		if err := e.Repo.InsertEpisode(ctx, tx, ep); err != nil {
			return AttestResult{}, out, err
		}
		if err := w.Append(ctx, tx, events.EpisodeOpened, ep.SubjectID, "episode", ep.ID, in.ActorID, events.EventPayload{
			"kind": ep.Kind, "required_trustees": ep.RequiredTrustees,
		}); err != nil {
			return AttestResult{}, out, err
		}
	case err != nil:
		return AttestResult{}, out, err
	default:
		// A scheduled episode has no quorum until its first trustee shows up.
		if ep.RequiredTrustees < 1 {
			ep.RequiredTrustees = auth.Quorum(trustee.RequiredQuorum)
			setIfEmpty(&ep.TriggeredBy, trustee.ID)
			dirty = true
		}
		if ep.DateOfDeath == nil {
			ep.DateOfDeath = strPtr(dodStr)
			dirty = true
		}
		for _, f := range []struct {
			dst *string
			v   string
		}{{&ep.Method, in.Method}, {&ep.PlaceOfDeath, in.PlaceOfDeath}, {&ep.Notes, in.Notes}, {&ep.EvidenceRef, in.EvidenceRef}} {
			if *f.dst == "" && f.v != "" {
				*f.dst = f.v
				dirty = true
			}
		}
	}

	inserted, err := e.Repo.InsertAttestation(ctx, tx, domain.Attestation{
		EpisodeID:    ep.ID,
		TrusteeID:    trustee.ID,
		ActorID:      in.ActorID,
		Method:       in.Method,
		PlaceOfDeath: in.PlaceOfDeath,
		Notes:        in.Notes,
		TS:           ts,
	})
	if err != nil {
		return AttestResult{}, out, err
	}
	evtType := events.AttestationRecorded
	if !inserted {
		evtType = events.AttestationRepeated
	}
	if err := w.Append(ctx, tx, evtType, ep.SubjectID, "episode", ep.ID, in.ActorID, events.EventPayload{
		"trustee_id": trustee.ID, "method": in.Method,
	}); err != nil {
		return AttestResult{}, out, err
	}
	if ep.Attestations, err = e.Repo.ListAttestations(ctx, tx, ep.ID); err != nil {
		return AttestResult{}, out, err
	}

	res := AttestResult{
		VerifiedCount: ep.VerifiedCount(),
		RequiredCount: auth.Quorum(ep.RequiredTrustees),
		Duplicate:     !inserted,
	}
	if ep.Status == domain.StatusPending && auth.QuorumReached(res.VerifiedCount, ep.RequiredTrustees) {
		ep.Status = domain.StatusWaitingForRelease
		ep.VerificationDate = strPtr(ts)
		res.QuorumReached = true
		dirty = true
		if err := w.Append(ctx, tx, events.EpisodeQuorumReached, ep.SubjectID, "episode", ep.ID, in.ActorID, events.EventPayload{
			"verified_count": res.VerifiedCount, "required_count": res.RequiredCount,
		}); err != nil {
			return AttestResult{}, out, err
		}
		// Opt-in: the episode skips waiting_for_release and lands on verified in this write.
		if e.Config != nil && e.Config.Policy.AutoReleaseOnQuorum {
			ep.Status = domain.StatusVerified
			if out, err = e.coordinator().ReleaseTx(ctx, tx, ep.SubjectID, ep.ID, in.ActorID, now); err != nil {
				return AttestResult{}, out, err
			}
			res.ReleasedMessageCount = out.ReleasedCount()
			if err := w.Append(ctx, tx, events.EpisodeReleased, ep.SubjectID, "episode", ep.ID, in.ActorID, events.EventPayload{
				"path": "quorum", "released_messages": res.ReleasedMessageCount,
			}); err != nil {
				return AttestResult{}, out, err
			}
		}
	}
	if dirty {
		ep.UpdatedAt = ts
		if ep, err = e.Repo.UpdateEpisode(ctx, tx, ep); err != nil {
			return AttestResult{}, out, err
		}
	}
	res.Episode = ep
	res.Message = attestMessage(ep.Status, res)
	return res, out, nil
}

func attestMessage(status string, res AttestResult) string {
	switch {
	case res.Duplicate && status == domain.StatusPending:
		return "Verification already recorded for this trustee. Waiting for additional trustee verification."
	case status == domain.StatusVerified:
		return "Death verification completed. Video messages have been released."
	case res.QuorumReached:
		return "Death verification completed. Video messages are waiting for release."
	case status == domain.StatusWaitingForRelease:
		return "Death verification already completed. Video messages are waiting for release."
	default:
		return "Death verification submitted. Waiting for additional trustee verification."
	}
}
