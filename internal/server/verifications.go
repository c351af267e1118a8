package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"afternote/internal/domain"
	"afternote/internal/engine"
	"afternote/internal/engine/auth"
	"afternote/internal/repo"
)

func registerVerifications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "attest-death",
		Method:      http.MethodPost,
		Path:        "/verifications/attest",
		Summary:     "Submit a trustee death attestation",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body AttestRequest
	}) (*struct {
		Body engine.AttestResult `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Attest(ctx, engine.AttestInput{
			SubjectID:    input.Body.SubjectID,
			ActorID:      caller.Identity,
			Method:       input.Body.VerificationMethod,
			DateOfDeath:  input.Body.DateOfDeath,
			PlaceOfDeath: input.Body.PlaceOfDeath,
			Notes:        input.Body.Notes,
			EvidenceRef:  input.Body.EvidenceRef,
			Confirmed:    input.Body.ConfirmVerification,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.AttestResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "schedule-verification",
		Method:      http.MethodPost,
		Path:        "/verifications/schedule",
		Summary:     "Schedule automatic verification",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body ScheduleRequest
	}) (*struct {
		Body domain.Episode `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := authorizeSubject(ctx, e, caller, input.Body.SubjectID, "subject.schedule", false); err != nil {
			return nil, handleError(err)
		}
		ep, err := e.Schedule(ctx, engine.ScheduleInput{
			SubjectID:            input.Body.SubjectID,
			ActorID:              caller.Identity,
			ScheduledDate:        input.Body.ScheduledDate,
			AutoResolveAfterDays: input.Body.AutoResolveAfterDays,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Episode `json:"body"`
		}{Body: ep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-pending-verifications",
		Method:      http.MethodGet,
		Path:        "/verifications/pending",
		Summary:     "Open verifications the caller can attest to",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body PendingResponse `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListPending(ctx, caller.Identity)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PendingResponse `json:"body"`
		}{Body: PendingResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-verification-status",
		Method:      http.MethodGet,
		Path:        "/verifications/{subject_id}",
		Summary:     "Current verification of a subject",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SubjectID string `path:"subject_id"`
	}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := authorizeSubject(ctx, e, caller, input.SubjectID, "subject.read", true); err != nil {
			return nil, handleError(err)
		}
		ep, ok, err := e.GetStatus(ctx, input.SubjectID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := StatusResponse{Found: ok}
		if ok {
			resp.Verification = &ep
			resp.VerifiedCount = ep.VerifiedCount()
			resp.RequiredCount = auth.Quorum(ep.RequiredTrustees)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-messages",
		Method:      http.MethodPost,
		Path:        "/verifications/{subject_id}/release",
		Summary:     "Release video messages of a verified subject",
		Errors:      []int{http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		SubjectID string `path:"subject_id"`
	}) (*struct {
		Body engine.ReleaseResult `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Release(ctx, engine.ReleaseInput{SubjectID: input.SubjectID, ActorID: caller.Identity})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ReleaseResult `json:"body"`
		}{Body: res}, nil
	})
}

// authorizeSubject lets administrators and the subject through. With
// trustees set, any registered trustee of the subject is allowed too.
func authorizeSubject(ctx context.Context, e engine.Engine, caller Principal, subjectID, perm string, trustees bool) error {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return engine.ValidationError{Field: "subject_id", Msg: "is required"}
	}
	if caller.Admin {
		return nil
	}
	user, err := e.Repo.GetUser(ctx, nil, subjectID)
	if err != nil {
		return err
	}
	if caller.Identity == user.ID || strings.EqualFold(caller.Identity, user.Email) {
		return nil
	}
	if trustees {
		_, err := e.Repo.GetTrustee(ctx, nil, subjectID, caller.Identity)
		if err == nil {
			return nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
	}
	return auth.ForbiddenError{Permission: perm}
}
