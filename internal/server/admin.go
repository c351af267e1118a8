package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"afternote/internal/domain"
	"afternote/internal/engine"
	"afternote/internal/repo"
)

type subjectPath struct {
	SubjectID string `path:"subject_id"`
}

func registerAdmin(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "admin-list-verifications",
		Method:      http.MethodGet,
		Path:        "/admin/verifications",
		Summary:     "List verification episodes",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status"`
		Method    string `query:"method"`
		SubjectID string `query:"subject_id"`
		Search    string `query:"search"`
		SortBy    string `query:"sort_by" default:"created_at"`
		SortOrder string `query:"sort_order" default:"desc" enum:"asc,desc"`
		Page      int    `query:"page" default:"1" minimum:"1"`
		Limit     int    `query:"limit" default:"20" minimum:"1" maximum:"100"`
	}) (*struct {
		Body engine.EpisodePage `json:"body"`
	}, error) {
		if _, err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		page, err := e.ListEpisodes(ctx, repo.EpisodeFilter{
			Status:    input.Status,
			Method:    input.Method,
			SubjectID: input.SubjectID,
			Search:    input.Search,
			SortBy:    input.SortBy,
			SortOrder: input.SortOrder,
			Page:      input.Page,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.EpisodePage `json:"body"`
		}{Body: page}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-release-messages",
		Method:      http.MethodPost,
		Path:        "/admin/verifications/{subject_id}/release",
		Summary:     "Release video messages without a trustee",
		Errors:      []int{http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *subjectPath) (*struct {
		Body engine.ReleaseResult `json:"body"`
	}, error) {
		admin, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Release(ctx, engine.ReleaseInput{SubjectID: input.SubjectID, ActorID: admin.Identity, Admin: true})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ReleaseResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-retry-release",
		Method:      http.MethodPost,
		Path:        "/admin/verifications/{subject_id}/retry-release",
		Summary:     "Re-run the release of a verified subject",
		Errors:      []int{http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *subjectPath) (*struct {
		Body RetryReleaseResponse `json:"body"`
	}, error) {
		admin, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		out, err := e.RetryRelease(ctx, input.SubjectID, admin.Identity)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RetryReleaseResponse `json:"body"`
		}{Body: RetryReleaseResponse{
			EpisodeID:            out.EpisodeID,
			ReleasedMessageCount: out.ReleasedCount(),
			Notifications:        len(out.Notifications),
		}}, nil
	})

	for _, op := range []struct {
		id, verb, summary string
		close             func(context.Context, engine.CloseInput) (domain.Episode, error)
	}{
		{"admin-reject-verification", "reject", "Reject the open verification", e.Reject},
		{"admin-expire-verification", "expire", "Expire the open verification", e.Expire},
	} {
		closeFn := op.close
		huma.Register(api, huma.Operation{
			OperationID: op.id,
			Method:      http.MethodPost,
			Path:        "/admin/verifications/{subject_id}/" + op.verb,
			Summary:     op.summary,
			Errors:      []int{http.StatusForbidden, http.StatusConflict},
		}, func(ctx context.Context, input *struct {
			SubjectID string `path:"subject_id"`
			Body      *CloseRequest
		}) (*struct {
			Body domain.Episode `json:"body"`
		}, error) {
			admin, authErr := requireAdmin(ctx)
			if authErr != nil {
				return nil, authErr
			}
			in := engine.CloseInput{SubjectID: input.SubjectID, ActorID: admin.Identity}
			if input.Body != nil {
				in.Reason = input.Body.Reason
			}
			ep, err := closeFn(ctx, in)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.Episode `json:"body"`
			}{Body: ep}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "admin-notify-recipients",
		Method:      http.MethodPost,
		Path:        "/admin/verifications/{subject_id}/notify",
		Summary:     "Queue recipient notifications again",
		Errors:      []int{http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *subjectPath) (*struct {
		Body NotifyResponse `json:"body"`
	}, error) {
		admin, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.Renotify(ctx, input.SubjectID, admin.Identity)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NotifyResponse `json:"body"`
		}{Body: NotifyResponse{Queued: n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-run-sweep",
		Method:      http.MethodPost,
		Path:        "/admin/sweep",
		Summary:     "Run the scheduled verification sweep now",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SweepResponse `json:"body"`
	}, error) {
		if _, err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		now := time.Now()
		if e.Now != nil {
			now = e.Now()
		}
		res, err := e.SweepResolve(ctx, now)
		if err != nil && res.Scanned == 0 {
			return nil, handleError(err)
		}
		resp := SweepResponse{SweepResult: res}
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			for _, item := range joined.Unwrap() {
				resp.Errors = append(resp.Errors, item.Error())
			}
		} else if err != nil {
			resp.Errors = []string{err.Error()}
		}
		return &struct {
			Body SweepResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-list-events",
		Method:      http.MethodGet,
		Path:        "/admin/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		SubjectID string `query:"subject_id"`
		Type      string `query:"type"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, limit+1, cursorID, input.SubjectID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func eventResponse(evt domain.Event) EventResponse {
	var payload any = map[string]any{}
	if evt.Payload != "" {
		_ = json.Unmarshal([]byte(evt.Payload), &payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		SubjectID:  evt.SubjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}
