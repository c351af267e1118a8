package engine

import (
	"context"
	"errors"
	"strings"

	"afternote/internal/domain"
	"afternote/internal/repo"
)

// GetStatus returns the subject's most recent pending, waiting or verified
// episode. The bool is false when the subject has none.
func (e Engine) GetStatus(ctx context.Context, subjectID string) (domain.Episode, bool, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return domain.Episode{}, false, required("subject_id")
	}
	ep, err := e.Repo.LatestEpisode(ctx, nil, subjectID,
		domain.StatusPending, domain.StatusWaitingForRelease, domain.StatusVerified)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Episode{}, false, nil
	}
	if err != nil {
		return domain.Episode{}, false, err
	}
	return ep, true, nil
}

// ListPending returns open episodes of every subject that lists identity as a
// trustee allowed to verify death.
func (e Engine) ListPending(ctx context.Context, identity string) ([]domain.Episode, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, required("identity")
	}
	eps, err := e.Repo.ListOpenForTrustee(ctx, identity)
	if err != nil {
		return nil, err
	}
	if eps == nil {
		eps = []domain.Episode{}
	}
	return eps, nil
}
