package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"afternote/internal/domain"
	"afternote/internal/repo"
)

const (
	PermVerifyDeath      = "can_verify_death"
	PermReleaseMessages  = "can_release_messages"
	PermModifyRecipients = "can_modify_recipients"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// ReleaseMode selects which trustee flag gates Release.
type ReleaseMode string

const (
	// ReleaseByVerifyDeath reuses the attestation permission for release.
	ReleaseByVerifyDeath ReleaseMode = "verify_death"
	// ReleaseByReleaseMessages requires the dedicated release permission.
	ReleaseByReleaseMessages ReleaseMode = "release_messages"
	// ReleaseByEither accepts either flag.
	ReleaseByEither ReleaseMode = "either"
)

func ParseReleaseMode(s string) (ReleaseMode, error) {
	switch ReleaseMode(s) {
	case "":
		return ReleaseByVerifyDeath, nil
	case ReleaseByVerifyDeath, ReleaseByReleaseMessages, ReleaseByEither:
		return ReleaseMode(s), nil
	}
	return "", fmt.Errorf("unknown release permission mode %q", s)
}

// Quorum normalizes a configured threshold; zero or negative means one.
func Quorum(required int) int {
	if required < 1 {
		return 1
	}
	return required
}

func QuorumReached(distinct, required int) bool {
	return distinct >= Quorum(required)
}

func CanAttest(t domain.Trustee) error {
	if !t.Permissions.CanVerifyDeath {
		return ForbiddenError{Permission: PermVerifyDeath}
	}
	return nil
}

func CanRelease(t domain.Trustee, mode ReleaseMode) error {
	p := t.Permissions
	switch mode {
	case ReleaseByReleaseMessages:
		if !p.CanReleaseMessages {
			return ForbiddenError{Permission: PermReleaseMessages}
		}
	case ReleaseByEither:
		if !p.CanVerifyDeath && !p.CanReleaseMessages {
			return ForbiddenError{Permission: PermVerifyDeath + "|" + PermReleaseMessages}
		}
	default:
		if !p.CanVerifyDeath {
			return ForbiddenError{Permission: PermVerifyDeath}
		}
	}
	return nil
}

// Service resolves trustee registry entries for authorization checks.
type Service struct {
	Repo repo.Repo
}

// Trustee returns the registry entry for (subject, identity). An identity that is
// not registered for the subject is reported as forbidden for perm.
func (s Service) Trustee(ctx context.Context, tx *sql.Tx, subjectID, identity, perm string) (domain.Trustee, error) {
	t, err := s.Repo.GetTrustee(ctx, tx, subjectID, identity)
	if errors.Is(err, repo.ErrNotFound) {
		return t, ForbiddenError{Permission: perm}
	}
	return t, err
}

// AuthorizeAttest returns the trustee if identity may attest for subject.
func (s Service) AuthorizeAttest(ctx context.Context, tx *sql.Tx, subjectID, identity string) (domain.Trustee, error) {
	t, err := s.Trustee(ctx, tx, subjectID, identity, PermVerifyDeath)
	if err != nil {
		return t, err
	}
	return t, CanAttest(t)
}

// AuthorizeRelease returns the trustee if identity may release subject's messages.
func (s Service) AuthorizeRelease(ctx context.Context, tx *sql.Tx, subjectID, identity string, mode ReleaseMode) (domain.Trustee, error) {
	perm := PermVerifyDeath
	if mode == ReleaseByReleaseMessages {
		perm = PermReleaseMessages
	}
	t, err := s.Trustee(ctx, tx, subjectID, identity, perm)
	if err != nil {
		return t, err
	}
	return t, CanRelease(t, mode)
}
