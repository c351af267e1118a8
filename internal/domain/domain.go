package domain

// Episode kinds.
const (
	KindManual    = "manual"
	KindScheduled = "scheduled"
	KindAutomatic = "automatic"
)

// Episode statuses.
const (
	StatusPending           = "pending"
	StatusWaitingForRelease = "waiting_for_release"
	StatusVerified          = "verified"
	StatusRejected          = "rejected"
	StatusExpired           = "expired"
)

// Verification methods.
const (
	MethodDeathCertificate = "death_certificate"
	MethodMedicalReport    = "medical_report"
	MethodOfficialDocument = "official_document"
	MethodOther            = "other"
)

// Release condition types.
const (
	ReleaseDeathVerification = "death_verification"
	ReleaseDateBased         = "date_based"
	ReleaseManual            = "manual"
)

var Methods = []string{MethodDeathCertificate, MethodMedicalReport, MethodOfficialDocument, MethodOther}

func ValidMethod(m string) bool {
	for _, v := range Methods {
		if v == m {
			return true
		}
	}
	return false
}

func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusWaitingForRelease, StatusVerified, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// OpenStatus reports whether an episode in status s still blocks a new one.
func OpenStatus(s string) bool {
	return s == StatusPending || s == StatusWaitingForRelease
}

type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Permissions struct {
	CanVerifyDeath      bool `json:"can_verify_death"`
	CanReleaseMessages  bool `json:"can_release_messages"`
	CanModifyRecipients bool `json:"can_modify_recipients"`
}

type Trustee struct {
	ID             string      `json:"id"`
	SubjectID      string      `json:"subject_id"`
	Identity       string      `json:"identity"`
	FullName       string      `json:"full_name,omitempty"`
	Permissions    Permissions `json:"permissions"`
	RequiredQuorum int         `json:"required_quorum"`
	CreatedAt      string      `json:"created_at" format:"date-time"`
}

type Recipient struct {
	ID        string `json:"id"`
	SubjectID string `json:"subject_id"`
	FullName  string `json:"full_name"`
	Email     string `json:"email"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ReleaseCondition struct {
	Type                    string `json:"type" enum:"death_verification,date_based,manual"`
	VerificationRequired    bool   `json:"verification_required"`
	TrustedContactsRequired int    `json:"trusted_contacts_required"`
}

type VideoMessage struct {
	ID               string           `json:"id"`
	SubjectID        string           `json:"subject_id"`
	Title            string           `json:"title"`
	RecipientIDs     []string         `json:"recipient_ids,omitempty"`
	ReleaseCondition ReleaseCondition `json:"release_condition"`
	ScheduledRelease *string          `json:"scheduled_release,omitempty" format:"date-time"`
	CreatedAt        string           `json:"created_at" format:"date-time"`
	UpdatedAt        string           `json:"updated_at" format:"date-time"`
}

// Sealed reports whether the message still waits on death verification.
func (m VideoMessage) Sealed() bool {
	return m.ReleaseCondition.Type == ReleaseDeathVerification && m.ReleaseCondition.VerificationRequired
}

type Attestation struct {
	ID           int64  `json:"id"`
	EpisodeID    string `json:"episode_id"`
	TrusteeID    string `json:"trustee_id"`
	ActorID      string `json:"actor_id"`
	Method       string `json:"method"`
	PlaceOfDeath string `json:"place_of_death,omitempty"`
	Notes        string `json:"notes,omitempty"`
	TS           string `json:"ts" format:"date-time"`
}

type Episode struct {
	ID                   string        `json:"id"`
	SubjectID            string        `json:"subject_id"`
	Kind                 string        `json:"kind" enum:"manual,scheduled,automatic"`
	Status               string        `json:"status" enum:"pending,waiting_for_release,verified,rejected,expired"`
	DateOfDeath          *string       `json:"date_of_death,omitempty" format:"date"`
	PlaceOfDeath         string        `json:"place_of_death,omitempty"`
	Notes                string        `json:"notes,omitempty"`
	Method               string        `json:"method,omitempty"`
	RequiredTrustees     int           `json:"required_trustees"`
	Attestations         []Attestation `json:"attestations"`
	ScheduledDate        *string       `json:"scheduled_date,omitempty" format:"date-time"`
	AutoResolveAfterDays int           `json:"auto_resolve_after_days,omitempty"`
	VerificationDate     *string       `json:"verification_date,omitempty" format:"date-time"`
	EvidenceRef          string        `json:"evidence_ref,omitempty"`
	TriggeredBy          string        `json:"triggered_by,omitempty"`
	Version              int64         `json:"version"`
	CreatedAt            string        `json:"created_at" format:"date-time"`
	UpdatedAt            string        `json:"updated_at" format:"date-time"`
}

// VerifiedCount counts distinct attesting trustees.
func (e Episode) VerifiedCount() int {
	seen := make(map[string]struct{}, len(e.Attestations))
	for _, a := range e.Attestations {
		seen[a.TrusteeID] = struct{}{}
	}
	return len(seen)
}

func (e Episode) AttestedBy(trusteeID string) bool {
	for _, a := range e.Attestations {
		if a.TrusteeID == trusteeID {
			return true
		}
	}
	return false
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	SubjectID  string `json:"subject_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}
