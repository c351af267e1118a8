package afternotesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Afternote HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v1",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Attestation is one trustee's entry on an episode.
type Attestation struct {
	ID        int64  `json:"id"`
	TrusteeID string `json:"trustee_id"`
	ActorID   string `json:"actor_id"`
	Method    string `json:"method"`
	TS        string `json:"ts"`
}

// Verification represents a verification episode (partial).
type Verification struct {
	ID                   string        `json:"id"`
	SubjectID            string        `json:"subject_id"`
	Kind                 string        `json:"kind"`
	Status               string        `json:"status"`
	DateOfDeath          string        `json:"date_of_death,omitempty"`
	Method               string        `json:"method,omitempty"`
	RequiredTrustees     int           `json:"required_trustees"`
	Attestations         []Attestation `json:"attestations"`
	ScheduledDate        string        `json:"scheduled_date,omitempty"`
	AutoResolveAfterDays int           `json:"auto_resolve_after_days,omitempty"`
	VerificationDate     string        `json:"verification_date,omitempty"`
	Version              int64         `json:"version"`
}

type AttestRequest struct {
	SubjectID           string `json:"subject_id"`
	VerificationMethod  string `json:"verification_method"`
	DateOfDeath         string `json:"date_of_death"`
	PlaceOfDeath        string `json:"place_of_death,omitempty"`
	Notes               string `json:"notes,omitempty"`
	EvidenceRef         string `json:"evidence_ref,omitempty"`
	ConfirmVerification bool   `json:"confirm_verification"`
}

type AttestResult struct {
	Verification         Verification `json:"episode"`
	VerifiedCount        int          `json:"verified_count"`
	RequiredCount        int          `json:"required_count"`
	QuorumReached        bool         `json:"quorum_reached"`
	Duplicate            bool         `json:"duplicate"`
	ReleasedMessageCount int          `json:"released_message_count"`
	Message              string       `json:"message"`
}

type Status struct {
	Found         bool          `json:"found"`
	Verification  *Verification `json:"verification,omitempty"`
	VerifiedCount int           `json:"verified_count"`
	RequiredCount int           `json:"required_count"`
}

type ReleaseResult struct {
	EpisodeID            string `json:"episode_id"`
	Status               string `json:"status"`
	VerificationDate     string `json:"verification_date"`
	ReleasedMessageCount int    `json:"released_message_count"`
	Message              string `json:"message"`
}

type SweepResult struct {
	Scanned  int      `json:"scanned"`
	Resolved []string `json:"resolved"`
	Skipped  int      `json:"skipped"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors"`
}

// ListOptions filters the admin verification listing. Zero values are omitted.
type ListOptions struct {
	Status    string
	Method    string
	SubjectID string
	Search    string
	SortBy    string
	SortOrder string
	Page      int
	Limit     int
}

type VerificationPage struct {
	Items []Verification `json:"items"`
	Total int            `json:"total"`
	Page  int            `json:"page"`
	Limit int            `json:"limit"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	SubjectID  string         `json:"subject_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is the API error code when the body carried one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Attest submits a death attestation as the token's subject.
func (c *Client) Attest(ctx context.Context, req AttestRequest) (AttestResult, error) {
	var resp AttestResult
	err := c.do(ctx, http.MethodPost, "verifications/attest", req, &resp)
	return resp, err
}

// Schedule sets an automatic verification date for a subject.
func (c *Client) Schedule(ctx context.Context, subjectID, scheduledDate string, autoResolveAfterDays int) (Verification, error) {
	body := map[string]any{
		"subject_id":     subjectID,
		"scheduled_date": scheduledDate,
	}
	if autoResolveAfterDays > 0 {
		body["auto_resolve_after_days"] = autoResolveAfterDays
	}
	var resp Verification
	err := c.do(ctx, http.MethodPost, "verifications/schedule", body, &resp)
	return resp, err
}

// Status returns the current verification of a subject.
func (c *Client) Status(ctx context.Context, subjectID string) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, subjectPath("verifications", subjectID, ""), nil, &resp)
	return resp, err
}

// Pending lists open verifications the caller can attest to.
func (c *Client) Pending(ctx context.Context) ([]Verification, error) {
	var resp struct {
		Items []Verification `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "verifications/pending", nil, &resp)
	return resp.Items, err
}

// Release releases the messages of a subject waiting for release.
func (c *Client) Release(ctx context.Context, subjectID string) (ReleaseResult, error) {
	var resp ReleaseResult
	err := c.do(ctx, http.MethodPost, subjectPath("verifications", subjectID, "release"), nil, &resp)
	return resp, err
}

// ListVerifications returns a page of episodes. Requires an administrator token.
func (c *Client) ListVerifications(ctx context.Context, opts ListOptions) (VerificationPage, error) {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("status", opts.Status)
	set("method", opts.Method)
	set("subject_id", opts.SubjectID)
	set("search", opts.Search)
	set("sort_by", opts.SortBy)
	set("sort_order", opts.SortOrder)
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	endpoint := "admin/verifications"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp VerificationPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AdminRelease releases without the trustee permission check.
func (c *Client) AdminRelease(ctx context.Context, subjectID string) (ReleaseResult, error) {
	var resp ReleaseResult
	err := c.do(ctx, http.MethodPost, subjectPath("admin/verifications", subjectID, "release"), nil, &resp)
	return resp, err
}

// Reject closes the open verification as rejected.
func (c *Client) Reject(ctx context.Context, subjectID, reason string) (Verification, error) {
	return c.close(ctx, subjectID, "reject", reason)
}

// Expire closes the open verification as expired.
func (c *Client) Expire(ctx context.Context, subjectID, reason string) (Verification, error) {
	return c.close(ctx, subjectID, "expire", reason)
}

func (c *Client) close(ctx context.Context, subjectID, verb, reason string) (Verification, error) {
	var resp Verification
	err := c.do(ctx, http.MethodPost, subjectPath("admin/verifications", subjectID, verb), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Notify queues the release notices of a verified subject again and returns how many were queued.
func (c *Client) Notify(ctx context.Context, subjectID string) (int, error) {
	var resp struct {
		Queued int `json:"queued"`
	}
	err := c.do(ctx, http.MethodPost, subjectPath("admin/verifications", subjectID, "notify"), nil, &resp)
	return resp.Queued, err
}

// RetryRelease re-runs the release of a verified subject and returns the number of newly released messages.
func (c *Client) RetryRelease(ctx context.Context, subjectID string) (int, error) {
	var resp struct {
		ReleasedMessageCount int `json:"released_message_count"`
	}
	err := c.do(ctx, http.MethodPost, subjectPath("admin/verifications", subjectID, "retry-release"), nil, &resp)
	return resp.ReleasedMessageCount, err
}

// Sweep runs the scheduled verification sweep.
func (c *Client) Sweep(ctx context.Context) (SweepResult, error) {
	var resp SweepResult
	err := c.do(ctx, http.MethodPost, "admin/sweep", nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "admin/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func subjectPath(prefix, subjectID, action string) string {
	p := fmt.Sprintf("%s/%s", prefix, url.PathEscape(subjectID))
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
