package sustainplatesdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal SustainPlate HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "v1",
		Timeout:  10 * time.Second,
	}
}

// Donation represents the API donation model.
type Donation struct {
	ID                  string  `json:"id"`
	DonorID             string  `json:"donor_id"`
	Title               string  `json:"title"`
	Description         string  `json:"description"`
	FoodType            string  `json:"food_type"`
	Quantity            string  `json:"quantity"`
	ExpiryDate          string  `json:"expiry_date"`
	StorageRequirements string  `json:"storage_requirements"`
	PickupAddress       string  `json:"pickup_address"`
	PickupInstructions  string  `json:"pickup_instructions,omitempty"`
	Status              string  `json:"status"`
	ReservedBy          *string `json:"reserved_by,omitempty"`
	VolunteerID         *string `json:"volunteer_id,omitempty"`
	PickupTime          *string `json:"pickup_time,omitempty"`
	CreatedAt           string  `json:"created_at"`
	UpdatedAt           string  `json:"updated_at"`
}

// DonationInput is the body of create and edit calls.
type DonationInput struct {
	Title               string `json:"title"`
	Description         string `json:"description"`
	FoodType            string `json:"food_type"`
	Quantity            string `json:"quantity"`
	ExpiryDate          string `json:"expiry_date"`
	StorageRequirements string `json:"storage_requirements"`
	PickupAddress       string `json:"pickup_address"`
	PickupInstructions  string `json:"pickup_instructions,omitempty"`
}

// Actor is a registered donor, NGO or volunteer.
type Actor struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	Role      string `json:"role"`
	Address   string `json:"address,omitempty"`
	Phone     string `json:"phone,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// Task is the volunteer view of a donation.
type Task struct {
	ID              string  `json:"id"`
	DonationID      string  `json:"donation_id"`
	DonationTitle   string  `json:"donation_title"`
	PickupAddress   string  `json:"pickup_address"`
	DeliveryAddress string  `json:"delivery_address"`
	PickupTime      string  `json:"pickup_time,omitempty"`
	Status          string  `json:"status"`
	VolunteerID     *string `json:"volunteer_id,omitempty"`
}

// Notification is a message addressed to one actor.
type Notification struct {
	ID          string `json:"id"`
	ActorID     string `json:"actor_id"`
	Message     string `json:"message"`
	IsRead      bool   `json:"is_read"`
	RelatedID   string `json:"related_id,omitempty"`
	RelatedType string `json:"related_type,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// Stats are the caller's donation counts.
type Stats struct {
	Role      string         `json:"role"`
	Total     int            `json:"total"`
	ByStatus  map[string]int `json:"by_status"`
	Available int            `json:"available"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// Change is one notification from the change stream. It says a donation
// moved; re-read to see its current state.
type Change struct {
	EventID     int64  `json:"event_id"`
	Type        string `json:"type"`
	EntityKind  string `json:"entity_kind"`
	DonationID  string `json:"donation_id,omitempty"`
	DonorID     string `json:"donor_id,omitempty"`
	ReservedBy  string `json:"reserved_by,omitempty"`
	VolunteerID string `json:"volunteer_id,omitempty"`
	From        string `json:"from,omitempty"`
	To          string `json:"to,omitempty"`
	ActorID     string `json:"actor_id"`
	TS          string `json:"ts"`
}

// Me describes the authenticated actor.
type Me struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Source  string `json:"source"`
}

// APIKey is returned once when a key is issued.
type APIKey struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	Key     string `json:"key"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// PaginatedDonations wraps list responses with cursors.
type PaginatedDonations struct {
	Items      []Donation `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

// ListOptions filters ListDonations. Empty fields do not constrain.
type ListOptions struct {
	Status      string
	DonorID     string
	ReservedBy  string
	VolunteerID string
	Unassigned  bool
	Limit       int
	Cursor      string
}

// Error codes returned in the error envelope.
const (
	CodeAuthenticationRequired = "authentication_required"
	CodeForbiddenRole          = "forbidden_role"
	CodeNotFound               = "not_found"
	CodeReservationConflict    = "reservation_conflict"
	CodeAssignmentConflict     = "assignment_conflict"
	CodeActorMismatch          = "actor_mismatch"
	CodeInvalidTransition      = "invalid_transition"
	CodeTransientFailure       = "transient_failure"
	CodeVerificationMismatch   = "verification_mismatch"
	CodeValidationFailed       = "validation_failed"
)

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ErrorCode returns the envelope code of err, or "" when err is not an
// API error.
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// IsConflict reports whether err is a lost race for a donation.
func IsConflict(err error) bool {
	switch ErrorCode(err) {
	case CodeReservationConflict, CodeAssignmentConflict, CodeActorMismatch:
		return true
	}
	return false
}

// Register creates or refreshes an actor. No credentials are needed.
func (c *Client) Register(ctx context.Context, a Actor) (Actor, error) {
	var resp Actor
	err := c.do(ctx, http.MethodPost, c.path("actors"), a, &resp)
	return resp, err
}

// DevLogin mints a development token for actorID and uses it for later calls.
func (c *Client) DevLogin(ctx context.Context, actorID string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, c.path("auth/dev/login"), map[string]any{"actor_id": actorID}, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

// Me returns the authenticated actor.
func (c *Client) Me(ctx context.Context) (Me, error) {
	var resp Me
	err := c.do(ctx, http.MethodGet, c.path("me"), nil, &resp)
	return resp, err
}

// CreateAPIKey issues an API key for the authenticated actor.
func (c *Client) CreateAPIKey(ctx context.Context, name string) (APIKey, error) {
	var resp APIKey
	err := c.do(ctx, http.MethodPost, c.path("me/api-keys"), map[string]any{"name": name}, &resp)
	return resp, err
}

// CreateDonation lists a new donation.
func (c *Client) CreateDonation(ctx context.Context, in DonationInput) (Donation, error) {
	var resp Donation
	err := c.do(ctx, http.MethodPost, c.path("donations"), in, &resp)
	return resp, err
}

// UpdateDonation edits a donation that is still listed.
func (c *Client) UpdateDonation(ctx context.Context, id string, in DonationInput) (Donation, error) {
	var resp Donation
	err := c.do(ctx, http.MethodPatch, c.path("donations/"+url.PathEscape(id)), in, &resp)
	return resp, err
}

// GetDonation fetches a donation by id.
func (c *Client) GetDonation(ctx context.Context, id string) (Donation, error) {
	var resp Donation
	err := c.do(ctx, http.MethodGet, c.path("donations/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// ListDonations returns one page of donations, newest first.
func (c *Client) ListDonations(ctx context.Context, opts ListOptions) (PaginatedDonations, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.DonorID != "" {
		q.Set("donor_id", opts.DonorID)
	}
	if opts.ReservedBy != "" {
		q.Set("reserved_by", opts.ReservedBy)
	}
	if opts.VolunteerID != "" {
		q.Set("volunteer_id", opts.VolunteerID)
	}
	if opts.Unassigned {
		q.Set("unassigned", "true")
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	var resp PaginatedDonations
	err := c.do(ctx, http.MethodGet, withQuery(c.path("donations"), q), nil, &resp)
	return resp, err
}

// Available returns donations open for reservation.
func (c *Client) Available(ctx context.Context) ([]Donation, error) {
	return c.donations(ctx, "donations/available")
}

// MyDonations returns the calling donor's donations.
func (c *Client) MyDonations(ctx context.Context) ([]Donation, error) {
	return c.donations(ctx, "me/donations")
}

// Reservations returns the calling NGO's reservations.
func (c *Client) Reservations(ctx context.Context) ([]Donation, error) {
	return c.donations(ctx, "reservations")
}

func (c *Client) donations(ctx context.Context, p string) ([]Donation, error) {
	var resp struct {
		Items []Donation `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.path(p), nil, &resp)
	return resp.Items, err
}

// Reserve claims a listed donation for the calling NGO.
func (c *Client) Reserve(ctx context.Context, id string) (Donation, error) {
	var resp Donation
	err := c.do(ctx, http.MethodPost, c.path("donations/"+url.PathEscape(id)+"/reserve"), nil, &resp)
	return resp, err
}

// Assign takes a reserved donation as the calling volunteer. A zero
// pickupTime lets the server stamp the current time.
func (c *Client) Assign(ctx context.Context, id string, pickupTime time.Time) (Donation, error) {
	var body any
	if !pickupTime.IsZero() {
		body = map[string]any{"pickup_time": pickupTime.UTC().Format(time.RFC3339)}
	}
	var resp Donation
	err := c.do(ctx, http.MethodPost, c.path("donations/"+url.PathEscape(id)+"/assign"), body, &resp)
	return resp, err
}

// AdvanceStatus moves a donation to status.
func (c *Client) AdvanceStatus(ctx context.Context, id, status string) (Donation, error) {
	var resp Donation
	err := c.do(ctx, http.MethodPost, c.path("donations/"+url.PathEscape(id)+"/status"), map[string]any{"status": status}, &resp)
	return resp, err
}

// AvailableTasks lists reserved donations waiting for a volunteer.
func (c *Client) AvailableTasks(ctx context.Context) ([]Task, error) {
	return c.tasks(ctx, "tasks/available")
}

// MyTasks lists the calling volunteer's tasks.
func (c *Client) MyTasks(ctx context.Context) ([]Task, error) {
	return c.tasks(ctx, "tasks/mine")
}

func (c *Client) tasks(ctx context.Context, p string) ([]Task, error) {
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.path(p), nil, &resp)
	return resp.Items, err
}

// Notifications returns the caller's notifications, newest first.
func (c *Client) Notifications(ctx context.Context, unreadOnly bool, limit int) ([]Notification, error) {
	q := url.Values{}
	if unreadOnly {
		q.Set("unread", "true")
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []Notification `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery(c.path("notifications"), q), nil, &resp)
	return resp.Items, err
}

// MarkRead marks one notification read.
func (c *Client) MarkRead(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, c.path("notifications/"+url.PathEscape(id)+"/read"), nil, nil)
}

// MarkAllRead marks every notification read and returns how many changed.
func (c *Client) MarkAllRead(ctx context.Context) (int64, error) {
	var resp struct {
		Updated int64 `json:"updated"`
	}
	err := c.do(ctx, http.MethodPost, c.path("notifications/read-all"), nil, &resp)
	return resp.Updated, err
}

// Stats returns the caller's donation counts.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, c.path("stats"), nil, &resp)
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
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery(c.path("events"), q), nil, &resp)
	return resp, err
}

// StreamOptions scopes Stream.
type StreamOptions struct {
	DonationID string
	Mine       bool
	Statuses   []string
	// LastEventID resumes after a previous stream.
	LastEventID int64
}

// Stream calls fn for every change the server pushes until ctx ends, the
// connection drops, or fn returns an error.
func (c *Client) Stream(ctx context.Context, opts StreamOptions, fn func(Change) error) error {
	q := url.Values{}
	if opts.DonationID != "" {
		q.Set("donation_id", opts.DonationID)
	}
	if opts.Mine {
		q.Set("mine", "true")
	}
	for _, s := range opts.Statuses {
		q.Add("status", s)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(withQuery(c.path("stream"), q)), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if opts.LastEventID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(opts.LastEventID, 10))
	}
	c.authorize(req)
	// The stream is long-lived; only ctx bounds it.
	hc := &http.Client{}
	if c.HTTPClient != nil {
		hc = &http.Client{Transport: c.HTTPClient.Transport}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	scanner := bufio.NewScanner(resp.Body)
	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var ch Change
			if err := json.Unmarshal(data.Bytes(), &ch); err != nil {
				return fmt.Errorf("decode change: %w", err)
			}
			data.Reset()
			if err := fn(ch); err != nil {
				return err
			}
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
}

func decodeError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func (c *Client) path(p string) string {
	base := strings.Trim(c.BasePath, "/")
	if base == "" {
		return strings.TrimLeft(p, "/")
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) url(endpoint string) string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}
