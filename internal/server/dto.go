package server

import (
	"encoding/json"

	"sustainplate/internal/domain"
	"sustainplate/internal/engine"
)

// Request payloads

type RegisterActorRequest struct {
	ID        string `json:"id"`
	Email     string `json:"email" format:"email"`
	Name      string `json:"name,omitempty"`
	Role      string `json:"role" enum:"donor,ngo,volunteer"`
	Address   string `json:"address,omitempty"`
	Phone     string `json:"phone,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

type DonationRequest struct {
	Title               string `json:"title"`
	Description         string `json:"description"`
	FoodType            string `json:"food_type"`
	Quantity            string `json:"quantity"`
	ExpiryDate          string `json:"expiry_date" example:"2026-11-02"`
	StorageRequirements string `json:"storage_requirements"`
	PickupAddress       string `json:"pickup_address"`
	PickupInstructions  string `json:"pickup_instructions,omitempty"`
}

func (r DonationRequest) input() engine.DonationInput {
	return engine.DonationInput(r)
}

type AssignRequest struct {
	PickupTime *string `json:"pickup_time,omitempty" format:"date-time"`
}

// AdvanceStatusRequest names the target status. Unknown statuses are
// rejected by the lifecycle as invalid transitions.
type AdvanceStatusRequest struct {
	Status string `json:"status" example:"delivered"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role" enum:"donor,ngo,volunteer"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Source  string `json:"source" enum:"jwt,api_key"`
}

type APIKeyResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	// Key is only returned once, at creation.
	Key string `json:"key"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type ReadAllResponse struct {
	Updated int64 `json:"updated"`
}

type paginatedDonations struct {
	Items      []domain.Donation `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type donationList struct {
	Items []domain.Donation `json:"items"`
}

type taskList struct {
	Items []domain.VolunteerTask `json:"items"`
}

type notificationList struct {
	Items []domain.Notification `json:"items"`
}

// Conversion helpers

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return map[string]any{}
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return map[string]any{}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
