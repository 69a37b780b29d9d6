package domain

// Status is the lifecycle position of a donation.
type Status string

const (
	StatusListed    Status = "listed"
	StatusReserved  Status = "reserved"
	StatusPickedUp  Status = "pickedUp"
	StatusDelivered Status = "delivered"
)

// Rank orders statuses along the lifecycle. Unknown statuses rank -1.
func (s Status) Rank() int {
	switch s {
	case StatusListed:
		return 0
	case StatusReserved:
		return 1
	case StatusPickedUp:
		return 2
	case StatusDelivered:
		return 3
	}
	return -1
}

func (s Status) Valid() bool { return s.Rank() >= 0 }

// Role identifies what an actor may do with donations.
type Role string

const (
	RoleDonor     Role = "donor"
	RoleNGO       Role = "ngo"
	RoleVolunteer Role = "volunteer"
)

func (r Role) Valid() bool {
	return r == RoleDonor || r == RoleNGO || r == RoleVolunteer
}

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
	Status              Status  `json:"status" enum:"listed,reserved,pickedUp,delivered"`
	ReservedBy          *string `json:"reserved_by,omitempty"`
	VolunteerID         *string `json:"volunteer_id,omitempty"`
	PickupTime          *string `json:"pickup_time,omitempty" format:"date-time"`
	CreatedAt           string  `json:"created_at" format:"date-time"`
	UpdatedAt           string  `json:"updated_at" format:"date-time"`
}

type Actor struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	Role      Role   `json:"role" enum:"donor,ngo,volunteer"`
	Address   string `json:"address,omitempty"`
	Phone     string `json:"phone,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// TaskStatus is the volunteer-facing view of a donation's progress.
type TaskStatus string

const (
	TaskAvailable TaskStatus = "available"
	TaskAssigned  TaskStatus = "assigned"
	TaskCompleted TaskStatus = "completed"
)

// VolunteerTask is derived from a Donation on every read and never stored.
type VolunteerTask struct {
	ID              string     `json:"id"`
	DonationID      string     `json:"donation_id"`
	DonationTitle   string     `json:"donation_title"`
	PickupAddress   string     `json:"pickup_address"`
	DeliveryAddress string     `json:"delivery_address"`
	PickupTime      string     `json:"pickup_time,omitempty"`
	Status          TaskStatus `json:"status" enum:"available,assigned,completed"`
	VolunteerID     *string    `json:"volunteer_id,omitempty"`
}

// TaskFromDonation projects a donation into a volunteer task. deliveryAddress is
// the reserving NGO's address when known.
func TaskFromDonation(d Donation, deliveryAddress string) VolunteerTask {
	t := VolunteerTask{
		ID:              d.ID,
		DonationID:      d.ID,
		DonationTitle:   d.Title,
		PickupAddress:   d.PickupAddress,
		DeliveryAddress: deliveryAddress,
		VolunteerID:     d.VolunteerID,
	}
	if t.DeliveryAddress == "" {
		t.DeliveryAddress = "Contact NGO for address"
	}
	if d.PickupTime != nil {
		t.PickupTime = *d.PickupTime
	}
	switch {
	case d.Status == StatusDelivered:
		t.Status = TaskCompleted
	case d.VolunteerID != nil:
		t.Status = TaskAssigned
	default:
		t.Status = TaskAvailable
	}
	return t
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type Notification struct {
	ID          string `json:"id"`
	ActorID     string `json:"actor_id"`
	Message     string `json:"message"`
	IsRead      bool   `json:"is_read"`
	RelatedID   string `json:"related_id,omitempty"`
	RelatedType string `json:"related_type,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
