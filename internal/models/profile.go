package models

import "time"

// UserRole is the side of the marketplace a user acts on.
type UserRole string

const (
	RoleCustomer UserRole = "customer"
	RoleDriver   UserRole = "driver"
	RolePartner  UserRole = "partner"
)

// UserProfile is the editable profile of any marketplace user.
type UserProfile struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"display_name"`
	Phone        string    `json:"phone,omitempty"`
	Email        string    `json:"email,omitempty"`
	Role         UserRole  `json:"role"`
	Version      int64     `json:"version"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

func (p UserProfile) EntityID() string { return p.ID }
func (p UserProfile) EntityType() EntityType { return EntityUserProfile }
func (p UserProfile) ModifiedAt() time.Time { return p.UpdatedAt }
func (p UserProfile) VersionMarker() int64 { return p.Version }
