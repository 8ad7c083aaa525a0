package models

import "time"

// Partner is a merchant selling through the marketplace.
type Partner struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Category  string    `json:"category,omitempty"`
	IsOpen    bool      `json:"is_open"`
	Rating    float64   `json:"rating"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p Partner) EntityID() string { return p.ID }
func (p Partner) EntityType() EntityType { return EntityPartner }
func (p Partner) ModifiedAt() time.Time { return p.UpdatedAt }
func (p Partner) VersionMarker() int64 { return p.Version }

// Product is an item a partner sells.
type Product struct {
	ID         string    `json:"id"`
	PartnerID  string    `json:"partner_id"`
	Name       string    `json:"name"`
	PriceCents int64     `json:"price_cents"`
	InStock    bool      `json:"in_stock"`
	ImageKey   string    `json:"image_key,omitempty"`
	Version    int64     `json:"version"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (p Product) EntityID() string { return p.ID }
func (p Product) EntityType() EntityType { return EntityProduct }
func (p Product) ModifiedAt() time.Time { return p.UpdatedAt }
func (p Product) VersionMarker() int64 { return p.Version }
