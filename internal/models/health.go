package models

import "time"

// ServiceType names a remote dependency whose health is tracked.
type ServiceType string

const (
	ServiceRemoteStore ServiceType = "remote_store"
	ServiceLocation    ServiceType = "location"
	ServicePayment     ServiceType = "payment"
	ServicePush        ServiceType = "push"
	ServiceAuth        ServiceType = "auth"
	ServiceAnalytics   ServiceType = "analytics"
)

// ServiceTypes returns every tracked service.
func ServiceTypes() []ServiceType {
	return []ServiceType{
		ServiceRemoteStore,
		ServiceLocation,
		ServicePayment,
		ServicePush,
		ServiceAuth,
		ServiceAnalytics,
	}
}

// Critical reports whether losing the service limits the app to core features.
func (s ServiceType) Critical() bool {
	return s == ServiceRemoteStore || s == ServiceAuth || s == ServicePayment
}

// HealthState is healthy or degraded.
type HealthState string

const (
	Healthy  HealthState = "healthy"
	Degraded HealthState = "degraded"
)

// ServiceHealth is an immutable health snapshot for one service.
type ServiceHealth struct {
	Service   ServiceType `json:"service"`
	State     HealthState `json:"state"`
	LastError string      `json:"last_error,omitempty"`
	Since     time.Time   `json:"since"`
	Failures  int         `json:"failures"`
}

// IsDegraded reports whether the service is degraded.
func (h ServiceHealth) IsDegraded() bool {
	return h.State == Degraded
}

// DegradationLevel summarizes how much of the app is affected by failing services.
type DegradationLevel int

const (
	LevelNone DegradationLevel = iota
	LevelMinor
	LevelModerate
	LevelSevere
)

// String returns the level name.
func (l DegradationLevel) String() string {
	switch l {
	case LevelMinor:
		return "minor"
	case LevelModerate:
		return "moderate"
	case LevelSevere:
		return "severe"
	default:
		return "none"
	}
}

// MarshalText encodes the level by name.
func (l DegradationLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}
