package models

import "time"

// ConflictLog records one detected conflict and how it was resolved.
type ConflictLog struct {
	ID              string     `json:"id"`
	EntityID        string     `json:"entity_id"`
	EntityType      EntityType `json:"entity_type"`
	LocalVersion    int64      `json:"local_version"`
	RemoteVersion   int64      `json:"remote_version"`
	LocalTimestamp  time.Time  `json:"local_timestamp"`
	RemoteTimestamp time.Time  `json:"remote_timestamp"`
	Strategy        string     `json:"strategy"`
	Resolution      string     `json:"resolution"`
	DetectedAt      time.Time  `json:"detected_at"`
}
