// Package uuid provides time-ordered identifiers for mutations and conflict logs.
package uuid

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// UUID v7 format: xxxxxxxx-xxxx-7xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV7Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-7[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v7. IDs generated later sort after earlier ones.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does.
		return uuid.New().String()
	}
	return id.String()
}

// Parse parses a UUID v7 string.
func Parse(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid UUID: %w", err)
	}
	if id.Version() != 7 {
		return uuid.Nil, fmt.Errorf("expected UUID v7, got v%d", id.Version())
	}
	return id, nil
}

// Time returns the creation time embedded in a UUID v7 string.
func Time(s string) (time.Time, error) {
	id, err := Parse(s)
	if err != nil {
		return time.Time{}, err
	}
	sec, nsec := id.Time().UnixTime()
	return time.Unix(sec, nsec), nil
}

// IsValid checks if a string is a valid UUID v7.
func IsValid(s string) bool {
	return uuidV7Regex.MatchString(s)
}

// Validate returns an error if the string is not a valid UUID v7.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID v7 format: %q", s)
	}
	return nil
}
