package models

import (
	"fmt"
	"strings"
	"time"
)

// CacheCategory partitions the cache key space for independent TTLs, size
// caps and statistics.
type CacheCategory string

const (
	CategoryOrders    CacheCategory = "orders"
	CategoryPartners  CacheCategory = "partners"
	CategoryProducts  CacheCategory = "products"
	CategoryUsers     CacheCategory = "users"
	CategoryImages    CacheCategory = "images"
	CategoryAnalytics CacheCategory = "analytics"
	CategoryFallback  CacheCategory = "fallback"
)

// Categories returns every cache category.
func Categories() []CacheCategory {
	return []CacheCategory{
		CategoryOrders,
		CategoryPartners,
		CategoryProducts,
		CategoryUsers,
		CategoryImages,
		CategoryAnalytics,
		CategoryFallback,
	}
}

// Valid reports whether c is a known category.
func (c CacheCategory) Valid() bool {
	for _, known := range Categories() {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCategory parses a category name, ignoring case and surrounding space.
func ParseCategory(s string) (CacheCategory, error) {
	c := CacheCategory(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown cache category %q", s)
	}
	return c, nil
}

// PayloadEncoding describes how CacheRecord.Payload is stored.
type PayloadEncoding string

const (
	EncodingJSON       PayloadEncoding = "json"
	EncodingRaw        PayloadEncoding = "raw"
	EncodingJSONSnappy PayloadEncoding = "json+snappy"
	EncodingRawSnappy  PayloadEncoding = "raw+snappy"
)

// Compressed reports whether the payload is snappy-compressed.
func (e PayloadEncoding) Compressed() bool {
	return strings.HasSuffix(string(e), "+snappy")
}

// Base returns the encoding with compression stripped.
func (e PayloadEncoding) Base() PayloadEncoding {
	return PayloadEncoding(strings.TrimSuffix(string(e), "+snappy"))
}

// WithCompression returns the compressed variant of e.
func (e PayloadEncoding) WithCompression() PayloadEncoding {
	if e.Compressed() {
		return e
	}
	return e + "+snappy"
}

// CacheRecord is the self-describing persisted form of a cache entry.
type CacheRecord struct {
	Key       string          `json:"key"`
	Category  CacheCategory   `json:"category"`
	Payload   []byte          `json:"payload"`
	Encoding  PayloadEncoding `json:"encoding"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Size returns the bytes the record counts against its category cap.
func (r CacheRecord) Size() int64 {
	return int64(len(r.Key) + len(r.Payload))
}

// Expired reports whether the record is past its expiry at now.
func (r CacheRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Meta returns the record's index entry.
func (r CacheRecord) Meta() CacheMeta {
	return CacheMeta{
		Key:       r.Key,
		Category:  r.Category,
		Size:      r.Size(),
		CreatedAt: r.CreatedAt,
		ExpiresAt: r.ExpiresAt,
	}
}

// CacheMeta is a record without its payload, used for size accounting and
// eviction ordering.
type CacheMeta struct {
	Key       string
	Category  CacheCategory
	Size      int64
	CreatedAt time.Time
	ExpiresAt time.Time
}
