package storage

import "time"

// Record is the on-disk form used by backends without native expiry.
type Record struct {
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// NewRecord wraps value with an expiry derived from ttl (0 = never).
func NewRecord(value []byte, ttl time.Duration, now time.Time) Record {
	r := Record{Value: append([]byte(nil), value...)}
	if ttl > 0 {
		r.ExpiresAt = now.Add(ttl)
	}
	return r
}

// Expired reports whether the record is past its expiry at now.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}
