package domain

import (
	"time"
)

const IndexFile = "index.txt"

type Paste struct {
	ID        string    `json:"id"`
	Size      int       `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Origin    string    `json:"-"`
}

func NewPaste(id string, size int, createdAt time.Time, ttl time.Duration) *Paste {
	return &Paste{
		ID:        id,
		Size:      size,
		CreatedAt: createdAt,
		ExpiresAt: createdAt.Add(ttl),
	}
}

// Remaining is the time left before expiry, never negative.
func (p *Paste) Remaining(now time.Time) time.Duration {
	d := p.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

type Event struct {
	Type   string    `json:"event"`
	ID     string    `json:"id"`
	URL    string    `json:"url,omitempty"`
	Size   int       `json:"size,omitempty"`
	At     time.Time `json:"at"`
	Expiry time.Time `json:"expires_at,omitempty"`
}

const (
	EventCreated = "created"
	EventExpired = "expired"
)
