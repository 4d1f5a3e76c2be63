package models

import "time"

// Pattern is a learned failure signature. Confidence is a smoothed [0,1]
// estimate adjusted only through the learning loop's record rule.
type Pattern struct {
	Fingerprint string    `json:"fingerprint"`
	Category    string    `json:"category"`
	Confidence  float64   `json:"confidence"`
	HitCount    int       `json:"hit_count"`
	LastSeen    time.Time `json:"last_seen"`
	CreatedAt   time.Time `json:"created_at"`
}

// Expired reports whether the pattern's last sighting is older than ttl.
func (p Pattern) Expired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return p.LastSeen.Add(ttl).Before(now)
}
