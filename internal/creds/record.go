package creds

import "time"

// ExpiryBuffer is the minimum remaining lifetime a token must have to be
// considered usable. Tokens closer to expiry than this are treated as expired
// so they cannot lapse mid-flight during a network call.
const ExpiryBuffer = 300 * time.Second

// Record is the durable credential unit stored per account.
type Record struct {
	AccessToken   string    `json:"accessToken"`
	RefreshToken  string    `json:"refreshToken"`
	ExpiresAt     time.Time `json:"expiresAt"`
	Email         string    `json:"email,omitempty"`
	CorrelationID string    `json:"externalCorrelationId,omitempty"`
}

// IsExpired reports whether the record's token has less than ExpiryBuffer of
// lifetime left at now. The boundary is inclusive: at exactly
// ExpiresAt-ExpiryBuffer the record is expired. A zero ExpiresAt never
// expires; only config-sourced pseudo-records carry one.
func (r Record) IsExpired(now time.Time) bool {
	if r.ExpiresAt.IsZero() {
		return false
	}
	return !r.ExpiresAt.After(now.Add(ExpiryBuffer))
}

// TimeRemaining returns the usable lifetime left at now, which may be
// negative. Zero ExpiresAt reports a zero duration.
func (r Record) TimeRemaining(now time.Time) time.Duration {
	if r.ExpiresAt.IsZero() {
		return 0
	}
	return r.ExpiresAt.Sub(now)
}
