package security

import "time"

// DefaultClockSkewGrace is the grace period applied to expiry checks so
// that small clock differences between hosts do not produce spurious
// expiration failures. A credential is only treated as expired once it
// has been past its expiry for longer than the grace period.
const DefaultClockSkewGrace = 5 * time.Second

// IsExpired reports whether expiresAt is in the past, allowing the
// default clock skew grace period.
func IsExpired(expiresAt time.Time) bool {
	return IsExpiredWithGrace(expiresAt, DefaultClockSkewGrace)
}

// IsExpiredWithGrace reports whether expiresAt is in the past, allowing
// a custom grace period. A zero expiry never expires.
func IsExpiredWithGrace(expiresAt time.Time, grace time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(grace))
}

// ExpiresSoon reports whether expiresAt falls within the given threshold
// from now. Used to decide whether background cleanup may skip a record.
func ExpiresSoon(expiresAt time.Time, threshold time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().Add(threshold).After(expiresAt)
}
