package security

import "time"

// DefaultClockSkew is the tolerance applied to exp and nbf checks of presented
// tokens. It absorbs NTP drift between the provider and the machines that
// forward tokens back to it.
const DefaultClockSkew = 5 * time.Second

// IsExpiredAt reports whether expiresAt lies more than skew before now. A zero
// expiresAt never expires.
func IsExpiredAt(now, expiresAt time.Time, skew time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(skew))
}

// IsNotYetValidAt reports whether notBefore lies more than skew after now.
func IsNotYetValidAt(now, notBefore time.Time, skew time.Duration) bool {
	if notBefore.IsZero() {
		return false
	}
	return now.Add(skew).Before(notBefore)
}
