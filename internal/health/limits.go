package health

import (
	"net/http"
	"strings"
	"time"
)

// LimitClass says how a provider refused a request for capacity reasons
type LimitClass int

const (
	// NotLimited means the failure has nothing to do with capacity
	NotLimited LimitClass = iota
	// Throttled is per-minute rate limiting that clears by itself
	Throttled
	// Exhausted is a spent quota with no reset time given
	Exhausted
	// BillingBlocked needs account action, such as a daily cap or missing credit
	BillingBlocked
)

func (c LimitClass) String() string {
	switch c {
	case Throttled:
		return "throttled"
	case Exhausted:
		return "exhausted"
	case BillingBlocked:
		return "billing_blocked"
	}
	return "not_limited"
}

// Checked in order; billing phrases outrank throttling ones
var limitPhrases = []struct {
	class   LimitClass
	phrases []string
}{
	{BillingBlocked, []string{"insufficient_quota", "billing", "daily limit", "credit balance"}},
	{Throttled, []string{"rate limit", "rate_limit", "too many requests", "requests per minute", "tokens per minute", "status 429"}},
	{Exhausted, []string{"quota exceeded", "quota_exceeded", "resource_exhausted", "request limit"}},
}

// ClassifyLimit reads an HTTP status (0 when unknown) and the provider's error text
func ClassifyLimit(status int, message string) LimitClass {
	lower := strings.ToLower(message)
	for _, group := range limitPhrases {
		for _, phrase := range group.phrases {
			if strings.Contains(lower, phrase) {
				return group.class
			}
		}
	}
	if status == http.StatusTooManyRequests {
		return Throttled
	}
	return NotLimited
}

// Cooldown is how long a provider rests after this limit. base is the
// configured cooldown; it applies to throttling and is the floor otherwise.
func (c LimitClass) Cooldown(base time.Duration) time.Duration {
	switch c {
	case BillingBlocked:
		return max(base, 24*time.Hour)
	case Exhausted:
		return max(base, time.Hour)
	}
	return base
}
