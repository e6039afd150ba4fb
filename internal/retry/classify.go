package retry

import "strings"

// Class is the canonical error taxonomy.
type Class string

const (
	ClassRateLimit Class = "rate_limit"
	ClassCapacity  Class = "capacity"
	ClassTimeout   Class = "timeout"
	ClassQuality   Class = "quality"
	ClassTransient Class = "transient"
	ClassPermanent Class = "permanent"
)

// Retryable reports whether this class should ever be retried.
func (c Class) Retryable() bool { return c != ClassPermanent }

// Classification describes a classified error plus any hint it carried.
type Classification struct {
	Class        Class
	StatusCode   int
	RetryAfterMs int64
}

// Classify inspects an HTTP status code (0 if none) and an error message to
// assign a canonical class.
func Classify(statusCode int, msg string) Classification {
	lower := strings.ToLower(msg)

	switch {
	case statusCode == 429 || strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many requests"):
		return Classification{Class: ClassRateLimit, StatusCode: statusCode}
	case statusCode == 503 || strings.Contains(lower, "overloaded") || strings.Contains(lower, "capacity"):
		return Classification{Class: ClassCapacity, StatusCode: statusCode}
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded"):
		return Classification{Class: ClassTimeout, StatusCode: statusCode}
	case strings.Contains(lower, "schema") || strings.Contains(lower, "empty output") || strings.Contains(lower, "invalid output"):
		return Classification{Class: ClassQuality, StatusCode: statusCode}
	case statusCode == 408 || statusCode == 425:
		return Classification{Class: ClassTransient, StatusCode: statusCode}
	case statusCode >= 500 && statusCode != 503:
		return Classification{Class: ClassTransient, StatusCode: statusCode}
	case strings.Contains(lower, "connection reset") || strings.Contains(lower, "broken pipe") || strings.Contains(lower, "econnreset"):
		return Classification{Class: ClassTransient, StatusCode: statusCode}
	case strings.Contains(lower, "cancelled") || strings.Contains(lower, "canceled") || strings.Contains(lower, "user-abort") || strings.Contains(lower, "aborted"):
		return Classification{Class: ClassPermanent, StatusCode: statusCode}
	case statusCode >= 400 && statusCode < 500:
		return Classification{Class: ClassPermanent, StatusCode: statusCode}
	default:
		return Classification{Class: ClassTransient, StatusCode: statusCode}
	}
}
