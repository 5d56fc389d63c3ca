package resolver

import (
	"context"

	"display-resolver/internal/fetcher"
)

// Fetcher is the network side of the resolver.
type Fetcher interface {
	FetchPrimary(ctx context.Context, rawURL string) fetcher.Outcome
	FetchWithPathID(ctx context.Context, base, pathID string) fetcher.Outcome
	Validate(ctx context.Context, endpoint string) fetcher.Validation
}

// URLBuilder builds the primary configuration request.
type URLBuilder interface {
	Build(deviceID string, attrs map[string]string) string
	Base() string
}

// DeviceClassifier reports the device form factor, e.g. "iPhone" or "iPad".
type DeviceClassifier interface {
	FormFactor() string
}

// StaticDevice is a DeviceClassifier with a fixed answer.
type StaticDevice string

func (d StaticDevice) FormFactor() string { return string(d) }

// RatingPrompter presents the one-time rating prompt. It reports whether the
// prompt was actually shown; the prompt is retried on a later launch if not.
type RatingPrompter interface {
	RequestReview() bool
}
