package models

import "fmt"

// Kind identifies which Enlighten meter an interval was read from.
type Kind string

const (
	Consumption Kind = "consumption"
	Production  Kind = "production"
)

// MetricPath returns the carbon metric path readings of this kind are sent under.
func (k Kind) MetricPath() string {
	return fmt.Sprintf("solar.%s", k)
}

// CredentialSet is the OAuth token triple persisted between runs.
// ExpiresAt is the unix second after which AccessToken must not be used.
type CredentialSet struct {
	AccessToken  string `json:"access"`
	RefreshToken string `json:"refresh"`
	ExpiresAt    int64  `json:"expire"`
}

// Expired reports whether the access token is no longer usable at unix time now.
func (c CredentialSet) Expired(now int64) bool {
	return now >= c.ExpiresAt
}

// IntervalReading is one normalized energy reading from a meter.
type IntervalReading struct {
	Kind      Kind    `json:"kind"`
	EndAt     int64   `json:"end_at"`
	WattHours float64 `json:"wh"`
}

// MetricPoint is a single datapoint as understood by carbon.
type MetricPoint struct {
	Path      string  `json:"path"`
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

// Point converts the reading into the metric point carbon stores for it.
func (r IntervalReading) Point() MetricPoint {
	return MetricPoint{
		Path:      r.Kind.MetricPath(),
		Timestamp: r.EndAt,
		Value:     r.WattHours,
	}
}
