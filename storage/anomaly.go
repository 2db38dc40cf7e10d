package storage

import (
	"math"
	"sort"
	"time"
)

// AnomalyThresholds configures DetectAnomalousAccess. Zero disables a check.
type AnomalyThresholds struct {
	// MaxActions flags identities with more actions in the window.
	MaxActions int `toml:"max_actions"`
	// MaxResourceTypes flags identities touching more distinct resource types.
	MaxResourceTypes int `toml:"max_resource_types"`
	// ZScore flags identities whose action count is this many standard
	// deviations above the mean of all active identities.
	ZScore float64 `toml:"z_score"`
	// MinPopulation is the number of active identities needed before the
	// z-score check applies.
	MinPopulation int `toml:"min_population"`
}

// DefaultAnomalyThresholds mirrors the shipped configuration.
func DefaultAnomalyThresholds() AnomalyThresholds {
	return AnomalyThresholds{
		MaxActions:       500,
		MaxResourceTypes: 15,
		ZScore:           3.0,
		MinPopulation:    5,
	}
}

// Anomaly reasons.
const (
	ReasonActionVolume  = "action_volume"
	ReasonTypeDiversity = "resource_type_diversity"
	ReasonVolumeOutlier = "volume_outlier"
)

// IdentityActivity aggregates one identity's actions in a window.
type IdentityActivity struct {
	IdentityID    string `json:"identity_id"`
	Actions       int    `json:"actions"`
	ResourceTypes int    `json:"resource_types"`
	Resources     int    `json:"resources"`
}

// AccessAnomaly is a flagged identity.
type AccessAnomaly struct {
	IdentityActivity
	Reasons     []string      `json:"reasons"`
	ZScore      float64       `json:"z_score"`
	Window      time.Duration `json:"window"`
	WindowStart time.Time     `json:"window_start"`
}

// scoreActivity applies the thresholds to the aggregated activity. Results
// are ordered by action count, highest first.
func scoreActivity(activity []IdentityActivity, th AnomalyThresholds, window time.Duration, start time.Time) []AccessAnomaly {
	mean, sd := actionStats(activity)
	useZ := th.ZScore > 0 && len(activity) >= max(th.MinPopulation, 2) && sd > 0

	var out []AccessAnomaly
	for _, a := range activity {
		var reasons []string
		if th.MaxActions > 0 && a.Actions > th.MaxActions {
			reasons = append(reasons, ReasonActionVolume)
		}
		if th.MaxResourceTypes > 0 && a.ResourceTypes > th.MaxResourceTypes {
			reasons = append(reasons, ReasonTypeDiversity)
		}
		z := 0.0
		if sd > 0 {
			z = (float64(a.Actions) - mean) / sd
		}
		if useZ && z > th.ZScore {
			reasons = append(reasons, ReasonVolumeOutlier)
		}
		if len(reasons) == 0 {
			continue
		}
		out = append(out, AccessAnomaly{
			IdentityActivity: a,
			Reasons:          reasons,
			ZScore:           z,
			Window:           window,
			WindowStart:      start,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Actions != out[j].Actions {
			return out[i].Actions > out[j].Actions
		}
		return out[i].IdentityID < out[j].IdentityID
	})
	return out
}

// actionStats returns the mean and sample standard deviation of action counts.
func actionStats(activity []IdentityActivity) (float64, float64) {
	if len(activity) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, a := range activity {
		sum += float64(a.Actions)
	}
	mean := sum / float64(len(activity))
	if len(activity) < 2 {
		return mean, 0
	}
	sq := 0.0
	for _, a := range activity {
		d := float64(a.Actions) - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(activity)-1))
}
