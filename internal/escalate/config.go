// Package escalate promotes unresolved alerts through contact tiers and fans
// out SMS jobs, under three cooldown layers.
package escalate

import (
	"time"

	"github.com/coldsense/backend/internal/store"
)

// Rule is the static escalation policy for one severity.
type Rule struct {
	MaxLevel      int
	EscalateAfter time.Duration
	SendSMS       bool
	// PriorityThresholds maps escalation level to the inclusive contact
	// priority tier notified at that level. Levels above the last entry
	// reuse the highest configured threshold.
	PriorityThresholds map[int]int
}

// PriorityThresholdFor returns the contact tier cutoff for a level.
func (r Rule) PriorityThresholdFor(level int) int {
	if t, ok := r.PriorityThresholds[level]; ok {
		return t
	}
	max := 1
	for _, t := range r.PriorityThresholds {
		if t > max {
			max = t
		}
	}
	return max
}

// Cooldowns are the three suppression layers.
type Cooldowns struct {
	PerAlert           time.Duration
	PerUser            time.Duration
	OrgWindow          time.Duration
	MaxSMSPerOrgWindow int
}

// Config is the full escalation policy snapshot.
type Config struct {
	Rules     map[store.AlertSeverity]Rule
	Cooldowns Cooldowns
}

// DefaultConfig mirrors the production policy: critical alerts walk three
// tiers fifteen minutes apart, warnings two tiers half an hour apart, info
// never escalates.
func DefaultConfig() Config {
	return Config{
		Rules: map[store.AlertSeverity]Rule{
			store.SeverityCritical: {
				MaxLevel:      3,
				EscalateAfter: 15 * time.Minute,
				SendSMS:       true,
				PriorityThresholds: map[int]int{
					1: 1,
					2: 2,
					3: 3,
				},
			},
			store.SeverityWarning: {
				MaxLevel:      2,
				EscalateAfter: 30 * time.Minute,
				SendSMS:       true,
				PriorityThresholds: map[int]int{
					1: 1,
					2: 2,
				},
			},
		},
		Cooldowns: Cooldowns{
			PerAlert:           15 * time.Minute,
			PerUser:            10 * time.Minute,
			OrgWindow:          60 * time.Minute,
			MaxSMSPerOrgWindow: 20,
		},
	}
}
