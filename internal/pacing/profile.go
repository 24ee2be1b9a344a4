package pacing

import "time"

// Scenario names a pacing profile.
type Scenario string

const (
	// ScenarioBulkSend paces original sends of new content batches.
	ScenarioBulkSend Scenario = "bulk-send"
	// ScenarioReplicate paces copy operations during fan-out.
	ScenarioReplicate Scenario = "replicate"
	// ScenarioBackfill paces historical alignment runs. Fastest steady
	// state and no dynamic adjustment; backfill tolerates more loss.
	ScenarioBackfill Scenario = "backfill"
	ScenarioDefault  Scenario = "default"
)

// Profile holds the interval knobs for one scenario.
type Profile struct {
	BaseInterval          time.Duration
	BatchInterval         time.Duration
	BatchThreshold        int
	ErrorRecoveryInterval time.Duration
	FloodControlInterval  time.Duration
	// FloodPenaltyStep is added per retry on top of FloodControlInterval.
	FloodPenaltyStep time.Duration
	MinInterval      time.Duration
	MaxInterval      time.Duration

	ErrorRateThreshold float64
	DynamicAdjustment  bool
}

// ProfileFor returns the built-in profile for a scenario. Unknown scenarios
// get the default profile.
func ProfileFor(s Scenario) Profile {
	switch s {
	case ScenarioBulkSend:
		return Profile{
			BaseInterval:          8 * time.Second,
			BatchInterval:         60 * time.Second,
			BatchThreshold:        10,
			ErrorRecoveryInterval: 5 * time.Second,
			FloodControlInterval:  60 * time.Second,
			FloodPenaltyStep:      30 * time.Second,
			MinInterval:           3 * time.Second,
			MaxInterval:           30 * time.Second,
			ErrorRateThreshold:    0.10,
			DynamicAdjustment:     true,
		}
	case ScenarioReplicate:
		return Profile{
			BaseInterval:          2 * time.Second,
			BatchInterval:         60 * time.Second,
			BatchThreshold:        10,
			ErrorRecoveryInterval: 5 * time.Second,
			FloodControlInterval:  60 * time.Second,
			FloodPenaltyStep:      30 * time.Second,
			MinInterval:           1 * time.Second,
			MaxInterval:           15 * time.Second,
			ErrorRateThreshold:    0.15,
			DynamicAdjustment:     true,
		}
	case ScenarioBackfill:
		return Profile{
			BaseInterval:          1 * time.Second,
			BatchInterval:         60 * time.Second,
			BatchThreshold:        10,
			ErrorRecoveryInterval: 3 * time.Second,
			FloodControlInterval:  60 * time.Second,
			FloodPenaltyStep:      30 * time.Second,
			MinInterval:           500 * time.Millisecond,
			MaxInterval:           10 * time.Second,
			ErrorRateThreshold:    0.20,
			DynamicAdjustment:     false,
		}
	default:
		return Profile{
			BaseInterval:          5 * time.Second,
			BatchInterval:         60 * time.Second,
			BatchThreshold:        10,
			ErrorRecoveryInterval: 5 * time.Second,
			FloodControlInterval:  60 * time.Second,
			FloodPenaltyStep:      30 * time.Second,
			MinInterval:           2 * time.Second,
			MaxInterval:           20 * time.Second,
			ErrorRateThreshold:    0.10,
			DynamicAdjustment:     true,
		}
	}
}
