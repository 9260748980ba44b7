package inference

import "time"

// Report is the full, deterministically ordered output of one Run.
type Report struct {
	Window      Window    `json:"window"`
	GeneratedAt time.Time `json:"generated_at"`
	Params      struct {
		CorrelationThresholdSec float64 `json:"correlation_threshold_sec"`
		MinSupport              int     `json:"min_support"`
		WasteThresholdSec       float64 `json:"waste_threshold_sec"`
	} `json:"params"`

	Entities int `json:"entities"`
	States   int `json:"states"`

	Correlations []Correlation `json:"correlations"`
	Suggestions  []Suggestion  `json:"suggestions"`
	Cycles       []Cycle       `json:"cycles"`
	Waste        []WasteFlag   `json:"waste"`
	EnergyHints  []EnergyHint  `json:"energy_hints"`
	Outliers     []Outlier     `json:"outliers"`
	Usage        []Usage       `json:"usage"`
}

// Correlation counts "on" states of two entities that happened close together.
// A < B; Leader is the entity that more often switched on first.
type Correlation struct {
	A        string        `json:"a"`
	B        string        `json:"b"`
	Score    int           `json:"score"`
	FirstAt  time.Time     `json:"first_at"`
	Leader   string        `json:"leader"`
	Follower string        `json:"follower"`
	AvgLag   time.Duration `json:"avg_lag"`
	SameRoom bool          `json:"same_room"`
}

type Suggestion struct {
	Trigger     string  `json:"trigger"`
	Action      string  `json:"action"`
	Support     int     `json:"support"`
	Confidence  float64 `json:"confidence"`
	Room        string  `json:"room,omitempty"`
	Description string  `json:"description"`
}

// Cycle is a recurring (weekday, hour) slot in which an entity switches on.
type Cycle struct {
	EntityID string       `json:"entity_id"`
	Weekday  time.Weekday `json:"weekday"`
	Hour     int          `json:"hour"`
	Count    int          `json:"count"`
}

// WasteFlag marks an entity left on after the house became empty.
type WasteFlag struct {
	EntityID   string        `json:"entity_id"`
	PresenceID string        `json:"presence_id"`
	OnSince    time.Time     `json:"on_since"`
	AwayAt     time.Time     `json:"away_at"`
	Duration   time.Duration `json:"duration"`
	Ongoing    bool          `json:"ongoing"`
}

// EnergyHint is a directed actuator -> meter correlation (AFFECTS_ENERGY).
type EnergyHint struct {
	ActuatorID  string  `json:"actuator_id"`
	MeterID     string  `json:"meter_id"`
	Count       int     `json:"count"`
	Activations int     `json:"activations"`
	AvgDelta    float64 `json:"avg_delta"`
}

// Share is the fraction of activations followed by a meter rise.
func (h EnergyHint) Share() float64 {
	if h.Activations == 0 {
		return 0
	}
	return float64(h.Count) / float64(h.Activations)
}

type Outlier struct {
	EntityID string    `json:"entity_id"`
	TS       time.Time `json:"ts"`
	Value    float64   `json:"value"`
	Mean     float64   `json:"mean"`
	StdDev   float64   `json:"stddev"`
	Z        float64   `json:"z"`
}

// Usage summarizes one entity over the window.
type Usage struct {
	EntityID    string        `json:"entity_id"`
	Name        string        `json:"name"`
	Type        string        `json:"type"`
	Room        string        `json:"room,omitempty"`
	States      int           `json:"states"`
	Activations int           `json:"activations"`
	OnDuration  time.Duration `json:"on_duration"`
	Samples     int           `json:"samples"`
	Min         *float64      `json:"min,omitempty"`
	Avg         *float64      `json:"avg,omitempty"`
	Max         *float64      `json:"max,omitempty"`
}
