package behavior

import "time"

// EventKind discriminates raw input event types.
type EventKind string

const (
	Keystroke  EventKind = "keystroke"
	MouseMove  EventKind = "mouse_move"
	MouseClick EventKind = "mouse_click"
	Scroll     EventKind = "scroll"
)

// Event is a single raw input event captured by the client agent.
// Events are immutable once recorded; the extractor never modifies them.
type Event struct {
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	// Keystroke fields
	Key         string    `json:"key,omitempty"`
	PressTime   time.Time `json:"press_time,omitempty"`
	ReleaseTime time.Time `json:"release_time,omitempty"`

	// Mouse fields
	X      float64 `json:"x,omitempty"`
	Y      float64 `json:"y,omitempty"`
	Button string  `json:"button,omitempty"`

	// Scroll fields
	Delta float64 `json:"delta,omitempty"`
}

// KeystrokeFeatures are the timing features computed over the keystroke
// events of one window. All times are milliseconds.
type KeystrokeFeatures struct {
	HoldMean    float64 `json:"hold_mean"`
	HoldStd     float64 `json:"hold_std"`
	FlightMean  float64 `json:"flight_mean"`
	FlightStd   float64 `json:"flight_std"`
	DigraphMean float64 `json:"digraph_mean"`
	CadenceHz   float64 `json:"cadence_hz"`
}

// MouseFeatures are the kinematic features computed over the mouse and
// scroll events of one window.
type MouseFeatures struct {
	VelocityMean      float64 `json:"velocity_mean"`
	VelocityStd       float64 `json:"velocity_std"`
	AccelMean         float64 `json:"accel_mean"`
	CurvatureMean     float64 `json:"curvature_mean"`
	ClickIntervalMean float64 `json:"click_interval_mean"`
	ScrollRate        float64 `json:"scroll_rate"`
	PathLength        float64 `json:"path_length"`
}

// FeatureVector is one completed window reduced to named numeric
// features. Modalities that produced no events in the window are
// flagged absent instead of being zero-filled, so scorers can skip
// them cleanly.
type FeatureVector struct {
	WindowID  string    `json:"window_id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`

	HasKeystroke bool `json:"has_keystroke"`
	HasMouse     bool `json:"has_mouse"`

	KeystrokeCount int `json:"keystroke_count"`
	MouseCount     int `json:"mouse_count"`

	Keystroke KeystrokeFeatures `json:"keystroke"`
	Mouse     MouseFeatures     `json:"mouse"`
}

const (
	keystrokeDim = 6
	mouseDim     = 7
)

// Dim returns the numeric dimensionality of a vector covering the given
// modalities.
func Dim(withKeystroke, withMouse bool) int {
	d := 0
	if withKeystroke {
		d += keystrokeDim
	}
	if withMouse {
		d += mouseDim
	}
	return d
}

// FeatureNames returns the ordered feature names matching Values for
// the given modality coverage.
func FeatureNames(withKeystroke, withMouse bool) []string {
	names := make([]string, 0, Dim(withKeystroke, withMouse))
	if withKeystroke {
		names = append(names,
			"hold_mean", "hold_std", "flight_mean", "flight_std",
			"digraph_mean", "cadence_hz")
	}
	if withMouse {
		names = append(names,
			"velocity_mean", "velocity_std", "accel_mean", "curvature_mean",
			"click_interval_mean", "scroll_rate", "path_length")
	}
	return names
}

// Values flattens the window to a numeric vector restricted to the
// requested modalities. The order matches FeatureNames.
func (v FeatureVector) Values(withKeystroke, withMouse bool) []float64 {
	out := make([]float64, 0, Dim(withKeystroke, withMouse))
	if withKeystroke {
		k := v.Keystroke
		out = append(out, k.HoldMean, k.HoldStd, k.FlightMean, k.FlightStd,
			k.DigraphMean, k.CadenceHz)
	}
	if withMouse {
		m := v.Mouse
		out = append(out, m.VelocityMean, m.VelocityStd, m.AccelMean,
			m.CurvatureMean, m.ClickIntervalMean, m.ScrollRate, m.PathLength)
	}
	return out
}
