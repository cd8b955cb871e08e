package behavior

import (
	"fmt"
	"math"
	"time"
)

// WindowPolicy controls when a window is cut. A window is emitted once
// either WindowSize has elapsed since the previous emission or one
// modality has reached its minimum event count, whichever comes first.
type WindowPolicy struct {
	WindowSize         time.Duration
	MinKeystrokeEvents int
	MinMouseEvents     int
}

// DefaultWindowPolicy mirrors the engine defaults.
func DefaultWindowPolicy() WindowPolicy {
	return WindowPolicy{
		WindowSize:         30 * time.Second,
		MinKeystrokeEvents: 20,
		MinMouseEvents:     15,
	}
}

// Extractor reduces an ordered event stream for one session into a
// sequence of feature windows. It is restartable and fully
// deterministic: window boundaries and features depend only on the
// event stream, never on wall-clock time. Trailing events that never
// complete a window are discarded, not emitted as a short window.
//
// Extractor is not safe for concurrent use; each session worker owns
// exactly one.
type Extractor struct {
	policy    WindowPolicy
	sessionID string
	userID    string

	seq         int
	windowStart time.Time
	started     bool

	// keystroke accumulators
	ksCount     int
	hold        RunningStat
	flight      RunningStat
	digraph     RunningStat
	lastPress   time.Time
	lastRelease time.Time

	// mouse accumulators
	mouseCount    int
	velocity      RunningStat
	accel         RunningStat
	curvature     RunningStat
	clickInterval RunningStat
	scrollCount   int
	pathLength    float64
	lastPos       [2]float64
	lastMoveAt    time.Time
	lastVelocity  float64
	lastHeading   float64
	haveMove      bool
	haveVelocity  bool
	haveHeading   bool
	lastClickAt   time.Time
}

// NewExtractor creates an extractor for one session.
func NewExtractor(sessionID, userID string, policy WindowPolicy) *Extractor {
	if policy.WindowSize <= 0 {
		policy.WindowSize = DefaultWindowPolicy().WindowSize
	}
	if policy.MinKeystrokeEvents <= 0 {
		policy.MinKeystrokeEvents = DefaultWindowPolicy().MinKeystrokeEvents
	}
	if policy.MinMouseEvents <= 0 {
		policy.MinMouseEvents = DefaultWindowPolicy().MinMouseEvents
	}
	return &Extractor{policy: policy, sessionID: sessionID, userID: userID}
}

// Push folds one event into the current window and returns the
// completed window when the event closes one.
func (e *Extractor) Push(ev Event) (*FeatureVector, bool) {
	if !e.started {
		e.started = true
		e.windowStart = ev.Timestamp
	}

	switch ev.Kind {
	case Keystroke:
		e.pushKeystroke(ev)
	case MouseMove:
		e.pushMouseMove(ev)
	case MouseClick:
		e.pushMouseClick(ev)
	case Scroll:
		e.pushScroll(ev)
	}

	if e.shouldEmit(ev.Timestamp) {
		win := e.buildWindow(ev.Timestamp)
		e.resetWindow(ev.Timestamp)
		return win, true
	}
	return nil, false
}

// Reset discards all window state so the extractor can replay a stream
// from the beginning.
func (e *Extractor) Reset() {
	policy, sid, uid := e.policy, e.sessionID, e.userID
	*e = Extractor{policy: policy, sessionID: sid, userID: uid}
}

func (e *Extractor) shouldEmit(at time.Time) bool {
	if e.ksCount >= e.policy.MinKeystrokeEvents {
		return true
	}
	if e.mouseCount >= e.policy.MinMouseEvents {
		return true
	}
	return at.Sub(e.windowStart) >= e.policy.WindowSize
}

func (e *Extractor) pushKeystroke(ev Event) {
	e.ksCount++
	if !ev.ReleaseTime.IsZero() && !ev.PressTime.IsZero() {
		e.hold.Push(ev.ReleaseTime.Sub(ev.PressTime).Seconds() * 1000)
	}
	if !e.lastRelease.IsZero() && !ev.PressTime.IsZero() {
		e.flight.Push(ev.PressTime.Sub(e.lastRelease).Seconds() * 1000)
	}
	if !e.lastPress.IsZero() && !ev.PressTime.IsZero() {
		e.digraph.Push(ev.PressTime.Sub(e.lastPress).Seconds() * 1000)
	}
	if !ev.PressTime.IsZero() {
		e.lastPress = ev.PressTime
	}
	if !ev.ReleaseTime.IsZero() {
		e.lastRelease = ev.ReleaseTime
	}
}

func (e *Extractor) pushMouseMove(ev Event) {
	e.mouseCount++
	if e.haveMove {
		dt := ev.Timestamp.Sub(e.lastMoveAt).Seconds()
		dx := ev.X - e.lastPos[0]
		dy := ev.Y - e.lastPos[1]
		dist := math.Hypot(dx, dy)
		e.pathLength += dist
		if dt > 0 {
			v := dist / dt
			e.velocity.Push(v)
			if e.haveVelocity {
				e.accel.Push((v - e.lastVelocity) / dt)
			}
			e.lastVelocity = v
			e.haveVelocity = true
		}
		if dist > 0 {
			heading := math.Atan2(dy, dx)
			if e.haveHeading {
				turn := math.Abs(angleDiff(heading, e.lastHeading))
				e.curvature.Push(turn / math.Max(dist, 1e-9))
			}
			e.lastHeading = heading
			e.haveHeading = true
		}
	}
	e.lastPos = [2]float64{ev.X, ev.Y}
	e.lastMoveAt = ev.Timestamp
	e.haveMove = true
}

func (e *Extractor) pushMouseClick(ev Event) {
	e.mouseCount++
	if !e.lastClickAt.IsZero() {
		e.clickInterval.Push(ev.Timestamp.Sub(e.lastClickAt).Seconds() * 1000)
	}
	e.lastClickAt = ev.Timestamp
}

func (e *Extractor) pushScroll(ev Event) {
	e.mouseCount++
	e.scrollCount++
}

func (e *Extractor) buildWindow(end time.Time) *FeatureVector {
	span := end.Sub(e.windowStart).Seconds()
	win := &FeatureVector{
		WindowID:       fmt.Sprintf("%s:%d", e.sessionID, e.seq),
		SessionID:      e.sessionID,
		UserID:         e.userID,
		Start:          e.windowStart,
		End:            end,
		KeystrokeCount: e.ksCount,
		MouseCount:     e.mouseCount,
		HasKeystroke:   e.ksCount >= 2,
		HasMouse:       e.mouseCount >= 2,
	}
	if win.HasKeystroke {
		win.Keystroke = KeystrokeFeatures{
			HoldMean:    e.hold.Mean,
			HoldStd:     e.hold.Std(),
			FlightMean:  e.flight.Mean,
			FlightStd:   e.flight.Std(),
			DigraphMean: e.digraph.Mean,
		}
		if span > 0 {
			win.Keystroke.CadenceHz = float64(e.ksCount) / span
		}
	}
	if win.HasMouse {
		win.Mouse = MouseFeatures{
			VelocityMean:      e.velocity.Mean,
			VelocityStd:       e.velocity.Std(),
			AccelMean:         e.accel.Mean,
			CurvatureMean:     e.curvature.Mean,
			ClickIntervalMean: e.clickInterval.Mean,
			PathLength:        e.pathLength,
		}
		if span > 0 {
			win.Mouse.ScrollRate = float64(e.scrollCount) / span
		}
	}
	return win
}

func (e *Extractor) resetWindow(at time.Time) {
	e.seq++
	e.windowStart = at
	e.ksCount = 0
	e.hold.Reset()
	e.flight.Reset()
	e.digraph.Reset()
	e.lastPress = time.Time{}
	e.lastRelease = time.Time{}
	e.mouseCount = 0
	e.velocity.Reset()
	e.accel.Reset()
	e.curvature.Reset()
	e.clickInterval.Reset()
	e.scrollCount = 0
	e.pathLength = 0
	e.haveMove = false
	e.haveVelocity = false
	e.haveHeading = false
	e.lastClickAt = time.Time{}
}

// angleDiff returns the signed smallest difference between two angles.
func angleDiff(a, b float64) float64 {
	d := a - b
	for d > math.Pi {
		d -= 2 * math.Pi
	}
	for d < -math.Pi {
		d += 2 * math.Pi
	}
	return d
}
