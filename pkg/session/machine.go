// Package session holds the per-session trust state machine. States
// only move forward through suspicion: Calibrating to Trusted once a
// profile exists, Trusted to Suspicious on sustained or severe
// anomalies, Suspicious back to Trusted on recovered confidence, and
// Suspicious to Locked as the only terminal state.
package session

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"trustd/pkg/models"
)

// State is the trust state of one session.
type State string

const (
	StateCalibrating State = "calibrating"
	StateTrusted     State = "trusted"
	StateSuspicious  State = "suspicious"
	StateLocked      State = "locked"
)

// ReasonCode explains a decision event.
type ReasonCode string

const (
	ReasonScoreUpdate              ReasonCode = "score-update"
	ReasonCalibrationComplete      ReasonCode = "calibration-complete"
	ReasonConsecutiveLowConfidence ReasonCode = "consecutive-low-confidence"
	ReasonSevereAnomaly            ReasonCode = "severe-anomaly"
	ReasonRecoveredConfidence      ReasonCode = "recovered-confidence"
	ReasonSuspiciousWindowCap      ReasonCode = "suspicious-window-cap"
	ReasonUnscorableWindows        ReasonCode = "unscorable-windows"
	ReasonProfileLoadFailure       ReasonCode = "profile-load-failure"
)

// DecisionEvent is emitted for every completed window and every state
// transition. It is the engine's authoritative output record.
type DecisionEvent struct {
	ID         string                  `json:"id"`
	SessionID  string                  `json:"session_id"`
	UserID     string                  `json:"user_id"`
	Timestamp  time.Time               `json:"timestamp"`
	State      State                   `json:"state"`
	PrevState  State                   `json:"prev_state"`
	Aggregate  float64                 `json:"aggregate"`
	PerModel   map[models.Kind]float64 `json:"per_model,omitempty"`
	DriftScore float64                 `json:"drift_score"`
	Reason     ReasonCode              `json:"reason"`
}

// Input is one scored window as the machine sees it. Unscored marks a
// window no model could judge (a modality gap against the trained
// profile); its Aggregate is carried from the last scored window and
// its flags are not trusted.
type Input struct {
	WindowID      string
	Timestamp     time.Time
	Aggregate     float64
	PerModel      map[models.Kind]float64
	Unscored      bool
	Low           bool
	LowStreak     int
	Severe        bool
	DriftScore    float64
	DriftAlert    bool
	DriftCritical bool
}

// Config bounds the machine's transitions.
type Config struct {
	ConsecutiveAnomaliesLimit int
	RecoveryWindows           int
	SuspiciousHardCap         int
	UnscoredWindowLimit       int
}

// Machine is the state machine for one session. Not safe for
// concurrent use; each session worker owns one.
type Machine struct {
	cfg       Config
	sessionID string
	userID    string
	state     State

	suspiciousWindows int
	recoveryStreak    int
	unscoredStreak    int

	logger zerolog.Logger
}

// NewMachine starts a session in Calibrating.
func NewMachine(sessionID, userID string, cfg Config, logger zerolog.Logger) *Machine {
	if cfg.ConsecutiveAnomaliesLimit <= 0 {
		cfg.ConsecutiveAnomaliesLimit = 3
	}
	if cfg.RecoveryWindows <= 0 {
		cfg.RecoveryWindows = 3
	}
	if cfg.SuspiciousHardCap <= 0 {
		cfg.SuspiciousHardCap = 5
	}
	if cfg.UnscoredWindowLimit <= 0 {
		cfg.UnscoredWindowLimit = 3
	}
	return &Machine{
		cfg:       cfg,
		sessionID: sessionID,
		userID:    userID,
		state:     StateCalibrating,
		logger: logger.With().
			Str("component", "session").
			Str("session_id", sessionID).
			Str("user_id", userID).
			Logger(),
	}
}

// State returns the current trust state.
func (m *Machine) State() State { return m.state }

// OnCalibrationComplete moves a calibrating session to Trusted. It is
// a no-op in any other state.
func (m *Machine) OnCalibrationComplete(at time.Time) *DecisionEvent {
	if m.state != StateCalibrating {
		return nil
	}
	return m.transition(StateTrusted, ReasonCalibrationComplete, at, nil)
}

// OnProfileLoadFailure drops the session back to Calibrating: a
// missing or corrupt profile never yields silent trust. Locked stays
// locked.
func (m *Machine) OnProfileLoadFailure(at time.Time) *DecisionEvent {
	if m.state == StateLocked || m.state == StateCalibrating {
		return nil
	}
	m.suspiciousWindows = 0
	m.recoveryStreak = 0
	m.unscoredStreak = 0
	return m.transition(StateCalibrating, ReasonProfileLoadFailure, at, nil)
}

// OnWindow evaluates one scored window and returns the decision event
// for it. Locked is terminal: windows still produce events but never
// change state.
func (m *Machine) OnWindow(in Input) *DecisionEvent {
	if in.Unscored {
		m.unscoredStreak++
	} else {
		m.unscoredStreak = 0
	}
	severe := !in.Unscored && (in.Severe || (in.DriftCritical && in.Low))

	switch m.state {
	case StateCalibrating, StateLocked:
		// Calibrating sessions have no profile to judge against;
		// locked sessions are done. Record the score either way.

	case StateTrusted:
		if severe {
			return m.transitionWindow(StateSuspicious, ReasonSevereAnomaly, in)
		}
		if !in.Unscored && in.LowStreak >= m.cfg.ConsecutiveAnomaliesLimit {
			return m.transitionWindow(StateSuspicious, ReasonConsecutiveLowConfidence, in)
		}
		// A run of windows no model could judge is itself suspect:
		// carrying trust indefinitely on unverified input would let an
		// operator dodge the trained modality.
		if m.unscoredStreak >= m.cfg.UnscoredWindowLimit {
			return m.transitionWindow(StateSuspicious, ReasonUnscorableWindows, in)
		}

	case StateSuspicious:
		m.suspiciousWindows++
		if severe {
			return m.transitionWindow(StateLocked, ReasonSevereAnomaly, in)
		}
		// Recovery counts only windows that were actually scored,
		// confident and drift-quiet; neither elevated drift nor
		// unscorable input may launder an anomaly back to trusted.
		if in.Unscored || in.Low || in.DriftAlert {
			m.recoveryStreak = 0
		} else {
			m.recoveryStreak++
			if m.recoveryStreak >= m.cfg.RecoveryWindows {
				m.suspiciousWindows = 0
				m.recoveryStreak = 0
				return m.transitionWindow(StateTrusted, ReasonRecoveredConfidence, in)
			}
		}
		if m.suspiciousWindows >= m.cfg.SuspiciousHardCap {
			return m.transitionWindow(StateLocked, ReasonSuspiciousWindowCap, in)
		}
	}

	return m.event(ReasonScoreUpdate, m.state, in)
}

func (m *Machine) transitionWindow(next State, reason ReasonCode, in Input) *DecisionEvent {
	prev := m.state
	m.state = next
	if next == StateSuspicious {
		m.suspiciousWindows = 0
		m.recoveryStreak = 0
		m.unscoredStreak = 0
	}
	m.logger.Info().
		Str("from", string(prev)).
		Str("to", string(next)).
		Str("reason", string(reason)).
		Float64("aggregate", in.Aggregate).
		Msg("session state transition")
	ev := m.event(reason, prev, in)
	return ev
}

func (m *Machine) transition(next State, reason ReasonCode, at time.Time, per map[models.Kind]float64) *DecisionEvent {
	prev := m.state
	m.state = next
	m.logger.Info().
		Str("from", string(prev)).
		Str("to", string(next)).
		Str("reason", string(reason)).
		Msg("session state transition")
	return &DecisionEvent{
		ID:        uuid.NewString(),
		SessionID: m.sessionID,
		UserID:    m.userID,
		Timestamp: at,
		State:     m.state,
		PrevState: prev,
		PerModel:  per,
		Reason:    reason,
	}
}

func (m *Machine) event(reason ReasonCode, prev State, in Input) *DecisionEvent {
	return &DecisionEvent{
		ID:         uuid.NewString(),
		SessionID:  m.sessionID,
		UserID:     m.userID,
		Timestamp:  in.Timestamp,
		State:      m.state,
		PrevState:  prev,
		Aggregate:  in.Aggregate,
		PerModel:   in.PerModel,
		DriftScore: in.DriftScore,
		Reason:     reason,
	}
}
