package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every tunable the engine consumes. It is built once at
// startup and never mutated afterwards; the engine core reads it as a
// fixed object.
type Config struct {
	// Aggregation thresholds
	ConfidenceThreshold   float64 // aggregate >= this => genuine window
	AnomalyScoreThreshold float64 // inverted 0-1 anomaly scale; complement gates severe anomalies

	// Consecutive-window counters
	ConsecutiveAnomaliesLimit int // low-confidence windows before Trusted -> Suspicious
	SuspiciousRecoveryWindows int // confident windows before Suspicious -> Trusted
	SuspiciousHardCap         int // suspicious windows before Suspicious -> Locked
	UnscoredWindowLimit       int // unscorable windows a trusted session tolerates

	// Feature windowing
	WindowSize         time.Duration // sliding window span
	MinKeystrokeEvents int
	MinMouseEvents     int

	// Calibration
	MinCalibrationTime    time.Duration
	MinCalibrationWindows int

	// Drift detection
	DriftDetectionWindow   int     // rolling window count cap
	DriftAlertThreshold    float64 // sustained exceedance suggests recalibration
	DriftCriticalThreshold float64 // joint with low aggregate => intrusion-leaning
	DriftSustainedWindows  int

	// Profile locking
	ProfileLockTimeout time.Duration

	// Per-model ensemble weights keyed by model kind name. Empty => equal weights.
	ModelWeights map[string]float64
}

// Default returns the engine defaults. Tests build on this instead of
// reading the environment.
func Default() *Config {
	return &Config{
		ConfidenceThreshold:       0.7,
		AnomalyScoreThreshold:     0.8,
		ConsecutiveAnomaliesLimit: 3,
		SuspiciousRecoveryWindows: 3,
		SuspiciousHardCap:         5,
		UnscoredWindowLimit:       3,
		WindowSize:                30 * time.Second,
		MinKeystrokeEvents:        20,
		MinMouseEvents:            15,
		MinCalibrationTime:        300 * time.Second,
		MinCalibrationWindows:     8,
		DriftDetectionWindow:      100,
		DriftAlertThreshold:       1.5,
		DriftCriticalThreshold:    3.0,
		DriftSustainedWindows:     5,
		ProfileLockTimeout:        2 * time.Second,
	}
}

// FromEnv loads the configuration from environment variables, falling
// back to Default for anything unset.
func FromEnv() *Config {
	cfg := Default()
	cfg.ConfidenceThreshold = getEnvFloat("CONFIDENCE_THRESHOLD", cfg.ConfidenceThreshold)
	cfg.AnomalyScoreThreshold = getEnvFloat("ANOMALY_SCORE_THRESHOLD", cfg.AnomalyScoreThreshold)
	cfg.ConsecutiveAnomaliesLimit = getEnvInt("CONSECUTIVE_ANOMALIES_LIMIT", cfg.ConsecutiveAnomaliesLimit)
	cfg.SuspiciousRecoveryWindows = getEnvInt("SUSPICIOUS_RECOVERY_WINDOWS", cfg.SuspiciousRecoveryWindows)
	cfg.SuspiciousHardCap = getEnvInt("SUSPICIOUS_HARD_CAP", cfg.SuspiciousHardCap)
	cfg.UnscoredWindowLimit = getEnvInt("UNSCORED_WINDOW_LIMIT", cfg.UnscoredWindowLimit)
	cfg.WindowSize = getEnvDuration("WINDOW_SIZE", cfg.WindowSize)
	cfg.MinKeystrokeEvents = getEnvInt("MIN_KEYSTROKE_EVENTS", cfg.MinKeystrokeEvents)
	cfg.MinMouseEvents = getEnvInt("MIN_MOUSE_EVENTS", cfg.MinMouseEvents)
	cfg.MinCalibrationTime = getEnvDuration("MIN_CALIBRATION_TIME", cfg.MinCalibrationTime)
	cfg.MinCalibrationWindows = getEnvInt("MIN_CALIBRATION_WINDOWS", cfg.MinCalibrationWindows)
	cfg.DriftDetectionWindow = getEnvInt("DRIFT_DETECTION_WINDOW", cfg.DriftDetectionWindow)
	cfg.DriftAlertThreshold = getEnvFloat("DRIFT_ALERT_THRESHOLD", cfg.DriftAlertThreshold)
	cfg.DriftCriticalThreshold = getEnvFloat("DRIFT_CRITICAL_THRESHOLD", cfg.DriftCriticalThreshold)
	cfg.DriftSustainedWindows = getEnvInt("DRIFT_SUSTAINED_WINDOWS", cfg.DriftSustainedWindows)
	cfg.ProfileLockTimeout = getEnvDuration("PROFILE_LOCK_TIMEOUT", cfg.ProfileLockTimeout)
	return cfg
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// Bare numbers are treated as seconds (matches older deployments).
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}
