package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Thresholds drive alerting and health scoring in the analytics pipeline.
// All rates are fractions in [0,1]; durations are in milliseconds so the
// JSON file stays unit-free.
type Thresholds struct {
	ErrorRateWarn      float64 `json:"errorRateWarn"`      // health -15
	ErrorRateCritical  float64 `json:"errorRateCritical"`  // health -30, alert
	ResponseTimeWarnMs float64 `json:"responseTimeWarnMs"` // health -10
	ResponseTimeCritMs float64 `json:"responseTimeCritMs"` // health -25, alert
	CacheHitRateWarn   float64 `json:"cacheHitRateWarn"`   // health -10
	CacheHitRateLow    float64 `json:"cacheHitRateLow"`    // health -20
	FallbackRateHigh   float64 `json:"fallbackRateHigh"`   // health -15
	MemoryUsageAlert   float64 `json:"memoryUsageAlert"`   // alert
	CPUUsageAlert      float64 `json:"cpuUsageAlert"`      // alert
	StorageBacklogMax  int     `json:"storageBacklogMax"`  // alert
}

// DefaultThresholds returns the stock thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ErrorRateWarn:      0.05,
		ErrorRateCritical:  0.10,
		ResponseTimeWarnMs: 1000,
		ResponseTimeCritMs: 2000,
		CacheHitRateWarn:   0.50,
		CacheHitRateLow:    0.30,
		FallbackRateHigh:   0.50,
		MemoryUsageAlert:   0.85,
		CPUUsageAlert:      0.90,
		StorageBacklogMax:  500,
	}
}

// LoadThresholds reads threshold overrides from a JSON file. Fields left at
// zero keep their defaults so partial override files are valid.
func LoadThresholds(path string) (Thresholds, error) {
	th := DefaultThresholds()
	if path == "" {
		return th, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return th, fmt.Errorf("read thresholds file: %w", err)
	}

	var overrides Thresholds
	if err := json.Unmarshal(data, &overrides); err != nil {
		return th, fmt.Errorf("parse thresholds file: %w", err)
	}

	merge := func(dst *float64, src float64) {
		if src > 0 {
			*dst = src
		}
	}
	merge(&th.ErrorRateWarn, overrides.ErrorRateWarn)
	merge(&th.ErrorRateCritical, overrides.ErrorRateCritical)
	merge(&th.ResponseTimeWarnMs, overrides.ResponseTimeWarnMs)
	merge(&th.ResponseTimeCritMs, overrides.ResponseTimeCritMs)
	merge(&th.CacheHitRateWarn, overrides.CacheHitRateWarn)
	merge(&th.CacheHitRateLow, overrides.CacheHitRateLow)
	merge(&th.FallbackRateHigh, overrides.FallbackRateHigh)
	merge(&th.MemoryUsageAlert, overrides.MemoryUsageAlert)
	merge(&th.CPUUsageAlert, overrides.CPUUsageAlert)
	if overrides.StorageBacklogMax > 0 {
		th.StorageBacklogMax = overrides.StorageBacklogMax
	}
	return th, nil
}

// ResponseTimeWarn returns the warn threshold as a duration.
func (t Thresholds) ResponseTimeWarn() time.Duration {
	return time.Duration(t.ResponseTimeWarnMs) * time.Millisecond
}

// ResponseTimeCritical returns the critical threshold as a duration.
func (t Thresholds) ResponseTimeCritical() time.Duration {
	return time.Duration(t.ResponseTimeCritMs) * time.Millisecond
}
