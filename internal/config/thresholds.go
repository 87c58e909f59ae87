package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"gtfs-segmetrics/internal/aggregate"
)

// Thresholds are the matching radius and plausibility bounds. Every field
// defaults to the value the engine has always used.
type Thresholds struct {
	MatchRadiusM       float64 `yaml:"match_radius_m" validate:"gt=0,lte=500"`
	MaxDurationSec     float64 `yaml:"max_duration_sec" validate:"gt=0"`
	MinSegmentLengthM  float64 `yaml:"min_segment_length_m" validate:"gte=0"`
	MaxSpeedKmh        float64 `yaml:"max_speed_kmh" validate:"gt=0"`
	MaxHeadwaySec      float64 `yaml:"max_headway_sec" validate:"gt=0"`
	MaxAbsDelaySec     float64 `yaml:"max_abs_delay_sec" validate:"gt=0"`
	MinGroupCount      int     `yaml:"min_group_count" validate:"gte=1"`
	MinBunchingCount   int     `yaml:"min_bunching_count" validate:"gte=1"`
	BunchingHeadwaySec float64 `yaml:"bunching_headway_sec" validate:"gt=0,ltfield=MaxHeadwaySec"`
}

func DefaultThresholds() Thresholds {
	l := aggregate.DefaultLimits()
	return Thresholds{
		MatchRadiusM:       10,
		MaxDurationSec:     l.MaxDurationSec,
		MinSegmentLengthM:  l.MinSegmentLengthM,
		MaxSpeedKmh:        l.MaxSpeedKmh,
		MaxHeadwaySec:      l.MaxHeadwaySec,
		MaxAbsDelaySec:     l.MaxAbsDelaySec,
		MinGroupCount:      l.MinGroupCount,
		MinBunchingCount:   l.MinBunchingCount,
		BunchingHeadwaySec: l.BunchingHeadwaySec,
	}
}

// LoadThresholds reads a YAML file over the defaults, so a file only needs
// the keys it changes, and validates the result.
func LoadThresholds(path string) (Thresholds, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Thresholds{}, fmt.Errorf("read thresholds: %w", err)
	}
	th := DefaultThresholds()
	if err := yaml.Unmarshal(data, &th); err != nil {
		return Thresholds{}, fmt.Errorf("parse thresholds %s: %w", path, err)
	}
	if err := validator.New().Struct(th); err != nil {
		return Thresholds{}, fmt.Errorf("invalid thresholds %s: %w", path, err)
	}
	return th, nil
}

func (t Thresholds) Limits() aggregate.Limits {
	return aggregate.Limits{
		MaxDurationSec:     t.MaxDurationSec,
		MinSegmentLengthM:  t.MinSegmentLengthM,
		MaxSpeedKmh:        t.MaxSpeedKmh,
		MaxHeadwaySec:      t.MaxHeadwaySec,
		MaxAbsDelaySec:     t.MaxAbsDelaySec,
		MinGroupCount:      t.MinGroupCount,
		MinBunchingCount:   t.MinBunchingCount,
		BunchingHeadwaySec: t.BunchingHeadwaySec,
	}
}
