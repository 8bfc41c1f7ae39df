package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/bookcal/bookcal/internal/availability"
)

// RulesFile is the on-disk form of a provider's booking constraints, used by
// the CLI. Appointments are optional committed bookings to check against.
type RulesFile struct {
	Rules        availability.Rules         `yaml:"rules"`
	Appointments []availability.Appointment `yaml:"appointments,omitempty"`
}

// LoadRulesFile reads and validates a YAML rules file.
func LoadRulesFile(path string) (*RulesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes a YAML rules document.
func ParseRules(data []byte) (*RulesFile, error) {
	var f RulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}
	if err := f.Rules.Validate(); err != nil {
		return nil, err
	}
	if err := availability.ValidateAppointments(f.Appointments); err != nil {
		return nil, err
	}
	return &f, nil
}
