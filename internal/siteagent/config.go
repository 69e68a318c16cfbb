package siteagent

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type servicesFile struct {
	DefaultUnits int            `yaml:"default_units"`
	Services     map[string]int `yaml:"services"`
}

// LoadServiceUnits reads per-instance resource units from a yaml file and
// applies them to settings. Listed services override the built-in ones.
func LoadServiceUnits(path string, settings *Settings) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read services file %s: %w", path, err)
	}
	return applyServiceUnits(data, settings)
}

func applyServiceUnits(data []byte, settings *Settings) error {
	file := servicesFile{}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to decode services file: %w", err)
	}
	if file.DefaultUnits < 0 {
		return fmt.Errorf("default_units must not be negative, got %d", file.DefaultUnits)
	}
	if settings.ServiceUnits == nil {
		settings.ServiceUnits = DefaultServiceUnits()
	}
	for serviceID, units := range file.Services {
		if units <= 0 {
			return fmt.Errorf("units of service %s must be positive, got %d", serviceID, units)
		}
		settings.ServiceUnits[serviceID] = units
	}
	if file.DefaultUnits > 0 {
		settings.DefaultUnits = file.DefaultUnits
	}
	return nil
}
