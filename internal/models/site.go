package models

import (
	"fmt"
	"net/url"
)

type SiteID string

func (s SiteID) String() string {
	return string(s)
}

// Site is a remote compute location running a site agent.
type Site struct {
	ID           SiteID  `json:"id" yaml:"id"`
	BaseURL      string  `json:"base_url" yaml:"base_url"`
	Location     string  `json:"location" yaml:"location"`
	CPUSpec      string  `json:"cpu_spec" yaml:"cpu_spec"`
	MemorySpec   string  `json:"memory_spec" yaml:"memory_spec"`
	PricePerUnit float64 `json:"price_per_unit" yaml:"price_per_unit"`
}

func (s Site) Validate() error {
	if s.ID == "" {
		return &ValidationError{Field: "id", Reason: "site id is required"}
	}
	u, err := url.Parse(s.BaseURL)
	if err != nil {
		return &ValidationError{Field: "base_url", Reason: fmt.Sprintf("invalid url %q: %v", s.BaseURL, err)}
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return &ValidationError{Field: "base_url", Reason: fmt.Sprintf("url %q must be absolute http(s)", s.BaseURL)}
	}
	return nil
}
