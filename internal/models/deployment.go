package models

import (
	"fmt"
	"math"
	"time"
)

// MaxInstanceCount bounds instance_count so it fits the stored int4 column.
const MaxInstanceCount = math.MaxInt32

type DeploymentRequest struct {
	RequestID     string `json:"request_id,omitempty"`
	ServiceID     string `json:"service_id"`
	TargetSiteID  SiteID `json:"target_site_id"`
	InstanceCount int    `json:"instance_count"`
}

func (r DeploymentRequest) Validate() error {
	if r.ServiceID == "" {
		return &ValidationError{Field: "service_id", Reason: "service_id is required"}
	}
	if r.TargetSiteID == "" {
		return &ValidationError{Field: "target_site_id", Reason: "target_site_id is required"}
	}
	if r.InstanceCount < 1 {
		return &ValidationError{Field: "instance_count", Reason: "instance_count must be at least 1"}
	}
	if r.InstanceCount > MaxInstanceCount {
		return &ValidationError{Field: "instance_count", Reason: fmt.Sprintf("instance_count must be at most %d", MaxInstanceCount)}
	}
	return nil
}

type DeploymentResult struct {
	Request          DeploymentRequest `json:"request"`
	RequestID        string            `json:"request_id"`
	SiteID           SiteID            `json:"site_id"`
	Success          bool              `json:"success"`
	RemoteIdentifier string            `json:"remote_identifier,omitempty"`
	Cost             int               `json:"cost"`
	DelayMs          int               `json:"delay_ms"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	CompletedAt      time.Time         `json:"completed_at"`
}

type StopRequest struct {
	TargetSiteID SiteID `json:"target_site_id"`
	ServiceID    string `json:"service_id"`
}

func (r StopRequest) Validate() error {
	if r.ServiceID == "" {
		return &ValidationError{Field: "service_id", Reason: "service_id is required"}
	}
	if r.TargetSiteID == "" {
		return &ValidationError{Field: "target_site_id", Reason: "target_site_id is required"}
	}
	return nil
}

type StopResult struct {
	SiteID         SiteID `json:"site_id"`
	ServiceID      string `json:"service_id"`
	Success        bool   `json:"success"`
	AlreadyStopped bool   `json:"already_stopped,omitempty"`
	Message        string `json:"message,omitempty"`
}

// SelectRequest asks for the cheapest running instance of a service within
// the caller's cost and delay limits.
type SelectRequest struct {
	ServiceID      string `json:"service_id"`
	MaxAcceptCost  int    `json:"max_accept_cost"`
	MaxAcceptDelay int    `json:"max_accept_delay"`
}

func (r SelectRequest) Validate() error {
	if r.ServiceID == "" {
		return &ValidationError{Field: "service_id", Reason: "service_id is required"}
	}
	if r.MaxAcceptCost <= 0 {
		return &ValidationError{Field: "max_accept_cost", Reason: "max_accept_cost must be positive"}
	}
	if r.MaxAcceptDelay <= 0 {
		return &ValidationError{Field: "max_accept_delay", Reason: "max_accept_delay must be positive"}
	}
	return nil
}

type Selection struct {
	ServiceID    string    `json:"service_id"`
	SiteID       SiteID    `json:"site_id"`
	CSCIID       string    `json:"csci_id"`
	Cost         int       `json:"cost"`
	Delay        int       `json:"delay"`
	AvailableGas int       `json:"available_gas"`
	DecidedAt    time.Time `json:"decision_time"`
}
