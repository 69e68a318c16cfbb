package models

import "fmt"

// ValidationError means the request itself is malformed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

type UnknownSiteError struct {
	SiteID SiteID
}

func (e *UnknownSiteError) Error() string {
	return fmt.Sprintf("unknown site %q", e.SiteID)
}

type DuplicateSiteError struct {
	SiteID SiteID
}

func (e *DuplicateSiteError) Error() string {
	return fmt.Sprintf("site %q already registered", e.SiteID)
}

// TransportError wraps a failure to reach a site agent. It never leaves the site client.
type TransportError struct {
	Op     string
	SiteID SiteID
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s %s: %v", e.Op, e.SiteID, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RemoteBusinessError is a site agent answer that reported failure.
type RemoteBusinessError struct {
	SiteID     SiteID
	StatusCode int
	Message    string
}

func (e *RemoteBusinessError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("site %s reported failure (status %d)", e.SiteID, e.StatusCode)
	}
	return e.Message
}

// NoQualifyingInstanceError means no running instance fits the selection limits.
type NoQualifyingInstanceError struct {
	ServiceID string
	Running   int
}

func (e *NoQualifyingInstanceError) Error() string {
	if e.Running == 0 {
		return fmt.Sprintf("no running instance of %s", e.ServiceID)
	}
	return fmt.Sprintf("no instance of %s within cost and delay limits, %d running", e.ServiceID, e.Running)
}
