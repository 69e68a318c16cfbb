package siteclient

import "github.com/Sh00ty/site-dispatcher/internal/models"

type resourceStatusResponse struct {
	Success  bool             `json:"success"`
	SiteID   string           `json:"site_id"`
	Message  string           `json:"message"`
	Resource *resourcePayload `json:"resource"`

	// ResourcePerCost is the number of resource units billed as one cost unit.
	ResourcePerCost models.FlexFloat `json:"resource_per_cost"`
}

type resourcePayload struct {
	Total     models.FlexFloat `json:"total"`
	Used      models.FlexFloat `json:"used"`
	Remaining models.FlexFloat `json:"remaining"`
	UsageRate models.FlexFloat `json:"usage_rate"`
}

type metricsResponse struct {
	Success bool              `json:"success"`
	SiteID  string            `json:"site_id"`
	Message string            `json:"message"`
	Count   models.FlexFloat  `json:"count"`
	Metrics []instancePayload `json:"metrics"`
}

// instancePayload keys match case-insensitively, so both csci_id and CSCI_ID decode.
type instancePayload struct {
	ServiceID string           `json:"service_id"`
	Gas       models.FlexFloat `json:"gas"`
	Cost      models.FlexFloat `json:"cost"`
	CSCIID    string           `json:"csci_id"`
	Delay     models.FlexFloat `json:"delay"`
}

func (p instancePayload) toModel() models.InstanceMetric {
	return models.InstanceMetric{
		ServiceID: p.ServiceID,
		Gas:       int(p.Gas),
		Cost:      int(p.Cost),
		CSCIID:    p.CSCIID,
		Delay:     int(p.Delay),
	}
}

type deployRequest struct {
	ServiceID     string `json:"service_id"`
	Gas           int    `json:"gas"`
	InstanceCount int    `json:"instance_count"`
	RequestID     string `json:"request_id,omitempty"`
}

type deployResponse struct {
	Success bool             `json:"success"`
	Message string           `json:"message"`
	Info    *instancePayload `json:"info"`
}

type stopRequest struct {
	ServiceID string `json:"service_id"`
}

type stopResponse struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	AlreadyStopped bool   `json:"already_stopped"`
}
