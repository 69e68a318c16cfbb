package deploywatcher

import (
	"encoding/json"
	"fmt"

	"github.com/Sh00ty/site-dispatcher/internal/models"
)

type deploymentRequestDto struct {
	RequestID     string `json:"request_id"`
	ServiceID     string `json:"service_id"`
	TargetSiteID  string `json:"target_site_id"`
	InstanceCount int    `json:"instance_count"`
}

// Value is a change data capture envelope of a deployment_requests row.
type Value[T any] struct {
	Before *T     `json:"before"`
	After  *T     `json:"after"`
	Op     string `json:"op"`
	TsMs   int64  `json:"ts_ms"`
}

// decodeRequest accepts either a bare deployment request or a cdc envelope.
// Envelopes other than inserts and snapshot reads carry no new request and
// decode to ok=false.
func decodeRequest(data []byte) (models.DeploymentRequest, bool, error) {
	envelope := Value[deploymentRequestDto]{}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return models.DeploymentRequest{}, false, fmt.Errorf("failed to decode message from json: %w", err)
	}
	dto := deploymentRequestDto{}
	switch {
	case envelope.Op == "":
		if err := json.Unmarshal(data, &dto); err != nil {
			return models.DeploymentRequest{}, false, fmt.Errorf("failed to decode deployment request: %w", err)
		}
	case envelope.Op == "c" || envelope.Op == "r":
		if envelope.After == nil {
			return models.DeploymentRequest{}, false, fmt.Errorf("cdc event %q without row", envelope.Op)
		}
		dto = *envelope.After
	default:
		return models.DeploymentRequest{}, false, nil
	}
	return models.DeploymentRequest{
		RequestID:     dto.RequestID,
		ServiceID:     dto.ServiceID,
		TargetSiteID:  models.SiteID(dto.TargetSiteID),
		InstanceCount: dto.InstanceCount,
	}, true, nil
}
