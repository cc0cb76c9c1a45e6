package aws

import (
	"github.com/aws/smithy-go"
	"github.com/pkg/errors"

	"fleet-orchestrator/core/backends"
	"fleet-orchestrator/core/models"
)

var noCapacityCodes = map[string]bool{
	"InsufficientInstanceCapacity":  true,
	"InstanceLimitExceeded":         true,
	"MaxSpotInstanceCountExceeded":  true,
	"SpotMaxPriceTooLow":            true,
	"InsufficientCapacityOnHost":    true,
	"Unsupported":                   true,
	"VcpuLimitExceeded":             true,
	"InsufficientReservedInstances": true,
}

var authCodes = map[string]bool{
	"UnauthorizedOperation": true,
	"AuthFailure":           true,
	"AccessDenied":          true,
	"AccessDeniedException": true,
}

var notFoundCodes = map[string]bool{
	"InvalidInstanceID.NotFound":    true,
	"InvalidPlacementGroup.Unknown": true,
}

// classify maps EC2 API errors to backend error types
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return &backends.BackendError{Backend: models.BackendAWS, Err: err}
	}
	code := apiErr.ErrorCode()
	switch {
	case noCapacityCodes[code]:
		return backends.NewNoCapacityError("%s: %s", code, apiErr.ErrorMessage())
	case authCodes[code]:
		return &backends.BackendAuthError{Backend: models.BackendAWS, Err: err}
	}
	return &backends.ComputeError{Msg: code, Err: err}
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && notFoundCodes[apiErr.ErrorCode()]
}
