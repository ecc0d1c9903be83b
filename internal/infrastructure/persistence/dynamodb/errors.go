package dynamodb

import (
	"errors"

	apperrors "brain2-uow/pkg/errors"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

// IsTransient reports DynamoDB throttling, capacity and service-side failures.
// Hard limits such as the item collection size limit are not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if apperrors.IsTransient(err) {
		return true
	}

	var (
		throughput    *types.ProvisionedThroughputExceededException
		requestLimit  *types.RequestLimitExceeded
		internal      *types.InternalServerError
		inProgress    *types.TransactionInProgressException
		limitExceeded *types.LimitExceededException
	)
	switch {
	case errors.As(err, &throughput),
		errors.As(err, &requestLimit),
		errors.As(err, &internal),
		errors.As(err, &inProgress),
		errors.As(err, &limitExceeded):
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ServiceUnavailable", "Throttling", "ThrottlingException", "RequestTimeout", "RequestLimitExceeded":
			return true
		}
	}
	return false
}
