package services

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/utils"
)

// toStatus maps domain errors onto gRPC codes. Unknown errors surface as
// Internal carrying at most the failing operation name.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, models.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrEscalationClosed):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, models.ErrInvalidResolution):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, models.ErrResourceSaturation):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	if op := utils.OpOf(err); op != "" {
		return status.Error(codes.Internal, "internal error in "+op)
	}
	return status.Error(codes.Internal, "internal error")
}
