package grpcserver

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/and161185/ogx-gateway/internal/errs"
	"github.com/and161185/ogx-gateway/internal/ogx"
)

// toStatus maps domain errors onto gRPC status codes. Validation details
// are passed to the caller; anything unexpected is reported as internal.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return status.Error(codes.NotFound, "not found")
	case errors.Is(err, ogx.ErrValidation), errors.Is(err, ogx.ErrEncoding):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ogx.ErrRateLimit), errors.Is(err, errs.ErrRateLimited):
		return status.Error(codes.ResourceExhausted, "rate limited")
	case errors.Is(err, errs.ErrUnknownClient):
		return status.Error(codes.PermissionDenied, "unknown client")
	case errors.Is(err, ogx.ErrAuthentication), errors.Is(err, errs.ErrUnauthorized):
		return status.Error(codes.Unavailable, "gateway credentials rejected")
	case errors.Is(err, errs.ErrAlreadyExists):
		return status.Error(codes.AlreadyExists, "already exists")
	case errors.Is(err, errs.ErrVersionConflict), errors.Is(err, errs.ErrInvalidTransition):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, errs.ErrUpstreamUnavailable):
		return status.Error(codes.Unavailable, "upstream unavailable")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "canceled")
	}
	return status.Error(codes.Internal, "internal")
}
