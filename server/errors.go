package server

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/frobware/go-ufp"
)

var kindCodes = []struct {
	kind ufp.Kind
	code codes.Code
}{
	{ufp.KindInvalidArg, codes.InvalidArgument},
	{ufp.KindUnsupportedPattern, codes.Unimplemented},
	{ufp.KindResourceExhausted, codes.ResourceExhausted},
	{ufp.KindConflict, codes.AlreadyExists},
	{ufp.KindTimeout, codes.DeadlineExceeded},
	{ufp.KindBusy, codes.FailedPrecondition},
	{ufp.KindNotFound, codes.NotFound},
	{ufp.KindInternal, codes.Internal},
}

// ToStatus converts err to a gRPC status carrying the code of its kind.
// Status errors and context errors pass through.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	kind := ufp.KindOf(err)
	for _, kc := range kindCodes {
		if kc.kind == kind {
			return status.Error(kc.code, err.Error())
		}
	}
	return status.Error(codes.Internal, err.Error())
}

// FromStatus converts a status produced by ToStatus back to an error of
// the same kind. Codes with no kind are returned unchanged.
func FromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok || st.Code() == codes.OK {
		return err
	}
	for _, kc := range kindCodes {
		if kc.code != st.Code() {
			continue
		}
		msg := strings.TrimSuffix(st.Message(), ": "+kc.kind.Sentinel().Error())
		return ufp.Errorf(kc.kind, "%s", msg)
	}
	return err
}
