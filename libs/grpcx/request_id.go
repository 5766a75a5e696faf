package grpcx

import (
	"context"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/bookingsync/libs/httpx"
)

// RequestIDMetadataKey is the key used for request id propagation over gRPC metadata.
const RequestIDMetadataKey = "x-request-id"

// The id is stored under the httpx key so log lines look the same on both transports.
func RequestIDFromContext(ctx context.Context) string {
	return httpx.RequestIDFromContext(ctx)
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return httpx.ContextWithRequestID(ctx, id)
}

func NewRequestID() string {
	return uuid.NewString()
}
