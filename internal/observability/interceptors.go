package observability

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"clinical-scribe-service/internal/observability/metrics"
)

// organizationKey is the metadata form of the HTTP X-Organization-ID header.
const organizationKey = "x-organization-id"

// UnaryServerInterceptor records and logs unary calls at debug; health
// checks arrive constantly.
func UnaryServerInterceptor(m *metrics.Metrics) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		observe(ctx, m, info.FullMethod, err, time.Since(start), log.Debug()).
			Msg("gRPC unary call")
		return resp, err
	}
}

// StreamServerInterceptor records stream completion only; health Watch
// streams stay open for the life of the client.
func StreamServerInterceptor(m *metrics.Metrics) grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		start := time.Now()
		err := handler(srv, ss)
		observe(ss.Context(), m, info.FullMethod, err, time.Since(start), log.Info()).
			Bool("success", err == nil).
			Msg("gRPC stream completed")
		return err
	}
}

func observe(ctx context.Context, m *metrics.Metrics, method string, err error, d time.Duration, ev *zerolog.Event) *zerolog.Event {
	code := status.Code(err).String()
	m.RecordRPC(method, code, d.Seconds())

	ev = ev.Str("method", method).Str("code", code).Dur("duration", d)
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		ev = ev.Str("peer", p.Addr.String())
	}
	if org := organization(ctx); org != "" {
		ev = ev.Str("organizationId", org)
	}
	if err != nil {
		ev = ev.Err(err)
	}
	return ev
}

func organization(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(organizationKey); len(v) > 0 {
		return v[0]
	}
	return ""
}
