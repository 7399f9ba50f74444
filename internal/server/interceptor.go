package server

import (
	"context"
	"path"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/entl/termcore/internal/logging"
	"github.com/entl/termcore/internal/metrics"
)

// UnaryInterceptor logs every call and records it on m.
func UnaryInterceptor(logger *zap.Logger, m *metrics.Metrics) grpc.UnaryServerInterceptor {
	logger = logging.OrNop(logger).Named("grpc")
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		observe(logger, m, info.FullMethod, start, err)
		return resp, err
	}
}

// StreamInterceptor is UnaryInterceptor for streams.
func StreamInterceptor(logger *zap.Logger, m *metrics.Metrics) grpc.StreamServerInterceptor {
	logger = logging.OrNop(logger).Named("grpc")
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		observe(logger, m, info.FullMethod, start, err)
		return err
	}
}

func observe(logger *zap.Logger, m *metrics.Metrics, fullMethod string, start time.Time, err error) {
	method := path.Base(fullMethod)
	code := status.Code(err)
	elapsed := time.Since(start)
	m.RecordGRPC(method, code.String(), elapsed)

	fields := []zap.Field{
		zap.String("method", method),
		zap.Stringer("code", code),
		zap.Duration("elapsed", elapsed),
	}
	if err != nil {
		logger.Debug("call failed", append(fields, zap.Error(err))...)
		return
	}
	logger.Debug("call", fields...)
}
