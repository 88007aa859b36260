package grpcx

import (
	"context"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/akii1234/yogya-sub001/internal/domain"
	"github.com/akii1234/yogya-sub001/pkg/logger"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	mdAuthorization = "authorization"
	defaultDeadline = 10 * time.Second
)

type Verifier interface {
	Verify(raw string) (domain.Identity, error)
}

type ctxKey struct{}

// Unary logging + recovery + timeout guard (если у вызова нет deadline)
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp any, err error) {
		start := time.Now()
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, defaultDeadline)
			defer cancel()
		}

		defer func() {
			if r := recover(); r != nil {
				logger.From(ctx).Error("grpc unary panic",
					"method", info.FullMethod,
					"panic", r,
					"stack", string(debug.Stack()))
				err = status.Error(codes.Internal, "internal server error")
			}
			logger.From(ctx).Debug("grpc unary",
				"method", info.FullMethod,
				"dur_ms", time.Since(start).Milliseconds(),
				"code", status.Code(err).String())
		}()

		return handler(ctx, req)
	}
}

func StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) (err error) {
		start := time.Now()

		defer func() {
			if r := recover(); r != nil {
				slog.Error("grpc stream panic",
					"method", info.FullMethod,
					"panic", r,
					"stack", string(debug.Stack()))
				err = status.Error(codes.Internal, "internal server error")
			}
			slog.Debug("grpc stream",
				"method", info.FullMethod,
				"dur_ms", time.Since(start).Milliseconds(),
				"code", status.Code(err).String())
		}()

		return handler(srv, ss)
	}
}

// UnaryAuthInterceptor требует Bearer в metadata для всех методов, кроме health.
func UnaryAuthInterceptor(v Verifier) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, "/"+grpc_health_v1.Health_ServiceDesc.ServiceName+"/") {
			return handler(ctx, req)
		}
		ident, err := identityFromMD(ctx, v)
		if err != nil {
			return nil, mapErr(err)
		}
		return handler(context.WithValue(ctx, ctxKey{}, ident), req)
	}
}

func IdentityFromCtx(ctx context.Context) domain.Identity {
	if id, ok := ctx.Value(ctxKey{}).(domain.Identity); ok {
		return id
	}
	return domain.Anonymous
}

func identityFromMD(ctx context.Context, v Verifier) (domain.Identity, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return domain.Anonymous, domain.ErrUnauthenticated
	}
	auth := ""
	if vals := md.Get(mdAuthorization); len(vals) > 0 {
		auth = strings.TrimSpace(vals[0])
	}
	if len(auth) <= 7 || !strings.EqualFold(auth[:7], "bearer ") {
		return domain.Anonymous, domain.ErrUnauthenticated
	}
	ident, err := v.Verify(auth[7:])
	if err != nil {
		return domain.Anonymous, err
	}
	if ident.IsAnonymous() {
		return domain.Anonymous, domain.ErrUnauthenticated
	}
	return ident, nil
}
