package server

import (
	"context"
	"crypto/x509"
	"errors"
	"log/slog"

	"github.com/EternisAI/silo-gate/internal/mtls"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// The TLS handshake already verified the chain, so the gate starts at the
// registry lookup.
func authorize(ctx context.Context, gate *mtls.Gate, method string) error {
	clientCert, err := peerCertificate(ctx)
	if err != nil {
		return status.Error(codes.Unauthenticated, err.Error())
	}

	if _, err := gate.CheckCertificate(ctx, clientCert, method); err != nil {
		if mtls.IsRejection(err) {
			return status.Error(codes.Unauthenticated, err.Error())
		}
		slog.Error("gRPC gate failed", "error", err, "method", method)
		return status.Error(codes.Internal, "internal error")
	}
	return nil
}

func peerCertificate(ctx context.Context) (*x509.Certificate, error) {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return nil, mtls.ErrVerificationRequired
	}
	info, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok {
		return nil, mtls.ErrVerificationRequired
	}
	if len(info.State.VerifiedChains) == 0 || len(info.State.VerifiedChains[0]) == 0 {
		return nil, errors.Join(mtls.ErrVerificationRequired, errors.New("no verified client certificate"))
	}
	return info.State.VerifiedChains[0][0], nil
}

func UnaryGateInterceptor(gate *mtls.Gate) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := authorize(ctx, gate, info.FullMethod); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func StreamGateInterceptor(gate *mtls.Gate) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := authorize(ss.Context(), gate, info.FullMethod); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}
