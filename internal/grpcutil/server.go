// Package grpcutil wires together the gRPC server and client plumbing shared
// by the producer and consumer binaries.
package grpcutil

import (
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
)

// NewServer returns a *grpc.Server pre-configured with Prometheus
// interceptors on both the unary and streaming paths.
func NewServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts,
		grpc.UnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
		grpc.StreamInterceptor(grpc_prometheus.StreamServerInterceptor),
	)
	server := grpc.NewServer(opts...)
	grpc_prometheus.Register(server)
	return server
}
