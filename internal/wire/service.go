package wire

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully-qualified gRPC service name for the replication
// transport (spec §6).
const ServiceName = "repliq.Replication"

// ReplicationServer is the producer-side implementation of the replication
// transport: one bidirectional stream method plus the two auxiliary unary
// RPCs spec §4.2 describes.
type ReplicationServer interface {
	ReplicateEvents(ReplicationServer_ReplicateEventsServer) error
	EventTimestamp(context.Context, *EventTimestampRequest) (*EventTimestampResponse, error)
	LoadEvent(context.Context, *LoadEventRequest) (*LoadEventResponse, error)
}

// ReplicationServer_ReplicateEventsServer is the server-side view of one
// replication stream.
type ReplicationServer_ReplicateEventsServer interface {
	Send(*StreamOut) error
	Recv() (*StreamIn, error)
	grpc.ServerStream
}

type replicationServerStream struct {
	grpc.ServerStream
}

func (x *replicationServerStream) Send(m *StreamOut) error {
	return x.ServerStream.SendMsg(m)
}

func (x *replicationServerStream) Recv() (*StreamIn, error) {
	m := new(StreamIn)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func replicateEventsHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(ReplicationServer).ReplicateEvents(&replicationServerStream{stream})
}

func eventTimestampHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(EventTimestampRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicationServer).EventTimestamp(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/EventTimestamp"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ReplicationServer).EventTimestamp(ctx, req.(*EventTimestampRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func loadEventHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(LoadEventRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicationServer).LoadEvent(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/LoadEvent"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ReplicationServer).LoadEvent(ctx, req.(*LoadEventRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc is the hand-rolled stand-in for what protoc-gen-go-grpc would
// otherwise generate from a .proto file; see DESIGN.md for why this
// environment substitutes a gob codec for protobuf codegen.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ReplicationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "EventTimestamp", Handler: eventTimestampHandler},
		{MethodName: "LoadEvent", Handler: loadEventHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "ReplicateEvents",
			Handler:       replicateEventsHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "repliq/replication.wire",
}

// RegisterReplicationServer registers srv with s.
func RegisterReplicationServer(s grpc.ServiceRegistrar, srv ReplicationServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ReplicationClient is the consumer-side client for the replication
// transport.
type ReplicationClient interface {
	ReplicateEvents(ctx context.Context, opts ...grpc.CallOption) (ReplicationClient_ReplicateEventsClient, error)
	EventTimestamp(ctx context.Context, in *EventTimestampRequest, opts ...grpc.CallOption) (*EventTimestampResponse, error)
	LoadEvent(ctx context.Context, in *LoadEventRequest, opts ...grpc.CallOption) (*LoadEventResponse, error)
}

type replicationClient struct {
	cc grpc.ClientConnInterface
}

// NewReplicationClient wraps an already-dialed connection.
func NewReplicationClient(cc grpc.ClientConnInterface) ReplicationClient {
	return &replicationClient{cc: cc}
}

func (c *replicationClient) EventTimestamp(ctx context.Context, in *EventTimestampRequest, opts ...grpc.CallOption) (*EventTimestampResponse, error) {
	out := new(EventTimestampResponse)
	opts = append(opts, grpc.CallContentSubtype(CodecName))
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/EventTimestamp", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *replicationClient) LoadEvent(ctx context.Context, in *LoadEventRequest, opts ...grpc.CallOption) (*LoadEventResponse, error) {
	out := new(LoadEventResponse)
	opts = append(opts, grpc.CallContentSubtype(CodecName))
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/LoadEvent", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *replicationClient) ReplicateEvents(ctx context.Context, opts ...grpc.CallOption) (ReplicationClient_ReplicateEventsClient, error) {
	opts = append(opts, grpc.CallContentSubtype(CodecName))
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/ReplicateEvents", opts...)
	if err != nil {
		return nil, err
	}
	return &replicationClientStream{stream}, nil
}

// ReplicationClient_ReplicateEventsClient is the client-side view of one
// replication stream.
type ReplicationClient_ReplicateEventsClient interface {
	Send(*StreamIn) error
	Recv() (*StreamOut, error)
	grpc.ClientStream
}

type replicationClientStream struct {
	grpc.ClientStream
}

func (x *replicationClientStream) Send(m *StreamIn) error {
	return x.ClientStream.SendMsg(m)
}

func (x *replicationClientStream) Recv() (*StreamOut, error) {
	m := new(StreamOut)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
