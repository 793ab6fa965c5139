package framemux

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// DefaultGRPCAddr is the conventional listen address of the frame service.
const DefaultGRPCAddr = "localhost:50051"

const streamFramesMethod = "/rtwatch.FrameService/StreamFrames"

// FrameStreamer is the server side of the frame service. Each message sent
// on the stream is a wrapperspb.BytesValue holding one encoded frame.
type FrameStreamer interface {
	StreamFrames(*emptypb.Empty, grpc.ServerStream) error
}

// FrameServiceDesc describes the frame service using the well-known protobuf
// wrapper types, so no generated code is involved.
var FrameServiceDesc = grpc.ServiceDesc{
	ServiceName: "rtwatch.FrameService",
	HandlerType: (*FrameStreamer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "StreamFrames",
		Handler:       streamFramesHandler,
		ServerStreams: true,
	}},
	Metadata: "rtwatch/frames",
}

func streamFramesHandler(srv any, stream grpc.ServerStream) error {
	req := new(emptypb.Empty)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(FrameStreamer).StreamFrames(req, stream)
}

// GRPCServer streams frames of a mux to gRPC clients. It is another subscriber
// transport beside the SSE debug route.
type GRPCServer struct {
	mux *FrameMux
}

var _ FrameStreamer = (*GRPCServer)(nil)

// RegisterGRPC registers the frame service for m on s.
func RegisterGRPC(s grpc.ServiceRegistrar, m *FrameMux) *GRPCServer {
	srv := &GRPCServer{mux: m}
	s.RegisterService(&FrameServiceDesc, srv)
	return srv
}

// StreamFrames subscribes to the mux until the client goes away or the mux
// is closed.
func (g *GRPCServer) StreamFrames(_ *emptypb.Empty, stream grpc.ServerStream) error {
	ctx := stream.Context()
	id, ch := g.mux.Subscribe()
	defer g.mux.Unsubscribe(id)
	logf("gRPC client %s subscribed", id)

	for {
		select {
		case <-ctx.Done():
			logf("gRPC client %s gone: %v", id, ctx.Err())
			return ctx.Err()
		case b, ok := <-ch:
			if !ok {
				return status.Error(codes.Unavailable, "frame mux closed")
			}
			if err := stream.SendMsg(wrapperspb.Bytes(b)); err != nil {
				logf("gRPC send to %s: %v", id, err)
				return err
			}
		}
	}
}

// FrameStream is the client side of StreamFrames.
type FrameStream struct {
	stream grpc.ClientStream
}

// OpenFrameStream starts a frame stream on cc.
func OpenFrameStream(ctx context.Context, cc grpc.ClientConnInterface) (*FrameStream, error) {
	stream, err := cc.NewStream(ctx, &FrameServiceDesc.Streams[0], streamFramesMethod)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &FrameStream{stream: stream}, nil
}

// Recv returns the next encoded frame.
func (s *FrameStream) Recv() ([]byte, error) {
	msg := new(wrapperspb.BytesValue)
	if err := s.stream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg.GetValue(), nil
}
