package framemux

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func dialFrameService(t *testing.T, m *FrameMux) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	RegisterGRPC(s, m)
	go s.Serve(lis)
	t.Cleanup(s.Stop)

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { cc.Close() })
	return cc
}

func TestGRPCStreamFrames(t *testing.T) {
	m := New(Options{Blocks: 8, SlotSize: 64, SubscriberBuffer: 4})
	startMonitor(t, m)
	cc := dialFrameService(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := OpenFrameStream(ctx, cc)
	require.NoError(t, err)

	require.Eventually(t, m.HasSubscribers, 2*time.Second, 5*time.Millisecond)
	require.True(t, m.Publish([]byte("frame-1")))
	require.True(t, m.Publish([]byte("frame-2")))

	got, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "frame-1", string(got))
	got, err = stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "frame-2", string(got))
	assert.Equal(t, uint64(2), m.Stats().Delivered)
}

func TestGRPCStreamEndsWhenMuxCloses(t *testing.T) {
	m := New(Options{Blocks: 8, SlotSize: 64, SubscriberBuffer: 4})
	cc := dialFrameService(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := OpenFrameStream(ctx, cc)
	require.NoError(t, err)
	require.Eventually(t, m.HasSubscribers, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, m.Close())
	_, err = stream.Recv()
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestGRPCClientCancelUnsubscribes(t *testing.T) {
	m := New(Options{Blocks: 8, SlotSize: 64, SubscriberBuffer: 4})
	cc := dialFrameService(t, m)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := OpenFrameStream(ctx, cc)
	require.NoError(t, err)
	require.Eventually(t, m.HasSubscribers, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return !m.HasSubscribers() }, 2*time.Second, 5*time.Millisecond)
}
