package relay

import (
	"context"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/go-zeromq/zmq4"
	"github.com/pkg/errors"
	"github.com/scusemua/notebook-relay/common/jupyter/bus"
	"github.com/scusemua/notebook-relay/common/jupyter/messaging"
	"github.com/scusemua/notebook-relay/common/metrics"
)

const (
	DefaultMaxMessageSize = 10 * 1024 * 1024
)

// ShellRelay forwards requests from the client to the kernel's shell channel and every shell reply back.
type ShellRelay struct {
	kernelID       string
	connector      bus.Connector
	maxMessageSize int
	metrics        *metrics.RelayMetrics

	mu     sync.Mutex
	stream bus.Stream
	codec  *messaging.Codec
	closed bool

	log logger.Logger
}

// NewShellRelay creates the ChannelHandler of a shell session. Requests of maxMessageSize bytes or more are dropped.
func NewShellRelay(kernelID string, connector bus.Connector, maxMessageSize int, relayMetrics *metrics.RelayMetrics) *ShellRelay {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}

	r := &ShellRelay{
		kernelID:       kernelID,
		connector:      connector,
		maxMessageSize: maxMessageSize,
		metrics:        relayMetrics,
	}
	config.InitLogger(&r.log, r)
	return r
}

func (r *ShellRelay) OnAuthenticated(ctx context.Context, s *ChannelSession) error {
	codec, err := r.connector.NewCodec(ctx, r.kernelID)
	if err != nil {
		return err
	}

	stream, err := r.connector.CreateShellStream(s.Context(), r.kernelID)
	if err != nil {
		return errors.Wrapf(err, "failed to open shell channel of kernel %s", r.kernelID)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = stream.Close()
		return ErrSessionClosed
	}
	r.stream = stream
	r.codec = codec
	r.mu.Unlock()

	stream.OnRecv(func(msg zmq4.Msg) {
		r.forward(s, codec, msg)
	})
	r.metrics.SessionOpened(bus.ShellMessage.String())
	return nil
}

// OnMessage encodes a client request and sends it on the shell channel.
func (r *ShellRelay) OnMessage(_ context.Context, _ *ChannelSession, data []byte) {
	if len(data) >= r.maxMessageSize {
		r.log.Debug("Dropping %d-byte request for kernel %s. Maximum size is %d bytes.", len(data), r.kernelID, r.maxMessageSize)
		r.metrics.OversizedMessageDropped()
		return
	}

	r.mu.Lock()
	stream, codec := r.stream, r.codec
	r.mu.Unlock()
	if stream == nil {
		return
	}

	msg, frames, err := codec.EncodeTransportRequest(data)
	if err != nil {
		r.log.Error("Malformed message from client: %v", err)
		r.metrics.MessageMalformed(bus.ShellMessage.String())
		return
	}

	if err := stream.Send(zmq4.NewMsgFrom(frames...)); err != nil {
		r.log.Error("Failed to send %s request %s to kernel %s: %v", msg.Type(), msg.Header.MsgID, r.kernelID, err)
		return
	}
	r.metrics.MessageForwarded(bus.ShellMessage.String(), metrics.DirectionToKernel)
}

// OnOversizedMessage counts a request that the transport discarded before it could be buffered.
func (r *ShellRelay) OnOversizedMessage(_ context.Context, _ *ChannelSession, size int64) {
	r.log.Debug("Dropped %d-byte request for kernel %s. Maximum size is %d bytes.", size, r.kernelID, r.maxMessageSize)
	r.metrics.OversizedMessageDropped()
}

func (r *ShellRelay) forward(s *ChannelSession, codec *messaging.Codec, msg zmq4.Msg) {
	data, err := codec.Reserialize(msg.Frames)
	if err != nil {
		r.log.Error("Malformed message: %v", err)
		r.metrics.MessageMalformed(bus.ShellMessage.String())
		return
	}

	if err := s.Send(data); err != nil {
		r.log.Debug("Failed to forward shell message to client: %v", err)
		return
	}
	r.metrics.MessageForwarded(bus.ShellMessage.String(), metrics.DirectionToClient)
}

// OnClose unsubscribes from and releases the shell channel. It runs at most once.
func (r *ShellRelay) OnClose(_ *ChannelSession) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	stream := r.stream
	r.stream = nil
	r.mu.Unlock()

	if stream == nil {
		return
	}

	stream.OnRecv(nil)
	if err := stream.Close(); err != nil {
		r.log.Debug("Error while closing shell channel of kernel %s: %v", r.kernelID, err)
	}
	r.metrics.SessionClosed(bus.ShellMessage.String())
}
