package relay

import (
	"context"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/go-zeromq/zmq4"
	"github.com/pkg/errors"
	"github.com/scusemua/notebook-relay/common/jupyter/bus"
	"github.com/scusemua/notebook-relay/common/jupyter/heartbeat"
	"github.com/scusemua/notebook-relay/common/jupyter/messaging"
	"github.com/scusemua/notebook-relay/common/metrics"
	"github.com/scusemua/notebook-relay/common/utils"
)

// IOPubRelay pushes everything a kernel publishes to the client and watches the kernel's heartbeat.
//
// When the heartbeat monitor declares the kernel dead, the kernel is removed from the registry, the client
// receives a final "dead" status and the session is closed.
type IOPubRelay struct {
	kernelID  string
	connector bus.Connector
	registry  bus.KernelRegistry
	hbOptions heartbeat.Options
	metrics   *metrics.RelayMetrics

	mu      sync.Mutex
	iopub   bus.Stream
	hb      bus.Stream
	monitor *heartbeat.Monitor
	closed  bool

	log logger.Logger
}

func NewIOPubRelay(kernelID string, connector bus.Connector, registry bus.KernelRegistry, hbOptions heartbeat.Options, relayMetrics *metrics.RelayMetrics) *IOPubRelay {
	r := &IOPubRelay{
		kernelID:  kernelID,
		connector: connector,
		registry:  registry,
		hbOptions: hbOptions,
		metrics:   relayMetrics,
	}
	config.InitLogger(&r.log, r)
	return r
}

func (r *IOPubRelay) OnAuthenticated(ctx context.Context, s *ChannelSession) error {
	codec, err := r.connector.NewCodec(ctx, r.kernelID)
	if err != nil {
		return err
	}

	iopub, err := r.connector.CreateIOPubStream(s.Context(), r.kernelID)
	if err != nil {
		return errors.Wrapf(err, "failed to open iopub channel of kernel %s", r.kernelID)
	}

	hb, err := r.connector.CreateHBStream(s.Context(), r.kernelID)
	if err != nil {
		_ = iopub.Close()
		return errors.Wrapf(err, "failed to open heartbeat channel of kernel %s", r.kernelID)
	}

	monitor := heartbeat.NewMonitor(r.kernelID, hb, r.hbOptions, func() {
		r.kernelDied(s)
	})

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = iopub.Close()
		_ = hb.Close()
		return ErrSessionClosed
	}
	r.iopub, r.hb, r.monitor = iopub, hb, monitor
	r.mu.Unlock()

	iopub.OnRecv(func(msg zmq4.Msg) {
		r.forward(s, codec, msg)
	})
	monitor.Start()
	r.metrics.SessionOpened(bus.IOMessage.String())

	return nil
}

// OnMessage ignores client messages. The iopub channel only flows from the kernel to the client.
func (r *IOPubRelay) OnMessage(_ context.Context, _ *ChannelSession, data []byte) {
	r.log.Debug("Ignoring %d-byte message sent by client on iopub channel of kernel %s.", len(data), r.kernelID)
}

func (r *IOPubRelay) forward(s *ChannelSession, codec *messaging.Codec, msg zmq4.Msg) {
	data, err := codec.Reserialize(msg.Frames)
	if err != nil {
		r.log.Error("Malformed message: %v", err)
		r.metrics.MessageMalformed(bus.IOMessage.String())
		return
	}

	if err := s.Send(data); err != nil {
		r.log.Debug("Failed to forward iopub message to client: %v", err)
		return
	}
	r.metrics.MessageForwarded(bus.IOMessage.String(), metrics.DirectionToClient)
}

func (r *IOPubRelay) kernelDied(s *ChannelSession) {
	if _, err := r.registry.Remove(s.Context(), r.kernelID); err != nil {
		r.log.Warn("Failed to remove dead kernel %s from registry: %v", r.kernelID, err)
	}

	r.log.Error(utils.RedStyle.Render("Kernel %s died unexpectedly."), r.kernelID)
	r.metrics.KernelDied()

	if err := s.WriteMessage(messaging.NewKernelDeadStatus()); err != nil {
		r.log.Warn("Failed to notify client that kernel %s died: %v", r.kernelID, err)
	}

	s.Close()
}

// OnClose stops the heartbeat monitor and releases the iopub and heartbeat channels. It runs at most once.
func (r *IOPubRelay) OnClose(_ *ChannelSession) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	iopub, hb, monitor := r.iopub, r.hb, r.monitor
	r.iopub, r.hb, r.monitor = nil, nil, nil
	r.mu.Unlock()

	if monitor != nil {
		monitor.Stop()
	}

	if iopub != nil {
		iopub.OnRecv(nil)
		_ = iopub.Close()
		r.metrics.SessionClosed(bus.IOMessage.String())
	}

	if hb != nil {
		_ = hb.Close()
	}
}
