package bus

import (
	"context"
	"fmt"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/go-zeromq/zmq4"
	"github.com/pkg/errors"
	"github.com/scusemua/notebook-relay/common/jupyter/messaging"
)

var (
	ErrKernelNotFound = errors.New("kernel not found")
)

// Connector creates the bus Streams of a kernel.
type Connector interface {
	// CreateShellStream opens a request/reply stream to the kernel's shell channel.
	CreateShellStream(ctx context.Context, kernelID string) (Stream, error)

	// CreateIOPubStream opens a subscription to everything the kernel broadcasts.
	CreateIOPubStream(ctx context.Context, kernelID string) (Stream, error)

	// CreateHBStream opens a stream to the kernel's heartbeat echo channel.
	CreateHBStream(ctx context.Context, kernelID string) (Stream, error)

	// NewCodec creates a Codec, with a fresh session, that signs messages the way the kernel expects.
	NewCodec(ctx context.Context, kernelID string) (*messaging.Codec, error)
}

// ZMQConnector is a Connector that dials the ZeroMQ sockets listed in a kernel's connection information.
type ZMQConnector struct {
	registry KernelRegistry

	log logger.Logger
}

func NewZMQConnector(registry KernelRegistry) *ZMQConnector {
	connector := &ZMQConnector{
		registry: registry,
	}
	config.InitLogger(&connector.log, connector)
	return connector
}

func (c *ZMQConnector) connectionInfo(ctx context.Context, kernelID string) (*ConnectionInfo, error) {
	info, ok, err := c.registry.Lookup(ctx, kernelID)
	if err != nil {
		return nil, err
	} else if !ok {
		return nil, errors.Wrap(ErrKernelNotFound, kernelID)
	}
	return info, nil
}

func (c *ZMQConnector) CreateShellStream(ctx context.Context, kernelID string) (Stream, error) {
	info, err := c.connectionInfo(ctx, kernelID)
	if err != nil {
		return nil, err
	}

	name := fmt.Sprintf("K-Dealer-Shell[%s]", kernelID)
	c.log.Debug("Dialing shell socket of kernel %s at %s.", kernelID, info.Address(info.ShellPort))
	return DialZMQStream(ctx, zmq4.NewDealer(ctx), ShellMessage, name, info.Address(info.ShellPort))
}

func (c *ZMQConnector) CreateIOPubStream(ctx context.Context, kernelID string) (Stream, error) {
	info, err := c.connectionInfo(ctx, kernelID)
	if err != nil {
		return nil, err
	}

	socket := zmq4.NewSub(ctx)
	if err := socket.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		_ = socket.Close()
		return nil, errors.Wrapf(err, "failed to subscribe to iopub of kernel %s", kernelID)
	}

	name := fmt.Sprintf("K-Sub-IOPub[%s]", kernelID)
	c.log.Debug("Dialing iopub socket of kernel %s at %s.", kernelID, info.Address(info.IOPubPort))
	return DialZMQStream(ctx, socket, IOMessage, name, info.Address(info.IOPubPort))
}

func (c *ZMQConnector) CreateHBStream(ctx context.Context, kernelID string) (Stream, error) {
	info, err := c.connectionInfo(ctx, kernelID)
	if err != nil {
		return nil, err
	}

	name := fmt.Sprintf("K-Req-HB[%s]", kernelID)
	c.log.Debug("Dialing heartbeat socket of kernel %s at %s.", kernelID, info.Address(info.HBPort))
	return DialZMQStream(ctx, zmq4.NewReq(ctx), HBMessage, name, info.Address(info.HBPort))
}

func (c *ZMQConnector) NewCodec(ctx context.Context, kernelID string) (*messaging.Codec, error) {
	info, err := c.connectionInfo(ctx, kernelID)
	if err != nil {
		return nil, err
	}

	return messaging.NewCodec([]byte(info.Key), info.SignatureScheme), nil
}
