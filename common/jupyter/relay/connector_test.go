package relay_test

import (
	"context"

	"github.com/pkg/errors"
	"github.com/scusemua/notebook-relay/common/jupyter/bus"
	"github.com/scusemua/notebook-relay/common/jupyter/messaging"
)

var errKernelUnreachable = errors.New("kernel unreachable")

// pipeConnector connects relays to an in-memory kernel. The kernel's ends of the pipes are exposed so that tests
// can play the kernel's part.
type pipeConnector struct {
	key []byte
	err error

	shell, iopub, hb                   *bus.PipeStream
	kernelShell, kernelIOPub, kernelHB *bus.PipeStream
}

func newPipeConnector(key string) *pipeConnector {
	c := &pipeConnector{key: []byte(key)}
	c.shell, c.kernelShell = bus.NewPipe(bus.ShellMessage)
	c.iopub, c.kernelIOPub = bus.NewPipe(bus.IOMessage)
	c.hb, c.kernelHB = bus.NewPipe(bus.HBMessage)
	return c
}

// KernelCodec returns a Codec that signs messages the way the kernel does.
func (c *pipeConnector) KernelCodec() *messaging.Codec {
	return messaging.NewCodec(c.key, "")
}

func (c *pipeConnector) Close() {
	for _, p := range []*bus.PipeStream{c.shell, c.iopub, c.hb, c.kernelShell, c.kernelIOPub, c.kernelHB} {
		_ = p.Close()
	}
}

func (c *pipeConnector) CreateShellStream(_ context.Context, _ string) (bus.Stream, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.shell, nil
}

func (c *pipeConnector) CreateIOPubStream(_ context.Context, _ string) (bus.Stream, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.iopub, nil
}

func (c *pipeConnector) CreateHBStream(_ context.Context, _ string) (bus.Stream, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.hb, nil
}

func (c *pipeConnector) NewCodec(_ context.Context, _ string) (*messaging.Codec, error) {
	return messaging.NewCodec(c.key, ""), nil
}
