package fake_kernel

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/go-zeromq/zmq4"
	"github.com/pkg/errors"
	"github.com/scusemua/notebook-relay/common/jupyter/bus"
	"github.com/scusemua/notebook-relay/common/jupyter/messaging"
	"github.com/scusemua/notebook-relay/common/utils"
	"github.com/scusemua/notebook-relay/testing/port"
)

var (
	divisionByZero = regexp.MustCompile(`^\d+\s*/\s*0$`)
	stringLiteral  = regexp.MustCompile(`^(?:'([^']*)'|"([^"]*)")$`)
	intLiteral     = regexp.MustCompile(`^-?\d+$`)
	assignment     = regexp.MustCompile(`^[A-Za-z_]\w*\s*=[^=]`)
)

// Outcome describes how the kernel responds to one execute request.
type Outcome struct {
	// Status of the execute reply. Defaults to "ok".
	Status string

	// Data is published as an execute_result when non-nil.
	Data map[string]interface{}

	// Stdout is published as a stream message when non-empty.
	Stdout string

	EName     string
	EValue    string
	Traceback []string

	// NoReply makes the kernel swallow the request.
	NoReply bool
}

// Evaluator decides the Outcome of running code.
type Evaluator func(code string) Outcome

// Evaluate understands just enough Python for tests: string and integer literals are displayed, integer division
// by zero raises, and everything else runs without output.
func Evaluate(code string) Outcome {
	code = strings.TrimSpace(code)

	switch {
	case divisionByZero.MatchString(code):
		return Outcome{
			Status: messaging.MessageStatusError,
			EName:  "ZeroDivisionError",
			EValue: "division by zero",
			Traceback: []string{
				"Traceback (most recent call last):",
				fmt.Sprintf("  Cell In[1], line 1\n    %s", code),
				"ZeroDivisionError: division by zero",
			},
		}
	case stringLiteral.MatchString(code):
		m := stringLiteral.FindStringSubmatch(code)
		return Outcome{Data: map[string]interface{}{"text/plain": "'" + m[1] + m[2] + "'"}}
	case intLiteral.MatchString(code):
		return Outcome{Data: map[string]interface{}{"text/plain": code}}
	case assignment.MatchString(code):
		return Outcome{}
	default:
		return Outcome{}
	}
}

type Options struct {
	// Key signs every message. An empty key disables signing.
	Key string

	// Evaluator overrides Evaluate.
	Evaluator Evaluator

	// ReplyFirst sends the execute reply before publishing the result.
	ReplyFirst bool
}

// FakeKernel is a kernel that speaks the messaging protocol over bus Streams.
//
// It is also a bus.Connector: every stream created through it is an in-memory pipe served by the kernel. Listen
// additionally serves ZeroMQ sockets for tests that go through a real ZMQConnector.
type FakeKernel struct {
	ID    string
	codec *messaging.Codec
	opts  Options

	responsive atomic.Bool
	replyFirst atomic.Bool

	mu       sync.Mutex
	shells   []bus.Stream
	iopubs   []bus.Stream
	hbs      []bus.Stream
	requests []*messaging.Message
	closed   bool

	executionCount atomic.Int32
	pings          atomic.Int32

	log logger.Logger
}

func NewFakeKernel(id string, opts Options) *FakeKernel {
	if opts.Evaluator == nil {
		opts.Evaluator = Evaluate
	}

	k := &FakeKernel{
		ID:    id,
		codec: messaging.NewCodec([]byte(opts.Key), ""),
		opts:  opts,
	}
	k.responsive.Store(true)
	k.replyFirst.Store(opts.ReplyFirst)
	config.InitLogger(&k.log, fmt.Sprintf("FakeKernel-%s ", id))

	return k
}

// Session returns the kernel's own session identity.
func (k *FakeKernel) Session() string {
	return k.codec.Session
}

// SetResponsive controls whether the kernel answers heartbeat pings.
func (k *FakeKernel) SetResponsive(responsive bool) {
	k.responsive.Store(responsive)
}

func (k *FakeKernel) SetReplyFirst(replyFirst bool) {
	k.replyFirst.Store(replyFirst)
}

// Pings returns the number of heartbeat pings received.
func (k *FakeKernel) Pings() int32 {
	return k.pings.Load()
}

// Requests returns every shell request received, in order.
func (k *FakeKernel) Requests() []*messaging.Message {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]*messaging.Message(nil), k.requests...)
}

// ConnectionInfo describes the kernel for registries. Ports are only set after Listen.
func (k *FakeKernel) ConnectionInfo() *bus.ConnectionInfo {
	return &bus.ConnectionInfo{
		IP:              "127.0.0.1",
		Transport:       "tcp",
		SignatureScheme: messaging.JupyterSignatureScheme,
		Key:             k.opts.Key,
		KernelName:      "python3",
	}
}

func (k *FakeKernel) checkKernel(kernelID string) error {
	if kernelID != k.ID {
		return errors.Wrap(bus.ErrKernelNotFound, kernelID)
	}
	return nil
}

func (k *FakeKernel) CreateShellStream(_ context.Context, kernelID string) (bus.Stream, error) {
	if err := k.checkKernel(kernelID); err != nil {
		return nil, err
	}
	client, kernel := bus.NewPipe(bus.ShellMessage)
	k.ServeShell(kernel)
	return client, nil
}

func (k *FakeKernel) CreateIOPubStream(_ context.Context, kernelID string) (bus.Stream, error) {
	if err := k.checkKernel(kernelID); err != nil {
		return nil, err
	}
	client, kernel := bus.NewPipe(bus.IOMessage)
	k.ServeIOPub(kernel)
	return client, nil
}

func (k *FakeKernel) CreateHBStream(_ context.Context, kernelID string) (bus.Stream, error) {
	if err := k.checkKernel(kernelID); err != nil {
		return nil, err
	}
	client, kernel := bus.NewPipe(bus.HBMessage)
	k.ServeHeartbeat(kernel)
	return client, nil
}

func (k *FakeKernel) NewCodec(_ context.Context, kernelID string) (*messaging.Codec, error) {
	if err := k.checkKernel(kernelID); err != nil {
		return nil, err
	}
	return messaging.NewCodec([]byte(k.opts.Key), ""), nil
}

// Listen serves the kernel's shell, iopub and heartbeat channels on free local TCP ports.
func (k *FakeKernel) Listen(ctx context.Context) (*bus.ConnectionInfo, error) {
	info := k.ConnectionInfo()
	info.ShellPort = port.MustFree()
	info.IOPubPort = port.MustFree()
	info.HBPort = port.MustFree()
	info.ControlPort = port.MustFree()
	info.StdinPort = port.MustFree()

	shell := zmq4.NewRouter(ctx)
	if err := shell.Listen(info.Address(info.ShellPort)); err != nil {
		return nil, errors.Wrap(err, "failed to listen on shell port")
	}
	iopub := zmq4.NewPub(ctx)
	if err := iopub.Listen(info.Address(info.IOPubPort)); err != nil {
		_ = shell.Close()
		return nil, errors.Wrap(err, "failed to listen on iopub port")
	}
	hb := zmq4.NewRep(ctx)
	if err := hb.Listen(info.Address(info.HBPort)); err != nil {
		_ = shell.Close()
		_ = iopub.Close()
		return nil, errors.Wrap(err, "failed to listen on heartbeat port")
	}

	k.ServeShell(bus.NewZMQStream(ctx, shell, bus.ShellMessage, fmt.Sprintf("FakeKernel-Router-Shell[%s]", k.ID)))
	k.ServeIOPub(bus.NewZMQStream(ctx, iopub, bus.IOMessage, fmt.Sprintf("FakeKernel-Pub-IOPub[%s]", k.ID)))
	k.ServeHeartbeat(bus.NewZMQStream(ctx, hb, bus.HBMessage, fmt.Sprintf("FakeKernel-Rep-HB[%s]", k.ID)))

	k.log.Debug("Listening: %v", info)
	return info, nil
}

// ServeShell answers requests received on the kernel's end of a shell stream.
func (k *FakeKernel) ServeShell(stream bus.Stream) {
	if !k.attach(&k.shells, stream) {
		return
	}
	stream.OnRecv(func(msg zmq4.Msg) {
		k.handleShell(stream, msg)
	})
}

// ServeIOPub adds the kernel's end of an iopub stream to the streams that broadcasts are published on.
func (k *FakeKernel) ServeIOPub(stream bus.Stream) {
	k.attach(&k.iopubs, stream)
}

// ServeHeartbeat echoes pings received on the kernel's end of a heartbeat stream while the kernel is responsive.
func (k *FakeKernel) ServeHeartbeat(stream bus.Stream) {
	if !k.attach(&k.hbs, stream) {
		return
	}
	stream.OnRecv(func(msg zmq4.Msg) {
		if k.responsive.Load() {
			if err := stream.Send(msg); err != nil {
				k.log.Debug("Failed to answer heartbeat: %v", err)
			}
		}
		k.pings.Add(1)
	})
}

func (k *FakeKernel) attach(streams *[]bus.Stream, stream bus.Stream) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		_ = stream.Close()
		return false
	}
	*streams = append(*streams, stream)
	return true
}

// Publish broadcasts a message on every iopub stream.
func (k *FakeKernel) Publish(msgType string, parent messaging.MessageHeader, content map[string]interface{}) {
	msg := k.codec.NewMessage(msgType, content)
	msg.ParentHeader = parent

	frames, err := k.codec.Encode(msg)
	if err != nil {
		k.log.Error(utils.RedStyle.Render("Failed to encode %s message: %v"), msgType, err)
		return
	}

	k.mu.Lock()
	streams := append([]bus.Stream(nil), k.iopubs...)
	k.mu.Unlock()

	for _, stream := range streams {
		if stream.Closed() {
			continue
		}
		if err := stream.Send(zmq4.NewMsgFrom(frames...)); err != nil {
			k.log.Debug("Failed to publish %s message: %v", msgType, err)
		}
	}
}

// Reply sends a message on every shell stream, as if it answered the given request.
func (k *FakeKernel) Reply(msgType string, parent messaging.MessageHeader, content map[string]interface{}) {
	k.mu.Lock()
	streams := append([]bus.Stream(nil), k.shells...)
	k.mu.Unlock()

	for _, stream := range streams {
		k.reply(stream, nil, msgType, parent, content)
	}
}

func (k *FakeKernel) reply(stream bus.Stream, idents [][]byte, msgType string, parent messaging.MessageHeader, content map[string]interface{}) {
	msg := k.codec.NewMessage(msgType, content)
	msg.ParentHeader = parent

	frames, err := k.codec.Encode(msg)
	if err != nil {
		k.log.Error(utils.RedStyle.Render("Failed to encode %s message: %v"), msgType, err)
		return
	}

	if err := stream.Send(zmq4.NewMsgFrom(append(idents, frames...)...)); err != nil {
		k.log.Debug("Failed to send %s: %v", msgType, err)
	}
}

func (k *FakeKernel) handleShell(stream bus.Stream, msg zmq4.Msg) {
	idents, _ := messaging.SkipIdentities(msg.Frames)
	idents = append([][]byte(nil), idents...)

	request, err := k.codec.Decode(msg.Frames)
	if err != nil {
		k.log.Warn(utils.OrangeStyle.Render("Received malformed shell message: %v"), err)
		return
	}

	k.mu.Lock()
	k.requests = append(k.requests, request)
	k.mu.Unlock()

	k.log.Debug("Received %s request %s.", request.Type(), request.Header.MsgID)

	switch request.Type() {
	case messaging.ShellExecuteRequest:
		k.execute(stream, idents, request)
	case messaging.KernelInfoRequest:
		k.Publish(messaging.IOStatusMessage, request.Header, map[string]interface{}{"execution_state": messaging.MessageKernelStatusBusy})
		k.reply(stream, idents, messaging.KernelInfoReply, request.Header, map[string]interface{}{
			"status":                 messaging.MessageStatusOK,
			"protocol_version":       messaging.MessageVersion,
			"implementation":         "fake_kernel",
			"implementation_version": "1.0",
			"language_info":          map[string]interface{}{"name": "python"},
		})
		k.Publish(messaging.IOStatusMessage, request.Header, map[string]interface{}{"execution_state": messaging.MessageKernelStatusIdle})
	default:
		if base, ok := request.Type().GetBaseMessageType(); ok && strings.HasSuffix(request.Type().String(), "_request") {
			k.reply(stream, idents, base+"reply", request.Header, map[string]interface{}{"status": messaging.MessageStatusOK})
		}
	}
}

func (k *FakeKernel) execute(stream bus.Stream, idents [][]byte, request *messaging.Message) {
	var content messaging.ExecuteRequestContent
	if err := request.DecodeContent(&content); err != nil {
		k.log.Warn("Malformed execute request: %v", err)
		return
	}

	outcome := k.opts.Evaluator(content.Code)
	if outcome.NoReply {
		return
	}
	if outcome.Status == "" {
		outcome.Status = messaging.MessageStatusOK
	}

	count := int(k.executionCount.Add(1))
	parent := request.Header

	k.Publish(messaging.IOStatusMessage, parent, map[string]interface{}{"execution_state": messaging.MessageKernelStatusBusy})
	k.Publish("execute_input", parent, map[string]interface{}{"code": content.Code, "execution_count": count})

	if outcome.Stdout != "" {
		k.Publish(messaging.IOStream, parent, map[string]interface{}{"name": "stdout", "text": outcome.Stdout})
	}

	reply := map[string]interface{}{"status": outcome.Status, "execution_count": count}
	if outcome.Status == messaging.MessageStatusError {
		reply["ename"] = outcome.EName
		reply["evalue"] = outcome.EValue
		reply["traceback"] = outcome.Traceback
	}

	publishResult := func() {
		switch {
		case outcome.Status == messaging.MessageStatusError:
			k.Publish(messaging.IOError, parent, map[string]interface{}{
				"ename":     outcome.EName,
				"evalue":    outcome.EValue,
				"traceback": outcome.Traceback,
			})
		case outcome.Data != nil:
			k.Publish(messaging.IOExecuteResult, parent, map[string]interface{}{
				"data":            outcome.Data,
				"metadata":        map[string]interface{}{},
				"execution_count": count,
			})
		}
	}

	if k.replyFirst.Load() {
		k.reply(stream, idents, messaging.ShellExecuteReply, parent, reply)
		publishResult()
	} else {
		publishResult()
		k.reply(stream, idents, messaging.ShellExecuteReply, parent, reply)
	}

	k.Publish(messaging.IOStatusMessage, parent, map[string]interface{}{"execution_state": messaging.MessageKernelStatusIdle})
}

// Close closes every stream the kernel serves.
func (k *FakeKernel) Close() {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return
	}
	k.closed = true
	streams := make([]bus.Stream, 0, len(k.shells)+len(k.iopubs)+len(k.hbs))
	streams = append(streams, k.shells...)
	streams = append(streams, k.iopubs...)
	streams = append(streams, k.hbs...)
	k.mu.Unlock()

	for _, stream := range streams {
		stream.OnRecv(nil)
		_ = stream.Close()
	}
}
