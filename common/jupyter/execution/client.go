package execution

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/Scusemua/go-utils/promise"
	"github.com/go-zeromq/zmq4"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/scusemua/notebook-relay/common/jupyter/bus"
	"github.com/scusemua/notebook-relay/common/jupyter/messaging"
	"github.com/scusemua/notebook-relay/common/metrics"
	"github.com/scusemua/notebook-relay/common/queue"
	"github.com/scusemua/notebook-relay/common/utils"
)

const (
	DefaultTimeout           = 60 * time.Second
	DefaultResultGracePeriod = 2 * time.Second

	// DefaultMaxBacklog bounds how many uncorrelated messages are kept per channel between executions.
	DefaultMaxBacklog = 1024
)

var (
	ErrExecutionTimeout = errors.New("timed out waiting for the execution to complete")
	ErrExecutionFailed  = errors.New("execution failed")
	ErrClientClosed     = errors.New("execution client is closed")
)

// MimeBundle maps a MIME type to the representation of a result in that type.
type MimeBundle map[string]string

// ExecutionError is returned when the kernel reports that the code raised an error.
type ExecutionError struct {
	EName     string
	EValue    string
	Traceback []string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrExecutionFailed.Error(), e.EName, e.EValue)
}

func (e *ExecutionError) Is(target error) bool {
	return target == ErrExecutionFailed
}

type Options struct {
	// Timeout bounds the wait for the execute reply.
	Timeout time.Duration

	// ResultGracePeriod bounds the wait for a display result or the idle status once the reply has arrived.
	ResultGracePeriod time.Duration

	// StoreHistory is passed to the kernel with every request.
	StoreHistory bool

	// MaxBacklog bounds the uncorrelated messages kept per channel. The oldest are discarded first.
	MaxBacklog int

	Metrics *metrics.RelayMetrics

	// Logger replaces the Client's default logger.
	Logger logger.Logger
}

type Stats struct {
	Executions int64
	Drained    int64
}

// execution is the correlation state of the request in flight.
type execution struct {
	msgID string

	// reply is resolved with the execute reply.
	reply *promise.ChannelPromise

	// result is resolved with the first correlated display bundle, or with a nil bundle on the idle status.
	result *promise.ChannelPromise
}

// Client runs code on a kernel and returns what it displays.
//
// One call runs at a time. Replies and broadcasts are matched to the request in flight by its msg_id and the
// Client's session, so output produced for anyone else is never returned.
type Client struct {
	shell bus.Stream
	iopub bus.Stream
	codec *messaging.Codec
	opts  Options

	execMu sync.Mutex

	mu           sync.Mutex
	pending      *execution
	shellBacklog *queue.Fifo[*messaging.Message]
	iopubBacklog *queue.Fifo[*messaging.Message]

	executions atomic.Int64
	drained    atomic.Int64

	closed    atomic.Bool
	closeOnce sync.Once

	log logger.Logger
}

// NewClient creates a Client over a kernel's shell and iopub streams. The Client owns both streams.
func NewClient(shell bus.Stream, iopub bus.Stream, codec *messaging.Codec, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.ResultGracePeriod <= 0 {
		opts.ResultGracePeriod = DefaultResultGracePeriod
	}
	if opts.MaxBacklog <= 0 {
		opts.MaxBacklog = DefaultMaxBacklog
	}

	c := &Client{
		shell:        shell,
		iopub:        iopub,
		codec:        codec,
		opts:         opts,
		shellBacklog: queue.NewFifo[*messaging.Message](16),
		iopubBacklog: queue.NewFifo[*messaging.Message](16),
		log:          opts.Logger,
	}
	config.InitLogger(&c.log, c)

	shell.OnRecv(c.onShell)
	iopub.OnRecv(c.onIOPub)

	return c
}

// Session returns the session identity carried by every request of the Client.
func (c *Client) Session() string {
	return c.codec.Session
}

// Backlog returns the number of uncorrelated shell and iopub messages waiting to be drained.
func (c *Client) Backlog() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shellBacklog.Len(), c.iopubBacklog.Len()
}

func (c *Client) Stats() Stats {
	return Stats{
		Executions: c.executions.Load(),
		Drained:    c.drained.Load(),
	}
}

// Execute runs code on the kernel and returns the representation of its result.
//
// Whitespace-only code is not sent. A nil bundle and nil error mean the code ran but displayed nothing, or was
// aborted. If the code raised an error, the returned error is an *ExecutionError.
func (c *Client) Execute(ctx context.Context, code string) (MimeBundle, error) {
	if strings.TrimSpace(code) == "" {
		return nil, nil
	}

	c.execMu.Lock()
	defer c.execMu.Unlock()

	if c.closed.Load() {
		return nil, ErrClientClosed
	}

	c.drain()

	request := c.codec.NewMessage(messaging.ShellExecuteRequest, (&messaging.ExecuteRequestContent{
		Code:         code,
		StoreHistory: c.opts.StoreHistory,
		StopOnError:  true,
	}).ToMap())
	frames, err := c.codec.Encode(request)
	if err != nil {
		return nil, err
	}

	exec := &execution{
		msgID:  request.Header.MsgID,
		reply:  promise.NewChannelPromise(),
		result: promise.NewChannelPromise(),
	}
	c.mu.Lock()
	c.pending = exec
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
	}()

	stop := context.AfterFunc(ctx, func() {
		_, _ = exec.reply.Resolve(nil, ctx.Err())
		_, _ = exec.result.Resolve(nil, ctx.Err())
	})
	defer stop()

	startTime := time.Now()
	c.executions.Add(1)
	if err := c.shell.Send(zmq4.NewMsgFrom(frames...)); err != nil {
		return nil, errors.Wrap(err, "failed to send execute request")
	}
	c.log.Debug("Sent execute request %s.", exec.msgID)

	if err := exec.reply.Timeout(c.opts.Timeout); err != nil {
		c.log.Warn(utils.OrangeStyle.Render("Timed out after %v waiting for reply to execute request %s."), c.opts.Timeout, exec.msgID)
		c.opts.Metrics.ObserveExecution("timeout", time.Since(startTime))
		return nil, ErrExecutionTimeout
	}

	value, err := exec.reply.Result()
	if err != nil {
		return nil, err
	}

	var reply messaging.ExecuteReplyContent
	if err := value.(*messaging.Message).DecodeContent(&reply); err != nil {
		return nil, errors.Wrap(messaging.ErrMalformedMessage, err.Error())
	}
	c.opts.Metrics.ObserveExecution(reply.Status, time.Since(startTime))

	switch reply.Status {
	case messaging.MessageStatusAborted:
		c.log.Warn(utils.YellowStyle.Render("Execute request %s was aborted."), exec.msgID)
		return nil, nil
	case messaging.MessageStatusError:
		c.log.Error(utils.RedStyle.Render("Execute request %s failed with %s: %s"), exec.msgID, reply.EName, reply.EValue)
		for _, line := range reply.Traceback {
			c.log.Error("%s", line)
		}
		return nil, &ExecutionError{EName: reply.EName, EValue: reply.EValue, Traceback: reply.Traceback}
	case messaging.MessageStatusOK:
	default:
		c.log.Warn("Unexpected status \"%s\" in reply to execute request %s.", reply.Status, exec.msgID)
		return nil, nil
	}

	if err := exec.result.Timeout(c.opts.ResultGracePeriod); err != nil {
		c.log.Debug("No result for execute request %s within %v.", exec.msgID, c.opts.ResultGracePeriod)
		return nil, nil
	}

	result, err := exec.result.Result()
	if err != nil {
		return nil, err
	}
	bundle, _ := result.(MimeBundle)
	return bundle, nil
}

// drain discards the uncorrelated messages left over from earlier activity on the kernel.
func (c *Client) drain() {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.shellBacklog.Clear() + c.iopubBacklog.Clear()
	if n > 0 {
		c.log.Debug("Discarded %d stale message(s).", n)
		c.drained.Add(int64(n))
	}
}

func (c *Client) decode(channel bus.MessageType, msg zmq4.Msg) (*messaging.Message, bool) {
	decoded, err := c.codec.Decode(msg.Frames)
	if err != nil {
		c.log.Warn("Dropping malformed %s message: %v", channel, err)
		c.opts.Metrics.MessageMalformed(channel.String())
		return nil, false
	}
	return decoded, true
}

func (c *Client) onShell(msg zmq4.Msg) {
	reply, ok := c.decode(bus.ShellMessage, msg)
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if exec := c.pending; exec != nil && reply.Type() == messaging.ShellExecuteReply && reply.IsReplyTo(exec.msgID, c.codec.Session) {
		_, _ = exec.reply.Resolve(reply, nil)
		return
	}
	c.backlog(c.shellBacklog, reply)
}

func (c *Client) onIOPub(msg zmq4.Msg) {
	broadcast, ok := c.decode(bus.IOMessage, msg)
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	exec := c.pending
	if exec == nil || !broadcast.IsReplyTo(exec.msgID, c.codec.Session) {
		c.backlog(c.iopubBacklog, broadcast)
		return
	}

	if broadcast.Type().IsDisplayEvent() {
		bundle, err := mimeBundle(broadcast)
		if err != nil {
			c.log.Warn("Failed to read %s of execute request %s: %v", broadcast.Type(), exec.msgID, err)
			return
		}
		_, _ = exec.result.Resolve(bundle, nil)
		return
	}

	if broadcast.Type() == messaging.IOStatusMessage {
		var status messaging.KernelStatusContent
		if err := broadcast.DecodeContent(&status); err == nil && status.ExecutionState == messaging.MessageKernelStatusIdle {
			_, _ = exec.result.Resolve(MimeBundle(nil), nil)
		}
	}
}

func (c *Client) backlog(q *queue.Fifo[*messaging.Message], msg *messaging.Message) {
	q.Enqueue(msg)
	for q.Len() > c.opts.MaxBacklog {
		q.Dequeue()
	}
}

// mimeBundle extracts the representations carried by a display event. Representations that are not strings,
// such as JSON documents, are encoded as JSON text.
func mimeBundle(msg *messaging.Message) (MimeBundle, error) {
	var content messaging.DisplayDataContent
	if err := msg.DecodeContent(&content); err != nil {
		return nil, err
	}

	bundle := make(MimeBundle, len(content.Data))
	for mimeType, representation := range content.Data {
		if text, ok := representation.(string); ok {
			bundle[mimeType] = text
			continue
		}

		encoded, err := json.Marshal(representation)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to encode %s representation", mimeType)
		}
		bundle[mimeType] = string(encoded)
	}
	return bundle, nil
}

// Close unsubscribes from and closes both streams. An execution in progress returns ErrClientClosed.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		c.mu.Lock()
		if exec := c.pending; exec != nil {
			_, _ = exec.reply.Resolve(nil, ErrClientClosed)
			_, _ = exec.result.Resolve(nil, ErrClientClosed)
		}
		c.mu.Unlock()

		c.shell.OnRecv(nil)
		c.iopub.OnRecv(nil)
		_ = c.shell.Close()
		_ = c.iopub.Close()
	})
	return nil
}

// Closed returns true if the Client was closed or either of its streams has failed.
func (c *Client) Closed() bool {
	return c.closed.Load() || c.shell.Closed() || c.iopub.Closed()
}
