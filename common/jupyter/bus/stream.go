package bus

import (
	"errors"
	"sync"

	"github.com/go-zeromq/zmq4"
	"github.com/scusemua/notebook-relay/common/queue"
)

const (
	HBMessage MessageType = iota
	ShellMessage
	IOMessage
)

var (
	ErrStreamClosed = errors.New("stream closed")
)

// MessageType identifies the bus channel that a Stream is bound to.
type MessageType int

func (t MessageType) String() string {
	return [...]string{"heartbeat", "shell", "iopub"}[t]
}

// RecvHandler is invoked for every message received on a Stream.
type RecvHandler func(msg zmq4.Msg)

// Stream is one bidirectional endpoint of a bus channel.
//
// Messages received on a Stream are delivered to its RecvHandler one at a time, in the order in which they arrived.
// Messages that arrive while no handler is installed are queued and delivered once a handler is installed.
type Stream interface {
	// Type returns the channel the Stream is bound to.
	Type() MessageType

	// Send writes a message to the bus.
	Send(msg zmq4.Msg) error

	// OnRecv installs the handler for received messages. Passing nil unsubscribes.
	OnRecv(handler RecvHandler)

	// Close releases the Stream. Close is idempotent.
	Close() error

	// Closed returns true once the Stream has been closed, either explicitly or because the bus failed.
	Closed() bool
}

// dispatcher delivers received messages to the installed handler from a single goroutine.
//
// Handlers are always invoked without holding the dispatcher's lock, so a handler may call back into its Stream.
type dispatcher struct {
	mu      sync.Mutex
	cond    *sync.Cond
	handler RecvHandler
	inbox   *queue.Fifo[zmq4.Msg]
	closed  bool
	done    chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		inbox: queue.NewFifo[zmq4.Msg](8),
		done:  make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

func (d *dispatcher) push(msg zmq4.Msg) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false
	}

	d.inbox.Enqueue(msg)
	d.cond.Signal()
	return true
}

func (d *dispatcher) setHandler(handler RecvHandler) {
	d.mu.Lock()
	d.handler = handler
	d.cond.Signal()
	d.mu.Unlock()
}

// close stops delivery. Returns false if the dispatcher was already closed.
func (d *dispatcher) close() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false
	}

	d.closed = true
	d.handler = nil
	d.inbox.Clear()
	d.cond.Broadcast()
	return true
}

func (d *dispatcher) run() {
	defer close(d.done)

	for {
		d.mu.Lock()
		for !d.closed && (d.handler == nil || d.inbox.Len() == 0) {
			d.cond.Wait()
		}

		if d.closed {
			d.mu.Unlock()
			return
		}

		msg, _ := d.inbox.Dequeue()
		handler := d.handler
		d.mu.Unlock()

		handler(msg)
	}
}

// cloneMsg copies the frames of a message so the receiver never shares memory with the sender.
func cloneMsg(msg zmq4.Msg) zmq4.Msg {
	frames := make([][]byte, len(msg.Frames))
	for i, frame := range msg.Frames {
		frames[i] = append([]byte(nil), frame...)
	}
	return zmq4.NewMsgFrom(frames...)
}
