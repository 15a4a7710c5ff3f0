package bus

import (
	"sync"
	"sync/atomic"

	"github.com/go-zeromq/zmq4"
)

// PipeStream is one end of an in-memory bus channel created by NewPipe.
//
// Messages sent on one end are received by the other. Messages sent before the receiving end installs a handler
// are queued, which is how a kernel's backlog of unread replies is modelled.
type PipeStream struct {
	typ  MessageType
	peer *PipeStream

	*dispatcher

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewPipe creates a connected pair of in-memory Streams of the given type.
func NewPipe(typ MessageType) (*PipeStream, *PipeStream) {
	a := &PipeStream{typ: typ, dispatcher: newDispatcher()}
	b := &PipeStream{typ: typ, dispatcher: newDispatcher()}
	a.peer = b
	b.peer = a
	return a, b
}

func (p *PipeStream) Type() MessageType {
	return p.typ
}

func (p *PipeStream) Send(msg zmq4.Msg) error {
	if p.Closed() || p.peer.Closed() {
		return ErrStreamClosed
	}

	if !p.peer.push(cloneMsg(msg)) {
		return ErrStreamClosed
	}
	return nil
}

func (p *PipeStream) OnRecv(handler RecvHandler) {
	p.setHandler(handler)
}

func (p *PipeStream) Closed() bool {
	return p.closed.Load()
}

// Close closes this end of the pipe. The peer remains open but can no longer send.
func (p *PipeStream) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.dispatcher.close()
	})
	return nil
}

// Pending returns the number of received messages that have not yet been delivered to a handler.
func (p *PipeStream) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inbox.Len()
}
