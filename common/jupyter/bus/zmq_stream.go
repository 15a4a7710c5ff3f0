package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/go-zeromq/zmq4"
)

// ZMQStream is a Stream backed by a ZeroMQ socket.
//
// A single goroutine polls the socket and hands every received message to the Stream's dispatcher.
type ZMQStream struct {
	socket zmq4.Socket
	typ    MessageType
	name   string

	*dispatcher

	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once

	log logger.Logger
}

// NewZMQStream wraps a socket that has already been dialed or bound, and starts polling it.
func NewZMQStream(ctx context.Context, socket zmq4.Socket, typ MessageType, name string) *ZMQStream {
	ctx, cancel := context.WithCancel(ctx)

	stream := &ZMQStream{
		socket:     socket,
		typ:        typ,
		name:       name,
		dispatcher: newDispatcher(),
		ctx:        ctx,
		cancel:     cancel,
	}
	config.InitLogger(&stream.log, fmt.Sprintf("%s ", name))

	go stream.poll()

	return stream
}

// DialZMQStream dials the given address with the socket and returns the resulting Stream.
func DialZMQStream(ctx context.Context, socket zmq4.Socket, typ MessageType, name string, address string) (*ZMQStream, error) {
	if err := socket.Dial(address); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to dial %s socket %s at %s: %w", typ, name, address, err)
	}

	return NewZMQStream(ctx, socket, typ, name), nil
}

func (s *ZMQStream) Type() MessageType {
	return s.typ
}

func (s *ZMQStream) Name() string {
	return s.name
}

func (s *ZMQStream) Send(msg zmq4.Msg) error {
	if s.Closed() {
		return ErrStreamClosed
	}

	return s.socket.Send(msg)
}

func (s *ZMQStream) OnRecv(handler RecvHandler) {
	s.setHandler(handler)
}

func (s *ZMQStream) Closed() bool {
	return s.closed.Load()
}

func (s *ZMQStream) Close() (err error) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		s.dispatcher.close()
		err = s.socket.Close()
	})
	return
}

// poll reads from the socket until the socket fails or the Stream is closed.
func (s *ZMQStream) poll() {
	for {
		msg, err := s.socket.Recv()
		if err != nil {
			select {
			case <-s.ctx.Done():
			default:
				if !s.Closed() {
					s.log.Warn("Polling of %v socket is stopping. Received error: %v", s.typ, err)
				}
			}

			s.closed.Store(true)
			s.dispatcher.close()
			return
		}

		if !s.push(msg) {
			return
		}
	}
}
