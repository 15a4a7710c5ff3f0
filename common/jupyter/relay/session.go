package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/scusemua/notebook-relay/common/jupyter/bus"
	"github.com/scusemua/notebook-relay/common/jupyter/messaging"
	"github.com/scusemua/notebook-relay/common/utils"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
)

//go:generate mockgen -source=session.go -destination=mock_relay/session.go -package=mock_relay

const (
	Unauthenticated State = iota
	Authenticated
	Closed
)

const (
	DefaultWriteTimeout = 10 * time.Second
)

var (
	ErrNotAuthenticated = errors.New("channel session is not authenticated")
	ErrSessionClosed    = errors.New("channel session is closed")
)

// State is the lifecycle state of a ChannelSession.
type State int32

func (s State) String() string {
	return [...]string{"Unauthenticated", "Authenticated", "Closed"}[s]
}

// ChannelHandler implements the channel-specific behaviour of a ChannelSession.
type ChannelHandler interface {
	// OnAuthenticated is called once, after the handshake succeeds. It acquires the channel's bus resources.
	// Returning an error closes the session.
	OnAuthenticated(ctx context.Context, s *ChannelSession) error

	// OnMessage is called for every transport message that follows the handshake, in arrival order.
	OnMessage(ctx context.Context, s *ChannelSession, data []byte)

	// OnClose is called exactly once when the session closes, whether or not it ever authenticated.
	OnClose(s *ChannelSession)
}

// OversizedMessageHandler is implemented by ChannelHandlers that account for transport messages discarded for
// being too large. Handlers that do not implement it never hear of them.
type OversizedMessageHandler interface {
	OnOversizedMessage(ctx context.Context, s *ChannelSession, size int64)
}

type SessionOptions struct {
	// RateLimit bounds how many transport messages per second are read. Zero disables limiting.
	RateLimit rate.Limit

	// RateBurst is the burst size of the rate limiter.
	RateBurst int

	// WriteTimeout bounds each write to the transport.
	WriteTimeout time.Duration
}

// ChannelSession bridges one transport connection to one bus channel of a kernel.
//
// The first transport message is a handshake credential and is never forwarded. Until the handshake succeeds,
// nothing is delivered to the handler and nothing may be written to the transport.
type ChannelSession struct {
	id        string
	kernelID  string
	channel   bus.MessageType
	transport Transport
	auth      Authenticator
	handler   ChannelHandler
	limiter   *rate.Limiter
	opts      SessionOptions

	state atomic.Int32
	user  atomic.Value

	ctx       context.Context
	cancel    context.CancelFunc
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}

	log logger.Logger
}

func NewChannelSession(kernelID string, channel bus.MessageType, transport Transport, auth Authenticator, handler ChannelHandler, opts SessionOptions) *ChannelSession {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &ChannelSession{
		id:        uuid.NewString(),
		kernelID:  kernelID,
		channel:   channel,
		transport: transport,
		auth:      auth,
		handler:   handler,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		closed:    make(chan struct{}),
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(opts.RateLimit, burst)
	}
	s.state.Store(int32(Unauthenticated))
	config.InitLogger(&s.log, fmt.Sprintf("%s[%s] ", channel, kernelID))

	return s
}

func (s *ChannelSession) ID() string {
	return s.id
}

func (s *ChannelSession) KernelID() string {
	return s.kernelID
}

func (s *ChannelSession) Channel() bus.MessageType {
	return s.channel
}

func (s *ChannelSession) State() State {
	return State(s.state.Load())
}

// User returns the identity resolved by the handshake, or the empty string before authentication.
func (s *ChannelSession) User() string {
	user, _ := s.user.Load().(string)
	return user
}

// Context is cancelled when the session closes. Bus resources acquired for the session should be bound to it.
func (s *ChannelSession) Context() context.Context {
	return s.ctx
}

// Done is closed once the session has closed.
func (s *ChannelSession) Done() <-chan struct{} {
	return s.closed
}

// Run reads transport messages until the transport fails or the session closes, and closes the session on return.
//
// A normal closure by the client is not an error.
func (s *ChannelSession) Run(ctx context.Context) error {
	defer s.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return s.readError(err)
			}
		}

		data, err := s.transport.Read(ctx)

		var oversized *OversizedMessageError
		if errors.As(err, &oversized) {
			err = s.HandleOversizedMessage(ctx, oversized.Size)
		} else if err != nil {
			return s.readError(err)
		} else {
			err = s.HandleMessage(ctx, data)
		}

		if errors.Is(err, ErrSessionClosed) {
			return nil
		} else if err != nil {
			return err
		}
	}
}

func (s *ChannelSession) readError(err error) error {
	if s.State() == Closed {
		return nil
	}

	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		s.log.Debug("Client closed the connection.")
		return nil
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// HandleMessage processes one transport message according to the session's state.
//
// The first message is the handshake. If it fails, the transport is closed with a policy violation and no reply
// is sent. Later messages, including any that look like another handshake, are passed to the handler.
func (s *ChannelSession) HandleMessage(ctx context.Context, data []byte) error {
	switch s.State() {
	case Unauthenticated:
		return s.handshake(ctx, data)
	case Authenticated:
		s.handler.OnMessage(ctx, s, data)
		return nil
	default:
		return ErrSessionClosed
	}
}

// HandleOversizedMessage accounts for a transport message that was discarded for exceeding the size limit.
//
// A discarded handshake cannot be verified, so it fails like any other bad credential. After the handshake the
// message is reported to the handler if it implements OversizedMessageHandler, and the session carries on.
func (s *ChannelSession) HandleOversizedMessage(ctx context.Context, size int64) error {
	switch s.State() {
	case Unauthenticated:
		s.log.Warn(utils.OrangeStyle.Render("Handshake failed: %d-byte credential exceeds the size limit."), size)
		s.closeWith(websocket.StatusPolicyViolation, "authentication failed")
		return errors.Wrap(ErrAuthenticationFailure, ErrMessageTooLarge.Error())
	case Authenticated:
		if h, ok := s.handler.(OversizedMessageHandler); ok {
			h.OnOversizedMessage(ctx, s, size)
		} else {
			s.log.Debug("Discarded %d-byte message.", size)
		}
		return nil
	default:
		return ErrSessionClosed
	}
}

func (s *ChannelSession) handshake(ctx context.Context, credential []byte) error {
	user, err := s.auth.Authenticate(string(credential))
	if err != nil {
		s.log.Warn(utils.OrangeStyle.Render("Handshake failed: %v"), err)
		s.closeWith(websocket.StatusPolicyViolation, "authentication failed")

		if !errors.Is(err, ErrAuthenticationFailure) {
			err = errors.Wrap(ErrAuthenticationFailure, err.Error())
		}
		return err
	}

	s.user.Store(user)
	if !s.state.CompareAndSwap(int32(Unauthenticated), int32(Authenticated)) {
		return ErrSessionClosed
	}
	s.log.Debug("Authenticated user %s.", user)

	if err := s.handler.OnAuthenticated(ctx, s); err != nil {
		s.log.Error(utils.RedStyle.Render("Failed to set up channel after authentication: %v"), err)
		s.closeWith(websocket.StatusInternalError, "failed to connect to kernel")
		return err
	}

	return nil
}

// Send writes a message to the transport. It fails with ErrNotAuthenticated unless the session is authenticated.
func (s *ChannelSession) Send(data []byte) error {
	if s.State() != Authenticated {
		return ErrNotAuthenticated
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.WriteTimeout)
	defer cancel()

	return s.transport.Write(ctx, data)
}

// WriteMessage encodes a message in its transport representation and sends it.
func (s *ChannelSession) WriteMessage(msg *messaging.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.Send(data)
}

// Close closes the session and its transport. It is safe to call Close more than once.
func (s *ChannelSession) Close() {
	s.closeWith(websocket.StatusNormalClosure, "")
}

func (s *ChannelSession) closeWith(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(Closed))
		s.handler.OnClose(s)
		s.cancel()

		if err := s.transport.Close(code, reason); err != nil {
			s.log.Debug("Error while closing transport: %v", err)
		}
		close(s.closed)
	})
}
