package heartbeat

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/go-zeromq/zmq4"
	"github.com/scusemua/notebook-relay/common/jupyter/bus"
	"github.com/scusemua/notebook-relay/common/utils"
	"k8s.io/utils/clock"
)

const (
	DefaultFirstBeatDelay = 5 * time.Second
	DefaultTimeToDead     = 3 * time.Second
)

const (
	Idle State = iota
	AwaitingPong
	Stopped
)

var (
	Ping = []byte("ping")
)

type State int32

func (s State) String() string {
	return [...]string{"Idle", "AwaitingPong", "Stopped"}[s]
}

type Options struct {
	// FirstBeatDelay is how long to wait after Start before the first ping.
	FirstBeatDelay time.Duration

	// TimeToDead is the round-trip timeout, which is also the probing period.
	TimeToDead time.Duration

	// Clock drives the monitor's timers. Defaults to the real clock.
	Clock clock.WithTicker
}

// Monitor pings a kernel's heartbeat channel and declares the kernel dead after a ping goes unanswered for
// a whole round.
//
// The dead callback fires at most once. A Monitor cannot be restarted once stopped.
type Monitor struct {
	stream bus.Stream
	opts   Options
	onDead func()

	alive   atomic.Bool
	state   atomic.Int32
	started atomic.Bool

	stopCh   chan struct{}
	stopOnce sync.Once
	deadOnce sync.Once
	done     chan struct{}

	log logger.Logger
}

// NewMonitor creates a Monitor for the given heartbeat stream. onDead is called when the kernel is declared dead.
func NewMonitor(name string, stream bus.Stream, opts Options, onDead func()) *Monitor {
	if opts.FirstBeatDelay <= 0 {
		opts.FirstBeatDelay = DefaultFirstBeatDelay
	}
	if opts.TimeToDead <= 0 {
		opts.TimeToDead = DefaultTimeToDead
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}

	m := &Monitor{
		stream: stream,
		opts:   opts,
		onDead: onDead,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	config.InitLogger(&m.log, fmt.Sprintf("Heartbeat[%s] ", name))
	return m
}

// Start subscribes to pongs and schedules the first ping. Calling Start more than once has no effect.
func (m *Monitor) Start() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}

	select {
	case <-m.stopCh:
		close(m.done)
		return
	default:
	}

	m.stream.OnRecv(func(zmq4.Msg) {
		m.Beat()
	})

	go m.run()
}

// Beat records a pong for the current round.
func (m *Monitor) Beat() {
	m.alive.Store(true)
	m.state.CompareAndSwap(int32(AwaitingPong), int32(Idle))
}

// Stop cancels any pending ping and unsubscribes from pongs. It is safe to call Stop on a Monitor that was never
// started, and to call it more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		m.state.Store(int32(Stopped))
		close(m.stopCh)
		m.stream.OnRecv(nil)
	})
}

// Done is closed once a started Monitor has stopped probing.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

func (m *Monitor) State() State {
	return State(m.state.Load())
}

func (m *Monitor) run() {
	defer close(m.done)
	defer m.stream.OnRecv(nil)

	timer := m.opts.Clock.NewTimer(m.opts.FirstBeatDelay)
	select {
	case <-m.stopCh:
		timer.Stop()
		return
	case <-timer.C():
	}

	if m.stream.Closed() {
		m.log.Debug("Heartbeat stream closed before the first ping.")
		return
	}

	ticker := m.opts.Clock.NewTicker(m.opts.TimeToDead)
	defer ticker.Stop()

	m.alive.Store(false)
	m.ping()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C():
			if m.alive.CompareAndSwap(true, false) {
				m.ping()
				continue
			}

			m.dead()
			return
		}
	}
}

func (m *Monitor) ping() {
	for {
		current := m.state.Load()
		if State(current) == Stopped {
			return
		}
		if m.state.CompareAndSwap(current, int32(AwaitingPong)) {
			break
		}
	}

	if err := m.stream.Send(zmq4.NewMsg(Ping)); err != nil {
		m.log.Warn("Failed to send heartbeat ping: %v", err)
	}
}

// dead fires the dead callback unless the Monitor was stopped first. A tick and Stop may be ready at the same
// time, so the transition to Stopped decides which of the two wins.
func (m *Monitor) dead() {
	for {
		current := m.state.Load()
		if State(current) == Stopped {
			m.log.Debug("Missed round after the monitor was stopped. Not declaring kernel dead.")
			return
		}
		if m.state.CompareAndSwap(current, int32(Stopped)) {
			break
		}
	}

	m.deadOnce.Do(func() {
		m.log.Warn(utils.OrangeStyle.Render("No heartbeat received within %v. Declaring kernel dead."), m.opts.TimeToDead)

		m.stream.OnRecv(nil)

		if m.onDead == nil {
			return
		}

		defer func() {
			if r := recover(); r != nil {
				m.log.Error("Dead kernel callback panicked: %v", r)
			}
		}()
		m.onDead()
	})
}
