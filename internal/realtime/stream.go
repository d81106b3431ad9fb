// Package realtime maintains the live subscription to the backend's change
// event stream. The subscription is scoped server-side by the bearer token
// to the current user's conversations; the client never opens a global
// stream. Decoded events are published on the bus for the sync engine.
package realtime

import (
	"context"
	"time"

	"nhooyr.io/websocket"

	"github.com/naarscars/chatsync/internal/bus"
	"github.com/naarscars/chatsync/internal/status"
	"go.uber.org/zap"
)

// CatchUpFunc fetches everything newer than the local replica's newest
// known state. It runs between a successful dial and Live; a failure keeps
// the stream out of Live so the gap is retried.
type CatchUpFunc func(ctx context.Context) error

// Options configures the stream.
type Options struct {
	URL         string // wss endpoint
	Token       string
	DialTimeout time.Duration
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Stream owns the websocket connection and the reconnect loop.
type Stream struct {
	opts    Options
	machine *status.Machine
	bus     *bus.Bus
	catchUp CatchUpFunc
	logger  *zap.Logger
	recon   *reconnector
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewStream creates a stream. catchUp is invoked on every (re)connection
// before the machine goes Live.
func NewStream(opts Options, machine *status.Machine, b *bus.Bus, catchUp CatchUpFunc, logger *zap.Logger) *Stream {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 15 * time.Second
	}
	return &Stream{
		opts:    opts,
		machine: machine,
		bus:     b,
		catchUp: catchUp,
		logger:  logger,
		recon:   newReconnector(opts.BaseBackoff, opts.MaxBackoff),
	}
}

// Start launches the connect/read/reconnect loop.
func (s *Stream) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
}

// Stop terminates the stream and waits for the loop to exit.
func (s *Stream) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
	_ = s.machine.Transition(status.Stopped)
}

func (s *Stream) run(ctx context.Context) {
	defer close(s.done)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.connectAndRead(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("stream disconnected", zap.Error(err))
		}
		_ = s.machine.Transition(status.Disconnected)
		s.bus.Publish(bus.Event{Kind: bus.KindStreamDisconnected, Timestamp: time.Now()})

		delay := s.recon.nextDelay()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// connectAndRead performs one full connection lifecycle: dial, catch up,
// go live, then read until the connection fails.
func (s *Stream) connectAndRead(ctx context.Context) error {
	_ = s.machine.Transition(status.Connecting)

	dialCtx, cancel := context.WithTimeout(ctx, s.opts.DialTimeout)
	conn, _, err := websocket.Dial(dialCtx, s.opts.URL+"?token="+s.opts.Token, nil)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	s.recon.markConnected()

	// Catch up before going live: events emitted while disconnected are
	// otherwise permanently lost.
	_ = s.machine.Transition(status.CatchingUp)
	if err := s.catchUp(ctx); err != nil {
		return err
	}
	_ = s.machine.Transition(status.Live)
	s.recon.reset()
	s.bus.Publish(bus.Event{Kind: bus.KindStreamConnected, Timestamp: time.Now()})
	s.logger.Info("stream live")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		ev, err := DecodeEvent(data)
		if err != nil {
			// One bad event must not halt the stream.
			s.logger.Error("dropping malformed event", zap.Error(err))
			continue
		}
		s.bus.Publish(bus.Event{Kind: ev.BusKind(), Timestamp: time.Now(), Payload: ev})
	}
}
