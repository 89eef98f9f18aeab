package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	errs "github.com/matheus3301/chatsync/internal/errors"
	"github.com/matheus3301/chatsync/internal/status"
	"go.uber.org/zap"
)

//go:generate mockgen -source=manager.go -destination=mock_conn_test.go -package=conn

// Channel is one live push connection.
type Channel interface {
	// Receive blocks until the next event arrives, ctx is done or the
	// connection drops.
	Receive(ctx context.Context) (Event, error)
	Send(ctx context.Context, e Event) error
	Close() error
}

// Dialer opens push connections authenticated with an opaque token.
type Dialer interface {
	Dial(ctx context.Context, token string) (Channel, error)
}

// Handler consumes one inbound event. Handlers run on the read loop, in
// arrival order.
type Handler func(ctx context.Context, e Event)

// Options configures a Manager.
type Options struct {
	Policy  RetryPolicy
	Machine *status.Machine
	Logger  *zap.Logger

	// Wait blocks for a retry delay. Defaults to a cancellable timer.
	Wait func(ctx context.Context, d time.Duration) error
}

// Manager owns the single logical push connection. It dials with
// exponential backoff, cools down after a cycle of failures, reconnects
// after unexpected drops and stops for good when the server rejects the
// token.
type Manager struct {
	dialer  Dialer
	machine *status.Machine
	policy  RetryPolicy
	logger  *zap.Logger
	wait    func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	ch       Channel
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
	attempt  int
	cycle    int
	handlers map[string][]Handler
}

// NewManager creates a connection manager. Zero option fields take
// defaults.
func NewManager(d Dialer, opts Options) *Manager {
	if opts.Policy == (RetryPolicy{}) {
		opts.Policy = DefaultRetryPolicy
	}
	if opts.Machine == nil {
		opts.Machine = status.NewMachine(nil)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Wait == nil {
		opts.Wait = sleep
	}
	return &Manager{
		dialer:   d,
		machine:  opts.Machine,
		policy:   opts.Policy,
		logger:   opts.Logger,
		wait:     opts.Wait,
		handlers: make(map[string][]Handler),
	}
}

// On registers h for events named name.
func (m *Manager) On(name string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[name] = append(m.handlers[name], h)
}

// State returns the current connection state.
func (m *Manager) State() status.State {
	return m.machine.Current()
}

// Err returns the error that put the manager into the error state, if any.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Counters returns the 1-based attempt number within the current cycle and
// the number of completed cooldown cycles.
func (m *Manager) Counters() (attempt, cycle int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt, m.cycle
}

// Connect starts connecting with token in the background. A running
// connection is torn down first, so two channels never deliver events at
// the same time.
func (m *Manager) Connect(ctx context.Context, token string) {
	m.stop()

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.mu.Lock()
	m.cancel = cancel
	m.done = done
	m.err = nil
	m.attempt, m.cycle = 1, 0
	m.mu.Unlock()

	go m.run(loopCtx, token, done)
}

// Disconnect closes the connection and stops retrying.
func (m *Manager) Disconnect() {
	m.stop()
	m.moveTo(status.Idle)
}

// Terminate stops the connection because credentials were rejected
// elsewhere, for example by a 401 from the request client.
func (m *Manager) Terminate(err error) {
	m.stop()
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
	if m.machine.Current() == status.Idle {
		return
	}
	m.moveTo(status.Error)
}

// Emit sends an event over the live channel.
func (m *Manager) Emit(ctx context.Context, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}

	m.mu.Lock()
	ch := m.ch
	m.mu.Unlock()
	if ch == nil || m.machine.Current() != status.Connected {
		return errs.ErrNotConnected
	}
	if err := ch.Send(ctx, Event{Name: name, Data: data}); err != nil {
		return fmt.Errorf("emit %s: %w: %w", name, errs.ErrNotConnected, err)
	}
	return nil
}

// stop cancels the running loop, closes its channel and waits for the loop
// to exit.
func (m *Manager) stop() {
	m.mu.Lock()
	cancel, done, ch := m.cancel, m.done, m.ch
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if ch != nil {
		_ = ch.Close()
	}
	<-done
}

func (m *Manager) run(ctx context.Context, token string, done chan struct{}) {
	defer close(done)

	r := &retrier{policy: m.policy}
	for {
		m.moveTo(status.Connecting)
		ch, err := m.dialer.Dial(ctx, token)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errs.IsAuthFailure(err) {
				m.fail(err)
				return
			}

			delay, cooldown := r.failure()
			m.setCounters(r)
			if cooldown {
				m.logger.Warn("connect retries exhausted, cooling down",
					zap.Error(err),
					zap.Int("cycle", r.cycle),
					zap.Duration("cooldown", delay))
				m.moveTo(status.Error)
			} else {
				m.logger.Info("connect failed, retrying",
					zap.Error(err),
					zap.Int("retry", r.retries),
					zap.Duration("delay", delay))
			}
			if err := m.wait(ctx, delay); err != nil {
				return
			}
			continue
		}

		r.reset()
		m.setCounters(r)
		m.setChannel(ch)
		m.moveTo(status.Connected)
		m.logger.Info("push channel connected")

		err = m.read(ctx, ch)
		m.setChannel(nil)
		_ = ch.Close()
		if ctx.Err() != nil {
			return
		}
		if errs.IsAuthFailure(err) {
			m.fail(err)
			return
		}
		m.logger.Warn("push channel dropped, reconnecting", zap.Error(err))
	}
}

func (m *Manager) read(ctx context.Context, ch Channel) error {
	for {
		evt, err := ch.Receive(ctx)
		if err != nil {
			return err
		}
		if err := authRejection(evt); err != nil {
			return err
		}
		m.dispatch(ctx, evt)
	}
}

func (m *Manager) dispatch(ctx context.Context, evt Event) {
	m.mu.Lock()
	hs := m.handlers[evt.Name]
	m.mu.Unlock()

	if len(hs) == 0 {
		m.logger.Debug("unhandled push event", zap.String("event", evt.Name))
		return
	}
	for _, h := range hs {
		h(ctx, evt)
	}
}

func (m *Manager) fail(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
	m.logger.Error("push channel rejected credentials, not retrying", zap.Error(err))
	m.moveTo(status.Error)
}

func (m *Manager) setChannel(ch Channel) {
	m.mu.Lock()
	m.ch = ch
	m.mu.Unlock()
}

func (m *Manager) setCounters(r *retrier) {
	m.mu.Lock()
	m.attempt = r.retries + 1
	m.cycle = r.cycle
	m.mu.Unlock()
}

func (m *Manager) moveTo(s status.State) {
	if err := m.machine.MoveTo(s); err != nil {
		m.logger.Warn("connection state change rejected", zap.Error(err))
	}
}
