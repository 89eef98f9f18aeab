// Package natsch carries the push channel over NATS core subjects, for
// deployments that fan events out through a broker instead of a socket
// gateway.
package natsch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/conn"
	errs "github.com/matheus3301/chatsync/internal/errors"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const inboxSize = 256

// Dialer opens push channels on a NATS server. Inbound events arrive on
// Subject; outbound events are published to PublishSubject.
type Dialer struct {
	URL            string
	Subject        string
	PublishSubject string
	Name           string
	Timeout        time.Duration
	Logger         *zap.Logger
}

// Dial connects using token as the NATS auth token. Reconnects are left to
// the connection manager, so the client is configured never to reconnect on
// its own.
func (d *Dialer) Dial(ctx context.Context, token string) (conn.Channel, error) {
	if d.Subject == "" || d.PublishSubject == "" {
		return nil, errors.New("nats subjects missing")
	}
	timeout := d.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	if dl, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(dl))
	}

	ch := &channel{
		msgs:    make(chan *nats.Msg, inboxSize),
		closed:  make(chan struct{}),
		publish: d.PublishSubject,
		logger:  d.Logger,
	}
	if ch.logger == nil {
		ch.logger = zap.NewNop()
	}

	nc, err := nats.Connect(d.URL,
		nats.Name(d.Name),
		nats.Token(token),
		nats.Timeout(timeout),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			ch.setErr(err)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			ch.setErr(err)
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			ch.markClosed()
		}),
	)
	if err != nil {
		return nil, dialError(d.URL, err)
	}
	ch.nc = nc

	if _, err := nc.ChanSubscribe(d.Subject, ch.msgs); err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribing %s: %w", d.Subject, err)
	}
	return ch, nil
}

func dialError(url string, err error) error {
	if errors.Is(err, nats.ErrAuthorization) || errors.Is(err, nats.ErrAuthExpired) || errors.Is(err, nats.ErrAuthRevoked) {
		return fmt.Errorf("connecting %s: %w: %w", url, errs.ErrUnauthorized, err)
	}
	return fmt.Errorf("connecting %s: %w", url, err)
}

type channel struct {
	nc      *nats.Conn
	msgs    chan *nats.Msg
	publish string
	logger  *zap.Logger

	mu     sync.Mutex
	err    error
	closed chan struct{}
	once   sync.Once
}

func (ch *channel) setErr(err error) {
	if err == nil {
		return
	}
	ch.mu.Lock()
	if ch.err == nil {
		ch.err = err
	}
	ch.mu.Unlock()
}

func (ch *channel) markClosed() {
	ch.once.Do(func() { close(ch.closed) })
}

// Receive returns the next well-formed event, or the reason the
// connection went away.
func (ch *channel) Receive(ctx context.Context) (conn.Event, error) {
	for {
		select {
		case <-ctx.Done():
			return conn.Event{}, ctx.Err()
		case <-ch.closed:
			return conn.Event{}, ch.closeReason()
		case msg := <-ch.msgs:
			e, err := conn.Decode(msg.Data)
			if err != nil {
				ch.logger.Debug("skipping push message", zap.String("subject", msg.Subject), zap.Error(err))
				continue
			}
			return e, nil
		}
	}
}

func (ch *channel) closeReason() error {
	ch.mu.Lock()
	err := ch.err
	ch.mu.Unlock()
	switch {
	case err == nil:
		return errs.ErrClosed
	case errors.Is(err, nats.ErrAuthorization), errors.Is(err, nats.ErrAuthExpired), errors.Is(err, nats.ErrAuthRevoked):
		return fmt.Errorf("%w: %w", errs.ErrUnauthorized, err)
	default:
		return fmt.Errorf("%w: %w", errs.ErrClosed, err)
	}
}

func (ch *channel) Send(_ context.Context, e conn.Event) error {
	data, err := conn.Encode(e)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", e.Name, err)
	}
	return ch.nc.Publish(ch.publish, data)
}

func (ch *channel) Close() error {
	if ch.nc != nil {
		ch.nc.Close()
	}
	ch.markClosed()
	return nil
}
