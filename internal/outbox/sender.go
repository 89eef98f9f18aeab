// Package outbox replays emits that were queued while the push channel was
// down.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	errs "github.com/matheus3301/chatsync/internal/errors"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

const (
	defaultInterval    = 500 * time.Millisecond
	defaultMaxAttempts = 5
)

// Emitter sends an event over the push channel.
type Emitter interface {
	Emit(ctx context.Context, name string, payload any) error
}

// Acker is told when a queued message finally went out.
type Acker interface {
	MarkSent(ctx context.Context, conversationID, messageID string) error
}

// Failure is published when an entry is given up on.
type Failure struct {
	ID             string
	ConversationID string
	Event          string
	Err            string
}

// Options configures a Sender.
type Options struct {
	// Connected reports whether the push channel is up. The outbox is
	// left alone while it returns false.
	Connected   func() bool
	Acker       Acker
	Interval    time.Duration
	MaxAttempts int
}

// Sender drains the outbox over the push channel.
type Sender struct {
	db      *store.DB
	emitter Emitter
	bus     *bus.Bus
	logger  *zap.Logger
	opts    Options
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSender creates a new outbox sender.
func NewSender(db *store.DB, emitter Emitter, b *bus.Bus, logger *zap.Logger, opts Options) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Connected == nil {
		opts.Connected = func() bool { return true }
	}
	return &Sender{
		db:      db,
		emitter: emitter,
		bus:     b,
		logger:  logger,
		opts:    opts,
	}
}

// Start begins polling the outbox for pending entries.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop stops the sender loop and waits for it to exit.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
		s.cancel = nil
	}
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.opts.Connected() {
				s.Flush(ctx)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Flush emits every queued entry once, oldest first. It stops early when
// the channel drops and leaves the rest queued.
func (s *Sender) Flush(ctx context.Context) {
	pending, err := s.db.PendingOutbox(ctx)
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		if err := s.db.MarkOutboxSending(ctx, entry.ID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("id", entry.ID))
			continue
		}

		err := s.emitter.Emit(ctx, entry.Event, json.RawMessage(entry.Payload))
		if err == nil {
			s.sent(ctx, entry)
			continue
		}

		if errors.Is(err, errs.ErrNotConnected) && entry.Attempts+1 < s.opts.MaxAttempts {
			s.logger.Info("push channel down, keeping outbox entry", zap.String("id", entry.ID))
			if qerr := s.db.RequeueOutbox(ctx, entry.ID); qerr != nil {
				s.logger.Error("failed to requeue", zap.Error(qerr), zap.String("id", entry.ID))
			}
			return
		}
		s.failed(ctx, entry, err)
	}
}

func (s *Sender) sent(ctx context.Context, entry store.OutboxEntry) {
	if err := s.db.MarkOutboxSent(ctx, entry.ID); err != nil {
		s.logger.Error("failed to mark sent", zap.Error(err), zap.String("id", entry.ID))
	}
	s.logger.Info("outbox entry sent", zap.String("id", entry.ID), zap.String("event", entry.Event))

	if s.opts.Acker == nil {
		s.bus.Emit(bus.MessageSendAck, entry.ID)
		return
	}
	if err := s.opts.Acker.MarkSent(ctx, entry.ConversationID, entry.ID); err != nil {
		s.logger.Warn("failed to record sent message", zap.Error(err), zap.String("id", entry.ID))
	}
}

func (s *Sender) failed(ctx context.Context, entry store.OutboxEntry, err error) {
	s.logger.Error("failed to send outbox entry", zap.Error(err), zap.String("id", entry.ID))
	if merr := s.db.MarkOutboxFailed(ctx, entry.ID, err.Error()); merr != nil {
		s.logger.Error("failed to mark failed", zap.Error(merr), zap.String("id", entry.ID))
	}
	s.bus.Emit(bus.MessageSendFailed, Failure{
		ID:             entry.ID,
		ConversationID: entry.ConversationID,
		Event:          entry.Event,
		Err:            err.Error(),
	})
}
