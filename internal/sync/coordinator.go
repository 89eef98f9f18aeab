// Package sync keeps the in-memory conversation and message views in step
// with the chat service and mirrors them to the local store.
package sync

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/conn"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/upload"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const defaultPageSize = 20

// Remote is the part of the request client the coordinator calls.
type Remote interface {
	ListRooms(ctx context.Context, q remote.RoomQuery) ([]model.Conversation, error)
	CreateRoom(ctx context.Context, name string, kind model.ConversationKind, memberIDs []string) (model.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, q remote.MessageQuery) ([]model.Message, error)
}

// Emitter sends events over the push channel.
type Emitter interface {
	Emit(ctx context.Context, name string, payload any) error
}

// Uploader runs attachment uploads.
type Uploader interface {
	UploadParallel(ctx context.Context, files []upload.File, dest upload.Destination, onEachProgress func(i, pct int)) []upload.Result
	UploadSequential(ctx context.Context, files []upload.File, dest upload.Destination, onEachProgress func(i, pct int), onItemDone func(i int, r upload.Result) bool) []upload.Result
}

// Subscriber registers push event handlers.
type Subscriber interface {
	On(name string, h conn.Handler)
}

// Options configures a Coordinator.
type Options struct {
	Store   *store.DB
	Remote  Remote
	Emitter Emitter
	Uploads Uploader
	Bus     *bus.Bus
	Logger  *zap.Logger

	// PageSize is the number of messages fetched per history page.
	PageSize int
	// SequentialUploads uploads a message's attachments one at a time.
	SequentialUploads bool

	Now   func() time.Time
	NewID func() string
}

// Coordinator is the single writer of the conversation list and every
// conversation's message buffer.
type Coordinator struct {
	db      *store.DB
	remote  Remote
	emitter Emitter
	uploads Uploader
	bus     *bus.Bus
	logger  *zap.Logger
	markers *Reconciler

	pageSize   int
	sequential bool
	now        func() time.Time
	newID      func() string

	convs *actor[convState]
	msgs  *actor[msgState]
}

// New starts a coordinator. Close releases its goroutines.
func New(opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Coordinator{
		db:         opts.Store,
		remote:     opts.Remote,
		emitter:    opts.Emitter,
		uploads:    opts.Uploads,
		bus:        opts.Bus,
		logger:     opts.Logger,
		markers:    NewReconciler(opts.Store, opts.Logger),
		pageSize:   opts.PageSize,
		sequential: opts.SequentialUploads,
		now:        opts.Now,
		newID:      opts.NewID,
		convs:      newActor(newConvState()),
		msgs:       newActor(newMsgState()),
	}
}

// Close stops the coordinator. Later calls fail with errors.ErrClosed.
func (c *Coordinator) Close() {
	c.convs.stop()
	c.msgs.stop()
}

// Register wires the coordinator to inbound push events.
func (c *Coordinator) Register(s Subscriber) {
	s.On(conn.EventConversationUpsert, func(ctx context.Context, e conn.Event) {
		conv := remote.DecodeConversation(gjson.ParseBytes(e.Data))
		if conv.ID == "" {
			c.logger.Warn("conversation push without id")
			return
		}
		if _, err := c.ApplyConversationPush(ctx, conv); err != nil {
			c.logger.Error("applying conversation push", zap.String("conversation_id", conv.ID), zap.Error(err))
		}
	})
	s.On(conn.EventMessageUpsert, func(ctx context.Context, e conn.Event) {
		m := remote.DecodeMessage(gjson.ParseBytes(e.Data))
		if m.ID == "" || m.ConversationID == "" {
			c.logger.Warn("message push without id or conversation")
			return
		}
		if err := c.ApplyMessagePush(ctx, m); err != nil {
			c.logger.Error("applying message push", zap.String("message_id", m.ID), zap.Error(err))
		}
	})
	s.On(conn.EventMarkRead, func(ctx context.Context, e conn.Event) {
		mark := decodeReadMark(gjson.ParseBytes(e.Data))
		if mark.ConversationID == "" {
			return
		}
		if err := c.ApplyReadMark(ctx, mark); err != nil {
			c.logger.Error("applying read mark", zap.String("conversation_id", mark.ConversationID), zap.Error(err))
		}
	})
}

// mirror runs a best-effort store write. Failures are logged, never
// returned: the in-memory view stays authoritative.
func (c *Coordinator) mirror(what, id string, err error) {
	if err != nil {
		c.logger.Error("mirroring to store failed",
			zap.String("what", what),
			zap.String("id", id),
			zap.Error(err))
	}
}

// ReadMarker returns the last message recorded as read in a conversation.
func (c *Coordinator) ReadMarker(ctx context.Context, conversationID string) (string, error) {
	return c.markers.ReadMarker(ctx, conversationID)
}
