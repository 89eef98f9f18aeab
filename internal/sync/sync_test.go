package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/conn"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/upload"
)

var base = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fakeRemote struct {
	rooms      []model.Conversation
	roomsErr   error
	roomCalls  int
	createErr  error
	created    []string
	pages      map[string][]model.Message
	pageErr    error
	pageCalls  int
	lastPaging remote.MessageQuery
}

func (f *fakeRemote) ListRooms(_ context.Context, _ remote.RoomQuery) ([]model.Conversation, error) {
	f.roomCalls++
	if f.roomsErr != nil {
		return nil, f.roomsErr
	}
	return f.rooms, nil
}

func (f *fakeRemote) CreateRoom(_ context.Context, name string, kind model.ConversationKind, memberIDs []string) (model.Conversation, error) {
	if f.createErr != nil {
		return model.Conversation{}, f.createErr
	}
	f.created = append(f.created, name)
	return model.Conversation{ID: "new-" + name, Kind: kind, DisplayName: name, UpdatedAt: base}, nil
}

func (f *fakeRemote) ListMessages(_ context.Context, conversationID string, q remote.MessageQuery) ([]model.Message, error) {
	f.pageCalls++
	f.lastPaging = q
	if f.pageErr != nil {
		return nil, f.pageErr
	}
	return f.pages[conversationID], nil
}

type emitted struct {
	name    string
	payload any
}

type fakeEmitter struct {
	events []emitted
	err    error
	// onEmit runs after a successful emit, before Emit returns.
	onEmit func(name string, payload any)
}

func (f *fakeEmitter) Emit(_ context.Context, name string, payload any) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, emitted{name, payload})
	if f.onEmit != nil {
		f.onEmit(name, payload)
	}
	return nil
}

type fakeUploader struct {
	fail  map[string]bool
	calls [][]string
}

func (f *fakeUploader) UploadParallel(_ context.Context, files []upload.File, _ upload.Destination, onEach func(i, pct int)) []upload.Result {
	ids := make([]string, len(files))
	results := make([]upload.Result, len(files))
	for i, file := range files {
		ids[i] = file.ID
		if onEach != nil {
			onEach(i, 50)
		}
		if f.fail[file.ID] {
			results[i] = upload.Result{File: file, Err: errors.New("upload refused")}
			continue
		}
		results[i] = upload.Result{File: file, Descriptor: upload.Descriptor{
			ID:     file.ID,
			URL:    "https://cdn/" + file.ID,
			Name:   file.Name,
			Status: model.AttachmentUploaded,
		}}
	}
	f.calls = append(f.calls, ids)
	return results
}

func (f *fakeUploader) UploadSequential(ctx context.Context, files []upload.File, dest upload.Destination, onEach func(i, pct int), _ func(int, upload.Result) bool) []upload.Result {
	return f.UploadParallel(ctx, files, dest, onEach)
}

type fixture struct {
	c       *Coordinator
	db      *store.DB
	remote  *fakeRemote
	emitter *fakeEmitter
	uploads *fakeUploader
	bus     *bus.Bus
}

func newFixture(t *testing.T, db *store.DB) *fixture {
	t.Helper()
	if db == nil {
		db = testDB(t)
	}
	f := &fixture{
		db:      db,
		remote:  &fakeRemote{pages: map[string][]model.Message{}},
		emitter: &fakeEmitter{},
		uploads: &fakeUploader{fail: map[string]bool{}},
		bus:     bus.New(),
	}
	clock := base
	seq := 0
	f.c = New(Options{
		Store:   db,
		Remote:  f.remote,
		Emitter: f.emitter,
		Uploads: f.uploads,
		Bus:     f.bus,
		Now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
		NewID: func() string {
			seq++
			return fmt.Sprintf("id-%d", seq)
		},
	})
	t.Cleanup(f.c.Close)
	return f
}

func msg(conv, id string, at time.Time, body string) model.Message {
	return model.Message{ID: id, ConversationID: conv, Kind: model.MessageText, Body: body, CreatedAt: at, Status: model.StatusDelivered}
}

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func equalIDs(t *testing.T, got, want []string) {
	t.Helper()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("ids = %v, want %v", got, want)
	}
}

type fakeSubscriber struct {
	handlers map[string]conn.Handler
}

func (f *fakeSubscriber) On(name string, h conn.Handler) {
	if f.handlers == nil {
		f.handlers = map[string]conn.Handler{}
	}
	f.handlers[name] = h
}
