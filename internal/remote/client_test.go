package remote

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	errs "github.com/matheus3301/chatsync/internal/errors"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type fakeTokens struct {
	token       string
	err         error
	invalidated atomic.Int32
}

func (f *fakeTokens) Token(context.Context) (string, error) { return f.token, f.err }

func (f *fakeTokens) Invalidate(context.Context) error {
	f.invalidated.Add(1)
	return nil
}

func newTestClient(t *testing.T, h http.HandlerFunc, opts Options) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	opts.BaseURL = srv.URL
	return NewClient(opts)
}

func TestListRoomsSendsQueryAndDecodes(t *testing.T) {
	tokens := &fakeTokens{token: "tok"}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/rooms", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "group", r.URL.Query().Get("type"))
		assert.Equal(t, "ops", r.URL.Query().Get("q"))
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		assert.Equal(t, "40", r.URL.Query().Get("offset"))
		io.WriteString(w, `{"message":"ok","statusCode":200,"reasonStatusCode":"OK","metadata":{"rooms":[
			{"id":"c1","roomId":"r1","type":"group","name":"Ops","members":[{"id":"u1","name":"Ana","role":"owner"}],
			 "updatedAt":"2026-03-01T10:00:00.000Z","unread_count":"3","is_read":false,
			 "last_message":{"id":"m9","content":"hi","createdAt":"2026-03-01T09:59:00Z","sender_id":"u1","sender_fullname":"Ana"}},
			{"name":"no id"}
		],"total":1}}`)
	}, Options{Tokens: tokens})

	rooms, err := c.ListRooms(context.Background(), RoomQuery{Query: "ops", Kind: model.KindGroup, Limit: 20, Offset: 40})
	require.NoError(t, err)
	require.Len(t, rooms, 1)

	got := rooms[0]
	assert.Equal(t, "c1", got.ID)
	assert.Equal(t, "r1", got.RemoteID)
	assert.Equal(t, model.KindGroup, got.Kind)
	assert.Equal(t, 3, got.UnreadCount)
	require.Len(t, got.Members, 1)
	assert.Equal(t, "owner", got.Members[0].Role)
	require.NotNil(t, got.LastMessage)
	assert.Equal(t, "m9", got.LastMessage.ID)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), got.UpdatedAt)
}

func TestUnauthorizedInvalidatesSession(t *testing.T) {
	tokens := &fakeTokens{token: "stale"}
	var hooked error
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"message":"jwt expired","statusCode":401,"reasonStatusCode":"Unauthorized"}`)
	}, Options{Tokens: tokens, OnUnauthorized: func(err error) { hooked = err }})

	_, err := c.Get(context.Background(), "/chat/rooms")
	require.ErrorIs(t, err, errs.ErrUnauthorized)
	assert.True(t, errs.IsAuthFailure(err))
	assert.False(t, IsTransient(err))
	assert.EqualValues(t, 1, tokens.invalidated.Load())
	assert.ErrorIs(t, hooked, errs.ErrUnauthorized)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "jwt expired", apiErr.Message)
}

func TestServerErrorIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}, Options{})

	_, err := c.Get(context.Background(), "/chat/rooms")
	require.Error(t, err)
	assert.True(t, IsTransient(err))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode())
	assert.Contains(t, apiErr.Message, "upstream down")
}

func TestNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	c := NewClient(Options{BaseURL: srv.URL})
	_, err := c.Get(context.Background(), "/chat/rooms")
	assert.True(t, IsTransient(err))
}

func TestValidationErrorsAreFlattened(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"message":[{"field":"name","errors":["required","too short"]},"memberIds invalid"]}`)
	}, Options{})

	_, err := c.Post(context.Background(), "/chat/rooms", map[string]string{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "name: required, too short; memberIds invalid", apiErr.Message)
	assert.False(t, IsTransient(err))
}

func TestWithTimeoutOverridesDefault(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, Options{Timeout: time.Minute})
	defer close(release)

	start := time.Now()
	_, err := c.Get(context.Background(), "/slow", WithTimeout(20*time.Millisecond))
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestMissingSessionFailsBeforeRequest(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, func(http.ResponseWriter, *http.Request) { hits.Add(1) },
		Options{Tokens: &fakeTokens{err: errs.ErrNoSession}})

	_, err := c.Get(context.Background(), "/chat/rooms")
	assert.ErrorIs(t, err, errs.ErrNoSession)
	assert.Zero(t, hits.Load())
}

func TestCreateRoomPostsBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"name":"Team","type":"group","memberIds":["a","b","c"]}`, string(body))
		io.WriteString(w, `{"statusCode":201,"metadata":{"_id":"c7","type":"group","name":"Team"}}`)
	}, Options{})

	conv, err := c.CreateRoom(context.Background(), "Team", model.KindGroup, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, "c7", conv.ID)
	assert.Equal(t, "c7", conv.RemoteID)
}

func TestListMessagesPaging(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/messages/c1", r.URL.Path)
		assert.Equal(t, "m5", r.URL.Query().Get("msgId"))
		assert.Equal(t, "old", r.URL.Query().Get("type"))
		io.WriteString(w, `{"metadata":[
			{"id":"m3","type":"image","content":"","createdAt":"2026-03-01T10:00:00.000Z",
			 "sender":{"_id":"u1","fullname":"Ana"},
			 "attachments":[{"_id":"a1","url":"https://cdn/x.png","size":{"low":5,"high":1},"mimeType":"image/png"}]}
		]}`)
	}, Options{})

	msgs, err := c.ListMessages(context.Background(), "c1", MessageQuery{PivotID: "m5", Limit: 20, Direction: Older})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	m := msgs[0]
	assert.Equal(t, "c1", m.ConversationID, "conversation id defaults to the requested one")
	assert.Equal(t, model.MessageImage, m.Kind)
	assert.Equal(t, "Ana", m.Sender.DisplayName)
	require.Len(t, m.Attachments, 1)
	assert.Equal(t, int64(1<<32+5), m.Attachments[0].SizeBytes)
	assert.Equal(t, model.AttachmentUploaded, m.Attachments[0].Status)
}

func TestUploadFileStreamsMultipart(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/filesystem/upload-single-user", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "c1", r.FormValue("roomId"))
		assert.Equal(t, "att-1", r.FormValue("id"))
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "hello world", string(data))
		assert.Equal(t, "note.txt", hdr.Filename)
		io.WriteString(w, `{"metadata":{"_id":"att-1","url":"https://cdn/note.txt","name":"note.txt","size":"11","kind":"file","status":"uploaded"}}`)
	}, Options{})

	var last atomic.Int64
	att, err := c.UploadFile(context.Background(), "c1", "att-1", Form{
		FileName:    "note.txt",
		ContentType: "text/plain",
		File:        strings.NewReader("hello world"),
		Size:        11,
	}, func(sent, total int64) { last.Store(sent) })
	require.NoError(t, err)
	assert.Equal(t, "att-1", att.ID)
	assert.Equal(t, int64(11), att.SizeBytes)
	assert.Equal(t, "https://cdn/note.txt", att.RemoteURL)
	assert.Equal(t, int64(11), last.Load())
}

func TestDecodeConversationDefaults(t *testing.T) {
	c := DecodeConversation(gjson.Parse(`{"roomId":"r1","type":"weird","unread_count":-2}`))
	assert.Equal(t, "r1", c.ID)
	assert.Equal(t, model.KindPrivate, c.Kind)
	assert.Zero(t, c.UnreadCount)
	assert.Nil(t, c.LastMessage)
}

func TestSanitizeResponseBody(t *testing.T) {
	assert.Equal(t, "a?b", sanitizeResponseBody([]byte("a\x00b")))
	assert.Len(t, sanitizeResponseBody([]byte(strings.Repeat("x", 1000))), 256)
}
