// Package ws carries the push channel over a WebSocket.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/matheus3301/chatsync/internal/conn"
	errs "github.com/matheus3301/chatsync/internal/errors"
	"go.uber.org/zap"
)

//go:generate mockgen -source=ws.go -destination=mock_ws_test.go -package=ws

const (
	defaultReadLimit = 4 << 20

	// statusUnauthorized is the application close code servers send when
	// the token is rejected mid-session.
	statusUnauthorized websocket.StatusCode = 4401
)

// wsConn abstracts the WebSocket connection so the channel can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens push channels against a WebSocket endpoint.
type Dialer struct {
	URL       string
	Header    http.Header
	ReadLimit int64
	Logger    *zap.Logger
}

// Dial connects with token as a bearer credential. A 401 or 403 from the
// upgrade request is reported as errs.ErrUnauthorized.
func (d *Dialer) Dial(ctx context.Context, token string) (conn.Channel, error) {
	header := d.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Authorization", "Bearer "+token)

	c, resp, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("dialing %s: %w (status %d)", d.URL, errs.ErrUnauthorized, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing %s: %w", d.URL, err)
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	c.SetReadLimit(limit)

	return newChannel(c, d.Logger), nil
}

type channel struct {
	c      wsConn
	logger *zap.Logger
}

func newChannel(c wsConn, logger *zap.Logger) *channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &channel{c: c, logger: logger}
}

// Receive returns the next well-formed event. Binary frames and malformed
// envelopes are skipped.
func (ch *channel) Receive(ctx context.Context) (conn.Event, error) {
	for {
		typ, data, err := ch.c.Read(ctx)
		if err != nil {
			return conn.Event{}, closeError(err)
		}
		if typ != websocket.MessageText {
			continue
		}
		e, err := conn.Decode(data)
		if err != nil {
			ch.logger.Debug("skipping push frame", zap.Error(err))
			continue
		}
		return e, nil
	}
}

func (ch *channel) Send(ctx context.Context, e conn.Event) error {
	data, err := conn.Encode(e)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", e.Name, err)
	}
	return ch.c.Write(ctx, websocket.MessageText, data)
}

func (ch *channel) Close() error {
	return ch.c.Close(websocket.StatusNormalClosure, "bye")
}

// closeError maps an auth close frame onto errs.ErrUnauthorized.
func closeError(err error) error {
	var ce websocket.CloseError
	if !errors.As(err, &ce) {
		return err
	}
	if ce.Code == statusUnauthorized || errs.IsAuthReason(ce.Reason) {
		return fmt.Errorf("%w: closed by server (%s)", errs.ErrUnauthorized, ce.Reason)
	}
	return err
}
