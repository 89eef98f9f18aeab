package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/conn"
	errs "github.com/matheus3301/chatsync/internal/errors"
	"github.com/matheus3301/chatsync/internal/model"
)

func TestSendKeepsOptimisticID(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	sent, err := f.c.Send(ctx, SendRequest{ConversationID: "c1", Body: "hello"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sent.Status != model.StatusSent {
		t.Errorf("status = %s, want sent", sent.Status)
	}
	if len(f.emitter.events) != 1 || f.emitter.events[0].name != conn.EventMessageSend {
		t.Fatalf("emitted = %+v", f.emitter.events)
	}
	payload := f.emitter.events[0].payload.(sendPayload)
	if payload.ID != sent.ID || payload.Content != "hello" || payload.Type != model.MessageText {
		t.Errorf("payload = %+v", payload)
	}

	// The service echoes the message back with the same id.
	echo := sent
	echo.IsMine = false
	if err := f.c.ApplyMessagePush(ctx, echo); err != nil {
		t.Fatal(err)
	}
	got := f.c.Messages("c1")
	if len(got) != 1 || got[0].ID != sent.ID {
		t.Fatalf("buffer = %v, want only %s", ids(got), sent.ID)
	}
	if !got[0].IsMine {
		t.Error("echo cleared IsMine")
	}

	row, err := f.db.GetMessage(ctx, sent.ID)
	if err != nil || row == nil {
		t.Fatalf("stored message: %v, %v", row, err)
	}
}

func TestSendReplyCarriesQuote(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	orig := msg("c1", "q1", base, "original")
	orig.Sender = model.Sender{ID: "u2", DisplayName: "Bob"}
	if err := f.c.ApplyMessagePush(ctx, orig); err != nil {
		t.Fatal(err)
	}

	m, err := f.c.Send(ctx, SendRequest{ConversationID: "c1", Body: "reply", ReplyTo: "q1"})
	if err != nil {
		t.Fatal(err)
	}
	if m.Reply == nil || m.Reply.Body != "original" || m.Reply.SenderName != "Bob" {
		t.Errorf("reply = %+v", m.Reply)
	}
	if p := f.emitter.events[0].payload.(sendPayload); p.ReplyTo != "q1" {
		t.Errorf("payload replyTo = %q", p.ReplyTo)
	}
}

func TestSendWhileDisconnectedQueuesOutbox(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.emitter.err = errs.ErrNotConnected
	failed, unsub := f.bus.Subscribe(bus.MessageSendFailed, 4)
	defer unsub()

	m, err := f.c.Send(ctx, SendRequest{ConversationID: "c1", Body: "later"})
	if !errors.Is(err, errs.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if m.Status != model.StatusFailed {
		t.Errorf("status = %s, want failed", m.Status)
	}
	select {
	case evt := <-failed:
		if sf := evt.Payload.(SendFailure); sf.Message.ID != m.ID {
			t.Errorf("failure for %s, want %s", sf.Message.ID, m.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("no send failure published")
	}

	pending, err := f.db.PendingOutbox(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != m.ID || pending[0].Event != conn.EventMessageSend {
		t.Fatalf("outbox = %+v", pending)
	}

	if err := f.c.MarkSent(ctx, "c1", m.ID); err != nil {
		t.Fatal(err)
	}
	if got := f.c.Messages("c1")[0].Status; got != model.StatusSent {
		t.Errorf("status after MarkSent = %s", got)
	}
}

func TestEchoDuringEmitKeepsDelivered(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.emitter.onEmit = func(name string, payload any) {
		if name != conn.EventMessageSend {
			return
		}
		p := payload.(sendPayload)
		if err := f.c.ApplyMessagePush(ctx, msg(p.ConversationID, p.ID, base, p.Content)); err != nil {
			t.Errorf("echo: %v", err)
		}
	}

	m, err := f.c.Send(ctx, SendRequest{ConversationID: "c1", Body: "fast echo"})
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != model.StatusDelivered {
		t.Errorf("returned status = %s, want delivered", m.Status)
	}
	if got := f.c.Messages("c1")[0].Status; got != model.StatusDelivered {
		t.Errorf("buffered status = %s, want delivered", got)
	}

	if err := f.c.MarkSent(ctx, "c1", m.ID); err != nil {
		t.Fatal(err)
	}
	row, err := f.db.GetMessage(ctx, m.ID)
	if err != nil || row == nil || row.Status != model.StatusDelivered {
		t.Errorf("stored = %+v, %v; want delivered", row, err)
	}
}

func TestRetryClearsQueuedSend(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.emitter.err = errs.ErrNotConnected

	m, _ := f.c.Send(ctx, SendRequest{ConversationID: "c1", Body: "again"})
	pending, err := f.db.PendingOutbox(ctx)
	if err != nil || len(pending) != 1 {
		t.Fatalf("outbox before retry = %+v, %v", pending, err)
	}

	f.emitter.err = nil
	out, err := f.c.Retry(ctx, "c1", m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != model.StatusSent {
		t.Errorf("status = %s, want sent", out.Status)
	}
	pending, err = f.db.PendingOutbox(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("outbox after retry = %+v, want empty", pending)
	}
	if len(f.emitter.events) != 1 {
		t.Errorf("emitted %d times, want 1", len(f.emitter.events))
	}
}

func TestMarkSentFallsBackToStore(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	f := newFixture(t, db)
	f.emitter.err = errs.ErrNotConnected
	m, _ := f.c.Send(ctx, SendRequest{ConversationID: "c1", Body: "queued"})
	f.c.Close()

	restarted := newFixture(t, db)
	if err := restarted.c.MarkSent(ctx, "c1", m.ID); err != nil {
		t.Fatal(err)
	}
	row, err := db.GetMessage(ctx, m.ID)
	if err != nil || row == nil || row.Status != model.StatusSent {
		t.Errorf("stored = %+v, %v; want sent", row, err)
	}
}

func TestPartialUploadFailureThenRetry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	req := SendRequest{
		ConversationID: "c1",
		Attachments: []model.Attachment{
			{ID: "a1", Name: "one.png", MimeType: "image/png", LocalURI: "/tmp/one.png"},
			{ID: "a2", Name: "two.png", MimeType: "image/png", LocalURI: "/tmp/two.png"},
		},
	}
	f.uploads.fail["a2"] = true

	m, err := f.c.Send(ctx, req)
	if err == nil {
		t.Fatal("Send succeeded with a failed attachment")
	}
	if m.Status != model.StatusFailed {
		t.Errorf("status = %s, want failed", m.Status)
	}
	if m.Kind != model.MessageImage {
		t.Errorf("kind = %s, want image", m.Kind)
	}
	if m.Attachments[0].Status != model.AttachmentUploaded || m.Attachments[0].RemoteURL == "" {
		t.Errorf("a1 = %+v, want uploaded", m.Attachments[0])
	}
	if m.Attachments[1].Status != model.AttachmentFailed {
		t.Errorf("a2 = %+v, want failed", m.Attachments[1])
	}
	if len(f.emitter.events) != 0 {
		t.Fatal("failed message was emitted")
	}

	delete(f.uploads.fail, "a2")
	m, err = f.c.Retry(ctx, "c1", m.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if m.Status != model.StatusSent {
		t.Errorf("status after retry = %s", m.Status)
	}
	if got := fmt.Sprint(f.uploads.calls); got != "[[a1 a2] [a2]]" {
		t.Errorf("upload calls = %s, want only a2 retried", got)
	}
	p := f.emitter.events[0].payload.(sendPayload)
	if len(p.Attachments) != 2 || p.Attachments[1].URL != "https://cdn/a2" {
		t.Errorf("payload attachments = %+v", p.Attachments)
	}
}

func TestRetryIgnoresHealthyMessage(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	m, err := f.c.Send(ctx, SendRequest{ConversationID: "c1", Body: "ok"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.c.Retry(ctx, "c1", m.ID); err != nil {
		t.Fatal(err)
	}
	if len(f.emitter.events) != 1 {
		t.Errorf("emitted %d times, want 1", len(f.emitter.events))
	}
	if _, err := f.c.Retry(ctx, "c1", "missing"); !errors.Is(err, errs.ErrMessageNotFound) {
		t.Errorf("err = %v, want ErrMessageNotFound", err)
	}
}

func TestRecallRemovesMessage(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	m, err := f.c.Send(ctx, SendRequest{ConversationID: "c1", Body: "oops"})
	if err != nil {
		t.Fatal(err)
	}

	if err := f.c.Recall(ctx, "c1", m.ID); err != nil {
		t.Fatal(err)
	}
	if last := f.emitter.events[len(f.emitter.events)-1]; last.name != conn.EventMessageRecall {
		t.Errorf("last event = %s", last.name)
	}
	if n := len(f.c.Messages("c1")); n != 0 {
		t.Errorf("buffer holds %d messages", n)
	}
	if row, _ := f.db.GetMessage(ctx, m.ID); row != nil {
		t.Error("recalled message still stored")
	}
}

func TestRecallKeepsMessageWhenEmitFails(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	m, err := f.c.Send(ctx, SendRequest{ConversationID: "c1", Body: "keep"})
	if err != nil {
		t.Fatal(err)
	}
	f.emitter.err = errs.ErrNotConnected

	if err := f.c.Recall(ctx, "c1", m.ID); !errors.Is(err, errs.ErrNotConnected) {
		t.Fatalf("err = %v", err)
	}
	if n := len(f.c.Messages("c1")); n != 1 {
		t.Errorf("buffer holds %d messages, want 1", n)
	}
}

func TestClosedCoordinatorRejectsCalls(t *testing.T) {
	f := newFixture(t, nil)
	f.c.Close()
	if _, err := f.c.Send(context.Background(), SendRequest{ConversationID: "c1", Body: "x"}); !errors.Is(err, errs.ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}
