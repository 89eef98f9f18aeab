package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/conn"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/status"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
)

// chatServer fakes the chat service: one room over REST and one pushed
// conversation on every websocket connection.
func chatServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/rooms", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message":    "ok",
			"statusCode": 200,
			"metadata": []map[string]any{
				{"_id": "c0", "name": "Lobby", "type": "group", "updatedAt": "2026-05-04T12:00:00.000Z"},
			},
		})
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()
		push := `{"event":"conversation:upsert","data":{"_id":"c1","name":"Pushed","type":"private","updatedAt":"2026-05-04T12:00:01.000Z"}}`
		if err := c.Write(ctx, websocket.MessageText, []byte(push)); err != nil {
			return
		}
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(srv *httptest.Server) *config.Config {
	cfg := config.Default()
	cfg.API.BaseURL = srv.URL
	cfg.Push.URL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	cfg.Log.Level = "warn"
	return cfg
}

func TestFxModuleWiring(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", t.TempDir())
	if err := fx.ValidateApp(Module(Params{Profile: "fxtest", Config: config.Default()})); err != nil {
		t.Fatalf("fx graph invalid: %v", err)
	}
}

func TestStartWithoutSessionStaysIdle(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", t.TempDir())
	srv := chatServer(t)

	var mgr *conn.Manager
	app := fxtest.New(t, Module(Params{Profile: "idle", Config: testConfig(srv)}), fx.Populate(&mgr))
	app.RequireStart()
	defer app.RequireStop()

	time.Sleep(100 * time.Millisecond)
	if got := mgr.State(); got != status.Idle {
		t.Errorf("state = %s, want idle without a session", got)
	}
}

func TestDaemonSyncsPushAndRefresh(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", t.TempDir())
	srv := chatServer(t)

	if err := session.EnsureDir("live"); err != nil {
		t.Fatal(err)
	}
	creds, err := session.OpenStore(session.CredentialsPath("live"))
	if err != nil {
		t.Fatal(err)
	}
	if err := creds.Save(session.Credentials{AccessToken: "opaque-token"}); err != nil {
		t.Fatal(err)
	}
	_ = creds.Close()

	var (
		mgr   *conn.Manager
		coord *intsync.Coordinator
	)
	app := fxtest.New(t, Module(Params{Profile: "live", Config: testConfig(srv)}), fx.Populate(&mgr, &coord))
	app.RequireStart()
	defer app.RequireStop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, pushed := coord.Get("c1")
		_, listed := coord.Get("c0")
		if pushed && listed {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if got := mgr.State(); got != status.Connected {
		t.Errorf("state = %s, want connected", got)
	}
	if c, ok := coord.Get("c1"); !ok || c.DisplayName != "Pushed" {
		t.Errorf("pushed conversation = %+v, %v", c, ok)
	}
	if c, ok := coord.Get("c0"); !ok || c.DisplayName != "Lobby" {
		t.Errorf("refreshed conversation = %+v, %v", c, ok)
	}
}

func TestSecondDaemonIsLockedOut(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", t.TempDir())
	srv := chatServer(t)
	cfg := testConfig(srv)

	first := fxtest.New(t, Module(Params{Profile: "shared", Config: cfg}))
	first.RequireStart()
	defer first.RequireStop()

	second := fx.New(Module(Params{Profile: "shared", Config: cfg}), fx.NopLogger)
	if err := second.Start(context.Background()); err == nil {
		_ = second.Stop(context.Background())
		t.Fatal("second daemon started on a locked profile")
	}
}
