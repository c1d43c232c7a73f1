package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/client"
	"github.com/matheus3301/chatsync/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// shortTempDir keeps Unix socket paths under the 104-char macOS limit.
func shortTempDir(t *testing.T, pattern string) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", pattern)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

// TestFxModuleWiring verifies the fx dependency graph resolves without errors.
func TestFxModuleWiring(t *testing.T) {
	p := Params{ProfileName: "fxtest", Config: config.Default()}
	if err := fx.ValidateApp(Module(p)); err != nil {
		t.Fatalf("fx graph: %v", err)
	}
}

func TestNewServerCreatesSocket(t *testing.T) {
	socketPath := filepath.Join(shortTempDir(t, "chatsync-srv-*"), "d.sock")

	srv, err := NewServer(Params{ProfileName: "srvtest", SocketPath: socketPath}, zap.NewNop(), api.NewControl("srvtest", nil, nil, nil))
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}
	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("socket not created at %s: %v", socketPath, err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("socket mode = %o, want 600", perm)
	}
	srv.Stop(context.Background())
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Errorf("socket not removed on stop: %v", err)
	}
}

func TestMetricsServerDisabledWithoutAddr(t *testing.T) {
	ms := NewMetricsServer(config.Default(), nil, zap.NewNop())
	ms.Start()
	ms.Stop(context.Background())
	if ms.srv != nil {
		t.Error("no address configured, no server expected")
	}
}

// backend fakes the chat server: REST under /api/v1/ and the realtime
// endpoint under /ws.
type backend struct {
	srv  *httptest.Server
	push chan struct{}
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{push: make(chan struct{})}
	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"accessToken": "t1",
			"user":        map[string]any{"id": "u1", "name": "Ana", "email": "ana@x"},
		})
	})
	mux.HandleFunc("POST /api/v1/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /api/v1/chat/conversations", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer t1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]any{"data": []any{map[string]any{
			"conversationId": "c1",
			"lastMessageAt":  "2026-03-01T10:00:00Z",
			"unread":         false,
			"user":           map[string]any{"id": "u2", "name": "Bob", "email": "bob@x"},
		}}})
	})
	mux.HandleFunc("GET /api/v1/chat/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"data": []any{}})
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer t1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"event":"connect","data":{}}`))
		select {
		case <-b.push:
			_ = conn.Write(ctx, websocket.MessageText, []byte(`{"event":"newPrivateMessage","data":{`+
				`"id":"m2","conversationId":"c1","senderId":"u2","text":"ping","createdAt":"2026-03-01T11:00:00Z"}}`))
		case <-ctx.Done():
			return
		}
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})
	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDaemonEndToEnd(t *testing.T) {
	home := shortTempDir(t, "chatsync-e2e-*")
	t.Setenv("CHATSYNC_HOME", home)
	be := newBackend(t)

	cfg := config.Default()
	cfg.APIBase = be.srv.URL + "/api/v1/"
	cfg.RealtimeURL = "ws" + strings.TrimPrefix(be.srv.URL, "http") + "/ws"
	cfg.LogLevel = "warn"
	socketPath := filepath.Join(home, "d.sock")

	app := fx.New(
		Module(Params{ProfileName: "e2e", SocketPath: socketPath, Config: cfg}),
		fx.NopLogger,
	)
	startCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Stop(stopCtx)
	}()

	c, err := client.New(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()
	ctx := context.Background()

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.SignedIn || st.Profile != "e2e" || st.Channel != "DISCONNECTED" {
		t.Errorf("initial status = %+v", st)
	}

	if _, err := c.Login(ctx, "ana@x", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}
	eventually(t, "channel connected", func() bool {
		st, err := c.Status(ctx)
		return err == nil && st.Channel == "CONNECTED"
	})

	convs, err := c.Conversations(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 || convs[0].ID != "c1" || convs[0].Peer.Name != "Bob" {
		t.Fatalf("conversations = %+v", convs)
	}

	close(be.push)
	eventually(t, "realtime message applied", func() bool {
		resp, err := c.Messages(ctx, "c1")
		return err == nil && len(resp.Messages) == 1 && resp.Messages[0].Text == "ping"
	})
	convs, _ = c.Conversations(ctx, false)
	if !convs[0].Unread {
		t.Error("a message for a closed conversation should mark it unread")
	}

	if err := c.Logout(ctx); err != nil {
		t.Fatal(err)
	}
	st, _ = c.Status(ctx)
	if st.SignedIn || st.Conversations != 0 {
		t.Errorf("status after logout = %+v", st)
	}
}
