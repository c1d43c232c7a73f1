package chat

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/credential"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/push"
	"github.com/matheus3301/chatsync/internal/ratelimit"
	"github.com/matheus3301/chatsync/internal/realtime"
	"github.com/matheus3301/chatsync/internal/rest"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/zap/zaptest"
)

type fakeAPI struct {
	mu        sync.Mutex
	users     map[string]*credential.User // by email
	token     string
	loginErr  error
	listErr   error
	convs     []model.Conversation
	messages  map[string][]model.Message
	logouts   int
	roleCount map[string]int
}

func (f *fakeAPI) Login(_ context.Context, email, _ string) (*rest.AuthResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	u, ok := f.users[email]
	if !ok {
		return nil, rest.ErrUnauthorized
	}
	return &rest.AuthResult{AccessToken: f.token, User: u}, nil
}

func (f *fakeAPI) Register(_ context.Context, name, email, _ string) (*rest.AuthResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := &credential.User{ID: "new-" + name, Name: name, Email: email}
	f.users[email] = u
	return &rest.AuthResult{AccessToken: f.token, User: u}, nil
}

func (f *fakeAPI) Logout(context.Context) {
	f.mu.Lock()
	f.logouts++
	f.mu.Unlock()
}

func (f *fakeAPI) ListUsers(context.Context) ([]credential.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []credential.User
	for _, u := range f.users {
		out = append(out, *u)
	}
	return out, nil
}

func (f *fakeAPI) CountsByRole(context.Context) (map[string]int, error) {
	return f.roleCount, nil
}

func (f *fakeAPI) ListConversations(context.Context) ([]model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]model.Conversation(nil), f.convs...), nil
}

func (f *fakeAPI) ListMessages(_ context.Context, id string) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Message(nil), f.messages[id]...), nil
}

func (f *fakeAPI) CreateConversation(context.Context, string) (string, error) {
	return "", rest.ErrNoConversationID
}

type sent struct {
	event string
	conv  string
	text  string
	ids   []string
}

type fakeChannel struct {
	mu        sync.Mutex
	connected bool
	opens     int
	closes    int
	active    string
	sent      []sent
}

func (c *fakeChannel) Open(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opens++
	c.connected = true
	return nil
}

func (c *fakeChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	c.connected = false
}

func (c *fakeChannel) State() status.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return status.Connected
	}
	return status.Disconnected
}

func (c *fakeChannel) Since() time.Time { return time.Time{} }

func (c *fakeChannel) SetActive(id string) {
	c.mu.Lock()
	c.active = id
	c.mu.Unlock()
}

func (c *fakeChannel) record(s sent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return realtime.ErrNotConnected
	}
	c.sent = append(c.sent, s)
	return nil
}

func (c *fakeChannel) SendText(_ context.Context, conv, text string) error {
	return c.record(sent{event: "privateMessage", conv: conv, text: text})
}

func (c *fakeChannel) MarkRead(_ context.Context, conv string) error {
	return c.record(sent{event: "markMessagesAsRead", conv: conv})
}

func (c *fakeChannel) MarkReadByIDs(_ context.Context, conv string, ids []string) error {
	return c.record(sent{event: "markMessagesAsReadByIds", conv: conv, ids: ids})
}

func (c *fakeChannel) StartTyping(_ context.Context, conv string) error {
	return c.record(sent{event: "typing", conv: conv})
}

func (c *fakeChannel) StopTyping(_ context.Context, conv string) error {
	return c.record(sent{event: "stopTyping", conv: conv})
}

func (c *fakeChannel) events() []sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sent(nil), c.sent...)
}

type fakeDevices struct {
	err error
}

func (d *fakeDevices) Save(context.Context, string) error   { return d.err }
func (d *fakeDevices) Remove(context.Context, string) error { return d.err }
func (d *fakeDevices) List(context.Context) ([]push.Device, error) {
	return nil, d.err
}

type harness struct {
	api     *fakeAPI
	channel *fakeChannel
	devices *fakeDevices
	creds   *credential.Store
	db      *store.DB
	bus     *bus.Bus
	rec     *intsync.Reconciler
	svc     *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	api := &fakeAPI{
		users: map[string]*credential.User{
			"ana@x": {ID: "u1", Name: "Ana", Email: "ana@x"},
			"bob@x": {ID: "u2", Name: "Bob", Email: "bob@x"},
		},
		token:    "t1",
		messages: map[string][]model.Message{},
	}
	b := bus.New()
	logger := zaptest.NewLogger(t)
	rec := intsync.NewReconciler(api, db, b, logger, intsync.Options{})
	t.Cleanup(rec.Close)
	h := &harness{
		api:     api,
		channel: &fakeChannel{},
		devices: &fakeDevices{},
		creds:   credential.NewStore(),
		db:      db,
		bus:     b,
		rec:     rec,
	}
	h.svc = NewService(Deps{
		API:         api,
		Channel:     h.channel,
		Reconciler:  rec,
		Credentials: h.creds,
		Devices:     h.devices,
		DB:          db,
		Bus:         b,
		Logger:      logger,
	})
	return h
}

func (h *harness) login(t *testing.T, email string) {
	t.Helper()
	if _, err := h.svc.Login(context.Background(), email, "pw"); err != nil {
		t.Fatal(err)
	}
}

func conv(id string, unread bool) model.Conversation {
	last := time.Unix(100, 0).UTC()
	return model.Conversation{ID: model.Confirmed(id), Peer: model.Peer{ID: "peer-" + id}, LastMessageAt: &last, Unread: unread}
}

func nextEvent(t *testing.T, ch <-chan bus.Event) bus.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return bus.Event{}
	}
}

func TestLoginStartsSession(t *testing.T) {
	h := newHarness(t)
	h.api.convs = []model.Conversation{conv("c1", true)}
	started, unsub := h.bus.Subscribe(bus.KindSessionStarted, 1)
	defer unsub()

	user, err := h.svc.Login(context.Background(), "ana@x", "pw")
	if err != nil {
		t.Fatal(err)
	}
	if user.ID != "u1" || h.creds.Token() != "t1" {
		t.Errorf("user = %+v, token = %q", user, h.creds.Token())
	}
	if h.channel.opens != 1 {
		t.Errorf("channel opens = %d", h.channel.opens)
	}
	if n := len(h.svc.Conversations()); n != 1 {
		t.Errorf("conversations = %d", n)
	}
	if p := nextEvent(t, started).Payload.(bus.SessionStart); p.UserID != "u1" {
		t.Errorf("payload = %+v", p)
	}
	owner, _, _ := h.db.GetSyncState(store.KeyUserID)
	if owner != "u1" {
		t.Errorf("cache owner = %q", owner)
	}
}

func TestLoginAsAnotherUserPurgesCache(t *testing.T) {
	h := newHarness(t)
	h.api.convs = []model.Conversation{conv("c1", false)}
	h.login(t, "ana@x")
	h.svc.Logout(context.Background())

	h.api.convs = nil
	h.api.listErr = &rest.NetworkError{Method: "GET", Path: "chat/conversations", Err: errors.New("offline")}
	if _, err := h.svc.Login(context.Background(), "bob@x", "pw"); err != nil {
		t.Fatalf("an offline list refresh should not fail the login: %v", err)
	}
	if h.creds.Token() == "" {
		t.Error("a transient failure must not end the new session")
	}
	if n := len(h.svc.Conversations()); n != 0 {
		t.Errorf("conversations of the previous user leaked: %d", n)
	}
	cached, _ := h.db.ListConversations()
	if len(cached) != 0 {
		t.Errorf("cache = %+v", cached)
	}
}

func TestLoginSameUserWarmsCache(t *testing.T) {
	h := newHarness(t)
	h.api.convs = []model.Conversation{conv("c1", false)}
	h.login(t, "ana@x")
	h.svc.Logout(context.Background())

	h.api.listErr = &rest.ServerError{Method: "GET", Path: "chat/conversations", Status: 503}
	h.svc.Login(context.Background(), "ana@x", "pw")
	if n := len(h.svc.Conversations()); n != 1 {
		t.Errorf("conversations = %d, want the cached one", n)
	}
}

func TestLoginFailure(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.Login(context.Background(), "nobody@x", "pw"); !errors.Is(err, rest.ErrUnauthorized) {
		t.Fatalf("err = %v", err)
	}
	if h.creds.Snapshot().Valid() || h.channel.opens != 0 {
		t.Error("failed login must not start a session")
	}

	notices, unsub := h.bus.Subscribe(bus.KindNotice, 1)
	defer unsub()
	h.api.loginErr = &rest.NetworkError{Method: "POST", Path: "auth/login", Err: errors.New("refused")}
	h.svc.Login(context.Background(), "ana@x", "pw")
	if n := nextEvent(t, notices).Payload.(bus.Notice); n.Op != "login" {
		t.Errorf("notice = %+v", n)
	}
}

func TestRegisterStartsSession(t *testing.T) {
	h := newHarness(t)
	user, err := h.svc.Register(context.Background(), "Cy", "cy@x", "pw")
	if err != nil {
		t.Fatal(err)
	}
	if user.ID != "new-Cy" || !h.creds.Snapshot().Valid() {
		t.Errorf("user = %+v", user)
	}
}

func TestLogout(t *testing.T) {
	h := newHarness(t)
	h.api.convs = []model.Conversation{conv("c1", false)}
	h.login(t, "ana@x")
	ended, unsub := h.bus.Subscribe(bus.KindSessionEnded, 1)
	defer unsub()

	h.svc.Logout(context.Background())

	snap := h.creds.Snapshot()
	if snap.Token != "" || snap.Revoked {
		t.Errorf("snapshot = %+v, want cleared without revocation", snap)
	}
	if h.api.logouts != 1 || h.channel.closes < 1 {
		t.Errorf("logouts = %d, closes = %d", h.api.logouts, h.channel.closes)
	}
	if n := len(h.svc.Conversations()); n != 0 {
		t.Errorf("conversations = %d", n)
	}
	if r := nextEvent(t, ended).Payload.(bus.SessionEnd).Reason; r != bus.ReasonLogout {
		t.Errorf("reason = %q", r)
	}
}

func TestUnauthorizedEndsSession(t *testing.T) {
	h := newHarness(t)
	h.login(t, "ana@x")
	ended, unsub := h.bus.Subscribe(bus.KindSessionEnded, 1)
	defer unsub()

	h.api.listErr = rest.ErrRefreshExhausted
	err := h.svc.RefreshConversations(context.Background())
	if !errors.Is(err, rest.ErrUnauthorized) {
		t.Fatalf("err = %v", err)
	}
	if r := nextEvent(t, ended).Payload.(bus.SessionEnd).Reason; r != bus.ReasonUnauthorized {
		t.Errorf("reason = %q", r)
	}
	if snap := h.creds.Snapshot(); !snap.Revoked {
		t.Error("credential should be marked revoked")
	}
	if err := h.svc.RefreshConversations(context.Background()); !errors.Is(err, ErrNotSignedIn) {
		t.Errorf("after session end: %v", err)
	}
}

func TestRateLimitedDeviceCallIsSkipped(t *testing.T) {
	h := newHarness(t)
	h.login(t, "ana@x")
	notices, unsub := h.bus.Subscribe(bus.KindNotice, 1)
	defer unsub()

	h.devices.err = &ratelimit.LimitError{Op: push.OpSave, RetryAfter: time.Minute}
	if err := h.svc.RegisterDevice(context.Background(), "tok"); err != nil {
		t.Fatalf("rate limited call should be absorbed, got %v", err)
	}
	if n := nextEvent(t, notices).Payload.(bus.Notice); n.Op != push.OpSave {
		t.Errorf("notice = %+v", n)
	}
	if !h.creds.Snapshot().Valid() {
		t.Error("session must survive a rate limit")
	}
}

func TestOpenConversation(t *testing.T) {
	h := newHarness(t)
	h.api.convs = []model.Conversation{conv("c1", true)}
	h.api.messages["c1"] = []model.Message{{ID: "m1", ConversationID: "c1", SenderID: "u2", Text: "hi", Status: model.StatusSent}}
	h.login(t, "ana@x")

	if err := h.svc.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if c, _ := h.rec.Conversation("c1"); c.Unread {
		t.Error("unread should clear on open")
	}
	if h.channel.active != "c1" {
		t.Errorf("channel active = %q", h.channel.active)
	}
	evts := h.channel.events()
	if len(evts) != 1 || evts[0].event != "markMessagesAsRead" {
		t.Errorf("sent = %+v", evts)
	}
	if m, _ := h.svc.Messages("c1"); len(m) != 1 {
		t.Errorf("messages = %+v", m)
	}
	if err := h.svc.OpenConversation(context.Background(), "missing"); !errors.Is(err, intsync.ErrUnknownConversation) {
		t.Errorf("open missing = %v", err)
	}
}

func TestSendText(t *testing.T) {
	h := newHarness(t)
	h.api.convs = []model.Conversation{conv("c1", false)}
	h.login(t, "ana@x")
	ctx := context.Background()

	if err := h.svc.SendText(ctx, "c1", "  "); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("blank = %v", err)
	}
	if err := h.svc.SendText(ctx, "c1", "hello"); err != nil {
		t.Fatal(err)
	}
	if evts := h.channel.events(); len(evts) != 1 || evts[0].text != "hello" {
		t.Errorf("sent = %+v", evts)
	}

	id, err := h.svc.CreateConversation(ctx, model.Peer{ID: "u9"})
	if !errors.Is(err, rest.ErrNoConversationID) {
		t.Fatalf("create = %v", err)
	}
	if err := h.svc.SendText(ctx, id.String(), "hi"); !errors.Is(err, ErrPendingConversation) {
		t.Errorf("pending = %v", err)
	}

	h.channel.Close()
	if err := h.svc.SendText(ctx, "c1", "again"); !errors.Is(err, realtime.ErrNotConnected) {
		t.Errorf("disconnected = %v", err)
	}
}

func TestMarkViewedSendsUnreadIncoming(t *testing.T) {
	h := newHarness(t)
	h.api.convs = []model.Conversation{conv("c1", false)}
	h.api.messages["c1"] = []model.Message{
		{ID: "m1", ConversationID: "c1", SenderID: "u2", Status: model.StatusDelivered},
		{ID: "m2", ConversationID: "c1", SenderID: "u1", Status: model.StatusSent},
		{ID: "m3", ConversationID: "c1", SenderID: "u2", Status: model.StatusRead},
	}
	h.login(t, "ana@x")
	if err := h.rec.FetchMessages(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	if err := h.svc.MarkViewed(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	evts := h.channel.events()
	if len(evts) != 1 || len(evts[0].ids) != 1 || evts[0].ids[0] != "m1" {
		t.Errorf("sent = %+v", evts)
	}
}

func TestTypingWhileDisconnectedIsQuiet(t *testing.T) {
	h := newHarness(t)
	h.login(t, "ana@x")
	h.channel.Close()
	if err := h.svc.Typing(context.Background(), "c1", true); err != nil {
		t.Errorf("typing = %v", err)
	}
}

func TestOperationsNeedSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.svc.SendText(ctx, "c1", "hi"); !errors.Is(err, ErrNotSignedIn) {
		t.Errorf("send = %v", err)
	}
	if _, err := h.svc.Users(ctx); !errors.Is(err, ErrNotSignedIn) {
		t.Errorf("users = %v", err)
	}
	if _, err := h.svc.Devices(ctx); !errors.Is(err, ErrNotSignedIn) {
		t.Errorf("devices = %v", err)
	}
}

func TestStatusPeeksTokenClaims(t *testing.T) {
	h := newHarness(t)
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("not-checked"))
	if err != nil {
		t.Fatal(err)
	}
	h.api.token = token
	h.login(t, "ana@x")

	st := h.svc.Status()
	if !st.SignedIn || st.User.ID != "u1" || st.Channel != status.Connected {
		t.Errorf("status = %+v", st)
	}
	if st.TokenSubject != "u1" || !st.TokenExpiresAt.Equal(exp) {
		t.Errorf("claims = %q %v", st.TokenSubject, st.TokenExpiresAt)
	}
}

func TestSearchCachedMessages(t *testing.T) {
	h := newHarness(t)
	h.api.convs = []model.Conversation{conv("c1", false)}
	h.api.messages["c1"] = []model.Message{{ID: "m1", ConversationID: "c1", SenderID: "u2", Text: "lunch at noon?", Status: model.StatusSent}}
	h.login(t, "ana@x")
	h.rec.FetchMessages(context.Background(), "c1")

	res, err := h.svc.Search("noon", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 || res[0].Message.ID != "m1" {
		t.Errorf("results = %+v", res)
	}
}
