// Package chat is the operation set the presentation layer calls: session
// lifecycle, conversation navigation, sending and device registration.
//
// Errors follow one policy. Authorization failures end the session. Rate
// limited calls are skipped with a warning. Transient failures are reported
// as notice.transient and returned; local state is kept.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/credential"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/push"
	"github.com/matheus3301/chatsync/internal/ratelimit"
	"github.com/matheus3301/chatsync/internal/realtime"
	"github.com/matheus3301/chatsync/internal/refresh"
	"github.com/matheus3301/chatsync/internal/rest"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/zap"
)

var (
	// ErrNotSignedIn is returned by operations that need a session.
	ErrNotSignedIn = errors.New("not signed in")

	// ErrEmptyMessage rejects blank text before it reaches the channel.
	ErrEmptyMessage = errors.New("message text is empty")

	// ErrPendingConversation is returned when sending into a conversation
	// the server has not confirmed yet.
	ErrPendingConversation = errors.New("conversation is not confirmed yet")
)

// API is the REST surface the service calls directly.
type API interface {
	Login(ctx context.Context, email, password string) (*rest.AuthResult, error)
	Register(ctx context.Context, name, email, password string) (*rest.AuthResult, error)
	Logout(ctx context.Context)
	ListUsers(ctx context.Context) ([]credential.User, error)
	CountsByRole(ctx context.Context) (map[string]int, error)
}

// Channel is the realtime surface the service drives.
type Channel interface {
	Open(ctx context.Context) error
	Close()
	State() status.State
	Since() time.Time
	SetActive(conversationID string)
	SendText(ctx context.Context, conversationID, text string) error
	MarkRead(ctx context.Context, conversationID string) error
	MarkReadByIDs(ctx context.Context, conversationID string, messageIDs []string) error
	StartTyping(ctx context.Context, conversationID string) error
	StopTyping(ctx context.Context, conversationID string) error
}

// Devices is the push token registry.
type Devices interface {
	Save(ctx context.Context, token string) error
	Remove(ctx context.Context, token string) error
	List(ctx context.Context) ([]push.Device, error)
}

// Status is a point-in-time view of the session.
type Status struct {
	SignedIn      bool
	Revoked       bool
	User          *credential.User
	Channel       status.State
	ChannelSince  time.Time
	Conversations int
	Active        string
	// Token claims, when the credential is a JWT. Display only.
	TokenSubject   string
	TokenExpiresAt time.Time
	Refresh        refresh.State
}

// Service wires the core components behind the operations the UI uses.
type Service struct {
	api     API
	channel Channel
	rec     *intsync.Reconciler
	creds   *credential.Store
	coord   *refresh.Coordinator
	devices Devices
	db      *store.DB
	bus     *bus.Bus
	logger  *zap.Logger

	// session serializes login, signup and logout.
	session sync.Mutex
}

// Deps groups the collaborators of a Service. Coordinator, Devices and DB
// are optional.
type Deps struct {
	API         API
	Channel     Channel
	Reconciler  *intsync.Reconciler
	Credentials *credential.Store
	Coordinator *refresh.Coordinator
	Devices     Devices
	DB          *store.DB
	Bus         *bus.Bus
	Logger      *zap.Logger
}

// NewService creates a chat service.
func NewService(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		api:     d.API,
		channel: d.Channel,
		rec:     d.Reconciler,
		creds:   d.Credentials,
		coord:   d.Coordinator,
		devices: d.Devices,
		db:      d.DB,
		bus:     d.Bus,
		logger:  logger,
	}
}

// Login signs in with email and password and starts the session.
func (s *Service) Login(ctx context.Context, email, password string) (*credential.User, error) {
	s.session.Lock()
	defer s.session.Unlock()
	res, err := s.api.Login(ctx, email, password)
	if err != nil {
		return nil, s.authFailed("login", err)
	}
	return s.start(ctx, res)
}

// Register creates an account and starts its session.
func (s *Service) Register(ctx context.Context, name, email, password string) (*credential.User, error) {
	s.session.Lock()
	defer s.session.Unlock()
	res, err := s.api.Register(ctx, name, email, password)
	if err != nil {
		return nil, s.authFailed("register", err)
	}
	return s.start(ctx, res)
}

// authFailed reports a failed sign-in. There is no session to end yet.
func (s *Service) authFailed(op string, err error) error {
	if rest.IsTransient(err) {
		s.notice(op, err)
	}
	s.logger.Warn("sign-in failed", zap.String("op", op), zap.Error(err))
	return err
}

func (s *Service) start(ctx context.Context, res *rest.AuthResult) (*credential.User, error) {
	s.channel.Close()
	s.rec.Reset()
	s.creds.Set(res.AccessToken, res.User)
	if s.coord != nil {
		s.coord.Reset()
	}

	var userID string
	if res.User != nil {
		userID = res.User.ID
	}
	s.adoptCache(userID)
	if err := s.rec.Warm(); err != nil {
		s.logger.Warn("cache warm failed", zap.Error(err))
	}

	s.logger.Info("session started", zap.String("user_id", userID))
	s.bus.Emit(bus.KindSessionStarted, bus.SessionStart{UserID: userID})

	if err := s.channel.Open(ctx); err != nil {
		// The engine retries dial failures.
		s.logger.Warn("realtime channel did not open", zap.Error(err))
	}
	if err := s.absorb("refresh conversations", s.rec.RefreshConversations(ctx)); err != nil {
		if errors.Is(err, rest.ErrUnauthorized) {
			return nil, err
		}
	}
	return s.creds.Snapshot().User, nil
}

// adoptCache drops the cache when it belongs to a different user.
func (s *Service) adoptCache(userID string) {
	if s.db == nil || userID == "" {
		return
	}
	prev, ok, err := s.db.GetSyncState(store.KeyUserID)
	if err != nil {
		s.logger.Warn("read cache owner failed", zap.Error(err))
		return
	}
	if ok && prev != userID {
		s.logger.Info("cache belongs to another user, purging", zap.String("previous_user_id", prev))
		if err := s.db.Purge(); err != nil {
			s.logger.Warn("cache purge failed", zap.Error(err))
			return
		}
	}
	if err := s.db.SetSyncState(store.KeyUserID, userID); err != nil {
		s.logger.Warn("write cache owner failed", zap.Error(err))
	}
}

// Logout signs out. The server call is best-effort; local state is cleared
// regardless of its outcome.
func (s *Service) Logout(ctx context.Context) {
	s.session.Lock()
	defer s.session.Unlock()
	if s.creds.Snapshot().Valid() {
		s.api.Logout(ctx)
	}
	s.end(bus.ReasonLogout, false)
}

func (s *Service) end(reason string, revoked bool) {
	s.channel.Close()
	s.creds.Clear(revoked)
	s.rec.Reset()
	s.logger.Info("session ended", zap.String("reason", reason))
	s.bus.Emit(bus.KindSessionEnded, bus.SessionEnd{Reason: reason})
}

// absorb applies the error policy to err from op and returns what the caller
// should see.
func (s *Service) absorb(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rest.ErrUnauthorized):
		s.logger.Warn("server refused the session", zap.String("op", op), zap.Error(err))
		s.end(bus.ReasonUnauthorized, true)
		return err
	case errors.Is(err, ratelimit.ErrRateLimited):
		s.logger.Warn("operation skipped", zap.String("op", op), zap.Error(err))
		s.notice(op, err)
		return nil
	case rest.IsTransient(err), errors.Is(err, realtime.ErrNotConnected):
		s.logger.Warn("operation failed", zap.String("op", op), zap.Error(err))
		s.notice(op, err)
		return err
	default:
		return err
	}
}

func (s *Service) notice(op string, err error) {
	s.bus.Emit(bus.KindNotice, bus.Notice{Op: op, Message: err.Error()})
}

func (s *Service) requireSession() error {
	if !s.creds.Snapshot().Valid() {
		return ErrNotSignedIn
	}
	return nil
}

func (s *Service) userID() string {
	if u := s.creds.Snapshot().User; u != nil {
		return u.ID
	}
	return ""
}

// Status reports the session, channel and refresh state.
func (s *Service) Status() Status {
	snap := s.creds.Snapshot()
	st := Status{
		SignedIn:      snap.Valid(),
		Revoked:       snap.Revoked,
		User:          snap.User,
		Channel:       s.channel.State(),
		ChannelSince:  s.channel.Since(),
		Conversations: len(s.rec.Conversations()),
		Active:        s.rec.Active(),
	}
	if snap.Valid() {
		if c, err := credential.Peek(snap.Token); err == nil {
			st.TokenSubject = c.Subject
			st.TokenExpiresAt = c.ExpiresAt
		}
	}
	if s.coord != nil {
		st.Refresh = s.coord.State()
	}
	return st
}

// Conversations returns the conversation list.
func (s *Service) Conversations() []model.Conversation {
	return s.rec.Conversations()
}

// RefreshConversations refetches the conversation list.
func (s *Service) RefreshConversations(ctx context.Context) error {
	if err := s.requireSession(); err != nil {
		return err
	}
	return s.absorb("refresh conversations", s.rec.RefreshConversations(ctx))
}

// OpenConversation makes id the active conversation: unread clears at once,
// the server is told the conversation was read and its messages are fetched.
// An empty id closes the active conversation.
func (s *Service) OpenConversation(ctx context.Context, id string) error {
	if err := s.rec.Select(id); err != nil {
		return err
	}
	s.channel.SetActive(id)
	if id == "" {
		return nil
	}
	conv, _ := s.rec.Conversation(id)
	if conv.ID.Pending() {
		return nil
	}
	if err := s.channel.MarkRead(ctx, id); err != nil {
		s.logger.Debug("mark read not sent", zap.String("conversation_id", id), zap.Error(err))
	}
	return s.absorb("fetch messages", s.rec.FetchMessages(ctx, id))
}

// Messages returns the cached messages of a conversation.
func (s *Service) Messages(id string) ([]model.Message, error) {
	return s.rec.Messages(id)
}

// SendText sends text into a conversation over the realtime channel. The
// message appears once the server confirms it.
func (s *Service) SendText(ctx context.Context, id, text string) error {
	if err := s.requireSession(); err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	conv, ok := s.rec.Conversation(id)
	if !ok {
		return fmt.Errorf("%w: %s", intsync.ErrUnknownConversation, id)
	}
	if conv.ID.Pending() {
		return ErrPendingConversation
	}
	return s.absorb("send", s.channel.SendText(ctx, id, text))
}

// MarkViewed marks the unread incoming messages of a conversation read.
func (s *Service) MarkViewed(ctx context.Context, id string) error {
	if err := s.requireSession(); err != nil {
		return err
	}
	ids := s.rec.UnreadIncoming(id, s.userID())
	if len(ids) == 0 {
		return nil
	}
	return s.absorb("mark viewed", s.channel.MarkReadByIDs(ctx, id, ids))
}

// Typing reports that the user started or stopped typing in a conversation.
func (s *Service) Typing(ctx context.Context, id string, typing bool) error {
	if err := s.requireSession(); err != nil {
		return err
	}
	var err error
	if typing {
		err = s.channel.StartTyping(ctx, id)
	} else {
		err = s.channel.StopTyping(ctx, id)
	}
	if errors.Is(err, realtime.ErrNotConnected) {
		return nil
	}
	return s.absorb("typing", err)
}

// TypingUsers returns who is typing in a conversation.
func (s *Service) TypingUsers(id string) []string {
	return s.rec.Typing(id)
}

// CreateConversation starts a conversation with peer. It returns the
// pending id together with rest.ErrNoConversationID when the server answer
// carried no id.
func (s *Service) CreateConversation(ctx context.Context, peer model.Peer) (model.ConvID, error) {
	if err := s.requireSession(); err != nil {
		return model.ConvID{}, err
	}
	id, err := s.rec.CreateConversation(ctx, peer)
	if errors.Is(err, rest.ErrNoConversationID) {
		s.notice("create conversation", err)
		return id, err
	}
	return id, s.absorb("create conversation", err)
}

// Users lists the users the account can see.
func (s *Service) Users(ctx context.Context) ([]credential.User, error) {
	if err := s.requireSession(); err != nil {
		return nil, err
	}
	users, err := s.api.ListUsers(ctx)
	return users, s.absorb("list users", err)
}

// RoleCounts returns how many users hold each role.
func (s *Service) RoleCounts(ctx context.Context) (map[string]int, error) {
	if err := s.requireSession(); err != nil {
		return nil, err
	}
	counts, err := s.api.CountsByRole(ctx)
	return counts, s.absorb("role counts", err)
}

// RegisterDevice records a push token with the server.
func (s *Service) RegisterDevice(ctx context.Context, token string) error {
	if err := s.requireSession(); err != nil {
		return err
	}
	return s.absorb(push.OpSave, s.devices.Save(ctx, token))
}

// UnregisterDevice removes a push token.
func (s *Service) UnregisterDevice(ctx context.Context, token string) error {
	if err := s.requireSession(); err != nil {
		return err
	}
	return s.absorb(push.OpRemove, s.devices.Remove(ctx, token))
}

// Devices lists the registered push tokens.
func (s *Service) Devices(ctx context.Context) ([]push.Device, error) {
	if err := s.requireSession(); err != nil {
		return nil, err
	}
	devices, err := s.devices.List(ctx)
	return devices, s.absorb(push.OpList, err)
}

// Search looks up cached messages containing query, optionally within one
// conversation.
func (s *Service) Search(query, conversationID string, limit int) ([]store.SearchResult, error) {
	if s.db == nil {
		return nil, nil
	}
	return s.db.SearchMessages(query, conversationID, limit)
}
