// Package sync merges REST snapshots with realtime events into one view per
// conversation and keeps the local cache in step with it.
package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/rest"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// ErrUnknownConversation is returned for ids the reconciler does not hold.
var ErrUnknownConversation = errors.New("unknown conversation")

// Fetcher is the snapshot side of the API.
type Fetcher interface {
	ListConversations(ctx context.Context) ([]model.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]model.Message, error)
	CreateConversation(ctx context.Context, userID string) (string, error)
}

// ConversationsUpdate is the payload of state.conversations.
type ConversationsUpdate struct {
	Count int `json:"count"`
}

// MessagesUpdate is the payload of state.messages.
type MessagesUpdate struct {
	ConversationID string `json:"conversationId"`
}

// TypingUpdate is the payload of state.typing.
type TypingUpdate struct {
	ConversationID string   `json:"conversationId"`
	Users          []string `json:"users"`
}

// Options tune background refetches.
type Options struct {
	FetchTimeout    time.Duration // default 15s
	RefreshDebounce time.Duration // default 500ms
}

type convState struct {
	conv     model.Conversation
	messages []model.Message
	index    map[string]int
	// live marks messages appended from realtime events since the last
	// snapshot, so a snapshot that predates them does not drop them.
	live     map[string]bool
	fetchGen uint64
	typing   []string
}

func newConvState(c model.Conversation) *convState {
	return &convState{conv: c, index: make(map[string]int), live: make(map[string]bool)}
}

// upsert appends msg or advances the stored copy. It reports whether
// anything changed.
func (s *convState) upsert(msg model.Message, live bool) bool {
	if i, ok := s.index[msg.ID]; ok {
		cur := s.messages[i]
		next := cur.Status.Advance(msg.Status)
		if next == cur.Status {
			return false
		}
		s.messages[i].Status = next
		return true
	}
	s.index[msg.ID] = len(s.messages)
	s.messages = append(s.messages, msg)
	if live {
		s.live[msg.ID] = true
	}
	return true
}

// Reconciler owns the conversation and message collections.
type Reconciler struct {
	api    Fetcher
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	convs    map[string]*convState
	msgConv  map[string]string
	active   string
	listGen  uint64
	debounce map[string]*time.Timer
}

// NewReconciler creates an empty reconciler. db may be nil, in which case
// nothing is cached.
func NewReconciler(api Fetcher, db *store.DB, b *bus.Bus, logger *zap.Logger, opts Options) *Reconciler {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 15 * time.Second
	}
	if opts.RefreshDebounce <= 0 {
		opts.RefreshDebounce = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		api:      api,
		db:       db,
		bus:      b,
		logger:   logger,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		convs:    make(map[string]*convState),
		msgConv:  make(map[string]string),
		debounce: make(map[string]*time.Timer),
	}
}

// Close stops background refetches.
func (r *Reconciler) Close() {
	r.cancel()
	r.mu.Lock()
	for key, t := range r.debounce {
		t.Stop()
		delete(r.debounce, key)
	}
	r.mu.Unlock()
}

// Warm loads the cache so state is available before the first fetch.
func (r *Reconciler) Warm() error {
	if r.db == nil {
		return nil
	}
	convs, err := r.db.ListConversations()
	if err != nil {
		return fmt.Errorf("load cached conversations: %w", err)
	}
	loaded := make(map[string]*convState, len(convs))
	for _, c := range convs {
		st := newConvState(c)
		msgs, err := r.db.ListMessages(c.ID.String())
		if err != nil {
			return fmt.Errorf("load cached messages of %s: %w", c.ID, err)
		}
		for _, m := range msgs {
			st.upsert(m, false)
		}
		loaded[c.ID.String()] = st
	}

	r.mu.Lock()
	for id, st := range loaded {
		if _, ok := r.convs[id]; ok {
			continue
		}
		r.convs[id] = st
		for _, m := range st.messages {
			r.msgConv[m.ID] = id
		}
	}
	n := len(r.convs)
	r.mu.Unlock()

	r.logger.Info("cache warmed", zap.Int("conversations", len(convs)))
	r.bus.Emit(bus.KindConversations, ConversationsUpdate{Count: n})
	return nil
}

// Reset forgets everything held in memory. The cache is left alone.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	r.convs = make(map[string]*convState)
	r.msgConv = make(map[string]string)
	r.active = ""
	r.listGen++
	r.mu.Unlock()
	r.bus.Emit(bus.KindConversations, ConversationsUpdate{})
}

// RefreshConversations fetches the conversation list and merges it. A fetch
// overtaken by a newer one is discarded.
func (r *Reconciler) RefreshConversations(ctx context.Context) error {
	r.mu.Lock()
	r.listGen++
	gen := r.listGen
	r.mu.Unlock()

	fetched, err := r.api.ListConversations(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if gen != r.listGen {
		r.mu.Unlock()
		r.logger.Debug("discarding superseded conversation list", zap.Uint64("generation", gen))
		return nil
	}
	seen := make(map[string]bool, len(fetched))
	for _, c := range fetched {
		id := c.ID.String()
		seen[id] = true
		if id == r.active {
			c.Unread = false
		}
		if st, ok := r.convs[id]; ok {
			st.conv = c
			continue
		}
		r.convs[id] = newConvState(c)
	}
	for id, st := range r.convs {
		if seen[id] || st.conv.ID.Pending() {
			continue
		}
		for _, m := range st.messages {
			delete(r.msgConv, m.ID)
		}
		delete(r.convs, id)
	}
	snapshot := r.conversationsLocked()
	r.mu.Unlock()

	if r.db != nil {
		if err := r.db.ReplaceConversations(snapshot); err != nil {
			r.logger.Warn("cache write failed", zap.String("op", "replace_conversations"), zap.Error(err))
		}
		if err := r.db.SetSyncState(store.KeyConversationsSyncedAt, time.Now().UTC().Format(time.RFC3339)); err != nil {
			r.logger.Warn("cache write failed", zap.String("op", "sync_state"), zap.Error(err))
		}
	}
	r.bus.Emit(bus.KindConversations, ConversationsUpdate{Count: len(snapshot)})
	return nil
}

// Conversations returns the list: pending placeholders first, then by most
// recent activity.
func (r *Reconciler) Conversations() []model.Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conversationsLocked()
}

func (r *Reconciler) conversationsLocked() []model.Conversation {
	out := make([]model.Conversation, 0, len(r.convs))
	for _, st := range r.convs {
		out = append(out, st.conv)
	}
	slices.SortFunc(out, compareConversations)
	return out
}

func compareConversations(a, b model.Conversation) int {
	if a.ID.Pending() != b.ID.Pending() {
		if a.ID.Pending() {
			return -1
		}
		return 1
	}
	switch {
	case a.LastMessageAt == nil && b.LastMessageAt != nil:
		return 1
	case a.LastMessageAt != nil && b.LastMessageAt == nil:
		return -1
	case a.LastMessageAt != nil && b.LastMessageAt != nil && !a.LastMessageAt.Equal(*b.LastMessageAt):
		if a.LastMessageAt.After(*b.LastMessageAt) {
			return -1
		}
		return 1
	}
	if a.ID.String() < b.ID.String() {
		return -1
	}
	if a.ID.String() > b.ID.String() {
		return 1
	}
	return 0
}

// Conversation returns one conversation.
func (r *Reconciler) Conversation(id string) (model.Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.convs[id]
	if !ok {
		return model.Conversation{}, false
	}
	return st.conv, true
}

// Active returns the open conversation, or "".
func (r *Reconciler) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Select opens a conversation: it becomes active and its unread flag is
// cleared immediately. The caller requests the read receipt and the
// message fetch. Selecting "" closes the active conversation.
func (r *Reconciler) Select(id string) error {
	r.mu.Lock()
	st, ok := r.convs[id]
	if id != "" && !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownConversation, id)
	}
	r.active = id
	cleared := ok && st.conv.Unread
	if cleared {
		st.conv.Unread = false
	}
	r.mu.Unlock()

	if cleared {
		if r.db != nil && !st.conv.ID.Pending() {
			if err := r.db.SetUnread(id, false); err != nil {
				r.logger.Warn("cache write failed", zap.String("op", "set_unread"), zap.Error(err))
			}
		}
		r.bus.Emit(bus.KindConversations, ConversationsUpdate{Count: r.count()})
	}
	return nil
}

func (r *Reconciler) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.convs)
}

// FetchMessages replaces a conversation's messages with a fresh snapshot.
// Only the newest fetch per conversation is applied; results for a
// conversation dropped meanwhile are ignored.
func (r *Reconciler) FetchMessages(ctx context.Context, id string) error {
	r.mu.Lock()
	st, ok := r.convs[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownConversation, id)
	}
	if st.conv.ID.Pending() {
		r.mu.Unlock()
		return nil
	}
	st.fetchGen++
	gen := st.fetchGen
	r.mu.Unlock()

	fetched, err := r.api.ListMessages(ctx, id)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if cur, ok := r.convs[id]; !ok || cur != st || st.fetchGen != gen {
		r.mu.Unlock()
		r.logger.Debug("discarding superseded message fetch", zap.String("conversation_id", id), zap.Uint64("generation", gen))
		return nil
	}
	merged := newConvState(st.conv)
	merged.fetchGen = st.fetchGen
	merged.typing = st.typing
	for _, m := range fetched {
		if i, ok := st.index[m.ID]; ok {
			m.Status = m.Status.Advance(st.messages[i].Status)
		}
		merged.upsert(m, false)
	}
	for _, m := range st.messages {
		if st.live[m.ID] {
			if _, inSnapshot := merged.index[m.ID]; !inSnapshot {
				merged.upsert(m, true)
			}
		}
	}
	for _, m := range st.messages {
		delete(r.msgConv, m.ID)
	}
	for _, m := range merged.messages {
		r.msgConv[m.ID] = id
	}
	*st = *merged
	msgs := slices.Clone(st.messages)
	r.mu.Unlock()

	if r.db != nil {
		if err := r.db.ReplaceMessages(id, msgs); err != nil {
			r.logger.Warn("cache write failed", zap.String("op", "replace_messages"), zap.Error(err))
		}
	}
	r.bus.Emit(bus.KindMessages, MessagesUpdate{ConversationID: id})
	return nil
}

// Messages returns a conversation's messages in arrival order.
func (r *Reconciler) Messages(id string) ([]model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.convs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConversation, id)
	}
	return slices.Clone(st.messages), nil
}

// Typing returns who is typing in a conversation.
func (r *Reconciler) Typing(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.convs[id]; ok {
		return slices.Clone(st.typing)
	}
	return nil
}

// UnreadIncoming returns ids of messages in conversation id that were sent
// by someone other than userID and are not yet read.
func (r *Reconciler) UnreadIncoming(id, userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.convs[id]
	if !ok {
		return nil
	}
	var ids []string
	for _, m := range st.messages {
		if m.SenderID != userID && m.Status < model.StatusRead {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// CreateConversation starts a conversation with userID. A pending
// placeholder is listed at once and replaced by the confirmed conversation
// when the server answers. If the answer carries no id the placeholder stays,
// flagged unconfirmed, and the error is returned with its id.
func (r *Reconciler) CreateConversation(ctx context.Context, peer model.Peer) (model.ConvID, error) {
	tmp := model.NewPending()
	r.mu.Lock()
	r.convs[tmp.String()] = newConvState(model.Conversation{ID: tmp, Peer: peer})
	r.mu.Unlock()
	r.bus.Emit(bus.KindConversations, ConversationsUpdate{Count: r.count()})

	realID, err := r.api.CreateConversation(ctx, peer.ID)

	r.mu.Lock()
	st, ok := r.convs[tmp.String()]
	if !ok {
		// Reset while the request was outstanding.
		r.mu.Unlock()
		if err != nil {
			return tmp, err
		}
		return model.Confirmed(realID), nil
	}
	switch {
	case errors.Is(err, rest.ErrNoConversationID):
		st.conv.Unconfirmed = true
		r.mu.Unlock()
		r.logger.Warn("conversation created without a usable id", zap.String("pending_id", tmp.String()))
		r.bus.Emit(bus.KindConversations, ConversationsUpdate{Count: r.count()})
		return tmp, err
	case err != nil:
		delete(r.convs, tmp.String())
		if r.active == tmp.String() {
			r.active = ""
		}
		r.mu.Unlock()
		r.bus.Emit(bus.KindConversations, ConversationsUpdate{Count: r.count()})
		return model.ConvID{}, err
	}

	confirmed := model.Confirmed(realID)
	delete(r.convs, tmp.String())
	existing, dup := r.convs[realID]
	if !dup {
		st.conv.ID = confirmed
		r.convs[realID] = st
		existing = st
	}
	if r.active == tmp.String() {
		r.active = realID
	}
	conv := existing.conv
	r.mu.Unlock()

	if r.db != nil {
		if err := r.db.UpsertConversation(conv); err != nil {
			r.logger.Warn("cache write failed", zap.String("op", "upsert_conversation"), zap.Error(err))
		}
	}
	r.bus.Emit(bus.KindConversations, ConversationsUpdate{Count: r.count()})
	return confirmed, nil
}

// MessageConfirmed applies the server's confirmation of our own send. For a
// conversation that is not open it is left to the next snapshot.
func (r *Reconciler) MessageConfirmed(msg model.Message) {
	r.mu.Lock()
	st, ok := r.convs[msg.ConversationID]
	if !ok || msg.ConversationID != r.active {
		r.mu.Unlock()
		return
	}
	msg.Status = msg.Status.Advance(model.StatusSent)
	changed := st.upsert(msg, true)
	r.msgConv[msg.ID] = msg.ConversationID
	touched := touch(st, msg)
	r.mu.Unlock()

	r.persist(msg, touched, st)
	if changed {
		r.bus.Emit(bus.KindMessages, MessagesUpdate{ConversationID: msg.ConversationID})
	}
	if touched {
		r.bus.Emit(bus.KindConversations, ConversationsUpdate{Count: r.count()})
	}
}

// MessageReceived applies a message from the peer. In the open conversation
// it counts as delivered; elsewhere it raises unread. A message for a
// conversation not in the list schedules a list refresh.
func (r *Reconciler) MessageReceived(msg model.Message) {
	r.mu.Lock()
	st, ok := r.convs[msg.ConversationID]
	if !ok {
		r.mu.Unlock()
		r.scheduleListRefresh()
		return
	}
	if msg.ConversationID == r.active {
		msg.Status = msg.Status.Advance(model.StatusDelivered)
	} else {
		msg.Status = msg.Status.Advance(model.StatusSent)
		st.conv.Unread = true
	}
	st.upsert(msg, true)
	r.msgConv[msg.ID] = msg.ConversationID
	touch(st, msg)
	r.mu.Unlock()

	r.persist(msg, true, st)
	r.bus.Emit(bus.KindMessages, MessagesUpdate{ConversationID: msg.ConversationID})
	r.bus.Emit(bus.KindConversations, ConversationsUpdate{Count: r.count()})
}

// touch moves the conversation's last activity forward. Caller holds mu.
func touch(st *convState, msg model.Message) bool {
	if msg.CreatedAt.IsZero() {
		return false
	}
	if st.conv.LastMessageAt != nil && !msg.CreatedAt.After(*st.conv.LastMessageAt) {
		return false
	}
	t := msg.CreatedAt
	st.conv.LastMessageAt = &t
	return true
}

func (r *Reconciler) persist(msg model.Message, convChanged bool, st *convState) {
	if r.db == nil {
		return
	}
	r.mu.Lock()
	conv := st.conv
	r.mu.Unlock()
	if conv.ID.Pending() {
		return
	}
	if err := r.db.UpsertMessage(msg); err != nil {
		r.logger.Warn("cache write failed", zap.String("op", "upsert_message"), zap.Error(err))
	}
	if convChanged {
		if err := r.db.UpsertConversation(conv); err != nil {
			r.logger.Warn("cache write failed", zap.String("op", "upsert_conversation"), zap.Error(err))
		}
	}
}

// StatusChanged applies a delivery or read receipt. Status only moves
// forward. A read receipt also triggers a snapshot refetch of the affected
// conversation so both sides converge on the server's view.
func (r *Reconciler) StatusChanged(messageIDs []string, st model.Status) {
	changed := make(map[string]bool)
	r.mu.Lock()
	for _, id := range messageIDs {
		convID, ok := r.msgConv[id]
		if !ok {
			continue
		}
		cs, ok := r.convs[convID]
		if !ok {
			continue
		}
		i, ok := cs.index[id]
		if !ok {
			continue
		}
		if _, seen := changed[convID]; !seen {
			changed[convID] = false
		}
		if cs.messages[i].Status < st {
			cs.messages[i].Status = st
			changed[convID] = true
		}
	}
	r.mu.Unlock()

	if r.db != nil {
		if _, err := r.db.AdvanceStatus(messageIDs, st); err != nil {
			r.logger.Warn("cache write failed", zap.String("op", "advance_status"), zap.Error(err))
		}
	}
	for convID, didChange := range changed {
		if didChange {
			r.bus.Emit(bus.KindMessages, MessagesUpdate{ConversationID: convID})
		}
		if st == model.StatusRead {
			r.scheduleResync(convID)
		}
	}
}

// TypingChanged records who is typing and notifies.
func (r *Reconciler) TypingChanged(conversationID string, users []string) {
	r.mu.Lock()
	if st, ok := r.convs[conversationID]; ok {
		st.typing = slices.Clone(users)
	}
	r.mu.Unlock()
	r.bus.Emit(bus.KindTyping, TypingUpdate{ConversationID: conversationID, Users: slices.Clone(users)})
}

const listRefreshKey = "\x00list"

func (r *Reconciler) scheduleListRefresh() {
	r.schedule(listRefreshKey, func(ctx context.Context) error {
		return r.RefreshConversations(ctx)
	})
}

func (r *Reconciler) scheduleResync(conversationID string) {
	r.schedule(conversationID, func(ctx context.Context) error {
		return r.FetchMessages(ctx, conversationID)
	})
}

// schedule runs fn after the debounce delay; repeated calls for the same key
// within the delay collapse into one run.
func (r *Reconciler) schedule(key string, fn func(ctx context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx.Err() != nil {
		return
	}
	if t, ok := r.debounce[key]; ok {
		t.Reset(r.opts.RefreshDebounce)
		return
	}
	r.debounce[key] = time.AfterFunc(r.opts.RefreshDebounce, func() {
		r.mu.Lock()
		delete(r.debounce, key)
		r.mu.Unlock()

		ctx, cancel := context.WithTimeout(r.ctx, r.opts.FetchTimeout)
		defer cancel()
		err := fn(ctx)
		if err == nil || errors.Is(err, ErrUnknownConversation) || r.ctx.Err() != nil {
			return
		}
		r.logger.Warn("background refetch failed", zap.String("key", key), zap.Error(err))
		if errors.Is(err, rest.ErrUnauthorized) {
			r.bus.Emit(bus.KindSessionEnded, bus.SessionEnd{Reason: bus.ReasonUnauthorized})
		}
	})
}
