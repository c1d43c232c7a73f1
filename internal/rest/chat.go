package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/matheus3301/chatsync/internal/credential"
	"github.com/matheus3301/chatsync/internal/model"
)

// ErrNoConversationID is returned when a creation response is 2xx but names
// no conversation.
var ErrNoConversationID = errors.New("creation response carried no conversation id")

type wireConversation struct {
	ConversationID string     `json:"conversationId"`
	LastMessageAt  *time.Time `json:"lastMessageAt"`
	Unread         bool       `json:"unread"`
	User           model.Peer `json:"user"`
}

func (w wireConversation) model() model.Conversation {
	return model.Conversation{
		ID:            model.Confirmed(w.ConversationID),
		Peer:          w.User,
		LastMessageAt: w.LastMessageAt,
		Unread:        w.Unread,
	}
}

// ListConversations fetches the conversation list snapshot.
func (c *Client) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	resp, err := c.Do(ctx, Request{Method: http.MethodGet, Path: "chat/conversations"})
	if err != nil {
		return nil, err
	}
	var out struct {
		Data []wireConversation `json:"data"`
	}
	if err := resp.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	convs := make([]model.Conversation, 0, len(out.Data))
	for _, w := range out.Data {
		if w.ConversationID == "" {
			continue
		}
		convs = append(convs, w.model())
	}
	return convs, nil
}

// ListMessages fetches the message snapshot of one conversation, oldest first.
// Messages without a status are taken as sent.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	resp, err := c.Do(ctx, Request{
		Method: http.MethodGet,
		Path:   "chat/conversations/" + url.PathEscape(conversationID) + "/messages",
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		Data []model.Message `json:"data"`
	}
	if err := resp.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	for i := range out.Data {
		if out.Data[i].ConversationID == "" {
			out.Data[i].ConversationID = conversationID
		}
		out.Data[i].Status = out.Data[i].Status.Advance(model.StatusSent)
	}
	return out.Data, nil
}

// CreateConversation opens a conversation with userID and returns its id.
// The id is read from conversationId or id, at the top level or under data.
func (c *Client) CreateConversation(ctx context.Context, userID string) (string, error) {
	resp, err := c.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   "chat/conversations",
		Body:   map[string]string{"userId": userID},
	})
	if err != nil {
		return "", err
	}
	type ids struct {
		ConversationID string `json:"conversationId"`
		ID             string `json:"id"`
	}
	var out struct {
		ids
		Data *ids `json:"data"`
	}
	if err := resp.Decode(&out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoConversationID, err)
	}
	for _, candidate := range []*ids{&out.ids, out.Data} {
		if candidate == nil {
			continue
		}
		if candidate.ConversationID != "" {
			return candidate.ConversationID, nil
		}
		if candidate.ID != "" {
			return candidate.ID, nil
		}
	}
	return "", ErrNoConversationID
}

// ListUsers returns the user directory.
func (c *Client) ListUsers(ctx context.Context) ([]credential.User, error) {
	resp, err := c.Do(ctx, Request{Method: http.MethodGet, Path: "users"})
	if err != nil {
		return nil, err
	}
	var out struct {
		Data []credential.User `json:"data"`
	}
	if err := resp.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}
	return out.Data, nil
}

// CountsByRole returns the number of users per role.
func (c *Client) CountsByRole(ctx context.Context) (map[string]int, error) {
	resp, err := c.Do(ctx, Request{Method: http.MethodGet, Path: "users/counts/by-role"})
	if err != nil {
		return nil, err
	}
	var out struct {
		Counts map[string]int `json:"counts"`
	}
	if err := resp.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode role counts: %w", err)
	}
	if out.Counts == nil {
		out.Counts = map[string]int{}
	}
	return out.Counts, nil
}
