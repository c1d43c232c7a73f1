// Package client is the control socket client used by chatctl.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/matheus3301/chatsync/internal/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn *grpc.ClientConn
}

// New dials the daemon's Unix domain socket.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// NewFromConn wraps an existing connection.
func NewFromConn(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// call invokes a unary method with req encoded as a Struct and decodes the
// reply into resp when resp is not nil.
func (c *Client) call(ctx context.Context, method string, req, resp any) error {
	in := &structpb.Struct{}
	if req != nil {
		var err error
		if in, err = api.Encode(req); err != nil {
			return err
		}
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, api.FullMethod(method), in, out); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return api.Decode(out, resp)
}

func (c *Client) Status(ctx context.Context) (*api.StatusView, error) {
	var out api.StatusView
	if err := c.call(ctx, api.MethodStatus, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Login(ctx context.Context, email, password string) (*api.UserResponse, error) {
	var out api.UserResponse
	err := c.call(ctx, api.MethodLogin, api.LoginRequest{Email: email, Password: password}, &out)
	return &out, err
}

func (c *Client) Register(ctx context.Context, name, email, password string) (*api.UserResponse, error) {
	var out api.UserResponse
	err := c.call(ctx, api.MethodRegister, api.RegisterRequest{Name: name, Email: email, Password: password}, &out)
	return &out, err
}

func (c *Client) Logout(ctx context.Context) error {
	return c.call(ctx, api.MethodLogout, nil, nil)
}

func (c *Client) Conversations(ctx context.Context, refresh bool) ([]api.ConversationView, error) {
	var out api.ConversationsResponse
	err := c.call(ctx, api.MethodListConversations, api.ListConversationsRequest{Refresh: refresh}, &out)
	return out.Conversations, err
}

func (c *Client) Open(ctx context.Context, conversationID string) (*api.MessagesResponse, error) {
	var out api.MessagesResponse
	err := c.call(ctx, api.MethodOpenConversation, api.ConversationRequest{ConversationID: conversationID}, &out)
	return &out, err
}

func (c *Client) Messages(ctx context.Context, conversationID string) (*api.MessagesResponse, error) {
	var out api.MessagesResponse
	err := c.call(ctx, api.MethodListMessages, api.ConversationRequest{ConversationID: conversationID}, &out)
	return &out, err
}

func (c *Client) SendText(ctx context.Context, conversationID, text string) error {
	return c.call(ctx, api.MethodSendText, api.SendTextRequest{ConversationID: conversationID, Text: text}, nil)
}

func (c *Client) MarkViewed(ctx context.Context, conversationID string) error {
	return c.call(ctx, api.MethodMarkViewed, api.ConversationRequest{ConversationID: conversationID}, nil)
}

func (c *Client) Typing(ctx context.Context, conversationID string, typing bool) error {
	return c.call(ctx, api.MethodTyping, api.TypingRequest{ConversationID: conversationID, Typing: typing}, nil)
}

func (c *Client) CreateConversation(ctx context.Context, userID string) (*api.CreateConversationResponse, error) {
	var out api.CreateConversationResponse
	err := c.call(ctx, api.MethodCreateConversation, api.CreateConversationRequest{UserID: userID}, &out)
	return &out, err
}

func (c *Client) Users(ctx context.Context) (*api.UsersResponse, error) {
	var out api.UsersResponse
	err := c.call(ctx, api.MethodListUsers, nil, &out)
	return &out, err
}

func (c *Client) RoleCounts(ctx context.Context) (map[string]int, error) {
	var out api.CountsResponse
	err := c.call(ctx, api.MethodUserCountsByRole, nil, &out)
	return out.Counts, err
}

func (c *Client) RegisterDevice(ctx context.Context, token string) error {
	return c.call(ctx, api.MethodRegisterDevice, api.DeviceRequest{Token: token}, nil)
}

func (c *Client) UnregisterDevice(ctx context.Context, token string) error {
	return c.call(ctx, api.MethodUnregisterDevice, api.DeviceRequest{Token: token}, nil)
}

func (c *Client) Devices(ctx context.Context) (*api.DevicesResponse, error) {
	var out api.DevicesResponse
	err := c.call(ctx, api.MethodListDevices, nil, &out)
	return &out, err
}

func (c *Client) Search(ctx context.Context, query, conversationID string, limit int) (*api.SearchResponse, error) {
	var out api.SearchResponse
	err := c.call(ctx, api.MethodSearch, api.SearchRequest{Query: query, ConversationID: conversationID, Limit: limit}, &out)
	return &out, err
}

// Watch streams events whose kind starts with prefix to fn until ctx ends,
// the stream breaks or fn returns an error.
func (c *Client) Watch(ctx context.Context, prefix string, fn func(api.Event) error) error {
	desc := &api.ServiceDesc.Streams[0]
	stream, err := c.conn.NewStream(ctx, desc, api.FullMethod(api.MethodWatch))
	if err != nil {
		return err
	}
	in, err := api.Encode(api.WatchRequest{Prefix: prefix})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		out := &structpb.Struct{}
		if err := stream.RecvMsg(out); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		evt, err := api.DecodeEvent(out)
		if err != nil {
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}
