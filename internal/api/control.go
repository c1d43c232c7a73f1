// Package api exposes the chat service over gRPC on the daemon's control
// socket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/ratelimit"
	"github.com/matheus3301/chatsync/internal/realtime"
	"github.com/matheus3301/chatsync/internal/rest"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatsync.v1.Control"

// Method names.
const (
	MethodStatus             = "Status"
	MethodLogin              = "Login"
	MethodRegister           = "Register"
	MethodLogout             = "Logout"
	MethodListConversations  = "ListConversations"
	MethodOpenConversation   = "OpenConversation"
	MethodListMessages       = "ListMessages"
	MethodSendText           = "SendText"
	MethodMarkViewed         = "MarkViewed"
	MethodTyping             = "Typing"
	MethodCreateConversation = "CreateConversation"
	MethodListUsers          = "ListUsers"
	MethodUserCountsByRole   = "UserCountsByRole"
	MethodRegisterDevice     = "RegisterDevice"
	MethodUnregisterDevice   = "UnregisterDevice"
	MethodListDevices        = "ListDevices"
	MethodSearch             = "Search"
	MethodWatch              = "Watch"
)

// FullMethod returns the gRPC path of a method.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// ControlServer is implemented by Control.
type ControlServer interface {
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Login(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Register(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Logout(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListConversations(context.Context, *structpb.Struct) (*structpb.Struct, error)
	OpenConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendText(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkViewed(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Typing(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListUsers(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UserCountsByRole(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RegisterDevice(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UnregisterDevice(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListDevices(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Search(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*structpb.Struct, grpc.ServerStream) error
}

type unaryMethod func(ControlServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, fn unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(srv.(ControlServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc describes the control service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodStatus, ControlServer.Status),
		unary(MethodLogin, ControlServer.Login),
		unary(MethodRegister, ControlServer.Register),
		unary(MethodLogout, ControlServer.Logout),
		unary(MethodListConversations, ControlServer.ListConversations),
		unary(MethodOpenConversation, ControlServer.OpenConversation),
		unary(MethodListMessages, ControlServer.ListMessages),
		unary(MethodSendText, ControlServer.SendText),
		unary(MethodMarkViewed, ControlServer.MarkViewed),
		unary(MethodTyping, ControlServer.Typing),
		unary(MethodCreateConversation, ControlServer.CreateConversation),
		unary(MethodListUsers, ControlServer.ListUsers),
		unary(MethodUserCountsByRole, ControlServer.UserCountsByRole),
		unary(MethodRegisterDevice, ControlServer.RegisterDevice),
		unary(MethodUnregisterDevice, ControlServer.UnregisterDevice),
		unary(MethodListDevices, ControlServer.ListDevices),
		unary(MethodSearch, ControlServer.Search),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatch,
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(structpb.Struct)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(ControlServer).Watch(in, stream)
			},
		},
	},
}

// Control implements ControlServer on top of chat.Service.
type Control struct {
	profile   string
	startedAt time.Time
	svc       *chat.Service
	bus       *bus.Bus
	logger    *zap.Logger
}

// NewControl creates the control service for a profile.
func NewControl(profile string, svc *chat.Service, b *bus.Bus, logger *zap.Logger) *Control {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Control{
		profile:   profile,
		startedAt: time.Now(),
		svc:       svc,
		bus:       b,
		logger:    logger,
	}
}

func (c *Control) Status(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	st := c.svc.Status()
	view := StatusView{
		Profile:            c.profile,
		UptimeMs:           time.Since(c.startedAt).Milliseconds(),
		SignedIn:           st.SignedIn,
		Revoked:            st.Revoked,
		User:               st.User,
		Channel:            string(st.Channel),
		Conversations:      st.Conversations,
		Active:             st.Active,
		TokenSubject:       st.TokenSubject,
		RefreshAttempts:    st.Refresh.Attempts,
		RefreshMaxAttempts: st.Refresh.MaxAttempts,
		RefreshInFlight:    st.Refresh.InFlight,
	}
	if !st.ChannelSince.IsZero() {
		view.ChannelSince = &st.ChannelSince
	}
	if !st.TokenExpiresAt.IsZero() {
		view.TokenExpiresAt = &st.TokenExpiresAt
	}
	return reply(view)
}

func (c *Control) Login(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req LoginRequest
	if err := request(in, &req); err != nil {
		return nil, err
	}
	if req.Email == "" || req.Password == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "email and password are required")
	}
	user, err := c.svc.Login(ctx, req.Email, req.Password)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(UserResponse{User: user})
}

func (c *Control) Register(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req RegisterRequest
	if err := request(in, &req); err != nil {
		return nil, err
	}
	if req.Name == "" || req.Email == "" || req.Password == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "name, email and password are required")
	}
	user, err := c.svc.Register(ctx, req.Name, req.Email, req.Password)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(UserResponse{User: user})
}

func (c *Control) Logout(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	c.svc.Logout(ctx)
	return &structpb.Struct{}, nil
}

func (c *Control) ListConversations(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ListConversationsRequest
	if err := request(in, &req); err != nil {
		return nil, err
	}
	if req.Refresh {
		if err := c.svc.RefreshConversations(ctx); err != nil {
			return nil, toStatus(err)
		}
	}
	convs := c.svc.Conversations()
	out := ConversationsResponse{Conversations: make([]ConversationView, 0, len(convs))}
	for _, conv := range convs {
		out.Conversations = append(out.Conversations, conversationView(conv))
	}
	return reply(out)
}

func (c *Control) OpenConversation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ConversationRequest
	if err := request(in, &req); err != nil {
		return nil, err
	}
	if err := c.svc.OpenConversation(ctx, req.ConversationID); err != nil {
		return nil, toStatus(err)
	}
	return c.messages(req.ConversationID)
}

func (c *Control) ListMessages(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ConversationRequest
	if err := request(in, &req); err != nil {
		return nil, err
	}
	return c.messages(req.ConversationID)
}

func (c *Control) messages(id string) (*structpb.Struct, error) {
	if id == "" {
		return reply(MessagesResponse{})
	}
	msgs, err := c.svc.Messages(id)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(MessagesResponse{Messages: msgs, Typing: c.svc.TypingUsers(id)})
}

func (c *Control) SendText(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SendTextRequest
	if err := request(in, &req); err != nil {
		return nil, err
	}
	if err := c.svc.SendText(ctx, req.ConversationID, req.Text); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

func (c *Control) MarkViewed(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ConversationRequest
	if err := request(in, &req); err != nil {
		return nil, err
	}
	if err := c.svc.MarkViewed(ctx, req.ConversationID); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

func (c *Control) Typing(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req TypingRequest
	if err := request(in, &req); err != nil {
		return nil, err
	}
	if err := c.svc.Typing(ctx, req.ConversationID, req.Typing); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

func (c *Control) CreateConversation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req CreateConversationRequest
	if err := request(in, &req); err != nil {
		return nil, err
	}
	if req.UserID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "userId is required")
	}
	id, err := c.svc.CreateConversation(ctx, model.Peer{ID: req.UserID, Name: req.Name, Email: req.Email})
	if err != nil && !errors.Is(err, rest.ErrNoConversationID) {
		return nil, toStatus(err)
	}
	// A missing id in the server answer still leaves a usable placeholder.
	return reply(CreateConversationResponse{ConversationID: id.String(), Pending: id.Pending()})
}

func (c *Control) ListUsers(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	users, err := c.svc.Users(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(UsersResponse{Users: users})
}

func (c *Control) UserCountsByRole(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	counts, err := c.svc.RoleCounts(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(CountsResponse{Counts: counts})
}

func (c *Control) RegisterDevice(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req DeviceRequest
	if err := request(in, &req); err != nil {
		return nil, err
	}
	if err := c.svc.RegisterDevice(ctx, req.Token); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

func (c *Control) UnregisterDevice(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req DeviceRequest
	if err := request(in, &req); err != nil {
		return nil, err
	}
	if err := c.svc.UnregisterDevice(ctx, req.Token); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

func (c *Control) ListDevices(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	devices, err := c.svc.Devices(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(DevicesResponse{Devices: devices})
}

func (c *Control) Search(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SearchRequest
	if err := request(in, &req); err != nil {
		return nil, err
	}
	results, err := c.svc.Search(req.Query, req.ConversationID, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	out := SearchResponse{Results: make([]SearchHit, 0, len(results))}
	for _, r := range results {
		out.Results = append(out.Results, SearchHit{Message: r.Message, Snippet: r.Snippet})
	}
	return reply(out)
}

// Watch streams bus events until the client goes away.
func (c *Control) Watch(in *structpb.Struct, stream grpc.ServerStream) error {
	var req WatchRequest
	if err := request(in, &req); err != nil {
		return err
	}
	ch, unsub := c.bus.Subscribe(req.Prefix, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			out, err := EncodeEvent(Event{
				ID:         uuid.New().String(),
				Profile:    c.profile,
				Kind:       evt.Kind,
				OccurredAt: evt.Timestamp,
				Payload:    payloadMap(evt.Payload),
			})
			if err != nil {
				c.logger.Error("encode watch event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

// payloadMap renders an event payload through its JSON form. Payloads that
// are not JSON objects are wrapped under "value".
func payloadMap(p any) map[string]any {
	if p == nil {
		return nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		var v any
		if json.Unmarshal(b, &v) == nil {
			return map[string]any{"value": v}
		}
		return nil
	}
	return m
}

func request(in *structpb.Struct, v any) error {
	if err := Decode(in, v); err != nil {
		return grpcstatus.Errorf(codes.InvalidArgument, "%v", err)
	}
	return nil
}

func reply(v any) (*structpb.Struct, error) {
	out, err := Encode(v)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "%v", err)
	}
	return out, nil
}

// toStatus maps core errors to gRPC codes.
func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, rest.ErrUnauthorized), errors.Is(err, chat.ErrNotSignedIn):
		code = codes.Unauthenticated
	case errors.Is(err, ratelimit.ErrRateLimited):
		code = codes.ResourceExhausted
	case rest.IsTransient(err), errors.Is(err, realtime.ErrNotConnected):
		code = codes.Unavailable
	case errors.Is(err, intsync.ErrUnknownConversation):
		code = codes.NotFound
	case errors.Is(err, chat.ErrEmptyMessage):
		code = codes.InvalidArgument
	case errors.Is(err, chat.ErrPendingConversation):
		code = codes.FailedPrecondition
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		code = codes.Internal
	}
	return grpcstatus.Error(code, err.Error())
}
