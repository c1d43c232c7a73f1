// Package push records push-notification device tokens with the server.
// Delivery is handled elsewhere; this package only registers, unregisters
// and lists tokens, each operation under its own local call budget.
package push

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/ratelimit"
	"github.com/matheus3301/chatsync/internal/rest"
	"go.uber.org/zap"
)

// Operation names, also used as rate-limit and metric labels.
const (
	OpSave   = "fcm.save"
	OpRemove = "fcm.remove"
	OpList   = "fcm.list"
)

// ErrEmptyToken is returned for a blank device token.
var ErrEmptyToken = errors.New("device token is empty")

// Device is a registered token.
type Device struct {
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"createdAt"`
}

// Doer is the part of the request pipeline the registry needs.
type Doer interface {
	Do(ctx context.Context, req rest.Request) (*rest.Response, error)
}

// Registry talks to the fcm endpoints.
type Registry struct {
	api     Doer
	limits  map[string]*ratelimit.Window
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewRegistry gives each operation an independent budget of limit calls per
// window.
func NewRegistry(api Doer, limit int, window time.Duration, m *metrics.Metrics, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		api: api,
		limits: map[string]*ratelimit.Window{
			OpSave:   ratelimit.NewWindow(limit, window),
			OpRemove: ratelimit.NewWindow(limit, window),
			OpList:   ratelimit.NewWindow(limit, window),
		},
		metrics: m,
		logger:  logger,
	}
}

func (r *Registry) admit(op string) error {
	if err := r.limits[op].Check(op); err != nil {
		r.metrics.RateLimited(op)
		r.logger.Warn("device registry call rate limited", zap.String("op", op), zap.Error(err))
		return err
	}
	return nil
}

// Save registers token for the signed-in user.
func (r *Registry) Save(ctx context.Context, token string) error {
	if token == "" {
		return ErrEmptyToken
	}
	if err := r.admit(OpSave); err != nil {
		return err
	}
	_, err := r.api.Do(ctx, rest.Request{
		Method: http.MethodPost,
		Path:   "fcm/save",
		Body:   map[string]string{"token": token},
	})
	return err
}

// Remove unregisters token.
func (r *Registry) Remove(ctx context.Context, token string) error {
	if token == "" {
		return ErrEmptyToken
	}
	if err := r.admit(OpRemove); err != nil {
		return err
	}
	_, err := r.api.Do(ctx, rest.Request{
		Method: http.MethodDelete,
		Path:   "fcm/remove",
		Body:   map[string]string{"token": token},
	})
	return err
}

// List returns the tokens registered for the signed-in user.
func (r *Registry) List(ctx context.Context) ([]Device, error) {
	if err := r.admit(OpList); err != nil {
		return nil, err
	}
	resp, err := r.api.Do(ctx, rest.Request{Method: http.MethodGet, Path: "fcm/"})
	if err != nil {
		return nil, err
	}
	var out struct {
		Tokens []Device `json:"tokens"`
	}
	if err := resp.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode devices: %w", err)
	}
	return out.Tokens, nil
}
