package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"posledger/backend/internal/cache"
	"posledger/backend/internal/domain"
	"posledger/backend/internal/events"
	"posledger/backend/internal/metrics"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

var (
	ErrUnauthenticated = errors.New("authenticated actor required")
	ErrForbidden       = errors.New("admin role required")
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

func requireActor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return domain.Actor{}, ErrUnauthenticated
	}
	return actor, nil
}

func requireAdmin(ctx context.Context) (domain.Actor, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Actor{}, err
	}
	if actor.Role != domain.RoleAdmin {
		return domain.Actor{}, ErrForbidden
	}
	return actor, nil
}

// Options carries the collaborators used after a commit. Zero values are replaced
// with no-op implementations; PublishTimeout defaults to 2s.
type Options struct {
	Logger          *zap.Logger
	ReceiptCache    cache.ReceiptCache
	ReceiptCacheTTL time.Duration
	Publisher       events.Publisher
	PublishTimeout  time.Duration
	Metrics         *metrics.Metrics
	Now             func() time.Time
}

type Service struct {
	repo       store.Repository
	receipts   cache.ReceiptCache
	receiptTTL time.Duration
	publisher  events.Publisher
	publishTTL time.Duration
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

func New(repo store.Repository, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ReceiptCache == nil {
		opts.ReceiptCache = cache.NoopReceiptCache{}
	}
	if opts.ReceiptCacheTTL <= 0 {
		opts.ReceiptCacheTTL = 7 * 24 * time.Hour
	}
	if opts.Publisher == nil {
		opts.Publisher = events.NoopPublisher{}
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 2 * time.Second
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Service{
		repo:       repo,
		receipts:   opts.ReceiptCache,
		receiptTTL: opts.ReceiptCacheTTL,
		publisher:  opts.Publisher,
		publishTTL: opts.PublishTimeout,
		metrics:    opts.Metrics,
		logger:     opts.Logger.Named("service"),
		now:        opts.Now,
	}
}

// publish runs after the commit under its own deadline, detached from the request's
// cancellation. A failure is logged and otherwise ignored.
func (s *Service) publish(ctx context.Context, actor domain.Actor, eventType string, key string, data any) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.publishTTL)
	defer cancel()

	err := s.publisher.Publish(ctx, events.Event{
		ID:         xid.New("evt"),
		Type:       eventType,
		Key:        key,
		ActorID:    actor.Username,
		OccurredAt: s.now(),
		Data:       data,
	})
	if err != nil {
		s.logger.Warn("publish event failed", zap.String("event_type", eventType), zap.String("key", key), zap.Error(err))
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, fields ...zap.Field) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}
	base := []zap.Field{
		zap.String("action", action),
		zap.String("entity_type", entityType),
		zap.String("entity_id", entityID),
		zap.String("actor", actor.Username),
		zap.String("role", actor.Role),
	}
	s.logger.Info("audit", append(base, fields...)...)
}
