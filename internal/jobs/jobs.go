// Package jobs schedules unread-count pushes after a message is written,
// either on the in-process fanout workers or through an asynq queue.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"roomcast/internal/fanout"
	"roomcast/internal/realtime"
)

// TypeUnreadPush is the asynq task type for unread pushes.
const TypeUnreadPush = "unread:push"

// UnreadPushPayload is the task body.
type UnreadPushPayload struct {
	ConversationID string   `json:"conversation_id"`
	UserIDs        []string `json:"user_ids"`
}

// Pusher recomputes and publishes one user's unread payload.
type Pusher interface {
	PushUnread(ctx context.Context, userID, conversationID string) error
}

// InlineScheduler runs pushes on the dispatcher worker that owns each
// user's channel, so they stay ordered with that user's other events.
type InlineScheduler struct {
	dispatcher *fanout.Dispatcher
	pusher     Pusher
	log        *zap.Logger
}

func NewInlineScheduler(d *fanout.Dispatcher, p Pusher, log *zap.Logger) *InlineScheduler {
	return &InlineScheduler{dispatcher: d, pusher: p, log: log}
}

func (s *InlineScheduler) ScheduleUnreadPush(_ context.Context, conversationID string, userIDs []string) error {
	for _, uid := range userIDs {
		s.dispatcher.Go(realtime.UserChannel(uid), func(ctx context.Context) {
			if err := s.pusher.PushUnread(ctx, uid, conversationID); err != nil {
				s.log.Warn("unread push failed",
					zap.String("user_id", uid), zap.String("conversation_id", conversationID), zap.Error(err))
			}
		})
	}
	return nil
}

// Enqueuer is the part of *asynq.Client the scheduler uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqScheduler hands pushes to an asynq queue so any instance can run them.
type AsynqScheduler struct {
	client Enqueuer
	opts   []asynq.Option
}

func NewAsynqScheduler(client Enqueuer, opts ...asynq.Option) *AsynqScheduler {
	return &AsynqScheduler{client: client, opts: opts}
}

func NewUnreadPushTask(conversationID string, userIDs []string) (*asynq.Task, error) {
	payload, err := json.Marshal(UnreadPushPayload{ConversationID: conversationID, UserIDs: userIDs})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeUnreadPush, payload), nil
}

func (s *AsynqScheduler) ScheduleUnreadPush(ctx context.Context, conversationID string, userIDs []string) error {
	task, err := NewUnreadPushTask(conversationID, userIDs)
	if err != nil {
		return fmt.Errorf("build unread task: %w", err)
	}
	if _, err := s.client.EnqueueContext(ctx, task, s.opts...); err != nil {
		return fmt.Errorf("enqueue unread task: %w", err)
	}
	return nil
}

// UnreadPushHandler processes TypeUnreadPush tasks.
type UnreadPushHandler struct {
	pusher Pusher
	log    *zap.Logger
}

func NewUnreadPushHandler(p Pusher, log *zap.Logger) *UnreadPushHandler {
	return &UnreadPushHandler{pusher: p, log: log}
}

// ProcessTask implements asynq.Handler. A malformed payload is not retried.
func (h *UnreadPushHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p UnreadPushPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode %s payload: %v: %w", TypeUnreadPush, err, asynq.SkipRetry)
	}
	var firstErr error
	for _, uid := range p.UserIDs {
		if err := h.pusher.PushUnread(ctx, uid, p.ConversationID); err != nil {
			h.log.Warn("unread push failed",
				zap.String("user_id", uid), zap.String("conversation_id", p.ConversationID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// NewServer builds an asynq server consuming unread pushes from redisURL.
func NewServer(redisURL string, concurrency int, h *UnreadPushHandler, log *zap.Logger) (*asynq.Server, *asynq.ServeMux, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("asynq: parse REDIS_URL: %w", err)
	}
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			log.Error("asynq task failed", zap.String("type", task.Type()), zap.Error(err))
		}),
	})
	mux := asynq.NewServeMux()
	mux.Handle(TypeUnreadPush, h)
	return srv, mux, nil
}

// NewClient builds an asynq client for redisURL.
func NewClient(redisURL string) (*asynq.Client, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("asynq: parse REDIS_URL: %w", err)
	}
	return asynq.NewClient(opt), nil
}
