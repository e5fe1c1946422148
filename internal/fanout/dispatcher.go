package fanout

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"roomcast/internal/metrics"
	"roomcast/internal/realtime"
)

const (
	queueSize      = 256
	enqueueWait    = time.Second
	publishTimeout = 5 * time.Second
	// maxTracked bounds each shard's last-seen version table.
	maxTracked = 10000
)

type job struct {
	event   string
	channel string
	payload any
	run     func(ctx context.Context)
}

type shard struct {
	jobs     chan job
	versions map[string]int64
}

// Dispatcher routes each key (a conversation or user) to one worker so
// publishes for that key leave in the order they were submitted.
type Dispatcher struct {
	broker realtime.Broker
	log    *zap.Logger
	shards []*shard

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher starts workers goroutines publishing through broker.
func NewDispatcher(broker realtime.Broker, workers int, log *zap.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	d := &Dispatcher{broker: broker, log: log, shards: make([]*shard, workers)}
	for i := range d.shards {
		s := &shard{jobs: make(chan job, queueSize), versions: make(map[string]int64)}
		d.shards[i] = s
		d.wg.Add(1)
		go d.work(s)
	}
	return d
}

func (d *Dispatcher) PublishToConversation(conversationID, event string, payload any) {
	channel := realtime.ConversationChannel(conversationID)
	d.enqueue(channel, job{event: event, channel: channel, payload: payload})
}

func (d *Dispatcher) PublishToUser(userID, event string, payload any) {
	channel := realtime.UserChannel(userID)
	d.enqueue(channel, job{event: event, channel: channel, payload: payload})
}

// Go runs fn on the worker that owns key, after anything already queued for
// it. fn gets a context detached from any request.
func (d *Dispatcher) Go(key string, fn func(ctx context.Context)) {
	d.enqueue(key, job{event: "task", run: fn})
}

func (d *Dispatcher) enqueue(key string, j job) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(j, "dispatcher closed")
		return
	}

	s := d.shards[xxhash.Sum64String(key)%uint64(len(d.shards))]
	select {
	case s.jobs <- j:
		return
	default:
	}

	timer := time.NewTimer(enqueueWait)
	defer timer.Stop()
	select {
	case s.jobs <- j:
	case <-timer.C:
		d.drop(j, "queue full")
	}
}

func (d *Dispatcher) drop(j job, reason string) {
	metrics.FanoutFailed.WithLabelValues(j.event).Inc()
	d.log.Warn("fanout dropped", zap.String("event", j.event), zap.String("channel", j.channel), zap.String("reason", reason))
}

func (d *Dispatcher) work(s *shard) {
	defer d.wg.Done()
	for j := range s.jobs {
		d.process(s, j)
	}
}

func (d *Dispatcher) process(s *shard, j job) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if j.run != nil {
		j.run(ctx)
		return
	}

	if v, ok := j.payload.(Versioned); ok {
		id, version := v.VersionKey()
		key := j.channel + "|" + id
		last, seen := s.versions[key]
		// Equal versions still go out: concurrent mutations can reload the
		// same row, and each needs its own event.
		switch {
		case !seen || version > last:
			if len(s.versions) >= maxTracked {
				clear(s.versions)
			}
			s.versions[key] = version
		case version < last && j.event != MessageCreated:
			d.log.Debug("stale fanout suppressed", zap.String("event", j.event), zap.String("message_id", id), zap.Int64("version", version))
			return
		}
	}

	env, err := realtime.NewEnvelope(j.event, j.payload)
	if err != nil {
		metrics.FanoutFailed.WithLabelValues(j.event).Inc()
		d.log.Error("fanout encode failed", zap.String("event", j.event), zap.Error(err))
		return
	}
	if err := d.broker.Publish(ctx, j.channel, env); err != nil {
		metrics.FanoutFailed.WithLabelValues(j.event).Inc()
		d.log.Warn("fanout publish failed", zap.String("event", j.event), zap.String("channel", j.channel), zap.Error(err))
		return
	}
	metrics.FanoutPublished.WithLabelValues(j.event).Inc()
}

// Close stops accepting work and waits for queued jobs to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, s := range d.shards {
		close(s.jobs)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
