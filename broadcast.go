package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/kafkapubsub"
	_ "gocloud.dev/pubsub/mempubsub"
	_ "gocloud.dev/pubsub/natspubsub"
	_ "gocloud.dev/pubsub/rabbitpubsub"
)

const (
	EventCheckUpdate    = "check:update"
	EventIncidentUpdate = "incident:update"
	EventUserUpdate     = "user:update"
)

const (
	metadataRoom  = "room"
	metadataEvent = "event"
)

func MonitorRoom(monitorID string) string {
	return "monitor:" + monitorID
}

func UserRoom(userID string) string {
	return "user:" + userID
}

type CheckUpdate struct {
	MonitorID string       `json:"monitorId"`
	Check     Check        `json:"check"`
	Timings   ProbeTimings `json:"timings"`
}

type IncidentUpdate struct {
	MonitorID  string   `json:"monitorId"`
	Transition string   `json:"transition"`
	Incident   Incident `json:"incident"`
}

type UserUpdate struct {
	MonitorID string      `json:"monitorId"`
	Status    CheckStatus `json:"status"`
	Check     Check       `json:"check"`
}

// Broadcaster publishes real-time updates. Publishing never blocks on subscribers and
// never fails the caller; undeliverable updates are dropped.
type Broadcaster interface {
	PublishCheckUpdate(ctx context.Context, update CheckUpdate)
	PublishIncidentUpdate(ctx context.Context, update IncidentUpdate)
	PublishUserUpdate(ctx context.Context, userID string, update UserUpdate)
}

type broadcastMessage struct {
	room  string
	event string
	body  []byte
}

type BroadcastOptions struct {
	// Buffer is the outbox size. Updates published while it is full are dropped.
	Buffer      int
	Senders     int
	SendTimeout time.Duration
}

// BroadcastPublisher sends updates to a pubsub topic from a bounded outbox, so a slow
// or unavailable transport never holds up the caller.
type BroadcastPublisher struct {
	topic       *pubsub.Topic
	outbox      chan broadcastMessage
	sendTimeout time.Duration
	dropped     atomic.Int64

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewBroadcastPublisher(topic *pubsub.Topic, options BroadcastOptions) (*BroadcastPublisher, error) {
	if topic == nil {
		return nil, errors.New("broadcast topic is required")
	}
	if options.Buffer <= 0 {
		options.Buffer = 1024
	}
	if options.Senders <= 0 {
		options.Senders = 4
	}
	if options.SendTimeout <= 0 {
		options.SendTimeout = 5 * time.Second
	}

	publisher := &BroadcastPublisher{
		topic:       topic,
		outbox:      make(chan broadcastMessage, options.Buffer),
		sendTimeout: options.SendTimeout,
	}
	for range options.Senders {
		publisher.wg.Go(publisher.sendLoop)
	}
	return publisher, nil
}

func (p *BroadcastPublisher) sendLoop() {
	for message := range p.outbox {
		ctx, cancel := context.WithTimeout(context.Background(), p.sendTimeout)
		err := p.topic.Send(ctx, &pubsub.Message{
			Body: message.body,
			Metadata: map[string]string{
				metadataRoom:  message.room,
				metadataEvent: message.event,
			},
		})
		cancel()
		if err != nil {
			slog.Warn("failed to broadcast update",
				slog.String("room", message.room),
				slog.String("event", message.event),
				slog.String("error", fmt.Errorf("%w: %w", ErrBroadcastFailure, err).Error()))
		}
	}
}

func (p *BroadcastPublisher) publish(ctx context.Context, room string, event string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		slog.WarnContext(ctx, "failed to encode broadcast update",
			slog.String("room", room),
			slog.String("event", event),
			slog.String("error", fmt.Errorf("%w: %w", ErrBroadcastFailure, err).Error()))
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}

	select {
	case p.outbox <- broadcastMessage{room: room, event: event, body: body}:
	default:
		p.dropped.Add(1)
		slog.WarnContext(ctx, "broadcast outbox full, dropping update",
			slog.String("room", room),
			slog.String("event", event),
			slog.String("error", ErrBroadcastFailure.Error()))
	}
}

func (p *BroadcastPublisher) PublishCheckUpdate(ctx context.Context, update CheckUpdate) {
	p.publish(ctx, MonitorRoom(update.MonitorID), EventCheckUpdate, update)
}

func (p *BroadcastPublisher) PublishIncidentUpdate(ctx context.Context, update IncidentUpdate) {
	p.publish(ctx, MonitorRoom(update.MonitorID), EventIncidentUpdate, update)
}

func (p *BroadcastPublisher) PublishUserUpdate(ctx context.Context, userID string, update UserUpdate) {
	p.publish(ctx, UserRoom(userID), EventUserUpdate, update)
}

// Dropped is the number of updates discarded because the outbox was full.
func (p *BroadcastPublisher) Dropped() int64 {
	return p.dropped.Load()
}

// Close stops accepting updates, flushes the outbox and shuts the topic down.
func (p *BroadcastPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.outbox)
	p.mu.Unlock()

	flushed := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(flushed)
	}()

	select {
	case <-flushed:
	case <-ctx.Done():
		return fmt.Errorf("flushing broadcast outbox: %w", ctx.Err())
	}

	return p.topic.Shutdown(ctx)
}
