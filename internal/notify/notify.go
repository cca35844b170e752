// Package notify broadcasts merge request lifecycle events to observers.
// Delivery is at-most-once and best-effort.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type EventType string

const (
	EventCreated   EventType = "Created"
	EventApproved  EventType = "Approved"
	EventRejected  EventType = "Rejected"
	EventCancelled EventType = "Cancelled"
)

type Event struct {
	Event          EventType `json:"event"`
	MergeRequestID string    `json:"mergeRequestId"`
	ResourceID     string    `json:"resourceId"`
	OccurredAt     time.Time `json:"occurredAt"`
}

type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Channel is the pub/sub channel events for resourceID are published on.
func Channel(resourceID string) string {
	return "eidos:merge-requests:" + resourceID
}

type RedisNotifier struct {
	client *redis.Client
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

func (n *RedisNotifier) Notify(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := n.client.Publish(ctx, Channel(event.ResourceID), payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// Dispatcher sends events in the background with a bounded timeout. Failures
// are logged and dropped.
type Dispatcher struct {
	notifier Notifier
	timeout  time.Duration
	log      logrus.FieldLogger
	wg       sync.WaitGroup
}

func NewDispatcher(notifier Notifier, timeout time.Duration, log logrus.FieldLogger) *Dispatcher {
	if notifier == nil {
		notifier = Nop{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dispatcher{notifier: notifier, timeout: timeout, log: log}
}

// Dispatch returns immediately.
func (d *Dispatcher) Dispatch(event Event) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.notifier.Notify(ctx, event); err != nil {
			d.log.WithFields(logrus.Fields{
				"event":            event.Event,
				"merge_request_id": event.MergeRequestID,
				"resource_id":      event.ResourceID,
			}).WithError(err).Warn("notification dropped")
		}
	}()
}

// Wait blocks until every dispatched event has been attempted.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
