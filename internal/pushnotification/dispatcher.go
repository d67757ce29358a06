package pushnotification

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/nexo-labs/nexo/internal/eventbus"
)

// Dispatcher turns bus events into push notifications for admins.
type Dispatcher struct {
	eventBus *eventbus.Bus
	notifier Notifier
}

func NewDispatcher(eventBus *eventbus.Bus, notifier Notifier) *Dispatcher {
	return &Dispatcher{
		eventBus: eventBus,
		notifier: notifier,
	}
}

// Start blocks until ctx is done.
func (d *Dispatcher) Start(ctx context.Context) {
	subID, ch := d.eventBus.Subscribe(256)
	defer d.eventBus.Unsubscribe(subID)

	slog.Info("push notification dispatcher started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("push notification dispatcher stopped")
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if p := payloadOf(event); p != nil {
				d.notifier.SendToAll(ctx, p)
			}
		}
	}
}

// payloadOf returns nil for events nobody needs to hear about.
func payloadOf(event *eventbus.Event) *NotificationPayload {
	switch event.Type {
	case eventbus.EventLoopCompleted:
		n, _ := strconv.Atoi(event.Metadata["total_tasks"])
		if n == 0 {
			return nil
		}
		noun := "tasks await"
		if n == 1 {
			noun = "task awaits"
		}
		return &NotificationPayload{
			Title: "New tasks for approval",
			Body:  fmt.Sprintf("%d %s approval", n, noun),
			URL:   "/tasks/pending",
			Tag:   event.ResourceID,
		}
	case eventbus.EventJobFailed:
		return &NotificationPayload{
			Title: "Background job failed",
			Body:  fmt.Sprintf("Job %s exhausted its retries", event.ResourceID),
			URL:   "/jobs/" + event.ResourceID,
			Tag:   event.ResourceID,
		}
	default:
		return nil
	}
}
