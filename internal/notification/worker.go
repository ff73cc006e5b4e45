package notification

import (
	"context"
	"log"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"gorm.io/gorm"

	"clinic-usage-backend/internal/bus"
	"clinic-usage-backend/internal/model"
)

// Sender defines the interface for sending a web push notification.
type Sender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of Sender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// WorkerPool fans usage events out to the browser subscriptions that
// follow the affected appointment. It implements bus.Publisher so it can
// sit behind the same injected port as the AMQP transport.
type WorkerPool struct {
	size    int
	jobs    chan bus.Event
	db      *gorm.DB
	webpush *webpush.Options
	sender  Sender
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size int, db *gorm.DB, webpushOptions *webpush.Options) *WorkerPool {
	return &WorkerPool{
		size:    size,
		jobs:    make(chan bus.Event, size*4),
		db:      db,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

// Publish implements bus.Publisher. It never blocks the ingestion path:
// when the queue is full the event is dropped with a log line, since
// session state is always recoverable by re-querying directly.
func (wp *WorkerPool) Publish(_ context.Context, ev bus.Event) error {
	select {
	case wp.jobs <- ev:
	default:
		log.Printf("notification queue full, dropping %s for appointment %d", ev.Type, ev.AppointmentID)
	}
	return nil
}

// Jobs returns the jobs channel for testing.
func (wp *WorkerPool) Jobs() chan bus.Event {
	return wp.jobs
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	log.Printf("notification worker %d started", id)
	for {
		select {
		case ev := <-wp.jobs:
			wp.sendForEvent(ctx, ev)
		case <-ctx.Done():
			log.Printf("notification worker %d shutting down", id)
			return
		}
	}
}

// sendForEvent fetches the appointment's subscriptions and pushes the
// event payload to each of them.
func (wp *WorkerPool) sendForEvent(ctx context.Context, ev bus.Event) {
	var subscriptions []model.PushSubscription
	err := wp.db.WithContext(ctx).
		Joins("JOIN subscription_appointment_mapping sam ON sam.push_subscription_endpoint = push_subscriptions.endpoint").
		Where("sam.appointment_id = ?", ev.AppointmentID).
		Find(&subscriptions).Error
	if err != nil {
		log.Printf("error fetching subscriptions for appointment %d: %v", ev.AppointmentID, err)
		return
	}
	if len(subscriptions) == 0 {
		return
	}

	payload, err := ev.Payload()
	if err != nil {
		log.Printf("error encoding %s event: %v", ev.Type, err)
		return
	}

	log.Printf("sending %d notifications for appointment %d (%s)", len(subscriptions), ev.AppointmentID, ev.Type)
	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, payload)
	}
}

// sendNotification sends a single web push notification.
func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		log.Printf("error sending notification to %s: %v", sub.Endpoint, err)
		return
	}
	defer resp.Body.Close()

	// Handle expired subscriptions
	if resp.StatusCode == 410 {
		log.Printf("subscription for endpoint %s is expired, deleting", sub.Endpoint)
		if err := wp.db.WithContext(ctx).Delete(&sub).Error; err != nil {
			log.Printf("failed to delete expired subscription %s: %v", sub.Endpoint, err)
		}
	}
}
