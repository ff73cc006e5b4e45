package bus

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const reconnectDelay = 5 * time.Second

var errNotConnected = errors.New("not connected to the event broker")

// AMQPPublisher publishes events to a fanout exchange on RabbitMQ. The
// connection is re-established in the background after a drop; publishes
// during an outage fail fast with errNotConnected rather than queueing.
type AMQPPublisher struct {
	mu       sync.Mutex
	exchange string
	conn     *amqp.Connection
	channel  *amqp.Channel
	isReady  bool
	done     chan struct{}
}

// NewAMQPPublisher creates a publisher and starts its reconnect loop.
func NewAMQPPublisher(addr, exchange string) *AMQPPublisher {
	p := &AMQPPublisher{
		exchange: exchange,
		done:     make(chan struct{}),
	}
	go p.handleReconnect(addr)
	return p
}

func (p *AMQPPublisher) handleReconnect(addr string) {
	for {
		p.mu.Lock()
		p.isReady = false
		p.mu.Unlock()

		notifyClose, err := p.connect(addr)
		if err != nil {
			log.Printf("event bus: failed to connect: %v. Retrying...", err)
			select {
			case <-p.done:
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		select {
		case <-p.done:
			return
		case err := <-notifyClose:
			log.Printf("event bus: connection closed: %v. Reconnecting...", err)
		}
	}
}

func (p *AMQPPublisher) connect(addr string) (chan *amqp.Error, error) {
	conn, err := amqp.Dial(addr)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := ch.ExchangeDeclare(p.exchange, "fanout", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}

	notifyClose := make(chan *amqp.Error, 1)
	conn.NotifyClose(notifyClose)

	p.mu.Lock()
	p.conn = conn
	p.channel = ch
	p.isReady = true
	p.mu.Unlock()

	log.Printf("event bus: connected, exchange %q declared", p.exchange)
	return notifyClose, nil
}

// Publish implements Publisher.
func (p *AMQPPublisher) Publish(ctx context.Context, ev Event) error {
	p.mu.Lock()
	ready, ch := p.isReady, p.channel
	p.mu.Unlock()
	if !ready {
		return errNotConnected
	}

	body, err := ev.Payload()
	if err != nil {
		return err
	}

	return ch.PublishWithContext(ctx, p.exchange, string(ev.Type), false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   ev.OccurredAt,
		Body:        body,
	})
}

// Close shuts the publisher down.
func (p *AMQPPublisher) Close() error {
	close(p.done)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
