package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rotisserie/eris"

	"github.com/sells-group/jobcost/internal/resilience"
)

// AMQPHook publishes events to a durable RabbitMQ queue as persistent JSON
// messages. The connection is opened lazily and reopened after it drops.
type AMQPHook struct {
	url     string
	queue   string
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig

	mu   sync.Mutex
	conn *amqp.Connection
}

// AMQPConfig configures an AMQPHook.
type AMQPConfig struct {
	URL     string
	Queue   string
	Retry   resilience.RetryConfig
	Breaker resilience.CircuitBreakerConfig
}

// NewAMQP creates an AMQPHook. The queue defaults to "jobcost.events".
func NewAMQP(cfg AMQPConfig) *AMQPHook {
	queue := cfg.Queue
	if queue == "" {
		queue = "jobcost.events"
	}
	retry := cfg.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("notify", "amqp")
	}
	return &AMQPHook{
		url:     cfg.URL,
		queue:   queue,
		breaker: resilience.NewCircuitBreaker(cfg.Breaker),
		retry:   retry,
	}
}

// Notify publishes ev.
func (a *AMQPHook) Notify(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "notify: marshal event")
	}
	return resilience.Do(ctx, a.retry, func(ctx context.Context) error {
		return a.breaker.Execute(ctx, func(ctx context.Context) error {
			return a.publish(ctx, body)
		})
	})
}

func (a *AMQPHook) publish(ctx context.Context, body []byte) error {
	conn, err := a.connection()
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		return eris.Wrap(err, "notify: amqp channel")
	}
	defer ch.Close() //nolint:errcheck

	if _, err := ch.QueueDeclare(a.queue, true, false, false, false, nil); err != nil {
		return eris.Wrapf(err, "notify: declare queue %s", a.queue)
	}

	err = ch.PublishWithContext(ctx, "", a.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	return eris.Wrap(err, "notify: amqp publish")
}

func (a *AMQPHook) connection() (*amqp.Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil && !a.conn.IsClosed() {
		return a.conn, nil
	}
	conn, err := amqp.Dial(a.url)
	if err != nil {
		return nil, eris.Wrap(err, "notify: amqp dial")
	}
	a.conn = conn
	return conn, nil
}

// Close closes the broker connection if one is open.
func (a *AMQPHook) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil || a.conn.IsClosed() {
		return nil
	}
	err := a.conn.Close()
	a.conn = nil
	return err
}
