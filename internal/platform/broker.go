package platform

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange and routing-key names from §4.1 and §6.
const (
	ExchangeWorkerCommands  = "worker_commands"
	ExchangeMonitoringResults = "monitoring_results"
	ExchangeWorkerHeartbeat = "worker_heartbeat"

	RoutingCheckServiceOnce = "check_service_once"
	RoutingMonitorService   = "monitor_service"
	RoutingStopMonitoring   = "stop_monitoring"
	RoutingCheckCompleted   = "check_completed"

	QueueWorkerDLQ = "worker.dlq"
)

// RoutingCheckServiceOnceRegion builds the region-scoped routing key
// "check_service_once.<region>" used for region-fanout dispatch (§4.1).
func RoutingCheckServiceOnceRegion(region string) string {
	return RoutingCheckServiceOnce + "." + region
}

// WorkerCommandQueue builds the per-worker command queue name
// "worker.<region>.<workerId>" (§5).
func WorkerCommandQueue(region, workerID string) string {
	return fmt.Sprintf("worker.%s.%s", region, workerID)
}

// Bus owns the AMQP connection/channel pair and declares the exchanges and
// dead-letter queue the core depends on. Declarations are idempotent so the
// scheduler and worker processes can re-declare them after a broker
// reconnect (§4.1 "Failure semantics").
type Bus struct {
	url    string
	logger *slog.Logger

	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewBus dials the broker and declares the core exchanges/DLQ.
func NewBus(url string, logger *slog.Logger) (*Bus, error) {
	b := &Bus{url: url, logger: logger}
	if err := b.connect(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Bus) connect() error {
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return fmt.Errorf("dialing broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("opening channel: %w", err)
	}

	if err := declareTopology(ch); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	b.conn = conn
	b.ch = ch
	return nil
}

func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(ExchangeWorkerCommands, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring %s: %w", ExchangeWorkerCommands, err)
	}
	if err := ch.ExchangeDeclare(ExchangeMonitoringResults, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring %s: %w", ExchangeMonitoringResults, err)
	}
	if err := ch.ExchangeDeclare(ExchangeWorkerHeartbeat, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring %s: %w", ExchangeWorkerHeartbeat, err)
	}
	if _, err := ch.QueueDeclare(QueueWorkerDLQ, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring %s: %w", QueueWorkerDLQ, err)
	}
	return nil
}

// Reconnect tears down the current connection (if any) and re-dials,
// re-declaring topology. Callers invoke this after a publish/consume error
// that looks like a connection failure.
func (b *Bus) Reconnect() error {
	if b.ch != nil {
		_ = b.ch.Close()
	}
	if b.conn != nil {
		_ = b.conn.Close()
	}
	b.logger.Warn("broker: reconnecting")
	return b.connect()
}

// Publish sends a persistent message to exchange with the given routing key.
func (b *Bus) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	return b.ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

// DeclareQueue idempotently declares (and returns) a named queue bound to
// exchange with routingKey, dead-lettering to worker.dlq.
func (b *Bus) DeclareQueue(name, exchange, routingKey string, exclusive bool) (amqp.Queue, error) {
	args := amqp.Table{"x-dead-letter-exchange": "", "x-dead-letter-routing-key": QueueWorkerDLQ}
	q, err := b.ch.QueueDeclare(name, !exclusive, exclusive, exclusive, false, args)
	if err != nil {
		return amqp.Queue{}, fmt.Errorf("declaring queue %s: %w", name, err)
	}
	if err := b.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
		return amqp.Queue{}, fmt.Errorf("binding queue %s to %s/%s: %w", name, exchange, routingKey, err)
	}
	return q, nil
}

// Consume starts consuming deliveries from queue.
func (b *Bus) Consume(queue, consumerTag string) (<-chan amqp.Delivery, error) {
	return b.ch.Consume(queue, consumerTag, false, false, false, false, nil)
}

// Close releases the channel and connection.
func (b *Bus) Close() error {
	if b.ch != nil {
		_ = b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

// NotifyClose returns a channel that receives the connection's close error.
func (b *Bus) NotifyClose() chan *amqp.Error {
	return b.conn.NotifyClose(make(chan *amqp.Error, 1))
}
