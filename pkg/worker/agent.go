package worker

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/wisbric/nightowl/internal/platform"
	"github.com/wisbric/nightowl/pkg/probe"
)

const heartbeatInterval = 30 * time.Second

// AgentBus is the subset of *platform.Bus an Agent depends on.
type AgentBus interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
	DeclareQueue(name, exchange, routingKey string, exclusive bool) (amqp.Queue, error)
	Consume(queue, consumerTag string) (<-chan amqp.Delivery, error)
}

// Agent is the worker-side runtime (§4.1 "Worker fleet protocol"): it
// consumes probe commands addressed to its region, executes them, publishes
// results, and reports liveness via periodic signed heartbeats.
type Agent struct {
	workerID  string
	region    string
	publicKey string // empty when the worker registered without a key (§9)

	bus      AgentBus
	executor *Executor
	logger   *slog.Logger

	checksCompleted     int64
	totalPoints         int64
	currentPeriodPoints int64
}

// NewAgent builds a worker Agent. publicKey must match the key the worker
// registered with, since the heartbeat signature is computed against it
// (§4.3 gate 1).
func NewAgent(workerID, region, publicKey string, bus AgentBus, logger *slog.Logger) *Agent {
	return &Agent{
		workerID:  workerID,
		region:    region,
		publicKey: publicKey,
		bus:       bus,
		executor:  NewExecutor(workerID, region),
		logger:    logger,
	}
}

// Run binds the worker's command queue (both the unrouted and region-routed
// keys) and the heartbeat ticker, blocking until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	queueName := platform.WorkerCommandQueue(a.region, a.workerID)
	if _, err := a.bus.DeclareQueue(queueName, platform.ExchangeWorkerCommands, platform.RoutingCheckServiceOnce, true); err != nil {
		return fmt.Errorf("declaring worker command queue: %w", err)
	}
	if _, err := a.bus.DeclareQueue(queueName, platform.ExchangeWorkerCommands, platform.RoutingCheckServiceOnceRegion(a.region), true); err != nil {
		return fmt.Errorf("binding region-routed command key: %w", err)
	}

	deliveries, err := a.bus.Consume(queueName, a.workerID)
	if err != nil {
		return fmt.Errorf("consuming worker command queue: %w", err)
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	a.logger.Info("worker agent started", "workerId", a.workerID, "region", a.region)
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("worker agent stopped", "workerId", a.workerID)
			return nil
		case <-ticker.C:
			if err := a.publishHeartbeat(ctx); err != nil {
				a.logger.Error("publishing heartbeat", "error", err)
			}
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("worker command channel closed")
			}
			a.handleCommand(ctx, d)
		}
	}
}

func (a *Agent) handleCommand(ctx context.Context, d amqp.Delivery) {
	var cmd probe.Command
	if err := json.Unmarshal(d.Body, &cmd); err != nil {
		a.logger.Error("unmarshaling probe command", "error", err)
		_ = d.Nack(false, false)
		return
	}

	// Commands older than 60s are discarded rather than probed against a
	// stale target list. The cutoff is fixed; it does not depend on the
	// service's check interval.
	if age := time.Since(time.UnixMilli(cmd.Timestamp)); age > 60*time.Second {
		a.logger.Warn("discarding stale probe command", "serviceId", cmd.Data.ServiceID, "age", age)
		_ = d.Ack(false)
		return
	}

	result := a.executor.Execute(ctx, cmd)
	a.checksCompleted++
	a.totalPoints++
	a.currentPeriodPoints++

	body, err := json.Marshal(result)
	if err != nil {
		a.logger.Error("marshaling probe result", "error", err)
		_ = d.Nack(false, false)
		return
	}
	if err := a.bus.Publish(ctx, platform.ExchangeMonitoringResults, platform.RoutingCheckCompleted, body); err != nil {
		a.logger.Error("publishing probe result", "serviceId", cmd.Data.ServiceID, "error", err)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func (a *Agent) publishHeartbeat(ctx context.Context) error {
	hb := Heartbeat{
		WorkerID:            a.workerID,
		Region:              a.region,
		Version:             "1",
		LastSeen:            time.Now().UnixMilli(),
		ChecksCompleted:     a.checksCompleted,
		TotalPoints:         a.totalPoints,
		CurrentPeriodPoints: a.currentPeriodPoints,
		Timestamp:           time.Now().UnixMilli(),
	}
	if a.publicKey != "" {
		hb.Signature = signHeartbeat(hb, a.publicKey)
	}
	body, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("marshaling heartbeat: %w", err)
	}
	return a.bus.Publish(ctx, platform.ExchangeWorkerHeartbeat, "", body)
}

// signHeartbeat mirrors Verifier.checkSignature's canonicalization exactly:
// sha256(json(heartbeat with Signature cleared) || publicKey).
func signHeartbeat(hb Heartbeat, publicKey string) string {
	hb.Signature = ""
	canonical, err := json.Marshal(hb)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(append(canonical, []byte(publicKey)...))
	return fmt.Sprintf("%x", sum)
}
