package scheduler

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/wisbric/nightowl/internal/platform"
	"github.com/wisbric/nightowl/pkg/probe"
)

const (
	monitorQueue     = "scheduler.monitor_service"
	stopQueue        = "scheduler.stop_monitoring"
	monitorConsumer  = "scheduler-monitor"
	stopConsumer     = "scheduler-stop"
)

// monitorServicePayload is the body of a monitor_service command (§4.1
// "Service add/remove").
type monitorServicePayload struct {
	ServiceID       string         `json:"serviceId"`
	NestID          string         `json:"nestId"`
	Type            string         `json:"type"`
	Target          string         `json:"target"`
	Config          map[string]any `json:"config,omitempty"`
	Regions         []string       `json:"regions,omitempty"`
	IntervalSeconds int            `json:"intervalSeconds"`
	Priority        string         `json:"priority,omitempty"`
	CacheKey        string         `json:"cacheKey"`
}

type stopMonitoringPayload struct {
	ServiceID string `json:"serviceId"`
}

// startCommandConsumer binds queues for the monitor_service and
// stop_monitoring routing keys on worker_commands (§4.1).
func (s *Scheduler) startCommandConsumer(ctx context.Context) error {
	if _, err := s.bus.DeclareQueue(monitorQueue, platform.ExchangeWorkerCommands, platform.RoutingMonitorService, false); err != nil {
		return fmt.Errorf("declaring monitor_service queue: %w", err)
	}
	if _, err := s.bus.DeclareQueue(stopQueue, platform.ExchangeWorkerCommands, platform.RoutingStopMonitoring, false); err != nil {
		return fmt.Errorf("declaring stop_monitoring queue: %w", err)
	}

	monitorDeliveries, err := s.bus.Consume(monitorQueue, monitorConsumer)
	if err != nil {
		return fmt.Errorf("consuming monitor_service queue: %w", err)
	}
	stopDeliveries, err := s.bus.Consume(stopQueue, stopConsumer)
	if err != nil {
		return fmt.Errorf("consuming stop_monitoring queue: %w", err)
	}

	go s.runCommandLoop(ctx, monitorDeliveries, s.handleMonitorService)
	go s.runCommandLoop(ctx, stopDeliveries, s.handleStopMonitoring)
	return nil
}

func (s *Scheduler) runCommandLoop(ctx context.Context, deliveries <-chan amqp.Delivery, handle func(context.Context, amqp.Delivery)) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			handle(ctx, d)
		}
	}
}

func (s *Scheduler) handleMonitorService(ctx context.Context, d amqp.Delivery) {
	var payload monitorServicePayload
	if err := json.Unmarshal(d.Body, &payload); err != nil {
		s.logger.Error("unmarshaling monitor_service command", "error", err)
		_ = d.Nack(false, false)
		return
	}

	svc := ScheduledService{
		ServiceID:       payload.ServiceID,
		NestID:          payload.NestID,
		Type:            probe.Type(payload.Type),
		Target:          payload.Target,
		Config:          payload.Config,
		Regions:         payload.Regions,
		IntervalSeconds: payload.IntervalSeconds,
		Priority:        Priority(payload.Priority),
		Enabled:         true,
		CacheKey:        payload.CacheKey,
	}
	if _, err := s.records.AddOrUpdate(ctx, svc); err != nil {
		s.logger.Error("adding monitored service", "serviceId", payload.ServiceID, "error", err)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func (s *Scheduler) handleStopMonitoring(ctx context.Context, d amqp.Delivery) {
	var payload stopMonitoringPayload
	if err := json.Unmarshal(d.Body, &payload); err != nil {
		s.logger.Error("unmarshaling stop_monitoring command", "error", err)
		_ = d.Nack(false, false)
		return
	}
	if err := s.records.Remove(ctx, payload.ServiceID); err != nil {
		s.logger.Error("removing monitored service", "serviceId", payload.ServiceID, "error", err)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}
