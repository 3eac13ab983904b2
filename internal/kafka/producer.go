package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"universe-sync/internal/config"
	"universe-sync/internal/engine"
	"universe-sync/internal/logger"
)

// Producer streams sync results to Kafka so downstream consumers (reporting
// refreshers, notification jobs) can react to completed passes. In mock mode
// messages are logged instead of written.
type Producer struct {
	eventWriter *kafka.Writer
	passWriter  *kafka.Writer
	logger      *logger.Logger
	mockMode    bool
}

func NewProducer(cfg config.KafkaConfig, log *logger.Logger) *Producer {
	p := &Producer{logger: log, mockMode: cfg.MockMode}
	if !cfg.MockMode {
		p.eventWriter = kafka.NewWriter(kafka.WriterConfig{
			Brokers: cfg.Brokers,
			Topic:   cfg.Topics.EventSynced,
		})
		p.passWriter = kafka.NewWriter(kafka.WriterConfig{
			Brokers: cfg.Brokers,
			Topic:   cfg.Topics.PassCompleted,
		})
	}
	return p
}

type eventSyncedMessage struct {
	RunID   string                 `json:"run_id"`
	EventID string                 `json:"event_id"`
	Result  engine.ReconcileResult `json:"result"`
}

// PublishEventSynced streams one event's reconcile result.
func (p *Producer) PublishEventSynced(runID, eventID string, result engine.ReconcileResult) error {
	msgBytes, err := json.Marshal(eventSyncedMessage{RunID: runID, EventID: eventID, Result: result})
	if err != nil {
		return err
	}

	if p.mockMode {
		p.logger.LogKafka("mock", "event_synced", string(msgBytes))
		return nil
	}

	p.logger.LogKafka("publish", "event_synced", eventID)
	return p.eventWriter.WriteMessages(context.Background(),
		kafka.Message{
			Key:   []byte(eventID),
			Value: msgBytes,
		},
	)
}

// PublishPassCompleted streams the summary of a finished pass.
func (p *Producer) PublishPassCompleted(summary engine.SyncSummary) error {
	msgBytes, err := json.Marshal(summary)
	if err != nil {
		return err
	}

	if p.mockMode {
		p.logger.LogKafka("mock", "pass_completed", string(msgBytes))
		return nil
	}

	p.logger.LogKafka("publish", "pass_completed", summary.RunID)
	return p.passWriter.WriteMessages(context.Background(),
		kafka.Message{
			Key:   []byte(summary.RunID),
			Value: msgBytes,
		},
	)
}

// Close flushes and closes the underlying writers.
func (p *Producer) Close() error {
	if p.mockMode {
		return nil
	}
	if err := p.eventWriter.Close(); err != nil {
		return fmt.Errorf("failed to close event writer: %w", err)
	}
	return p.passWriter.Close()
}
