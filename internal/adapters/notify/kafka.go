package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"quorumbot/internal/ports"
)

// KafkaNotifier publishes core events to a Kafka topic. Publish never blocks
// the caller: events queue into a bounded buffer drained by a single worker,
// and overflow drops the event rather than stalling a trading tick.
type KafkaNotifier struct {
	writer  *kafka.Writer
	logger  ports.Logger
	events  chan ports.Event
	done    chan struct{}
	closed  sync.Once
	dropped int64
	mu      sync.Mutex
}

// Config holds configuration for the Kafka notifier.
type Config struct {
	Brokers    []string
	Topic      string
	BufferSize int
	Logger     ports.Logger
}

// NewKafkaNotifier creates a notifier and starts its delivery worker.
func NewKafkaNotifier(cfg Config) (*KafkaNotifier, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Kafka notifier")
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one Kafka broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required for Kafka notifier")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}

	n := &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
		},
		logger: cfg.Logger,
		events: make(chan ports.Event, cfg.BufferSize),
		done:   make(chan struct{}),
	}
	go n.run()
	return n, nil
}

// Publish queues an event for delivery. On a full buffer the event is dropped;
// notifications must never slow down the trading path.
func (n *KafkaNotifier) Publish(event ports.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case n.events <- event:
	default:
		n.mu.Lock()
		n.dropped++
		dropped := n.dropped
		n.mu.Unlock()
		n.logger.Warn(context.Background(), "Notification buffer full, event dropped", map[string]interface{}{
			"type": event.Type, "symbol": event.Symbol, "totalDropped": dropped,
		})
	}
}

// Dropped reports how many events have been discarded due to backpressure.
func (n *KafkaNotifier) Dropped() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped
}

// Close flushes queued events and stops the worker.
func (n *KafkaNotifier) Close() error {
	var err error
	n.closed.Do(func() {
		close(n.events)
		<-n.done
		err = n.writer.Close()
	})
	return err
}

func (n *KafkaNotifier) run() {
	defer close(n.done)
	for event := range n.events {
		payload, err := json.Marshal(map[string]interface{}{
			"type":      event.Type,
			"symbol":    event.Symbol,
			"message":   event.Message,
			"fields":    event.Fields,
			"timestamp": event.Timestamp.UTC().Format(time.RFC3339),
		})
		if err != nil {
			n.logger.Error(context.Background(), err, "Failed to encode notification", map[string]interface{}{"type": event.Type})
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = n.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(event.Symbol),
			Value: payload,
		})
		cancel()
		if err != nil {
			// Failures are swallowed: the notifier is best-effort.
			n.logger.Warn(context.Background(), "Failed to deliver notification", map[string]interface{}{
				"type": event.Type, "symbol": event.Symbol, "error": err.Error(),
			})
		}
	}
}
