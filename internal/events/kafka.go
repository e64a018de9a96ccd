package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaSink publishes engine lifecycle events to a Kafka topic as JSON.
// Publishing is asynchronous; a slow broker never blocks the engine.
type KafkaSink struct {
	writer *kafka.Writer
	queue  chan Event
	done   chan struct{}
}

// NewKafkaSink creates a sink producing to the given topic.
func NewKafkaSink(brokers, topic string) *KafkaSink {
	s := &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(strings.Split(brokers, ",")...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 100 * time.Millisecond,
		},
		queue: make(chan Event, 256),
		done:  make(chan struct{}),
	}
	go s.publishLoop()
	return s
}

// Handle enqueues an event for publishing. Events are dropped when the
// buffer is full rather than backing up the caller.
func (s *KafkaSink) Handle(ev Event) {
	select {
	case s.queue <- ev:
	default:
		slog.Warn("KafkaSink: event buffer full, dropping", "kind", ev.Kind)
	}
}

func (s *KafkaSink) publishLoop() {
	for ev := range s.queue {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = s.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(ev.Kind),
			Value: payload,
		})
		cancel()
		if err != nil {
			slog.Warn("KafkaSink: publish failed", "kind", ev.Kind, "error", err)
		}
	}
	close(s.done)
}

// Close flushes pending events and shuts down the writer.
func (s *KafkaSink) Close() error {
	close(s.queue)
	<-s.done
	return s.writer.Close()
}
