//go:build integration

// Package testhelpers starts and provisions the Kafka broker used by integration tests.
package testhelpers

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	kafkatc "github.com/testcontainers/testcontainers-go/modules/kafka"
)

const (
	kafkaImage      = "confluentinc/confluent-local:7.7.0"
	brokerPoll      = 500 * time.Millisecond
	brokerReadiness = 30 * time.Second
)

// StartKafka runs a single-broker Kafka container for the duration of t with topics created,
// and returns the broker address. The test is skipped when no container runtime is available.
func StartKafka(t *testing.T, ctx context.Context, topics ...string) string {
	t.Helper()

	container, err := kafkatc.Run(ctx, kafkaImage)
	if err != nil {
		t.Skipf("kafka container unavailable: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	brokers, err := container.Brokers(ctx)
	if err != nil {
		t.Fatalf("kafka brokers: %v", err)
	}
	if len(brokers) == 0 {
		t.Fatal("kafka container reported no brokers")
	}

	broker := brokers[0]
	if err := WaitForKafkaBroker(ctx, broker); err != nil {
		t.Fatalf("wait for kafka broker: %v", err)
	}
	if err := EnsureKafkaTopics(ctx, broker, topics...); err != nil {
		t.Fatalf("create topics %v: %v", topics, err)
	}
	return broker
}

// WaitForKafkaBroker polls broker until it accepts connections, ctx ends or the readiness
// window passes.
func WaitForKafkaBroker(ctx context.Context, broker string) error {
	ctx, cancel := context.WithTimeout(ctx, brokerReadiness)
	defer cancel()

	ticker := time.NewTicker(brokerPoll)
	defer ticker.Stop()
	for {
		conn, err := kafkago.DialContext(ctx, "tcp", broker)
		if err == nil {
			return conn.Close()
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("kafka broker %s not ready: %w", broker, err)
		}
	}
}

// EnsureKafkaTopics creates every topic with a single partition through the cluster controller.
func EnsureKafkaTopics(ctx context.Context, broker string, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}

	conn, err := kafkago.DialContext(ctx, "tcp", broker)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	controller, err := conn.Controller()
	_ = conn.Close()
	if err != nil {
		return fmt.Errorf("find controller: %w", err)
	}

	ctrl, err := kafkago.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer ctrl.Close()

	configs := make([]kafkago.TopicConfig, len(topics))
	for i, topic := range topics {
		configs[i] = kafkago.TopicConfig{Topic: topic, NumPartitions: 1, ReplicationFactor: 1}
	}
	return ctrl.CreateTopics(configs...)
}
