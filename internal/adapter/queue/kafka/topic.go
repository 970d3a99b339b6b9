// Package kafka provides the Kafka/Redpanda job transport between the
// EvaluationService and the Workers.
//
// Each priority band is its own topic; records are keyed by Job fingerprint
// for per-key ordering, and both sides use transactional clients for
// exactly-once hand-off.
package kafka

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/contest-core/internal/domain"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

const (
	// TopicResults carries JobResults from Workers back to the scheduler.
	TopicResults = "evaluate.results"
	// TopicDLQ records poisonous jobs for operator audit.
	TopicDLQ = "evaluate.dlq"
)

// BandTopics lists the per-priority job topics, highest band first.
func BandTopics() []string {
	bands := []domain.Priority{
		domain.PriorityExtra,
		domain.PriorityHigh,
		domain.PriorityMedium,
		domain.PriorityLow,
		domain.PriorityExtraLow,
	}
	out := make([]string, 0, len(bands))
	for _, b := range bands {
		out = append(out, "evaluate."+b.String())
	}
	return out
}

// AllTopics is every topic the transport touches.
func AllTopics() []string {
	return append(BandTopics(), TopicResults, TopicDLQ, TopicScoreChanges)
}

// createTopicIfNotExists creates a topic via the Kafka admin API, treating
// TOPIC_ALREADY_EXISTS (error code 36) as success.
func createTopicIfNotExists(ctx context.Context, client *kgo.Client, topic string, partitions int32, replicationFactor int16) error {
	if topic == "" {
		return fmt.Errorf("topic name cannot be empty")
	}

	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000

	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replicationFactor
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("op=kafka.createTopicIfNotExists.request: %w", err)
	}
	createResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("op=kafka.createTopicIfNotExists: unexpected response type %T", resp)
	}
	for _, t := range createResp.Topics {
		if t.ErrorCode == 0 {
			slog.Info("topic created", slog.String("topic", t.Topic))
			continue
		}
		if t.ErrorCode == 36 {
			continue
		}
		msg := ""
		if t.ErrorMessage != nil {
			msg = *t.ErrorMessage
		}
		return fmt.Errorf("op=kafka.createTopicIfNotExists: %s (code %d)", msg, t.ErrorCode)
	}
	return nil
}

// EnsureTopics bootstraps every transport topic. Creation failures are
// logged, not fatal: the topics may already exist or be auto-created by the
// broker.
func EnsureTopics(ctx context.Context, brokers []string) {
	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		slog.Warn("topic bootstrap client failed", slog.Any("error", err))
		return
	}
	defer client.Close()

	for _, topic := range AllTopics() {
		if err := createTopicIfNotExists(ctx, client, topic, 8, 1); err != nil {
			slog.Warn("topic bootstrap failed; it may already exist",
				slog.String("topic", topic),
				slog.Any("error", err))
		}
	}
}
