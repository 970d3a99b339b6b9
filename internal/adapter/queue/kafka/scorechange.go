package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/contest-core/internal/scoring"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"
)

// TopicScoreChanges carries ScoreChange messages from the ScoringService to
// the ProxyService process. Records are keyed by submission id so the
// proxy's per-submission ordering starts at the partition level.
const TopicScoreChanges = "score.changes"

// ScoreChangeNotifier implements scoring.Notifier by publishing each change
// to the score-changes topic; cross-service invalidation is a message,
// never shared memory.
type ScoreChangeNotifier struct {
	producer *Producer
}

// NewScoreChangeNotifier wraps a Producer as a scoring.Notifier.
func NewScoreChangeNotifier(p *Producer) *ScoreChangeNotifier {
	return &ScoreChangeNotifier{producer: p}
}

// ScoreChanged publishes one score delta.
func (n *ScoreChangeNotifier) ScoreChanged(ctx context.Context, change scoring.ScoreChange) error {
	b, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("op=kafka.ScoreChanged.marshal: %w", err)
	}
	return n.producer.produce(ctx, &kgo.Record{
		Topic: TopicScoreChanges,
		Key:   []byte(change.SubmissionID),
		Value: b,
	})
}

// ScoreChangeConsumer is the proxy-side consumer of the score-changes
// topic; its handler is the proxy delivery service.
type ScoreChangeConsumer struct {
	session  *kgo.GroupTransactSession
	handler  scoring.Notifier
	groupID  string
	shutdown chan struct{}
}

// NewScoreChangeConsumer constructs a ScoreChangeConsumer.
func NewScoreChangeConsumer(brokers []string, groupID, transactionalID string, handler scoring.Notifier) (*ScoreChangeConsumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=kafka.NewScoreChangeConsumer: no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("op=kafka.NewScoreChangeConsumer: missing group ID")
	}

	kotelService := kotel.NewKotel(kotel.WithTracer(
		kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider())),
	))

	session, err := kgo.NewGroupTransactSession(
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(TopicScoreChanges),
		kgo.RequireStableFetchOffsets(),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.DialTimeout(10*time.Second),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
		kgo.FetchMaxWait(2*time.Second),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("op=kafka.NewScoreChangeConsumer: %w", err)
	}
	return &ScoreChangeConsumer{
		session:  session,
		handler:  handler,
		groupID:  groupID,
		shutdown: make(chan struct{}),
	}, nil
}

// Start polls until ctx is cancelled.
func (c *ScoreChangeConsumer) Start(ctx context.Context) error {
	slog.Info("score change consumer started", slog.String("group_id", c.groupID))
	for {
		select {
		case <-ctx.Done():
			slog.Info("score change consumer stopping")
			return ctx.Err()
		case <-c.shutdown:
			return nil
		default:
		}

		fetches := c.session.PollFetches(ctx)
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, err := range errs {
				slog.Error("score change fetch error", slog.Any("error", err.Err))
			}
			time.Sleep(2 * time.Second)
			continue
		}

		fetches.EachRecord(func(record *kgo.Record) {
			var change scoring.ScoreChange
			if err := json.Unmarshal(record.Value, &change); err != nil {
				slog.Error("failed to unmarshal score change; skipping record",
					slog.Int64("offset", record.Offset),
					slog.Any("error", err))
				return
			}
			if err := c.handler.ScoreChanged(ctx, change); err != nil {
				slog.Error("score change handling failed",
					slog.String("submission_id", change.SubmissionID),
					slog.Any("error", err))
			}
		})
	}
}

// Close shuts the consumer down.
func (c *ScoreChangeConsumer) Close() error {
	select {
	case <-c.shutdown:
	default:
		close(c.shutdown)
	}
	if c.session != nil {
		c.session.Close()
	}
	return nil
}
