package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/fairyhunter13/contest-core/internal/domain"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"
)

// JobHandler executes one Job and returns its result by value. The Worker's
// Process method is the production implementation.
type JobHandler interface {
	Process(ctx context.Context, job domain.Job) domain.JobResult
}

// JobConsumer is the Worker-side consumer: it subscribes to every priority
// band topic, drains each fetch batch in band order, and runs jobs strictly
// one at a time, matching the "Workers pull one Job at a time; ES does not
// prefetch on a Worker" discipline.
type JobConsumer struct {
	session  *kgo.GroupTransactSession
	handler  JobHandler
	producer *Producer
	groupID  string
	shutdown chan struct{}
}

// NewJobConsumer constructs a JobConsumer subscribed to the band topics.
func NewJobConsumer(brokers []string, groupID, transactionalID string, handler JobHandler, producer *Producer) (*JobConsumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=kafka.NewJobConsumer: no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("op=kafka.NewJobConsumer: missing group ID")
	}

	kotelService := kotel.NewKotel(kotel.WithTracer(
		kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider())),
	))

	session, err := kgo.NewGroupTransactSession(
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(BandTopics()...),
		kgo.RequireStableFetchOffsets(),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.DialTimeout(10*time.Second),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
		kgo.RebalanceTimeout(10*time.Second),
		kgo.FetchMaxWait(2*time.Second),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("op=kafka.NewJobConsumer: %w", err)
	}
	return &JobConsumer{
		session:  session,
		handler:  handler,
		producer: producer,
		groupID:  groupID,
		shutdown: make(chan struct{}),
	}, nil
}

// Start polls until ctx is cancelled.
func (c *JobConsumer) Start(ctx context.Context) error {
	slog.Info("job consumer started", slog.String("group_id", c.groupID))
	for {
		select {
		case <-ctx.Done():
			slog.Info("job consumer stopping")
			return ctx.Err()
		case <-c.shutdown:
			return nil
		default:
		}

		fetches := c.session.PollFetches(ctx)
		if errs := fetches.Errors(); len(errs) > 0 {
			fatal := false
			for _, err := range errs {
				slog.Error("job fetch error",
					slog.String("topic", err.Topic),
					slog.Any("error", err.Err))
				if err.Err != nil && strings.Contains(err.Err.Error(), "context canceled") {
					fatal = true
				}
			}
			if fatal {
				return nil
			}
			time.Sleep(2 * time.Second)
			continue
		}

		records := fetches.Records()
		if len(records) == 0 {
			continue
		}
		// Band topics have no cross-topic priority on the broker side;
		// ordering the local batch restores it.
		SortRecordsByBand(records)
		for _, record := range records {
			c.processRecord(ctx, record)
		}
	}
}

func (c *JobConsumer) processRecord(ctx context.Context, record *kgo.Record) {
	var job domain.Job
	if err := json.Unmarshal(record.Value, &job); err != nil {
		slog.Error("failed to unmarshal job; skipping record",
			slog.String("topic", record.Topic),
			slog.Int64("offset", record.Offset),
			slog.Any("error", err))
		return
	}

	slog.Info("job received",
		slog.String("fingerprint", string(job.Fingerprint())),
		slog.String("topic", record.Topic))

	result := c.handler.Process(ctx, job)

	if result.IsPoisonous() {
		if err := c.producer.EnqueueDLQ(ctx, result); err != nil {
			slog.Error("failed to record poisonous job on DLQ", slog.Any("error", err))
		}
	}
	if err := c.producer.PublishResult(ctx, result); err != nil {
		slog.Error("failed to publish job result",
			slog.String("fingerprint", string(job.Fingerprint())),
			slog.Any("error", err))
	}
}

// Close shuts the consumer down.
func (c *JobConsumer) Close() error {
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

// bandRank maps a band topic name to its priority index; unknown topics
// sort last.
func bandRank(topic string) int {
	for i, t := range BandTopics() {
		if t == topic {
			return i
		}
	}
	return len(BandTopics())
}

// SortRecordsByBand stably orders a fetch batch highest band first,
// preserving offset order within a band.
func SortRecordsByBand(records []*kgo.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return bandRank(records[i].Topic) < bandRank(records[j].Topic)
	})
}

// ResultHandler ingests one JobResult; the scheduler's HandleJobResult is
// the production implementation.
type ResultHandler interface {
	HandleJobResult(ctx context.Context, res domain.JobResult) error
}

// ResultConsumer is the scheduler-side consumer of the results topic.
type ResultConsumer struct {
	session  *kgo.GroupTransactSession
	handler  ResultHandler
	groupID  string
	shutdown chan struct{}
}

// NewResultConsumer constructs a ResultConsumer.
func NewResultConsumer(brokers []string, groupID, transactionalID string, handler ResultHandler) (*ResultConsumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=kafka.NewResultConsumer: no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("op=kafka.NewResultConsumer: missing group ID")
	}

	kotelService := kotel.NewKotel(kotel.WithTracer(
		kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider())),
	))

	session, err := kgo.NewGroupTransactSession(
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(TopicResults),
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
		return nil, fmt.Errorf("op=kafka.NewResultConsumer: %w", err)
	}
	return &ResultConsumer{
		session:  session,
		handler:  handler,
		groupID:  groupID,
		shutdown: make(chan struct{}),
	}, nil
}

// Start polls until ctx is cancelled.
func (c *ResultConsumer) Start(ctx context.Context) error {
	slog.Info("result consumer started", slog.String("group_id", c.groupID))
	for {
		select {
		case <-ctx.Done():
			slog.Info("result consumer stopping")
			return ctx.Err()
		case <-c.shutdown:
			return nil
		default:
		}

		fetches := c.session.PollFetches(ctx)
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, err := range errs {
				slog.Error("result fetch error",
					slog.String("topic", err.Topic),
					slog.Any("error", err.Err))
			}
			time.Sleep(2 * time.Second)
			continue
		}

		fetches.EachRecord(func(record *kgo.Record) {
			var res domain.JobResult
			if err := json.Unmarshal(record.Value, &res); err != nil {
				slog.Error("failed to unmarshal job result; skipping record",
					slog.Int64("offset", record.Offset),
					slog.Any("error", err))
				return
			}
			if err := c.handler.HandleJobResult(ctx, res); err != nil {
				slog.Error("result handling failed",
					slog.String("fingerprint", string(res.Job.Fingerprint())),
					slog.Any("error", err))
			}
		})
	}
}

// Close shuts the consumer down.
func (c *ResultConsumer) Close() error {
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
