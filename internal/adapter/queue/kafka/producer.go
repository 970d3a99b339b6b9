package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/contest-core/internal/domain"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"
)

// Producer wraps a transactional Kafka producer. It implements
// scheduler.Dispatcher (jobs out to the band topics) and is also the
// Workers' path for publishing results back.
type Producer struct {
	client *kgo.Client
	// transactionChan serialises transactions across concurrent callers.
	transactionChan chan struct{}
}

// NewProducer constructs a Producer with exactly-once semantics. Each
// process passes a distinct transactionalID to avoid fencing its peers.
func NewProducer(brokers []string, transactionalID string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=kafka.NewProducer: no seed brokers provided")
	}
	slog.Info("creating kafka producer",
		slog.Any("brokers", brokers),
		slog.String("transactional_id", transactionalID))

	kotelService := kotel.NewKotel(kotel.WithTracer(
		kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider())),
	))

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
		kgo.WithHooks(kotelService.Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("op=kafka.NewProducer: %w", err)
	}
	return &Producer{
		client:          client,
		transactionChan: make(chan struct{}, 1),
	}, nil
}

// produce sends one record inside its own transaction.
func (p *Producer) produce(ctx context.Context, record *kgo.Record) error {
	select {
	case p.transactionChan <- struct{}{}:
		defer func() { <-p.transactionChan }()
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := p.client.BeginTransaction(); err != nil {
		return fmt.Errorf("op=kafka.produce.begin: %w", err)
	}
	e := kgo.AbortingFirstErrPromise(p.client)
	p.client.Produce(ctx, record, e.Promise())
	if err := e.Err(); err != nil {
		if abortErr := p.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			slog.Error("failed to abort transaction", slog.Any("error", abortErr))
		}
		return fmt.Errorf("op=kafka.produce: %w", err)
	}
	if err := p.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return fmt.Errorf("op=kafka.produce.commit: %w", err)
	}
	return nil
}

// Dispatch produces a Job to its priority band's topic, keyed by
// fingerprint so retries of the same fingerprint stay ordered on one
// partition.
func (p *Producer) Dispatch(ctx context.Context, job domain.Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("op=kafka.Dispatch.marshal: %w", err)
	}
	record := &kgo.Record{
		Topic: job.Topic(),
		Key:   []byte(job.Fingerprint()),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "kind", Value: []byte(job.Kind)},
			{Key: "priority", Value: []byte(job.Priority.String())},
		},
	}
	if err := p.produce(ctx, record); err != nil {
		return err
	}
	slog.Info("job dispatched",
		slog.String("topic", record.Topic),
		slog.String("fingerprint", string(job.Fingerprint())))
	return nil
}

// PublishResult produces a Worker's JobResult to the results topic.
func (p *Producer) PublishResult(ctx context.Context, res domain.JobResult) error {
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("op=kafka.PublishResult.marshal: %w", err)
	}
	record := &kgo.Record{
		Topic: TopicResults,
		Key:   []byte(res.Job.Fingerprint()),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "worker_id", Value: []byte(res.WorkerID)},
			{Key: "failed", Value: []byte(fmt.Sprintf("%t", res.Failed))},
		},
	}
	return p.produce(ctx, record)
}

// EnqueueDLQ records a poisonous job on the dead-letter topic for operator
// audit; the scheduler halts the affected SubmissionResult when the result
// itself reaches it on the results topic.
func (p *Producer) EnqueueDLQ(ctx context.Context, res domain.JobResult) error {
	payload := map[string]any{
		"fingerprint":   string(res.Job.Fingerprint()),
		"job":           res.Job,
		"failure_class": res.FailureClass,
		"worker_id":     res.WorkerID,
		"moved_at":      time.Now().UTC(),
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("op=kafka.EnqueueDLQ.marshal: %w", err)
	}
	return p.produce(ctx, &kgo.Record{
		Topic: TopicDLQ,
		Key:   []byte(res.Job.Fingerprint()),
		Value: b,
	})
}

// Close closes the underlying client.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
