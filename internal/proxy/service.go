package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fairyhunter13/contest-core/internal/observability"
	"github.com/fairyhunter13/contest-core/internal/scoring"
)

// BackoffConfig drives the per-call retry loop to a ranking endpoint.
type BackoffConfig struct {
	MaxElapsedTime  time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// operation is one pending HTTP call, bound to a resource key for ordering.
type operation struct {
	resourceKey string
	kind        string
	call        func(ctx context.Context, c *Client) error
}

// Service delivers pending calls to every configured ranking endpoint.
// Order is preserved per resource: each (endpoint, resource) pair drains
// through its own FIFO, so a slow or failing resource never blocks
// unrelated ones, while two updates to the same submission can never
// overtake each other.
type Service struct {
	clients []*Client
	cfg     BackoffConfig
	grace   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	stop   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	queues  map[string]chan operation
	pending int
	closed  bool
}

// New constructs the delivery service over the configured endpoints.
func New(clients []*Client, cfg BackoffConfig, shutdownGrace time.Duration) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	if shutdownGrace <= 0 {
		shutdownGrace = 30 * time.Second
	}
	return &Service{
		clients: clients,
		cfg:     cfg,
		grace:   shutdownGrace,
		ctx:     ctx,
		cancel:  cancel,
		stop:    make(chan struct{}),
		queues:  map[string]chan operation{},
	}
}

// enqueue places op on the FIFO for its (endpoint, resource) pair, creating
// the drain goroutine on first use.
func (s *Service) enqueue(endpointIdx int, op operation) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("op=proxy.enqueue: service shut down")
	}
	key := fmt.Sprintf("%d/%s", endpointIdx, op.resourceKey)
	q, ok := s.queues[key]
	if !ok {
		q = make(chan operation, 256)
		s.queues[key] = q
		s.wg.Add(1)
		go s.drain(s.clients[endpointIdx], q)
	}
	s.pending++
	observability.ProxyQueueDepth.Set(float64(s.pending))
	s.mu.Unlock()

	select {
	case q <- op:
		return nil
	default:
		// The per-resource FIFO is full; dropping would break eventual
		// delivery, so block until there is room or shutdown.
		select {
		case q <- op:
			return nil
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}
}

func (s *Service) done() {
	s.mu.Lock()
	s.pending--
	observability.ProxyQueueDepth.Set(float64(s.pending))
	s.mu.Unlock()
}

// drain delivers one resource's operations in order, retrying each with
// exponential backoff until it lands or the service shuts down; a spent
// backoff budget starts a fresh round rather than dropping the call.
func (s *Service) drain(client *Client, q chan operation) {
	defer s.wg.Done()
	for {
		select {
		case op := <-q:
			s.deliver(client, op)
			s.done()
		case <-s.stop:
			// Flush what is already queued, then exit; the shutdown grace
			// bounds how long this flush may run.
			for {
				select {
				case op := <-q:
					s.deliver(client, op)
					s.done()
				default:
					return
				}
			}
		}
	}
}

func (s *Service) deliver(client *Client, op operation) {
	for {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = s.cfg.InitialInterval
		b.MaxInterval = s.cfg.MaxInterval
		b.Multiplier = s.cfg.Multiplier
		b.MaxElapsedTime = s.cfg.MaxElapsedTime

		err := backoff.Retry(func() error {
			return op.call(s.ctx, client)
		}, backoff.WithContext(b, s.ctx))
		if err == nil {
			observability.ProxyDeliveryTotal.WithLabelValues(op.kind, "ok").Inc()
			return
		}
		if s.ctx.Err() != nil {
			observability.ProxyDeliveryTotal.WithLabelValues(op.kind, "failed").Inc()
			slog.Error("ranking delivery aborted at shutdown",
				slog.String("endpoint", client.BaseURL),
				slog.String("resource", op.resourceKey),
				slog.Any("error", err))
			return
		}
		slog.Warn("ranking delivery retry budget spent; starting another round",
			slog.String("endpoint", client.BaseURL),
			slog.String("resource", op.resourceKey),
			slog.Any("error", err))
	}
}

// broadcast enqueues the same call for every endpoint.
func (s *Service) broadcast(resourceKey, kind string, call func(ctx context.Context, c *Client) error) error {
	for i := range s.clients {
		if err := s.enqueue(i, operation{resourceKey: resourceKey, kind: kind, call: call}); err != nil {
			return err
		}
	}
	return nil
}

// ScoreChanged implements scoring.Notifier: a score delta becomes a
// submission PUT followed by a subchange PUT on the same resource key, so
// the endpoint always sees the submission before its history entry.
func (s *Service) ScoreChanged(ctx context.Context, change scoring.ScoreChange) error {
	_, span := tracer.Start(ctx, "proxy.ScoreChanged")
	defer span.End()

	submissionKey := change.SubmissionID
	resourceKey := "submissions/" + submissionKey

	if err := s.broadcast(resourceKey, "submission", func(ctx context.Context, c *Client) error {
		return c.Put(ctx, "submissions", submissionKey, SubmissionResource{
			User: change.ParticipationID,
			Task: change.TaskID,
			Time: change.Timestamp.Unix(),
		})
	}); err != nil {
		return err
	}

	score := change.SubmissionScore
	tokened := change.Tokened
	var extra []string
	if len(change.RankingDetails) > 0 {
		// RankingDetails is the subtask-score string list produced by the
		// scorer; passed through opaquely.
		_ = json.Unmarshal(change.RankingDetails, &extra)
	}
	ts := change.Timestamp
	return s.broadcast(resourceKey, "subchange", func(ctx context.Context, c *Client) error {
		return c.PutSubchange(ctx, submissionKey, ts, Subchange{Score: &score, Token: &tokened, Extra: extra})
	})
}

// Snapshot is the complete mirror state PS re-pushes on restart, before the
// live queue resumes.
type Snapshot struct {
	Contests    map[string]ContestResource
	Tasks       map[string]TaskResource
	Teams       map[string]TeamResource
	Users       map[string]UserResource
	Submissions map[string]SubmissionResource
}

// Resync re-pushes a complete snapshot. Entities are enqueued before the
// submissions that reference them, but each resource key drains through its
// own FIFO, so delivery order across different keys is not fixed.
func (s *Service) Resync(ctx context.Context, snap Snapshot) error {
	_, span := tracer.Start(ctx, "proxy.Resync")
	defer span.End()

	push := func(resource, key string, body any) error {
		return s.broadcast(resource+"/"+key, resource, func(ctx context.Context, c *Client) error {
			return c.Put(ctx, resource, key, body)
		})
	}
	for key, body := range snap.Contests {
		if err := push("contests", key, body); err != nil {
			return err
		}
	}
	for key, body := range snap.Tasks {
		if err := push("tasks", key, body); err != nil {
			return err
		}
	}
	for key, body := range snap.Teams {
		if err := push("teams", key, body); err != nil {
			return err
		}
	}
	for key, body := range snap.Users {
		if err := push("users", key, body); err != nil {
			return err
		}
	}
	for key, body := range snap.Submissions {
		if err := push("submissions", key, body); err != nil {
			return err
		}
	}
	slog.Info("ranking resync enqueued",
		slog.Int("contests", len(snap.Contests)),
		slog.Int("tasks", len(snap.Tasks)),
		slog.Int("users", len(snap.Users)),
		slog.Int("submissions", len(snap.Submissions)))
	return nil
}

// DeleteResource mirrors an entity deletion.
func (s *Service) DeleteResource(resource, key string) error {
	return s.broadcast(resource+"/"+key, resource+".delete", func(ctx context.Context, c *Client) error {
		return c.Delete(ctx, resource, key)
	})
}

// Shutdown stops accepting work and lets in-flight HTTP requests finish
// within the configured grace; past it, the remaining calls are aborted.
func (s *Service) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.stop)

	doneCh := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(doneCh)
	}()

	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	select {
	case <-doneCh:
	case <-timer.C:
		slog.Warn("proxy shutdown grace expired; aborting in-flight deliveries")
		s.cancel()
		<-doneCh
	}
	s.cancel()
}
