package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fairyhunter13/contest-core/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResults struct {
	mu      sync.Mutex
	nextID  int
	results map[string]domain.SubmissionResult
}

func newFakeResults() *fakeResults {
	return &fakeResults{results: map[string]domain.SubmissionResult{}}
}

func (f *fakeResults) GetOrCreate(_ domain.Context, submissionID, datasetID string) (domain.SubmissionResult, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.results {
		if r.SubmissionID == submissionID && r.DatasetID == datasetID {
			return r, false, nil
		}
	}
	f.nextID++
	r := domain.SubmissionResult{
		ID:           "r" + string(rune('0'+f.nextID)),
		SubmissionID: submissionID,
		DatasetID:    datasetID,
		State:        domain.ResultCompiling,
		UpdatedAt:    time.Now(),
	}
	f.results[r.ID] = r
	return r, true, nil
}

func (f *fakeResults) Get(_ domain.Context, id string) (domain.SubmissionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.results[id]
	if !ok {
		return domain.SubmissionResult{}, domain.ErrNotFound
	}
	return r, nil
}

func (f *fakeResults) GetByFingerprint(_ domain.Context, submissionID, datasetID string) (domain.SubmissionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.results {
		if r.SubmissionID == submissionID && r.DatasetID == datasetID {
			return r, nil
		}
	}
	return domain.SubmissionResult{}, domain.ErrNotFound
}

func (f *fakeResults) Update(_ domain.Context, r domain.SubmissionResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[r.ID] = r
	return nil
}

func (f *fakeResults) ListNonTerminal(_ domain.Context, offset, limit int) ([]domain.SubmissionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := []domain.SubmissionResult{}
	for _, r := range f.results {
		switch r.State {
		case domain.ResultScored, domain.ResultCompilationFailed:
		default:
			all = append(all, r)
		}
	}
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (f *fakeResults) ListByParticipationTask(_ domain.Context, _, _ string) ([]domain.SubmissionResult, error) {
	return nil, nil
}

func (f *fakeResults) StatusSummary(_ domain.Context, _ string) (map[domain.ResultState]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[domain.ResultState]int{}
	for _, r := range f.results {
		out[r.State]++
	}
	return out, nil
}

type fakeEvaluations struct {
	mu    sync.Mutex
	evals map[string][]domain.Evaluation
}

func (f *fakeEvaluations) Upsert(_ domain.Context, e domain.Evaluation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, existing := range f.evals[e.SubmissionResultID] {
		if existing.TestcaseCodename == e.TestcaseCodename {
			f.evals[e.SubmissionResultID][i] = e
			return nil
		}
	}
	f.evals[e.SubmissionResultID] = append(f.evals[e.SubmissionResultID], e)
	return nil
}

func (f *fakeEvaluations) ListByResult(_ domain.Context, id string) ([]domain.Evaluation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Evaluation{}, f.evals[id]...), nil
}

func (f *fakeEvaluations) DeleteByResult(_ domain.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.evals, id)
	return nil
}

type fakeSubmissions struct{ subs map[string]domain.Submission }

func (f *fakeSubmissions) Create(_ domain.Context, s domain.Submission) (string, error) {
	f.subs[s.ID] = s
	return s.ID, nil
}

func (f *fakeSubmissions) Get(_ domain.Context, id string) (domain.Submission, error) {
	s, ok := f.subs[id]
	if !ok {
		return domain.Submission{}, domain.ErrNotFound
	}
	return s, nil
}

func (f *fakeSubmissions) ListByParticipationTask(_ domain.Context, _, _ string) ([]domain.Submission, error) {
	return nil, nil
}

func (f *fakeSubmissions) ListByTask(_ domain.Context, taskID string) ([]domain.Submission, error) {
	out := []domain.Submission{}
	for _, s := range f.subs {
		if s.TaskID == taskID {
			out = append(out, s)
		}
	}
	return out, nil
}

type fakeDatasets struct {
	datasets  map[string]domain.Dataset
	testcases map[string][]domain.Testcase
}

func (f *fakeDatasets) Create(_ domain.Context, d domain.Dataset) (string, error) { return d.ID, nil }

func (f *fakeDatasets) Get(_ domain.Context, id string) (domain.Dataset, error) {
	d, ok := f.datasets[id]
	if !ok {
		return domain.Dataset{}, domain.ErrNotFound
	}
	return d, nil
}

func (f *fakeDatasets) Testcases(_ domain.Context, id string) ([]domain.Testcase, error) {
	return f.testcases[id], nil
}

func (f *fakeDatasets) Managers(_ domain.Context, _ string) ([]domain.Manager, error) {
	return nil, nil
}

type fakeTasks struct{ tasks map[string]domain.Task }

func (f *fakeTasks) Create(_ domain.Context, t domain.Task) (string, error) { return t.ID, nil }

func (f *fakeTasks) Get(_ domain.Context, id string) (domain.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	return t, nil
}

func (f *fakeTasks) ListByContest(_ domain.Context, _ string) ([]domain.Task, error) { return nil, nil }

func (f *fakeTasks) SetActiveDataset(_ domain.Context, id string, datasetID *string) error {
	t := f.tasks[id]
	t.ActiveDatasetID = datasetID
	f.tasks[id] = t
	return nil
}

type fakeExecutables struct{ execs []domain.Executable }

func (f *fakeExecutables) Upsert(_ domain.Context, e domain.Executable) error {
	f.execs = append(f.execs, e)
	return nil
}

func (f *fakeExecutables) ListBySubmissionDataset(_ domain.Context, _, _ string) ([]domain.Executable, error) {
	return f.execs, nil
}

type fakeUserTests struct{ results []domain.UserTestResult }

func (f *fakeUserTests) Create(_ domain.Context, u domain.UserTest) (string, error) { return u.ID, nil }

func (f *fakeUserTests) Get(_ domain.Context, id string) (domain.UserTest, error) {
	return domain.UserTest{ID: id, TaskID: "t1"}, nil
}

func (f *fakeUserTests) UpsertResult(_ domain.Context, r domain.UserTestResult) error {
	f.results = append(f.results, r)
	return nil
}

type fakeDispatcher struct {
	mu   sync.Mutex
	jobs []domain.Job
}

func (f *fakeDispatcher) Dispatch(_ context.Context, job domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return nil
}

type fakeScorer struct {
	mu     sync.Mutex
	scored []string
}

func (f *fakeScorer) ScoreResult(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scored = append(f.scored, id)
	return nil
}

func newFixture() (*Service, *fakeResults, *fakeEvaluations, *fakeScorer) {
	datasetID := "d1"
	results := newFakeResults()
	evals := &fakeEvaluations{evals: map[string][]domain.Evaluation{}}
	scorer := &fakeScorer{}
	svc := &Service{
		Queue:    NewMemoryQueue(),
		Dispatch: &fakeDispatcher{},
		Scorer:   scorer,
		Results:  results,
		Evaluations: evals,
		Submissions: &fakeSubmissions{subs: map[string]domain.Submission{
			"s1": {ID: "s1", ParticipationID: "p1", TaskID: "t1", Language: "cpp"},
		}},
		Datasets: &fakeDatasets{
			datasets: map[string]domain.Dataset{datasetID: {ID: datasetID, TaskID: "t1", TimeLimitS: 1}},
			testcases: map[string][]domain.Testcase{datasetID: {
				{Codename: "001", DatasetID: datasetID},
				{Codename: "002", DatasetID: datasetID},
			}},
		},
		Tasks: &fakeTasks{tasks: map[string]domain.Task{
			"t1": {ID: "t1", ContestID: "c1", ActiveDatasetID: &datasetID},
		}},
		Executables:         &fakeExecutables{},
		UserTests:           &fakeUserTests{},
		MaxCompilationTries: 3,
		MaxEvaluationTries:  3,
		MaxQueueDepth:       100,
	}
	return svc, results, evals, scorer
}

func compileOKResult(job domain.Job) domain.JobResult {
	ok := domain.CompilationOutcomeOK
	return domain.JobResult{
		Job:                job,
		WorkerID:           "w1",
		CompilationOutcome: &ok,
		ExecutableDigests:  map[string]string{"a.out": "deadbeef"},
	}
}

func evaluateOKResult(job domain.Job, outcome string) domain.JobResult {
	return domain.JobResult{Job: job, WorkerID: "w1", Outcome: outcome, TextTemplate: "Output is correct"}
}

func TestNewSubmissionEnqueuesCompile(t *testing.T) {
	svc, results, _, _ := newFixture()
	ctx := context.Background()

	require.NoError(t, svc.NewSubmission(ctx, "s1"))
	assert.Equal(t, 1, svc.Queue.Depth())

	job, ok := svc.Queue.Pop()
	require.True(t, ok)
	assert.Equal(t, domain.JobCompile, job.Kind)
	assert.Equal(t, domain.PriorityHigh, job.Priority)

	r, err := results.GetByFingerprint(ctx, "s1", "d1")
	require.NoError(t, err)
	assert.Equal(t, domain.ResultCompiling, r.State)

	// A second notification while the result is still COMPILING pushes one
	// fresh descriptor (the first was popped without Run marking it in
	// flight), so exactly one compile job is queued.
	require.NoError(t, svc.NewSubmission(ctx, "s1"))
	assert.Equal(t, 1, svc.Queue.Depth())
}

func TestCompileOKEnqueuesEvaluations(t *testing.T) {
	svc, results, _, _ := newFixture()
	ctx := context.Background()

	require.NoError(t, svc.NewSubmission(ctx, "s1"))
	job, _ := svc.Queue.Pop()

	require.NoError(t, svc.HandleJobResult(ctx, compileOKResult(job)))

	r, _ := results.GetByFingerprint(ctx, "s1", "d1")
	assert.Equal(t, domain.ResultEvaluating, r.State)
	assert.Equal(t, 1, r.CompilationTries)
	// One evaluate job per testcase.
	assert.Equal(t, 2, svc.Queue.Depth())
}

func TestCompileFailIsTerminal(t *testing.T) {
	svc, results, _, _ := newFixture()
	ctx := context.Background()

	require.NoError(t, svc.NewSubmission(ctx, "s1"))
	job, _ := svc.Queue.Pop()

	fail := domain.CompilationOutcomeFail
	require.NoError(t, svc.HandleJobResult(ctx, domain.JobResult{
		Job: job, WorkerID: "w1", CompilationOutcome: &fail, CompilationText: "error: expected ';'",
	}))

	r, _ := results.GetByFingerprint(ctx, "s1", "d1")
	assert.Equal(t, domain.ResultCompilationFailed, r.State)
	require.NotNil(t, r.Score)
	assert.Equal(t, 0.0, *r.Score)
	assert.Equal(t, 0, svc.Queue.Depth())
}

func TestCompileTransientFailureRetriesThenCaps(t *testing.T) {
	svc, results, _, _ := newFixture()
	ctx := context.Background()

	require.NoError(t, svc.NewSubmission(ctx, "s1"))

	for try := 1; try <= svc.MaxCompilationTries; try++ {
		job, ok := svc.Queue.Pop()
		require.True(t, ok, "try %d should have a queued job", try)
		require.NoError(t, svc.HandleJobResult(ctx, domain.JobResult{
			Job: job, WorkerID: "w1", Failed: true, FailureClass: domain.FailureTransientInfra,
		}))
	}

	r, _ := results.GetByFingerprint(ctx, "s1", "d1")
	assert.Equal(t, domain.ResultCompilationFailed, r.State)
	assert.Equal(t, svc.MaxCompilationTries, r.CompilationTries)
	assert.Contains(t, r.CompilationText, "system error")
	assert.Equal(t, 0, svc.Queue.Depth())
}

func TestEvaluateCompletionTriggersScoring(t *testing.T) {
	svc, results, evals, scorer := newFixture()
	ctx := context.Background()

	require.NoError(t, svc.NewSubmission(ctx, "s1"))
	job, _ := svc.Queue.Pop()
	require.NoError(t, svc.HandleJobResult(ctx, compileOKResult(job)))

	for svc.Queue.Depth() > 0 {
		evalJob, _ := svc.Queue.Pop()
		require.NoError(t, svc.HandleJobResult(ctx, evaluateOKResult(evalJob, "1.0")))
	}

	r, _ := results.GetByFingerprint(ctx, "s1", "d1")
	assert.Equal(t, domain.ResultEvaluated, r.State)
	require.NotNil(t, r.EvaluationOutcome)
	assert.Len(t, evals.evals[r.ID], 2)
	assert.Equal(t, []string{r.ID}, scorer.scored)
}

func TestDuplicateEvaluateResultDiscarded(t *testing.T) {
	svc, results, evals, _ := newFixture()
	ctx := context.Background()

	require.NoError(t, svc.NewSubmission(ctx, "s1"))
	job, _ := svc.Queue.Pop()
	require.NoError(t, svc.HandleJobResult(ctx, compileOKResult(job)))

	evalJob, _ := svc.Queue.Pop()
	require.NoError(t, svc.HandleJobResult(ctx, evaluateOKResult(evalJob, "1.0")))
	r, _ := results.GetByFingerprint(ctx, "s1", "d1")
	triesAfterFirst := r.EvaluationTries

	// The same fingerprint's result arrives again (e.g. a timed-out worker
	// reconnecting): it must not transition to terminal twice.
	require.NoError(t, svc.HandleJobResult(ctx, evaluateOKResult(evalJob, "0.0")))

	r, _ = results.GetByFingerprint(ctx, "s1", "d1")
	assert.Equal(t, triesAfterFirst, r.EvaluationTries)
	found := 0
	for _, e := range evals.evals[r.ID] {
		if e.TestcaseCodename == evalJob.TestcaseCodename {
			found++
			assert.Equal(t, "1.0", e.Outcome)
		}
	}
	assert.Equal(t, 1, found)
}

func TestEvaluateRetryCapSynthesizesOutcome(t *testing.T) {
	svc, results, evals, _ := newFixture()
	ctx := context.Background()

	require.NoError(t, svc.NewSubmission(ctx, "s1"))
	job, _ := svc.Queue.Pop()
	require.NoError(t, svc.HandleJobResult(ctx, compileOKResult(job)))

	evalJob, _ := svc.Queue.Pop()
	for try := 1; try <= svc.MaxEvaluationTries; try++ {
		require.NoError(t, svc.HandleJobResult(ctx, domain.JobResult{
			Job: evalJob, WorkerID: "w1", Failed: true, FailureClass: domain.FailureTransientInfra,
		}))
		if try < svc.MaxEvaluationTries {
			requeued, ok := svc.Queue.Pop()
			require.True(t, ok)
			require.Equal(t, evalJob.Fingerprint(), requeued.Fingerprint())
			evalJob = requeued
		}
	}

	r, _ := results.GetByFingerprint(ctx, "s1", "d1")
	var synthetic *domain.Evaluation
	for i := range evals.evals[r.ID] {
		if evals.evals[r.ID][i].TestcaseCodename == evalJob.TestcaseCodename {
			synthetic = &evals.evals[r.ID][i]
		}
	}
	require.NotNil(t, synthetic)
	assert.Equal(t, "0.0", synthetic.Outcome)
	assert.Equal(t, "execution failed after %d tries", synthetic.TextTemplate)
}

func TestPoisonousEvaluateHaltsResult(t *testing.T) {
	svc, results, _, scorer := newFixture()
	ctx := context.Background()

	require.NoError(t, svc.NewSubmission(ctx, "s1"))
	job, _ := svc.Queue.Pop()
	require.NoError(t, svc.HandleJobResult(ctx, compileOKResult(job)))

	evalJob, _ := svc.Queue.Pop()
	require.NoError(t, svc.HandleJobResult(ctx, domain.JobResult{
		Job: evalJob, WorkerID: "w1", Failed: true, FailureClass: domain.FailureInvariantViolation,
	}))

	r, _ := results.GetByFingerprint(ctx, "s1", "d1")
	assert.NotEmpty(t, r.ScoreError)
	assert.Equal(t, domain.ResultEvaluating, r.State)
	assert.Empty(t, scorer.scored)
	// Not re-enqueued: one evaluate job remains for the other testcase only.
	assert.Equal(t, 1, svc.Queue.Depth())
}

func TestStaleDatasetResultDiscarded(t *testing.T) {
	svc, _, _, _ := newFixture()
	ctx := context.Background()

	// A result arrives for a dataset no SubmissionResult tracks.
	ghost := domain.Job{Kind: domain.JobEvaluate, SubmissionID: "s1", DatasetID: "d-old", TestcaseCodename: "001"}
	require.NoError(t, svc.HandleJobResult(ctx, evaluateOKResult(ghost, "1.0")))
}

func TestInvalidationRequeuesAndKeepsTries(t *testing.T) {
	svc, results, evals, _ := newFixture()
	ctx := context.Background()

	require.NoError(t, svc.NewSubmission(ctx, "s1"))
	job, _ := svc.Queue.Pop()
	require.NoError(t, svc.HandleJobResult(ctx, compileOKResult(job)))
	for svc.Queue.Depth() > 0 {
		evalJob, _ := svc.Queue.Pop()
		require.NoError(t, svc.HandleJobResult(ctx, evaluateOKResult(evalJob, "1.0")))
	}

	require.NoError(t, svc.InvalidateSubmission(ctx, "s1", nil, InvalidateCompilation))

	r, _ := results.GetByFingerprint(ctx, "s1", "d1")
	assert.Equal(t, domain.ResultCompiling, r.State)
	assert.Nil(t, r.CompilationOutcome)
	assert.Nil(t, r.Score)
	// Tries counters are monotone: never reset by invalidation.
	assert.Equal(t, 1, r.CompilationTries)
	assert.Empty(t, evals.evals[r.ID])

	job, ok := svc.Queue.Pop()
	require.True(t, ok)
	assert.Equal(t, domain.JobCompile, job.Kind)
	assert.Equal(t, domain.PriorityExtra, job.Priority)
}

func TestRecoveryRequeuesNonTerminalResults(t *testing.T) {
	svc, results, _, _ := newFixture()
	ctx := context.Background()

	// Simulate pre-crash state: the result is mid-evaluation and the
	// in-memory queue is empty after restart.
	require.NoError(t, svc.NewSubmission(ctx, "s1"))
	job, _ := svc.Queue.Pop()
	require.NoError(t, svc.HandleJobResult(ctx, compileOKResult(job)))
	for svc.Queue.Depth() > 0 {
		svc.Queue.Pop()
	}
	svc.mu.Lock()
	svc.inflight = nil
	svc.mu.Unlock()

	sweeper := NewResultSweeper(results, svc, time.Minute, time.Minute)
	require.NoError(t, sweeper.RecoverAtStartup(ctx))

	// Both evaluate jobs for the EVALUATING result are reconstructed from
	// durable state alone.
	assert.Equal(t, 2, svc.Queue.Depth())
}

func TestBackpressureRefusesLowPriorityOnly(t *testing.T) {
	svc, _, _, _ := newFixture()
	svc.MaxQueueDepth = 1
	ctx := context.Background()

	require.NoError(t, svc.Enqueue(ctx, jobFor(domain.JobCompile, domain.PriorityHigh, "a", "")))

	err := svc.Enqueue(ctx, jobFor(domain.JobEvaluate, domain.PriorityLow, "b", "001"))
	require.ErrorIs(t, err, domain.ErrSaturated)

	// A contest-time submission is never refused.
	require.NoError(t, svc.Enqueue(ctx, jobFor(domain.JobCompile, domain.PriorityHigh, "c", "")))
}

func TestSwapActiveDatasetRequeues(t *testing.T) {
	svc, results, _, _ := newFixture()
	ctx := context.Background()
	svc.Datasets.(*fakeDatasets).datasets["d2"] = domain.Dataset{ID: "d2", TaskID: "t1", TimeLimitS: 1}

	require.NoError(t, svc.SwapActiveDataset(ctx, "t1", "d2"))

	job, ok := svc.Queue.Pop()
	require.True(t, ok)
	assert.Equal(t, "d2", job.DatasetID)
	assert.Equal(t, domain.JobCompile, job.Kind)

	r, err := results.GetByFingerprint(ctx, "s1", "d2")
	require.NoError(t, err)
	assert.Equal(t, domain.ResultCompiling, r.State)
}
