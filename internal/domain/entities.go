// Package domain defines the core entities, repository ports, and
// domain-specific errors of the evaluation core.
package domain

import (
	"context"
	"time"
)

// Context is a type alias to stdlib context.Context for convenience across layers.
type Context = context.Context

// ScoreMode controls how a Task combines scores across a participation's submissions.
type ScoreMode string

// Task score-mode values.
const (
	ScoreModeMax             ScoreMode = "max"
	ScoreModeMaxTokenedLast  ScoreMode = "max_tokened_last"
	ScoreModeMaxSubtask      ScoreMode = "max_subtask"
)

// FeedbackLevel controls how much of a SubmissionResult is surfaced to the contestant.
type FeedbackLevel string

// Feedback level values.
const (
	FeedbackLevelFull       FeedbackLevel = "full"
	FeedbackLevelRestricted FeedbackLevel = "restricted"
)

// Contest is the top-level container a Task lives in.
//go:generate mockery --name=ContestRepository --with-expecter --filename=contest_repository_mock.go
type Contest struct {
	ID string
	// Name is the short contest identifier shown to operators.
	Name string
	// Start and Stop bound the contest window.
	Start time.Time
	Stop time.Time
	// PerUserExtraTime is stored for USACO-style per-user windows; nothing in the core adjusts Start/Stop by it.
	PerUserExtraTime time.Duration
	AllowedLanguages []string
	ScorePrecision   int
	TokenInitial     int
	TokenMax         int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Task is a scoring problem inside a Contest. Exactly one of its Datasets is active.
//go:generate mockery --name=TaskRepository --with-expecter --filename=task_repository_mock.go
type Task struct {
	ID               string
	ContestID        string
	Name             string
	SubmissionFormat []string
	MaxScore         float64
	// ScorePrecision is the number of decimal digits the user-visible score
	// is rounded to; seeded from the contest default at task creation.
	ScorePrecision int
	ScoreMode      ScoreMode
	FeedbackLevel    FeedbackLevel
	TokenMode        string
	SubmissionLimit  int
	UserTestLimit    int
	// ActiveDatasetID is a weak reference: cleared to nil if the dataset is
	// deleted, never cascades. A nil value means "task has no active
	// dataset, skip" for the scheduler.
	ActiveDatasetID *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TaskType enumerates the protocol used to run one testcase.
type TaskType string

// Task-type protocol values.
const (
	TaskTypeBatch         TaskType = "Batch"
	TaskTypeCommunication TaskType = "Communication"
	TaskTypeOutputOnly    TaskType = "OutputOnly"
	TaskTypeTwoSteps      TaskType = "TwoSteps"
)

// ScoreType enumerates the pure function used to fold per-testcase outcomes into a score.
type ScoreType string

// Score-type values.
const (
	ScoreTypeSum            ScoreType = "Sum"
	ScoreTypeGroupMin       ScoreType = "GroupMin"
	ScoreTypeGroupMul       ScoreType = "GroupMul"
	ScoreTypeGroupThreshold ScoreType = "GroupThreshold"
)

// Dataset is the evaluation recipe for a Task: testcases, task-type, score-type, limits.
//go:generate mockery --name=DatasetRepository --with-expecter --filename=dataset_repository_mock.go
type Dataset struct {
	ID       string
	TaskID   string
	Name     string
	TaskType TaskType
	// TaskTypeParameters is opaque JSON decoded into a variant-specific struct at load time.
	TaskTypeParameters []byte
	ScoreType          ScoreType
	// ScoreTypeParameters is opaque JSON; see internal/scoring for the per-type decoded shapes.
	ScoreTypeParameters []byte
	TimeLimitS          float64
	MemoryLimitKB        int64
	Autojudge            bool
	CreatedAt            time.Time
}

// Testcase is one (input digest, reference output digest, codename, public?) triple.
type Testcase struct {
	ID           string
	DatasetID    string
	Codename     string
	Public       bool
	InputDigest  string
	OutputDigest string
}

// ManagerKind enumerates the role a Manager plays during evaluation.
type ManagerKind string

// Manager kinds.
const (
	ManagerChecker     ManagerKind = "checker"
	ManagerStub        ManagerKind = "stub"
	ManagerGrader      ManagerKind = "grader"
	ManagerCommunicator ManagerKind = "communicator"
	ManagerHeader      ManagerKind = "header"
)

// Manager is a dataset-scoped executable or source fragment addressed by digest.
type Manager struct {
	ID        string
	DatasetID string
	Filename  string
	Kind      ManagerKind
	Digest    string
}

// User authenticates into the contest system.
//go:generate mockery --name=UserRepository --with-expecter --filename=user_repository_mock.go
type User struct {
	ID           string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Participation binds a User to a Contest with per-user overrides.
//go:generate mockery --name=ParticipationRepository --with-expecter --filename=participation_repository_mock.go
type Participation struct {
	ID         string
	UserID     string
	ContestID  string
	IPOverride string
	DelaySeconds int
	ExtraTime    time.Duration
	Hidden       bool
	Unrestricted bool
	Tokens       int
}

// Submission is (Participation, Task, timestamp, language, comment, official).
// Files are keyed by filename-schema; contents live in BlobStore, addressed by digest.
//go:generate mockery --name=SubmissionRepository --with-expecter --filename=submission_repository_mock.go
type Submission struct {
	ID              string
	ParticipationID string
	TaskID          string
	Timestamp       time.Time
	Language        string
	Comment         string
	Official        bool
	// Files maps a filename-schema entry to the digest of its content in BlobStore.
	Files map[string]string
	// TokenUsed records that this submission consumed a Token.
	TokenUsed bool
}

// CompilationOutcome is ok, fail, or unset (nil pointer == ⊥).
type CompilationOutcome string

// Compilation outcome values.
const (
	CompilationOutcomeOK   CompilationOutcome = "ok"
	CompilationOutcomeFail CompilationOutcome = "fail"
)

// EvaluationOutcome is ok or unset (nil pointer == ⊥).
type EvaluationOutcome string

// Evaluation outcome values.
const (
	EvaluationOutcomeOK EvaluationOutcome = "ok"
)

// ResultState is the state-machine position of a SubmissionResult.
type ResultState string

// SubmissionResult states.
const (
	ResultCompiling         ResultState = "COMPILING"
	ResultCompilationFailed ResultState = "COMPILATION_FAILED"
	ResultEvaluating        ResultState = "EVALUATING"
	ResultEvaluated         ResultState = "EVALUATED"
	ResultScoring           ResultState = "SCORING"
	ResultScored            ResultState = "SCORED"
)

// SubmissionResult is one per (Submission, Dataset). Created lazily when the
// core first touches this pair; invalidation sets fields back to ⊥ and
// re-queues Jobs rather than deleting the row.
//go:generate mockery --name=SubmissionResultRepository --with-expecter --filename=submission_result_repository_mock.go
type SubmissionResult struct {
	ID                  string
	SubmissionID        string
	DatasetID           string
	State               ResultState
	CompilationOutcome  *CompilationOutcome
	CompilationText     string
	CompilationTimeS    float64
	CompilationMemoryKB int64
	CompilationTries    int
	EvaluationOutcome   *EvaluationOutcome
	EvaluationTries     int
	// Score is rounded to Task.ScorePrecision; nil until SCORED.
	Score *float64
	// ScoreDetails is opaque JSON (per-subtask breakdown), never rounded internally.
	ScoreDetails        []byte
	PublicScore         *float64
	PublicScoreDetails  []byte
	RankingScoreDetails []byte
	ScoreError          string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Evaluation is one per (Submission, Dataset, Testcase).
//go:generate mockery --name=EvaluationRepository --with-expecter --filename=evaluation_repository_mock.go
type Evaluation struct {
	ID         string
	SubmissionResultID string
	DatasetID  string
	TestcaseCodename string
	// Outcome is task-type specific, e.g. "1.0".
	Outcome     string
	TextTemplate string
	TextArgs     []string
	ExecTimeS    float64
	WallTimeS    float64
	MemoryKB     int64
	WorkerID     string
	CreatedAt    time.Time
}

// Executable is a compiled artifact produced by a Compile Job.
//go:generate mockery --name=ExecutableRepository --with-expecter --filename=executable_repository_mock.go
type Executable struct {
	ID           string
	SubmissionID string
	DatasetID    string
	Filename     string
	Digest       string
}

// UserTest is analogous to Submission but contestant-supplied, never scored.
//go:generate mockery --name=UserTestRepository --with-expecter --filename=user_test_repository_mock.go
type UserTest struct {
	ID              string
	ParticipationID string
	TaskID          string
	Timestamp       time.Time
	Language        string
	Files           map[string]string
	Input           string
}

// UserTestResult mirrors SubmissionResult for a UserTest.
type UserTestResult struct {
	ID                 string
	UserTestID         string
	DatasetID          string
	State               ResultState
	CompilationOutcome *CompilationOutcome
	CompilationText    string
	EvaluationOutcome  *EvaluationOutcome
	OutputDigest       string
	ExecTimeS          float64
	MemoryKB           int64
}

// Token is a consumable that elevates a Submission to "tokened" status.
//go:generate mockery --name=TokenRepository --with-expecter --filename=token_repository_mock.go
type Token struct {
	ID              string
	ParticipationID string
	SubmissionID    string
	Timestamp       time.Time
}

// Repository ports.

// ContestRepository manages Contest persistence.
type ContestRepository interface {
	Create(ctx Context, c Contest) (string, error)
	Get(ctx Context, id string) (Contest, error)
	List(ctx Context) ([]Contest, error)
}

// TaskRepository manages Task persistence.
type TaskRepository interface {
	Create(ctx Context, t Task) (string, error)
	Get(ctx Context, id string) (Task, error)
	ListByContest(ctx Context, contestID string) ([]Task, error)
	SetActiveDataset(ctx Context, taskID string, datasetID *string) error
}

// DatasetRepository manages Dataset persistence, including its Testcases and Managers.
type DatasetRepository interface {
	Create(ctx Context, d Dataset) (string, error)
	Get(ctx Context, id string) (Dataset, error)
	Testcases(ctx Context, datasetID string) ([]Testcase, error)
	Managers(ctx Context, datasetID string) ([]Manager, error)
}

// SubmissionRepository manages Submission persistence.
type SubmissionRepository interface {
	Create(ctx Context, s Submission) (string, error)
	Get(ctx Context, id string) (Submission, error)
	ListByParticipationTask(ctx Context, participationID, taskID string) ([]Submission, error)
	ListByTask(ctx Context, taskID string) ([]Submission, error)
}

// ParticipationRepository manages Participation persistence.
type ParticipationRepository interface {
	Get(ctx Context, id string) (Participation, error)
	ConsumeToken(ctx Context, id string) (bool, error)
}

// SubmissionResultRepository manages SubmissionResult persistence, including
// state transitions and optimistic-locking-free row updates guarded by
// explicit transactions in the Postgres adapter.
type SubmissionResultRepository interface {
	// GetOrCreate returns the existing SubmissionResult for (submissionID,
	// datasetID), creating a fresh one in ResultCompiling if absent.
	GetOrCreate(ctx Context, submissionID, datasetID string) (SubmissionResult, bool, error)
	Get(ctx Context, id string) (SubmissionResult, error)
	GetByFingerprint(ctx Context, submissionID, datasetID string) (SubmissionResult, error)
	Update(ctx Context, r SubmissionResult) error
	ListNonTerminal(ctx Context, offset, limit int) ([]SubmissionResult, error)
	ListByParticipationTask(ctx Context, participationID, taskID string) ([]SubmissionResult, error)
	// StatusSummary counts a contest's SubmissionResults by state, for the
	// operator get_submissions_status view.
	StatusSummary(ctx Context, contestID string) (map[ResultState]int, error)
}

// EvaluationRepository manages Evaluation persistence.
type EvaluationRepository interface {
	Upsert(ctx Context, e Evaluation) error
	ListByResult(ctx Context, submissionResultID string) ([]Evaluation, error)
	DeleteByResult(ctx Context, submissionResultID string) error
}

// ExecutableRepository manages Executable persistence.
type ExecutableRepository interface {
	Upsert(ctx Context, e Executable) error
	ListBySubmissionDataset(ctx Context, submissionID, datasetID string) ([]Executable, error)
}

// UserTestRepository manages UserTest and UserTestResult persistence.
type UserTestRepository interface {
	Create(ctx Context, u UserTest) (string, error)
	Get(ctx Context, id string) (UserTest, error)
	UpsertResult(ctx Context, r UserTestResult) error
}

// TokenRepository manages Token persistence.
type TokenRepository interface {
	Create(ctx Context, t Token) (string, error)
	ListByParticipationTask(ctx Context, participationID, taskID string) ([]Token, error)
}
