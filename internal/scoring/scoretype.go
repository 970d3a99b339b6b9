// Package scoring computes user-visible scores from completed evaluations.
// Score types are pure functions over the set of Evaluations plus the
// Dataset's score_type_parameters: the computation is deterministic, never
// rounds intermediate values, and running it twice on the same inputs yields
// the same score and details JSON.
package scoring

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/fairyhunter13/contest-core/internal/domain"
)

// SumParameters is the score_type_parameters shape for domain.ScoreTypeSum:
// every testcase contributes outcome x TestcaseWeight, no subtasks.
type SumParameters struct {
	TestcaseWeight float64 `json:"testcase_weight"`
}

// GroupSpec names one subtask: a weight and the codenames of its testcases.
type GroupSpec struct {
	Name      string   `json:"name"`
	Weight    float64  `json:"weight"`
	Testcases []string `json:"testcases"`
}

// GroupParameters is the score_type_parameters shape shared by GroupMin,
// GroupMul, and GroupThreshold. Threshold is only read by GroupThreshold.
type GroupParameters struct {
	Groups    []GroupSpec `json:"groups"`
	Threshold float64     `json:"threshold"`
}

// ComputeInput bundles everything a score-type function needs. Repositories
// are never touched mid-computation; the caller loads the full aggregate
// first.
type ComputeInput struct {
	ScoreType     domain.ScoreType
	Parameters    []byte
	Testcases     []domain.Testcase
	Evaluations   []domain.Evaluation
	FeedbackLevel domain.FeedbackLevel
}

// Computed is the score-type output: the unrounded score plus the opaque
// details JSON consumed by the UI and the ranking display.
type Computed struct {
	Score               float64
	ScoreDetails        json.RawMessage
	PublicScore         float64
	PublicScoreDetails  json.RawMessage
	RankingScoreDetails json.RawMessage
}

type testcaseDetail struct {
	Codename string  `json:"codename"`
	Outcome  float64 `json:"outcome"`
	Text     string  `json:"text,omitempty"`
}

type subtaskDetail struct {
	Subtask  string  `json:"subtask"`
	Weight   float64 `json:"weight"`
	Score    float64 `json:"score"`
	MaxScore float64 `json:"max_score"`
	// Testcases is elided for hidden subtasks under restricted feedback.
	Testcases []testcaseDetail `json:"testcases,omitempty"`
}

// Compute folds the evaluations into (score, details) under the dataset's
// score type. Dispatch is an exhaustive switch over the enumerated types.
func Compute(in ComputeInput) (Computed, error) {
	outcomes, texts, err := parseOutcomes(in.Evaluations)
	if err != nil {
		return Computed{}, err
	}
	public := make(map[string]bool, len(in.Testcases))
	for _, tc := range in.Testcases {
		public[tc.Codename] = tc.Public
	}

	switch in.ScoreType {
	case domain.ScoreTypeSum:
		return computeSum(in, outcomes, texts, public)
	case domain.ScoreTypeGroupMin, domain.ScoreTypeGroupMul, domain.ScoreTypeGroupThreshold:
		return computeGroups(in, outcomes, texts, public)
	default:
		return Computed{}, fmt.Errorf("op=scoring.Compute: unknown score type %q: %w", in.ScoreType, domain.ErrInvalidArgument)
	}
}

// parseOutcomes decodes the task-type-specific outcome strings into floats.
// A non-numeric outcome is an invariant violation: the checker layer already
// guarantees scores in [0,1], so anything else halts the SubmissionResult.
func parseOutcomes(evals []domain.Evaluation) (map[string]float64, map[string]string, error) {
	outcomes := make(map[string]float64, len(evals))
	texts := make(map[string]string, len(evals))
	for _, e := range evals {
		v, err := strconv.ParseFloat(e.Outcome, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("op=scoring.parseOutcomes: testcase %s outcome %q: %w", e.TestcaseCodename, e.Outcome, domain.ErrInvalidArgument)
		}
		if v < 0 || v > 1 {
			return nil, nil, fmt.Errorf("op=scoring.parseOutcomes: testcase %s outcome %v outside [0,1]: %w", e.TestcaseCodename, v, domain.ErrInvalidArgument)
		}
		outcomes[e.TestcaseCodename] = v
		texts[e.TestcaseCodename] = e.TextTemplate
	}
	return outcomes, texts, nil
}

func computeSum(in ComputeInput, outcomes map[string]float64, texts map[string]string, public map[string]bool) (Computed, error) {
	var params SumParameters
	if len(in.Parameters) > 0 {
		if err := json.Unmarshal(in.Parameters, &params); err != nil {
			return Computed{}, fmt.Errorf("op=scoring.computeSum: %w", err)
		}
	}
	if params.TestcaseWeight == 0 {
		params.TestcaseWeight = 1
	}

	var total, publicTotal float64
	all := make([]testcaseDetail, 0, len(in.Testcases))
	publicDetails := make([]testcaseDetail, 0, len(in.Testcases))
	for _, tc := range in.Testcases {
		o, ok := outcomes[tc.Codename]
		if !ok {
			return Computed{}, fmt.Errorf("op=scoring.computeSum: missing evaluation for testcase %s: %w", tc.Codename, domain.ErrInvalidArgument)
		}
		total += o * params.TestcaseWeight
		d := testcaseDetail{Codename: tc.Codename, Outcome: o, Text: texts[tc.Codename]}
		all = append(all, d)
		if tc.Public {
			publicTotal += o * params.TestcaseWeight
			publicDetails = append(publicDetails, d)
		}
	}

	details, err := json.Marshal(map[string]any{"testcases": all})
	if err != nil {
		return Computed{}, fmt.Errorf("op=scoring.computeSum: %w", err)
	}
	pubDetails, err := json.Marshal(map[string]any{"testcases": publicDetails})
	if err != nil {
		return Computed{}, fmt.Errorf("op=scoring.computeSum: %w", err)
	}
	ranking, err := json.Marshal([]string{strconv.FormatFloat(total, 'f', -1, 64)})
	if err != nil {
		return Computed{}, fmt.Errorf("op=scoring.computeSum: %w", err)
	}
	return Computed{
		Score:               total,
		ScoreDetails:        details,
		PublicScore:         publicTotal,
		PublicScoreDetails:  pubDetails,
		RankingScoreDetails: ranking,
	}, nil
}

func computeGroups(in ComputeInput, outcomes map[string]float64, texts map[string]string, public map[string]bool) (Computed, error) {
	var params GroupParameters
	if err := json.Unmarshal(in.Parameters, &params); err != nil {
		return Computed{}, fmt.Errorf("op=scoring.computeGroups: %w", err)
	}
	if len(params.Groups) == 0 {
		return Computed{}, fmt.Errorf("op=scoring.computeGroups: no groups declared: %w", domain.ErrInvalidArgument)
	}

	var total, publicTotal float64
	subtasks := make([]subtaskDetail, 0, len(params.Groups))
	publicSubtasks := make([]subtaskDetail, 0, len(params.Groups))
	rankingScores := make([]string, 0, len(params.Groups))

	for _, g := range params.Groups {
		groupScore, tcDetails, err := scoreGroup(in.ScoreType, g, params.Threshold, outcomes, texts)
		if err != nil {
			return Computed{}, err
		}
		total += groupScore

		allPublic := true
		for _, codename := range g.Testcases {
			if !public[codename] {
				allPublic = false
				break
			}
		}

		d := subtaskDetail{Subtask: g.Name, Weight: g.Weight, Score: groupScore, MaxScore: g.Weight, Testcases: tcDetails}
		if in.FeedbackLevel == domain.FeedbackLevelRestricted && !allPublic {
			// Hidden subtask under restricted feedback: only the aggregated
			// subtask score is exposed, never per-testcase outcomes.
			d.Testcases = nil
		}
		subtasks = append(subtasks, d)
		if allPublic {
			publicTotal += groupScore
			publicSubtasks = append(publicSubtasks, d)
		}
		rankingScores = append(rankingScores, strconv.FormatFloat(groupScore, 'f', -1, 64))
	}

	details, err := json.Marshal(map[string]any{"subtasks": subtasks})
	if err != nil {
		return Computed{}, fmt.Errorf("op=scoring.computeGroups: %w", err)
	}
	pubDetails, err := json.Marshal(map[string]any{"subtasks": publicSubtasks})
	if err != nil {
		return Computed{}, fmt.Errorf("op=scoring.computeGroups: %w", err)
	}
	ranking, err := json.Marshal(rankingScores)
	if err != nil {
		return Computed{}, fmt.Errorf("op=scoring.computeGroups: %w", err)
	}
	return Computed{
		Score:               total,
		ScoreDetails:        details,
		PublicScore:         publicTotal,
		PublicScoreDetails:  pubDetails,
		RankingScoreDetails: ranking,
	}, nil
}

func scoreGroup(scoreType domain.ScoreType, g GroupSpec, threshold float64, outcomes map[string]float64, texts map[string]string) (float64, []testcaseDetail, error) {
	if len(g.Testcases) == 0 {
		return 0, nil, fmt.Errorf("op=scoring.scoreGroup: group %q has no testcases: %w", g.Name, domain.ErrInvalidArgument)
	}

	details := make([]testcaseDetail, 0, len(g.Testcases))
	minOutcome := math.Inf(1)
	product := 1.0
	aboveThreshold := true
	for _, codename := range g.Testcases {
		o, ok := outcomes[codename]
		if !ok {
			return 0, nil, fmt.Errorf("op=scoring.scoreGroup: group %q references missing testcase %s: %w", g.Name, codename, domain.ErrInvalidArgument)
		}
		details = append(details, testcaseDetail{Codename: codename, Outcome: o, Text: texts[codename]})
		if o < minOutcome {
			minOutcome = o
		}
		product *= o
		if o <= threshold {
			aboveThreshold = false
		}
	}

	switch scoreType {
	case domain.ScoreTypeGroupMin:
		return g.Weight * minOutcome, details, nil
	case domain.ScoreTypeGroupMul:
		return g.Weight * product, details, nil
	case domain.ScoreTypeGroupThreshold:
		if aboveThreshold {
			return g.Weight, details, nil
		}
		return 0, details, nil
	default:
		return 0, nil, fmt.Errorf("op=scoring.scoreGroup: %q is not a group score type: %w", scoreType, domain.ErrInvalidArgument)
	}
}

// Round rounds score to precision decimal digits, half away from zero.
// Only the final score is ever rounded; intermediates stay exact. The
// rounding mode is fixed here deliberately (and pinned by a test) so the
// wire format does not drift with a JSON library's default.
func Round(score float64, precision int) float64 {
	shift := math.Pow(10, float64(precision))
	return math.Round(score*shift) / shift
}
