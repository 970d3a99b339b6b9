package scoring

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/fairyhunter13/contest-core/internal/domain"
)

// SubmissionScore is one submission's contribution to the task-level score
// combination: its rounded score, token state, and per-subtask breakdown.
type SubmissionScore struct {
	SubmissionID  string
	Timestamp     time.Time
	Tokened       bool
	Score         float64
	SubtaskScores map[string]float64
}

// TaskScore combines a participation's submission scores into the
// user-visible task score under the task's score mode. The input order does
// not matter; submissions are sorted by timestamp internally so "last" is
// well defined.
func TaskScore(mode domain.ScoreMode, subs []SubmissionScore) float64 {
	if len(subs) == 0 {
		return 0
	}
	sorted := make([]SubmissionScore, len(subs))
	copy(sorted, subs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	switch mode {
	case domain.ScoreModeMax:
		best := 0.0
		for _, s := range sorted {
			if s.Score > best {
				best = s.Score
			}
		}
		return best

	case domain.ScoreModeMaxTokenedLast:
		// Max over tokened submissions plus the last submission, tokened or
		// not. Untokened non-last submissions never contribute.
		best := 0.0
		last := sorted[len(sorted)-1]
		for _, s := range sorted {
			if (s.Tokened || s.SubmissionID == last.SubmissionID) && s.Score > best {
				best = s.Score
			}
		}
		return best

	case domain.ScoreModeMaxSubtask:
		// Per subtask: max over all submissions; then sum over subtasks.
		bestPerSubtask := map[string]float64{}
		for _, s := range sorted {
			for name, score := range s.SubtaskScores {
				if score > bestPerSubtask[name] {
					bestPerSubtask[name] = score
				}
			}
		}
		total := 0.0
		for _, v := range bestPerSubtask {
			total += v
		}
		return total

	default:
		return 0
	}
}

// SubtaskScoresFromDetails extracts the per-subtask score map from a
// score_details JSON blob produced by Compute. Sum-type details have no
// subtasks and yield an empty map.
func SubtaskScoresFromDetails(details []byte) map[string]float64 {
	var decoded struct {
		Subtasks []struct {
			Subtask string  `json:"subtask"`
			Score   float64 `json:"score"`
		} `json:"subtasks"`
	}
	out := map[string]float64{}
	if len(details) == 0 {
		return out
	}
	if err := json.Unmarshal(details, &decoded); err != nil {
		return out
	}
	for _, s := range decoded.Subtasks {
		out[s.Subtask] = s.Score
	}
	return out
}
