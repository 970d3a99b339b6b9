package scoring

import (
	"testing"

	"github.com/fairyhunter13/contest-core/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evalFor(codename, outcome string) domain.Evaluation {
	return domain.Evaluation{TestcaseCodename: codename, Outcome: outcome}
}

func TestComputeSumSingleTestcase(t *testing.T) {
	got, err := Compute(ComputeInput{
		ScoreType:   domain.ScoreTypeSum,
		Parameters:  []byte(`{"testcase_weight": 100}`),
		Testcases:   []domain.Testcase{{Codename: "001", Public: true}},
		Evaluations: []domain.Evaluation{evalFor("001", "1.0")},
	})
	require.NoError(t, err)
	assert.Equal(t, 100.0, got.Score)
	assert.Equal(t, 100.0, got.PublicScore)
	assert.JSONEq(t, `{"testcases":[{"codename":"001","outcome":1}]}`, string(got.ScoreDetails))
}

func TestComputeSumWrongAnswer(t *testing.T) {
	got, err := Compute(ComputeInput{
		ScoreType:   domain.ScoreTypeSum,
		Parameters:  []byte(`{"testcase_weight": 100}`),
		Testcases:   []domain.Testcase{{Codename: "001"}},
		Evaluations: []domain.Evaluation{evalFor("001", "0.0")},
	})
	require.NoError(t, err)
	assert.Equal(t, 0.0, got.Score)
}

func TestComputeGroupMin(t *testing.T) {
	// Two groups of 2 testcases, weights 40 and 60, outcomes (1,1,1,0):
	// score = 40*min(1,1) + 60*min(1,0) = 40.
	got, err := Compute(ComputeInput{
		ScoreType: domain.ScoreTypeGroupMin,
		Parameters: []byte(`{"groups":[
			{"name":"sub1","weight":40,"testcases":["001","002"]},
			{"name":"sub2","weight":60,"testcases":["003","004"]}]}`),
		Testcases: []domain.Testcase{
			{Codename: "001"}, {Codename: "002"}, {Codename: "003"}, {Codename: "004"},
		},
		Evaluations: []domain.Evaluation{
			evalFor("001", "1.0"), evalFor("002", "1.0"), evalFor("003", "1.0"), evalFor("004", "0.0"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 40.0, got.Score)
	assert.JSONEq(t, `["40","0"]`, string(got.RankingScoreDetails))
}

func TestComputeGroupMul(t *testing.T) {
	got, err := Compute(ComputeInput{
		ScoreType: domain.ScoreTypeGroupMul,
		Parameters: []byte(`{"groups":[
			{"name":"sub1","weight":100,"testcases":["001","002"]}]}`),
		Testcases:   []domain.Testcase{{Codename: "001"}, {Codename: "002"}},
		Evaluations: []domain.Evaluation{evalFor("001", "0.5"), evalFor("002", "0.5")},
	})
	require.NoError(t, err)
	assert.Equal(t, 25.0, got.Score)
}

func TestComputeGroupThreshold(t *testing.T) {
	tests := []struct {
		name     string
		outcomes []string
		want     float64
	}{
		{"all above threshold", []string{"0.9", "0.8"}, 50},
		{"one at threshold", []string{"0.9", "0.5"}, 0},
		{"one below threshold", []string{"0.9", "0.2"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Compute(ComputeInput{
				ScoreType: domain.ScoreTypeGroupThreshold,
				Parameters: []byte(`{"threshold":0.5,"groups":[
					{"name":"sub1","weight":50,"testcases":["001","002"]}]}`),
				Testcases:   []domain.Testcase{{Codename: "001"}, {Codename: "002"}},
				Evaluations: []domain.Evaluation{evalFor("001", tt.outcomes[0]), evalFor("002", tt.outcomes[1])},
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Score)
		})
	}
}

func TestComputeRestrictedFeedbackElidesHiddenSubtasks(t *testing.T) {
	got, err := Compute(ComputeInput{
		ScoreType: domain.ScoreTypeGroupMin,
		Parameters: []byte(`{"groups":[
			{"name":"public","weight":40,"testcases":["001"]},
			{"name":"hidden","weight":60,"testcases":["002"]}]}`),
		Testcases:     []domain.Testcase{{Codename: "001", Public: true}, {Codename: "002", Public: false}},
		Evaluations:   []domain.Evaluation{evalFor("001", "1.0"), evalFor("002", "1.0")},
		FeedbackLevel: domain.FeedbackLevelRestricted,
	})
	require.NoError(t, err)
	assert.Equal(t, 100.0, got.Score)
	assert.Equal(t, 40.0, got.PublicScore)
	// Hidden subtask appears with its aggregated score but without
	// per-testcase outcomes.
	assert.JSONEq(t, `{"subtasks":[
		{"subtask":"public","weight":40,"score":40,"max_score":40,"testcases":[{"codename":"001","outcome":1}]},
		{"subtask":"hidden","weight":60,"score":60,"max_score":60}]}`, string(got.ScoreDetails))
}

func TestComputeRejectsOutOfRangeOutcome(t *testing.T) {
	_, err := Compute(ComputeInput{
		ScoreType:   domain.ScoreTypeSum,
		Testcases:   []domain.Testcase{{Codename: "001"}},
		Evaluations: []domain.Evaluation{evalFor("001", "1.5")},
	})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestComputeRejectsMissingEvaluation(t *testing.T) {
	_, err := Compute(ComputeInput{
		ScoreType:   domain.ScoreTypeSum,
		Testcases:   []domain.Testcase{{Codename: "001"}, {Codename: "002"}},
		Evaluations: []domain.Evaluation{evalFor("001", "1.0")},
	})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestComputeIsDeterministic(t *testing.T) {
	in := ComputeInput{
		ScoreType: domain.ScoreTypeGroupMin,
		Parameters: []byte(`{"groups":[
			{"name":"sub1","weight":40,"testcases":["001","002"]},
			{"name":"sub2","weight":60,"testcases":["003"]}]}`),
		Testcases:   []domain.Testcase{{Codename: "001"}, {Codename: "002"}, {Codename: "003"}},
		Evaluations: []domain.Evaluation{evalFor("001", "0.5"), evalFor("002", "1.0"), evalFor("003", "0.25")},
	}
	first, err := Compute(in)
	require.NoError(t, err)
	second, err := Compute(in)
	require.NoError(t, err)
	assert.Equal(t, first.Score, second.Score)
	assert.Equal(t, string(first.ScoreDetails), string(second.ScoreDetails))
	assert.Equal(t, string(first.RankingScoreDetails), string(second.RankingScoreDetails))
}

func TestRoundHalfAwayFromZero(t *testing.T) {
	tests := []struct {
		score     float64
		precision int
		want      float64
	}{
		{100.0, 0, 100},
		{99.5, 0, 100},
		{2.5, 0, 3},
		{99.44, 1, 99.4},
		{99.46, 1, 99.5},
		{0.125, 2, 0.13},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, Round(tt.score, tt.precision), 1e-9)
	}
}
