package kafka

import (
	"encoding/json"
	"testing"

	"github.com/fairyhunter13/contest-core/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

func TestBandTopics(t *testing.T) {
	assert.Equal(t, []string{
		"evaluate.extra",
		"evaluate.high",
		"evaluate.medium",
		"evaluate.low",
		"evaluate.extra_low",
	}, BandTopics())
}

func TestSortRecordsByBand(t *testing.T) {
	records := []*kgo.Record{
		{Topic: "evaluate.low", Offset: 1},
		{Topic: "evaluate.extra", Offset: 2},
		{Topic: "evaluate.high", Offset: 3},
		{Topic: "evaluate.high", Offset: 4},
		{Topic: "evaluate.extra_low", Offset: 5},
	}
	SortRecordsByBand(records)

	topics := make([]string, len(records))
	for i, r := range records {
		topics[i] = r.Topic
	}
	assert.Equal(t, []string{
		"evaluate.extra",
		"evaluate.high",
		"evaluate.high",
		"evaluate.low",
		"evaluate.extra_low",
	}, topics)
	// Stable within a band: offset order is preserved.
	assert.Equal(t, int64(3), records[1].Offset)
	assert.Equal(t, int64(4), records[2].Offset)
}

func TestJobRoundTripsThroughJSON(t *testing.T) {
	job := domain.Job{
		Kind:             domain.JobEvaluate,
		Priority:         domain.PriorityHigh,
		SubmissionID:     "s1",
		DatasetID:        "d1",
		TestcaseCodename: "001",
		WallBudgetS:      3,
		Tries:            1,
	}
	b, err := json.Marshal(job)
	require.NoError(t, err)

	var decoded domain.Job
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, job.Fingerprint(), decoded.Fingerprint())
	assert.Equal(t, "evaluate.high", decoded.Topic())
}
