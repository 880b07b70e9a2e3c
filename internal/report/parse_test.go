package report

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Valid(t *testing.T) {
	raw := []byte(`{
		"agent": "9999",
		"occurred_at": "2025-08-20T14:33:00Z",
		"overall_score": 87,
		"scores": [
			{"criterion": "Greeting", "score": 5, "comment": "warm open"},
			{"criterion": "Resolution", "score": 4}
		]
	}`)

	rep, err := Parse(raw, Options{})
	require.NoError(t, err)
	assert.Equal(t, "9999", rep.Agent)
	assert.Equal(t, 87.0, rep.OverallScore)
	assert.Equal(t, time.Date(2025, 8, 20, 14, 33, 0, 0, time.UTC), rep.OccurredAt)
	require.Len(t, rep.Scores, 2)
	assert.Equal(t, "Greeting", rep.Scores[0].Criterion)
	assert.Equal(t, 5.0, rep.Scores[0].Score)
	assert.Equal(t, "warm open", rep.Scores[0].Comment)
}

func TestParse_NumericAgent(t *testing.T) {
	raw := []byte(`{"agent": 9999, "overall_score": 50, "scores": [{"criterion": "Greeting", "score": 3}]}`)
	rep, err := Parse(raw, Options{})
	require.NoError(t, err)
	assert.Equal(t, "9999", rep.Agent)
}

func TestParse_FallbackAgent(t *testing.T) {
	raw := []byte(`{"overall_score": 70, "scores": [{"criterion": "Greeting", "score": 3}]}`)
	rep, err := Parse(raw, Options{FallbackAgent: "1234"})
	require.NoError(t, err)
	assert.Equal(t, "1234", rep.Agent)
}

func TestParse_MissingAgent(t *testing.T) {
	raw := []byte(`{"overall_score": 70, "scores": [{"criterion": "Greeting", "score": 3}]}`)
	_, err := Parse(raw, Options{})
	var me *MalformedError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "agent", me.Field)
}

func TestParse_NonNumericOverallScore(t *testing.T) {
	raw := []byte(`{"agent": "9999", "overall_score": "N/A", "scores": [{"criterion": "Greeting", "score": 3}]}`)
	_, err := Parse(raw, Options{})
	var me *MalformedError
	require.ErrorAs(t, err, &me)
	assert.Contains(t, me.Reason, "invalid overall score")
}

func TestParse_OverallScoreOutOfRange(t *testing.T) {
	raw := []byte(`{"agent": "9999", "overall_score": 110, "scores": [{"criterion": "Greeting", "score": 3}]}`)
	_, err := Parse(raw, Options{})
	var me *MalformedError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "overall_score", me.Field)
}

func TestParse_NegativeCriterionScore(t *testing.T) {
	raw := []byte(`{"agent": "9999", "overall_score": 50, "scores": [{"criterion": "Greeting", "score": -1}]}`)
	_, err := Parse(raw, Options{})
	var me *MalformedError
	require.ErrorAs(t, err, &me)
	assert.Contains(t, me.Reason, "outside range")
}

func TestParse_EmptyCriterionList(t *testing.T) {
	raw := []byte(`{"agent": "9999", "overall_score": 50, "scores": []}`)
	_, err := Parse(raw, Options{})
	var me *MalformedError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "scores", me.Field)
}

func TestParse_UnparseableDocument(t *testing.T) {
	_, err := Parse([]byte(`{not json`), Options{})
	var me *MalformedError
	require.ErrorAs(t, err, &me)
	assert.Contains(t, me.Reason, "unparseable")
}

func TestParse_BadTimestamp(t *testing.T) {
	raw := []byte(`{"agent": "9999", "occurred_at": "yesterday", "overall_score": 50, "scores": [{"criterion": "Greeting", "score": 3}]}`)
	_, err := Parse(raw, Options{})
	var me *MalformedError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "occurred_at", me.Field)
}

func TestParse_FallbackOccurredAt(t *testing.T) {
	fallback := time.Date(2025, 8, 18, 9, 0, 0, 0, time.UTC)
	raw := []byte(`{"agent": "9999", "overall_score": 50, "scores": [{"criterion": "Greeting", "score": 3}]}`)
	rep, err := Parse(raw, Options{FallbackOccurredAt: fallback})
	require.NoError(t, err)
	assert.Equal(t, fallback, rep.OccurredAt)
}

func TestParse_DuplicateCriteria(t *testing.T) {
	raw := []byte(`{"agent": "9999", "overall_score": 50, "scores": [
		{"criterion": "Greeting", "score": 3},
		{"criterion": "Greeting", "score": 4}
	]}`)

	rep, err := Parse(raw, Options{})
	require.NoError(t, err, "repeats accepted as repeated observations by default")
	assert.Len(t, rep.Scores, 2)

	_, err = Parse(raw, Options{StrictDuplicates: true})
	var me *MalformedError
	require.ErrorAs(t, err, &me)
	assert.Contains(t, me.Reason, "duplicate criterion")
}

func TestParse_MissingCriterionName(t *testing.T) {
	raw := []byte(`{"agent": "9999", "overall_score": 50, "scores": [{"score": 3}]}`)
	_, err := Parse(raw, Options{})
	var me *MalformedError
	require.ErrorAs(t, err, &me)
	assert.Contains(t, me.Reason, "missing criterion name")
}
