package orchestration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durapensa/ksi/core"
)

func responseEvents(data ...map[string]any) []core.Event {
	out := make([]core.Event, 0, len(data))
	for _, d := range data {
		out = append(out, core.NewEvent("task:result", d))
	}
	return out
}

func TestAggregate_StatisticalGroupedMean(t *testing.T) {
	rig := newRig(t)
	responses := responseEvents(
		map[string]any{"subject_id": "a", "score": 10},
		map[string]any{"subject_id": "a", "score": 20},
		map[string]any{"subject_id": "b", "score": 5},
	)

	res, err := rig.executor.Aggregate(responses, AggregateSpec{
		Method:  AggregateStatistical,
		Options: map[string]any{"metric": "mean", "group_by": "subject_id"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 15.0, "b": 5.0}, res)
}

func TestAggregate_StatisticalUngrouped(t *testing.T) {
	rig := newRig(t)
	responses := responseEvents(
		map[string]any{"latency": 10.0},
		map[string]any{"latency": 30.0},
		map[string]any{"latency": 20.0},
	)

	mean, err := rig.executor.Aggregate(responses, AggregateSpec{Method: AggregateStatistical, Options: map[string]any{"metric": "mean", "field": "latency"}})
	require.NoError(t, err)
	assert.Equal(t, 20.0, mean)

	median, err := rig.executor.Aggregate(responses, AggregateSpec{Method: AggregateStatistical, Options: map[string]any{"metric": "median", "field": "latency"}})
	require.NoError(t, err)
	assert.Equal(t, 20.0, median)

	p100, err := rig.executor.Aggregate(responses, AggregateSpec{Method: AggregateStatistical, Options: map[string]any{"metric": "p100", "field": "latency"}})
	require.NoError(t, err)
	assert.Equal(t, 30.0, p100)

	count, err := rig.executor.Aggregate(responses, AggregateSpec{Method: AggregateStatistical, Options: map[string]any{"metric": "count", "field": "latency"}})
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestAggregate_DeterministicAndPure(t *testing.T) {
	rig := newRig(t)
	responses := responseEvents(
		map[string]any{"subject_id": "a", "score": 10},
		map[string]any{"subject_id": "b", "score": 5},
	)
	spec := AggregateSpec{Method: AggregateStatistical, Options: map[string]any{"metric": "mean", "group_by": "subject_id"}}

	first, err := rig.executor.Aggregate(responses, spec)
	require.NoError(t, err)
	second, err := rig.executor.Aggregate(responses, spec)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 10, responses[0].Data["score"], "aggregation must not mutate its inputs")
}

func TestAggregate_Consensus(t *testing.T) {
	rig := newRig(t)
	responses := responseEvents(
		map[string]any{"agent_id": "a1", "vote": "approve"},
		map[string]any{"agent_id": "a2", "vote": "approve"},
		map[string]any{"agent_id": "a3", "vote": "reject"},
	)

	res, err := rig.executor.Aggregate(responses, AggregateSpec{Method: AggregateConsensus, Options: map[string]any{"threshold": 0.6}})
	require.NoError(t, err)
	c := res.(ConsensusResult)
	assert.Equal(t, "approve", c.Decision)
	assert.InDelta(t, 2.0/3.0, c.Confidence, 1e-9)
	assert.True(t, c.Reached)
}

func TestAggregate_ConsensusWeighted(t *testing.T) {
	rig := newRig(t)
	responses := responseEvents(
		map[string]any{"agent_id": "junior", "vote": "approve"},
		map[string]any{"agent_id": "senior", "vote": "reject"},
	)

	res, err := rig.executor.Aggregate(responses, AggregateSpec{
		Method: AggregateConsensus,
		Options: map[string]any{
			"threshold": 0.6,
			"weights":   map[string]any{"senior": 3.0},
		},
	})
	require.NoError(t, err)
	c := res.(ConsensusResult)
	assert.Equal(t, "reject", c.Decision)
	assert.InDelta(t, 0.75, c.Confidence, 1e-9)
}

func TestAggregate_Custom(t *testing.T) {
	rig := newRig(t)
	rig.executor.RegisterReducer("concat", func(responses []core.Event, _ map[string]any) (any, error) {
		out := ""
		for _, ev := range responses {
			out += ev.DataString("word")
		}
		return out, nil
	})

	responses := responseEvents(
		map[string]any{"word": "fo"},
		map[string]any{"word": "o"},
	)
	res, err := rig.executor.Aggregate(responses, AggregateSpec{Method: AggregateCustom, Options: map[string]any{"reducer": "concat"}})
	require.NoError(t, err)
	assert.Equal(t, "foo", res)

	_, err = rig.executor.Aggregate(responses, AggregateSpec{Method: AggregateCustom, Options: map[string]any{"reducer": "unknown"}})
	assert.Error(t, err)
}

func TestAggregate_UnknownMethod(t *testing.T) {
	rig := newRig(t)
	_, err := rig.executor.Aggregate(nil, AggregateSpec{Method: "vibes"})
	assert.Error(t, err)
}
