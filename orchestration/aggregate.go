package orchestration

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/durapensa/ksi/core"
)

// Aggregation methods.
const (
	// AggregateStatistical reduces numeric response fields to mean,
	// median, percentile, sum or count, optionally grouped.
	AggregateStatistical = "statistical"
	// AggregateConsensus runs weighted voting with an agreement
	// threshold, returning the winning value and a confidence.
	AggregateConsensus = "consensus"
	// AggregateCustom dispatches to a reducer registered with
	// RegisterReducer.
	AggregateCustom = "custom"
)

// AggregateSpec is the argument block of the AGGREGATE primitive.
type AggregateSpec struct {
	Method  string
	Options map[string]any
}

// ConsensusResult is the outcome of consensus aggregation.
type ConsensusResult struct {
	Decision   string             `json:"decision"`
	Confidence float64            `json:"confidence"`
	Reached    bool               `json:"reached"`
	Votes      map[string]float64 `json:"votes"`
}

// Aggregate reduces a collected response set to a summary. It is a pure
// function: inputs are never mutated and identical inputs with identical
// options produce identical results.
func (ex *Executor) Aggregate(responses []core.Event, spec AggregateSpec) (any, error) {
	switch spec.Method {
	case AggregateStatistical:
		return aggregateStatistical(responses, spec.Options)
	case AggregateConsensus:
		return aggregateConsensus(responses, spec.Options)
	case AggregateCustom:
		name, _ := spec.Options["reducer"].(string)
		if name == "" {
			return nil, fmt.Errorf("custom aggregation requires a reducer name")
		}
		fn, ok := ex.reducer(name)
		if !ok {
			return nil, fmt.Errorf("no reducer registered under %q", name)
		}
		return fn(responses, spec.Options)
	default:
		return nil, fmt.Errorf("unknown aggregation method %q", spec.Method)
	}
}

// aggregateStatistical computes the configured metric over a numeric field,
// optionally grouped by a key field. Without an explicit "field" option the
// first numeric field (other than the group key) found in the responses is
// used. Grouped results come back as map[group]value; ungrouped as a single
// float64 (or int for count).
func aggregateStatistical(responses []core.Event, options map[string]any) (any, error) {
	metric, _ := options["metric"].(string)
	if metric == "" {
		metric = "mean"
	}
	groupBy, _ := options["group_by"].(string)
	field, _ := options["field"].(string)
	if field == "" {
		field = detectNumericField(responses, groupBy)
		if field == "" && metric != "count" {
			return nil, fmt.Errorf("statistical aggregation found no numeric field in responses")
		}
	}

	groups := map[string][]float64{}
	for _, ev := range responses {
		key := ""
		if groupBy != "" {
			key = fmt.Sprint(ev.Data[groupBy])
		}
		if metric == "count" && field == "" {
			groups[key] = append(groups[key], 0)
			continue
		}
		v, ok := numericValue(ev.Data[field])
		if !ok {
			continue
		}
		groups[key] = append(groups[key], v)
	}

	result := map[string]any{}
	for key, values := range groups {
		v, err := computeMetric(metric, values)
		if err != nil {
			return nil, err
		}
		result[key] = v
	}
	if groupBy == "" {
		if v, ok := result[""]; ok {
			return v, nil
		}
		if metric == "count" {
			return 0, nil
		}
		return nil, fmt.Errorf("statistical aggregation over empty response set")
	}
	return result, nil
}

func computeMetric(metric string, values []float64) (any, error) {
	if metric == "count" {
		return len(values), nil
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("metric %q over empty value set", metric)
	}
	switch {
	case metric == "mean":
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values)), nil
	case metric == "sum":
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		return sum, nil
	case metric == "min":
		m := values[0]
		for _, v := range values[1:] {
			m = math.Min(m, v)
		}
		return m, nil
	case metric == "max":
		m := values[0]
		for _, v := range values[1:] {
			m = math.Max(m, v)
		}
		return m, nil
	case metric == "median":
		return percentile(values, 50), nil
	case strings.HasPrefix(metric, "p"):
		p, err := strconv.Atoi(metric[1:])
		if err != nil || p < 0 || p > 100 {
			return nil, fmt.Errorf("bad percentile metric %q", metric)
		}
		return percentile(values, float64(p)), nil
	default:
		return nil, fmt.Errorf("unknown statistical metric %q", metric)
	}
}

// percentile uses nearest-rank on a sorted copy.
func percentile(values []float64, p float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if p <= 0 {
		return sorted[0]
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

// aggregateConsensus tallies weighted votes over a string field (default
// "vote"). Options: "field", "threshold" (agreement fraction, default 0.5),
// "weights" (responder id -> weight, default 1).
func aggregateConsensus(responses []core.Event, options map[string]any) (ConsensusResult, error) {
	field, _ := options["field"].(string)
	if field == "" {
		field = "vote"
	}
	threshold := 0.5
	if t, ok := numericValue(options["threshold"]); ok {
		threshold = t
	}
	weights := map[string]float64{}
	if w, ok := options["weights"].(map[string]any); ok {
		for id, v := range w {
			if f, ok := numericValue(v); ok {
				weights[id] = f
			}
		}
	}

	votes := map[string]float64{}
	total := 0.0
	for _, ev := range responses {
		choice, ok := ev.Data[field].(string)
		if !ok || choice == "" {
			continue
		}
		weight := 1.0
		if w, ok := weights[responderOf(ev)]; ok {
			weight = w
		}
		votes[choice] += weight
		total += weight
	}
	if total == 0 {
		return ConsensusResult{}, fmt.Errorf("consensus aggregation found no votes in field %q", field)
	}

	best := ""
	for choice, w := range votes {
		if best == "" || w > votes[best] || (w == votes[best] && choice < best) {
			best = choice
		}
	}
	confidence := votes[best] / total
	return ConsensusResult{
		Decision:   best,
		Confidence: confidence,
		Reached:    confidence >= threshold,
		Votes:      votes,
	}, nil
}

// detectNumericField returns the first numeric field name (sorted for
// determinism) present in the responses, skipping the group key.
func detectNumericField(responses []core.Event, groupBy string) string {
	candidates := map[string]bool{}
	for _, ev := range responses {
		for k, v := range ev.Data {
			if k == groupBy {
				continue
			}
			if _, ok := numericValue(v); ok {
				candidates[k] = true
			}
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	keys := make([]string, 0, len(candidates))
	for k := range candidates {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys[0]
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
