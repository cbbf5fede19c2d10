package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/durapensa/ksi/core"
)

// Coordination sub-protocol kinds.
const (
	// CoordinateCheckpoint sends a named synchronization point to each
	// agent and awaits acknowledgment from all. A lightweight health and
	// readiness probe.
	CoordinateCheckpoint = "checkpoint"
	// CoordinateBarrier is a rendezvous: all named agents must reach the
	// point before any proceeds.
	CoordinateBarrier = "barrier"
	// CoordinateTurns imposes a round-robin speaking order for a bounded
	// number of rounds, one agent holding the turn at a time.
	CoordinateTurns = "turns"
)

// AckEventName is the event agents emit to acknowledge a coordination
// message. Its data must carry the coordination_id from the message and the
// responding agent_id.
const AckEventName = "coordinate:ack"

// CoordinateSpec is the argument block of the COORDINATE primitive.
type CoordinateSpec struct {
	Type    string
	Agents  []string
	Timeout time.Duration
	// Name labels a checkpoint/barrier in the message sent to agents.
	Name string
	// Rounds bounds the turns protocol. Zero means one round.
	Rounds int
	// TurnTimeout bounds each individual turn. Zero means Timeout.
	TurnTimeout time.Duration
	// FailOnTimeout converts a partial coordination into a
	// CoordinationTimeoutError instead of a TimedOut result.
	FailOnTimeout bool
}

// TurnRecord is one agent's slot in a turns transcript.
type TurnRecord struct {
	Round     int    `json:"round"`
	AgentID   string `json:"agent_id"`
	Responded bool   `json:"responded"`
}

// CoordinateResult reports which agents arrived and, for turns, the
// transcript of the rounds.
type CoordinateResult struct {
	Type        string
	Coordinated []string
	TimedOut    bool
	Turns       []TurnRecord
}

// Coordinate runs one of the three synchronization sub-protocols over the
// named agents. All suspensions are timeout-bounded and cancellable by run
// teardown.
func (ex *Executor) Coordinate(ctx context.Context, runID string, spec CoordinateSpec) (CoordinateResult, error) {
	start := time.Now()
	if _, ok := ex.Run(runID); !ok {
		return CoordinateResult{}, core.ErrRunNotFound
	}
	if len(spec.Agents) == 0 {
		return CoordinateResult{}, fmt.Errorf("coordinate requires at least one agent")
	}
	if spec.Timeout <= 0 {
		return CoordinateResult{}, fmt.Errorf("coordinate requires a positive timeout")
	}

	var (
		res CoordinateResult
		err error
	)
	switch spec.Type {
	case CoordinateCheckpoint, CoordinateBarrier:
		res, err = ex.rendezvous(ctx, runID, spec)
	case CoordinateTurns:
		res, err = ex.turns(ctx, runID, spec)
	default:
		err = fmt.Errorf("unknown coordination type %q", spec.Type)
	}
	ex.logPrimitive("coordinate", start, err)
	return res, err
}

// rendezvous implements checkpoint and barrier: both send a sync message to
// every agent and wait for all acknowledgments; the message type tells the
// agent whether it may proceed immediately (checkpoint) or must hold at the
// point (barrier).
func (ex *Executor) rendezvous(ctx context.Context, runID string, spec CoordinateSpec) (CoordinateResult, error) {
	cid := core.NewID()

	// The ack listener must exist before any sync message goes out: a
	// fast agent may acknowledge inside the routing call chain.
	entry := ex.registerAckListener(runID, cid, spec.Agents, len(spec.Agents))
	for _, id := range spec.Agents {
		// Undeliverable recipients simply never acknowledge; the
		// timeout accounts for them.
		ex.agents.Route(ctx, id, map[string]any{
			"type":            spec.Type,
			"name":            spec.Name,
			"coordination_id": cid,
		})
	}

	arrived, timedOut, err := ex.waitAcks(ctx, runID, cid, entry, spec.Timeout)
	if err != nil {
		return CoordinateResult{}, err
	}
	res := CoordinateResult{Type: spec.Type, Coordinated: arrived, TimedOut: timedOut}
	if timedOut && spec.FailOnTimeout {
		return res, &core.CoordinationTimeoutError{Kind: spec.Type, Missing: missingFrom(spec.Agents, arrived)}
	}
	return res, nil
}

// turns emits a "your turn" message to exactly one agent at a time,
// advancing on that agent's acknowledgment or the per-turn timeout.
func (ex *Executor) turns(ctx context.Context, runID string, spec CoordinateSpec) (CoordinateResult, error) {
	rounds := spec.Rounds
	if rounds <= 0 {
		rounds = 1
	}
	turnTimeout := spec.TurnTimeout
	if turnTimeout <= 0 {
		turnTimeout = spec.Timeout
	}

	res := CoordinateResult{Type: CoordinateTurns}
	responded := map[string]bool{}
	for round := 1; round <= rounds; round++ {
		for _, agentID := range spec.Agents {
			cid := core.NewID()
			entry := ex.registerAckListener(runID, cid, []string{agentID}, 1)
			delivered := ex.agents.Route(ctx, agentID, map[string]any{
				"type":            "turn",
				"round":           round,
				"coordination_id": cid,
			})
			record := TurnRecord{Round: round, AgentID: agentID}
			if delivered {
				arrived, _, err := ex.waitAcks(ctx, runID, cid, entry, turnTimeout)
				if err != nil {
					return res, err
				}
				record.Responded = len(arrived) == 1
			} else {
				ex.removeAwait(entry.id)
			}
			if record.Responded {
				responded[agentID] = true
			} else {
				res.TimedOut = true
			}
			res.Turns = append(res.Turns, record)
		}
	}
	for _, id := range spec.Agents {
		if responded[id] {
			res.Coordinated = append(res.Coordinated, id)
		}
	}
	if res.TimedOut && spec.FailOnTimeout {
		return res, &core.CoordinationTimeoutError{Kind: CoordinateTurns, Missing: missingFrom(spec.Agents, res.Coordinated)}
	}
	return res, nil
}

// registerAckListener installs an await entry collecting coordinate:ack
// events carrying cid from the allowed agents.
func (ex *Executor) registerAckListener(runID, cid string, agents []string, want int) *awaitEntry {
	entry := &awaitEntry{
		id:           core.NewID(),
		runID:        runID,
		pattern:      AckEventName,
		from:         map[string]bool{},
		filter:       func(ev core.Event) bool { return ev.DataString("coordination_id") == cid },
		minResponses: want,
		maxResponses: want,
		responders:   map[string]bool{},
		done:         make(chan []core.Event, 1),
	}
	for _, id := range agents {
		entry.from[id] = true
	}
	ex.awaitMu.Lock()
	ex.awaits[entry.id] = entry
	ex.awaitMu.Unlock()
	return entry
}

// waitAcks suspends until the listener fills, the deadline elapses, or the
// run is torn down. Returns responder ids in arrival order and whether the
// deadline won. Run teardown surfaces as ErrCancelled.
func (ex *Executor) waitAcks(ctx context.Context, runID, cid string, entry *awaitEntry, timeout time.Duration) ([]string, bool, error) {
	run, ok := ex.Run(runID)
	if !ok {
		ex.removeAwait(entry.id)
		return nil, false, core.ErrRunNotFound
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var events []core.Event
	timedOut := false
	select {
	case events = <-entry.done:
		ex.removeAwait(entry.id)
	case <-timer.C:
		events = ex.takeAwait(entry)
		timedOut = true
	case <-run.Context().Done():
		ex.removeAwait(entry.id)
		return nil, false, fmt.Errorf("coordination %s: %w", cid, core.ErrCancelled)
	case <-ctx.Done():
		ex.removeAwait(entry.id)
		return nil, false, ctx.Err()
	}

	arrived := make([]string, 0, len(events))
	for _, ev := range events {
		arrived = append(arrived, responderOf(ev))
	}
	return arrived, timedOut, nil
}

func missingFrom(all, present []string) []string {
	seen := map[string]bool{}
	for _, id := range present {
		seen[id] = true
	}
	var missing []string
	for _, id := range all {
		if !seen[id] {
			missing = append(missing, id)
		}
	}
	return missing
}
