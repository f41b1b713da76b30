package workflow

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"orchestrator/services/catalog"
)

// ExecutionOrder selects how the simulator sequences nodes.
type ExecutionOrder string

const (
	// OrderList runs nodes in the order they were added, ignoring connections.
	OrderList ExecutionOrder = "list"
	// OrderTopological runs nodes in dependency order and rejects cycles.
	OrderTopological ExecutionOrder = "topological"
)

// Valid reports whether o is a known execution order.
func (o ExecutionOrder) Valid() bool {
	return o == OrderList || o == OrderTopological
}

// StepStatus is the state of one step in a simulation trace.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepPass    StepStatus = "pass"
	StepFail    StepStatus = "fail"
)

const notApprovedReason = "workflow has not been approved for execution"

// SimulationStep is the trace entry for one node.
type SimulationStep struct {
	StepNumber int            `json:"stepNumber"`
	NodeID     string         `json:"nodeId"`
	TaskID     string         `json:"taskId"`
	TaskName   string         `json:"taskName"`
	Status     StepStatus     `json:"status"`
	Input      map[string]any `json:"input,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	MockTime   float64        `json:"mockTime"`
	MockCost   float64        `json:"mockCost"`
	Error      string         `json:"error,omitempty"`
}

// SimulationResult is the trace and aggregate figures of a simulation run.
type SimulationResult struct {
	ExecutionID          string           `json:"executionId,omitempty"`
	Steps                []SimulationStep `json:"steps"`
	TotalSteps           int              `json:"totalSteps"`
	PassedSteps          int              `json:"passedSteps"`
	TotalMockTime        float64          `json:"totalMockTime"`
	TotalMockCost        float64          `json:"totalMockCost"`
	EstimatedSuccessRate int              `json:"estimatedSuccessRate"`
	Blocked              bool             `json:"blocked,omitempty"`
	BlockedReason        string           `json:"blockedReason,omitempty"`
	StartedAt            time.Time        `json:"startedAt"`
	FinishedAt           time.Time        `json:"finishedAt"`
}

func (r *SimulationResult) clone() *SimulationResult {
	if r == nil {
		return nil
	}
	c := *r
	c.Steps = slices.Clone(r.Steps)
	for i := range c.Steps {
		c.Steps[i].Input = maps.Clone(r.Steps[i].Input)
		c.Steps[i].Output = maps.Clone(r.Steps[i].Output)
	}
	return &c
}

// StatusSink receives node status changes while a run progresses. Returning an
// error aborts the run at that step.
type StatusSink interface {
	NodeStarted(nodeID string) error
	NodeFinished(nodeID string, status NodeStatus, output map[string]any, errMsg string) error
}

// Simulator walks a workflow's nodes, dispatching each one and collecting a trace.
type Simulator struct {
	catalog    *catalog.Catalog
	dispatcher Dispatcher
	order      ExecutionOrder
	metrics    *Metrics
	now        func() time.Time
}

// NewSimulator creates a Simulator. metrics may be nil.
func NewSimulator(cat *catalog.Catalog, dispatcher Dispatcher, order ExecutionOrder, metrics *Metrics) *Simulator {
	if !order.Valid() {
		order = OrderList
	}
	return &Simulator{
		catalog:    cat,
		dispatcher: dispatcher,
		order:      order,
		metrics:    metrics,
		now:        time.Now,
	}
}

// Order returns the configured execution order.
func (s *Simulator) Order() ExecutionOrder {
	return s.order
}

// Run simulates wf. An unapproved workflow yields a blocked, empty result and no error.
// If ctx is canceled or the sink refuses a step, the partial result is returned together
// with ErrSimulationCanceled.
func (s *Simulator) Run(ctx context.Context, wf *Workflow, sink StatusSink) (*SimulationResult, error) {
	started := s.now().UTC()
	if !wf.IsApproved {
		s.metrics.runFinished("blocked")
		return &SimulationResult{
			Steps:         []SimulationStep{},
			Blocked:       true,
			BlockedReason: notApprovedReason,
			StartedAt:     started,
			FinishedAt:    started,
		}, nil
	}

	plan, err := ExecutionPlan(wf.Nodes, wf.Connections, s.order)
	if err != nil {
		s.metrics.runFinished("rejected")
		return nil, err
	}

	result := &SimulationResult{
		ExecutionID: uuid.New().String(),
		Steps:       make([]SimulationStep, len(plan)),
		TotalSteps:  len(plan),
		StartedAt:   started,
	}
	for i, n := range plan {
		result.Steps[i] = SimulationStep{StepNumber: i + 1, NodeID: n.ID, TaskID: n.TaskID, Status: StepPending}
	}

	for i, node := range plan {
		if err := ctx.Err(); err != nil {
			return s.abort(result, err)
		}
		if err := sink.NodeStarted(node.ID); err != nil {
			return s.abort(result, err)
		}

		step := &result.Steps[i]
		step.Status = StepRunning
		stepStart := time.Now()

		task, ok := s.catalog.Get(node.TaskID)
		var outcome StepOutcome
		if !ok {
			outcome = StepOutcome{Error: fmt.Sprintf("%s: %s", ErrUnknownTask, node.TaskID)}
		} else {
			step.TaskName = task.Name
			step.Input = mockInput(node, task)
			outcome, err = s.dispatcher.Dispatch(ctx, node, task)
			if err != nil {
				if ctx.Err() != nil {
					step.Status = StepPending
					return s.abort(result, ctx.Err())
				}
				outcome = StepOutcome{Error: fmt.Sprintf("dispatch failed: %v", err)}
			}
			step.MockTime = task.Duration.Mid()
			step.MockCost = task.AvgCost
		}

		nodeStatus := NodeError
		if outcome.Passed {
			step.Status = StepPass
			step.Output = outcome.Output
			nodeStatus = NodeCompleted
			result.PassedSteps++
		} else {
			step.Status = StepFail
			step.Error = outcome.Error
		}
		result.TotalMockTime += step.MockTime
		result.TotalMockCost += step.MockCost
		s.metrics.stepFinished(string(step.Status), time.Since(stepStart))

		if err := sink.NodeFinished(node.ID, nodeStatus, outcome.Output, outcome.Error); err != nil {
			return s.abort(result, err)
		}
	}

	result.EstimatedSuccessRate = EstimatedSuccessRate(s.catalog, wf.Nodes)
	result.FinishedAt = s.now().UTC()
	s.metrics.runFinished("completed")
	return result, nil
}

func (s *Simulator) abort(result *SimulationResult, cause error) (*SimulationResult, error) {
	result.FinishedAt = s.now().UTC()
	s.metrics.runFinished("canceled")
	return result, fmt.Errorf("%w: %v", ErrSimulationCanceled, cause)
}

// ExecutionPlan returns nodes in the order they will be simulated. Topological order
// breaks ties by list position and fails with ErrCycle when no order exists.
func ExecutionPlan(nodes []Node, connections []Connection, order ExecutionOrder) ([]Node, error) {
	if order != OrderTopological {
		return append([]Node(nil), nodes...), nil
	}

	indegree := make(map[string]int, len(nodes))
	outgoing := make(map[string][]string, len(nodes))
	for _, c := range connections {
		outgoing[c.Source] = append(outgoing[c.Source], c.Target)
		indegree[c.Target]++
	}

	plan := make([]Node, 0, len(nodes))
	placed := make(map[string]bool, len(nodes))
	for len(plan) < len(nodes) {
		progressed := false
		for _, n := range nodes {
			if placed[n.ID] || indegree[n.ID] > 0 {
				continue
			}
			plan = append(plan, n)
			placed[n.ID] = true
			for _, t := range outgoing[n.ID] {
				indegree[t]--
			}
			progressed = true
			break
		}
		if !progressed {
			return nil, ErrCycle
		}
	}
	return plan, nil
}
