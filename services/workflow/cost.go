package workflow

import (
	"math"

	"orchestrator/services/catalog"
)

// Revenue split ratios applied to every cost subtotal. They sum to 1.0.
const (
	ExecutionShare = 0.50
	PlatformShare  = 0.30
	DesignerShare  = 0.20
)

// TaskCost is the cost contribution of a single node.
type TaskCost struct {
	NodeID   string  `json:"nodeId"`
	TaskID   string  `json:"taskId"`
	TaskName string  `json:"taskName"`
	Cost     float64 `json:"cost"`
}

// CostBreakdown is the derived per-run cost of a workflow and how it is shared.
// Values are unrounded; use RoundCurrency for display.
type CostBreakdown struct {
	Tasks         []TaskCost `json:"tasks"`
	Subtotal      float64    `json:"subtotal"`
	ExecutionCost float64    `json:"executionCost"`
	PlatformFee   float64    `json:"platformFee"`
	DesignerCut   float64    `json:"designerCut"`
}

// CalculateCostBreakdown sums the average cost of every node's task and splits the subtotal.
// Nodes whose task is unknown contribute zero.
func CalculateCostBreakdown(cat *catalog.Catalog, nodes []Node) CostBreakdown {
	b := CostBreakdown{Tasks: make([]TaskCost, 0, len(nodes))}
	for _, n := range nodes {
		tc := TaskCost{NodeID: n.ID, TaskID: n.TaskID}
		if task, ok := cat.Get(n.TaskID); ok {
			tc.TaskName = task.Name
			tc.Cost = task.AvgCost
		}
		b.Subtotal += tc.Cost
		b.Tasks = append(b.Tasks, tc)
	}
	b.ExecutionCost = b.Subtotal * ExecutionShare
	b.PlatformFee = b.Subtotal * PlatformShare
	b.DesignerCut = b.Subtotal * DesignerShare
	return b
}

// CombinedSuccessRate multiplies the success fractions of every node's task and
// returns the result as an unrounded percentage. Unknown tasks are skipped; a graph
// with no known task yields 0.
func CombinedSuccessRate(cat *catalog.Catalog, nodes []Node) float64 {
	combined := 1.0
	known := 0
	for _, n := range nodes {
		task, ok := cat.Get(n.TaskID)
		if !ok {
			continue
		}
		combined *= task.SuccessRate / 100
		known++
	}
	if known == 0 {
		return 0
	}
	return combined * 100
}

// EstimatedSuccessRate is CombinedSuccessRate rounded to the nearest whole percent.
func EstimatedSuccessRate(cat *catalog.Catalog, nodes []Node) int {
	return int(math.Round(CombinedSuccessRate(cat, nodes)))
}

// RoundCurrency rounds a monetary value to 2 decimal places for display.
func RoundCurrency(v float64) float64 {
	return math.Round(v*100) / 100
}
