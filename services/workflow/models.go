package workflow

import (
	"time"

	"orchestrator/services/catalog"
)

// Status is the governance lifecycle state of a workflow.
type Status string

const (
	StatusDraft       Status = "draft"
	StatusTested      Status = "tested"
	StatusScored      Status = "scored"
	StatusUnderReview Status = "under_review"
	StatusSandbox     Status = "sandbox"
	StatusVerified    Status = "verified"
	StatusCertified   Status = "certified"
	StatusPromoted    Status = "promoted"
	StatusRejected    Status = "rejected"
	StatusArchived    Status = "archived"
)

// Visibility controls who can discover a published workflow.
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityPrivate  Visibility = "private"
	VisibilityUnlisted Visibility = "unlisted"
)

// Valid reports whether v is a known visibility.
func (v Visibility) Valid() bool {
	return v == VisibilityPublic || v == VisibilityPrivate || v == VisibilityUnlisted
}

// NodeStatus is the run state of a node on the canvas.
type NodeStatus string

const (
	NodeIdle      NodeStatus = "idle"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeError     NodeStatus = "error"
)

// Valid reports whether s is a known node status.
func (s NodeStatus) Valid() bool {
	switch s {
	case NodeIdle, NodeRunning, NodeCompleted, NodeError:
		return true
	default:
		return false
	}
}

// Workflow is a graph of task nodes plus its governance and usage metadata.
type Workflow struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Description      string           `json:"description"`
	Category         catalog.Category `json:"category"`
	Nodes            []Node           `json:"nodes"`
	Connections      []Connection     `json:"connections"`
	Status           Status           `json:"status"`
	Visibility       Visibility       `json:"visibility"`
	TotalCost        float64          `json:"totalCost"`
	EstimatedRevenue float64          `json:"estimatedRevenue"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
	ProofHash        string           `json:"proofHash,omitempty"`
	ProposalID       string           `json:"proposalId,omitempty"`
	IsApproved       bool             `json:"isApproved"`
	ApprovedAt       *time.Time       `json:"approvedAt,omitempty"`
	ApprovedBy       string           `json:"approvedBy,omitempty"`
	Stats            *UsageStats      `json:"stats,omitempty"`
}

// Node is a task instance placed on the canvas.
type Node struct {
	ID       string                `json:"id"`
	TaskID   string                `json:"taskId"`
	Position Position              `json:"position"`
	Params   map[string]ParamValue `json:"params,omitempty"`
	Status   NodeStatus            `json:"status"`
	Result   map[string]any        `json:"result,omitempty"`
	Error    string                `json:"error,omitempty"`
}

// Position holds x/y coordinates for rendering the node on the canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Connection is a directed edge from one node's output handle to another node's input handle.
type Connection struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	Target       string `json:"target"`
	TargetHandle string `json:"targetHandle,omitempty"`
}

// UsageStats summarises production runs of a published workflow.
type UsageStats struct {
	Runs        int        `json:"runs"`
	SuccessRate float64    `json:"successRate"`
	Revenue     float64    `json:"revenue"`
	LastRun     *time.Time `json:"lastRun,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate repository or session state.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	out := *w
	out.Nodes = make([]Node, len(w.Nodes))
	for i, n := range w.Nodes {
		out.Nodes[i] = n.clone()
	}
	out.Connections = append([]Connection(nil), w.Connections...)
	if out.Connections == nil {
		out.Connections = []Connection{}
	}
	if w.ApprovedAt != nil {
		t := *w.ApprovedAt
		out.ApprovedAt = &t
	}
	if w.Stats != nil {
		s := *w.Stats
		if w.Stats.LastRun != nil {
			t := *w.Stats.LastRun
			s.LastRun = &t
		}
		out.Stats = &s
	}
	return &out
}

func (n Node) clone() Node {
	out := n
	if n.Params != nil {
		out.Params = make(map[string]ParamValue, len(n.Params))
		for k, v := range n.Params {
			out.Params[k] = v.clone()
		}
	}
	if n.Result != nil {
		out.Result = make(map[string]any, len(n.Result))
		for k, v := range n.Result {
			out.Result[k] = v
		}
	}
	return out
}

func (w *Workflow) nodeIndex(id string) int {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return i
		}
	}
	return -1
}

func (w *Workflow) hasNode(id string) bool {
	return w.nodeIndex(id) >= 0
}
