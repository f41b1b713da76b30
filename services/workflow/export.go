package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"orchestrator/services/catalog"
)

// ExportFormatVersion is written into every export document and is the only version accepted on import.
const ExportFormatVersion = "1.0"

// ExportDocument is the portable serialisation of a workflow.
type ExportDocument struct {
	FormatVersion string         `json:"formatVersion"`
	ExportedAt    time.Time      `json:"exportedAt"`
	Workflow      ExportMetadata `json:"workflow"`
	Nodes         []ExportNode   `json:"nodes"`
	Connections   []Connection   `json:"connections"`
}

// ExportMetadata carries everything about a workflow except its graph.
type ExportMetadata struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Description      string           `json:"description"`
	Category         catalog.Category `json:"category"`
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
}

// ExportNode is a node without its transient run result.
type ExportNode struct {
	ID       string                `json:"id"`
	TaskID   string                `json:"taskId"`
	Position Position              `json:"position"`
	Params   map[string]ParamValue `json:"params,omitempty"`
	Status   NodeStatus            `json:"status"`
}

// EncodeExport renders wf as an indented export document stamped with at.
func EncodeExport(wf *Workflow, at time.Time) ([]byte, error) {
	doc := ExportDocument{
		FormatVersion: ExportFormatVersion,
		ExportedAt:    at.UTC(),
		Workflow: ExportMetadata{
			ID:               wf.ID,
			Name:             wf.Name,
			Description:      wf.Description,
			Category:         wf.Category,
			Status:           wf.Status,
			Visibility:       wf.Visibility,
			TotalCost:        wf.TotalCost,
			EstimatedRevenue: wf.EstimatedRevenue,
			CreatedAt:        wf.CreatedAt,
			UpdatedAt:        wf.UpdatedAt,
			ProofHash:        wf.ProofHash,
			ProposalID:       wf.ProposalID,
			IsApproved:       wf.IsApproved,
			ApprovedAt:       wf.ApprovedAt,
			ApprovedBy:       wf.ApprovedBy,
		},
		Nodes:       make([]ExportNode, 0, len(wf.Nodes)),
		Connections: append([]Connection{}, wf.Connections...),
	}
	for _, n := range wf.Nodes {
		n = n.clone()
		doc.Nodes = append(doc.Nodes, ExportNode{
			ID:       n.ID,
			TaskID:   n.TaskID,
			Position: n.Position,
			Params:   n.Params,
			Status:   n.Status,
		})
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode export: %w", err)
	}
	return data, nil
}

// DecodeExport parses an export document and rebuilds the workflow it describes.
// Documents referencing unknown tasks or containing dangling connections are rejected.
func DecodeExport(data []byte, cat *catalog.Catalog) (*Workflow, error) {
	var doc ExportDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode export: %w: %w", errInvalid("document"), err)
	}
	if doc.FormatVersion != ExportFormatVersion {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, doc.FormatVersion)
	}

	meta := doc.Workflow
	if meta.ID == "" {
		return nil, errMissing("workflow.id")
	}
	if meta.Status == "" {
		meta.Status = StatusDraft
	}
	if !meta.Status.Valid() {
		return nil, errInvalid("workflow.status")
	}
	if meta.Visibility == "" {
		meta.Visibility = VisibilityPrivate
	}
	if !meta.Visibility.Valid() {
		return nil, errInvalid("workflow.visibility")
	}
	if meta.Category == "" {
		meta.Category = catalog.CategoryGeneral
	}
	if !meta.Category.Valid() {
		return nil, errInvalid("workflow.category")
	}

	wf := &Workflow{
		ID:               meta.ID,
		Name:             meta.Name,
		Description:      meta.Description,
		Category:         meta.Category,
		Status:           meta.Status,
		Visibility:       meta.Visibility,
		TotalCost:        meta.TotalCost,
		EstimatedRevenue: meta.EstimatedRevenue,
		CreatedAt:        meta.CreatedAt,
		UpdatedAt:        meta.UpdatedAt,
		ProofHash:        meta.ProofHash,
		ProposalID:       meta.ProposalID,
		IsApproved:       meta.IsApproved,
		ApprovedAt:       meta.ApprovedAt,
		ApprovedBy:       meta.ApprovedBy,
		Nodes:            make([]Node, 0, len(doc.Nodes)),
		Connections:      make([]Connection, 0, len(doc.Connections)),
	}

	seen := make(map[string]bool, len(doc.Nodes))
	for _, n := range doc.Nodes {
		if n.ID == "" {
			return nil, errMissing("nodes.id")
		}
		if seen[n.ID] {
			return nil, fmt.Errorf("duplicate node %q: %w", n.ID, errInvalid("nodes.id"))
		}
		if _, ok := cat.Get(n.TaskID); !ok {
			return nil, fmt.Errorf("node %q: %w: %s", n.ID, ErrUnknownTask, n.TaskID)
		}
		seen[n.ID] = true
		status := n.Status
		if status == "" {
			status = NodeIdle
		}
		if !status.Valid() {
			return nil, fmt.Errorf("node %q: %w", n.ID, errInvalid("nodes.status"))
		}
		params := n.Params
		if params == nil {
			params = map[string]ParamValue{}
		}
		wf.Nodes = append(wf.Nodes, Node{
			ID:       n.ID,
			TaskID:   n.TaskID,
			Position: n.Position,
			Params:   params,
			Status:   status,
		})
	}
	for _, c := range doc.Connections {
		if !seen[c.Source] || !seen[c.Target] {
			return nil, fmt.Errorf("connection %q: %w", c.ID, ErrDanglingConnection)
		}
		wf.Connections = append(wf.Connections, c)
	}
	return wf, nil
}
