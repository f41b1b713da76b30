package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"orchestrator/services/catalog"
)

// Repository is the durable store of saved and published workflows.
// Get returns nil, nil when the id is absent.
type Repository interface {
	Upsert(ctx context.Context, wf *Workflow) error
	Get(ctx context.Context, id string) (*Workflow, error)
	List(ctx context.Context) ([]Workflow, error)
}

// MemoryRepository keeps workflows in insertion order in process memory.
type MemoryRepository struct {
	mu      sync.RWMutex
	records []*Workflow
}

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

// Upsert stores a copy of wf, replacing any record with the same id.
func (r *MemoryRepository) Upsert(_ context.Context, wf *Workflow) error {
	if wf == nil || wf.ID == "" {
		return errMissing("id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := wf.Clone()
	for i := range r.records {
		if r.records[i].ID == wf.ID {
			r.records[i] = rec
			return nil
		}
	}
	r.records = append(r.records, rec)
	return nil
}

// Get returns a copy of the workflow with the given id.
func (r *MemoryRepository) Get(_ context.Context, id string) (*Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rec := range r.records {
		if rec.ID == id {
			return rec.Clone(), nil
		}
	}
	return nil, nil
}

// List returns copies of every stored workflow.
func (r *MemoryRepository) List(_ context.Context) ([]Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Workflow, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec.Clone())
	}
	return out, nil
}

const sampleWorkflowID = "550e8400-e29b-41d4-a716-446655440000"

// Seed inserts the sample solar lead workflow if it does not already exist.
func Seed(ctx context.Context, repo Repository, cat *catalog.Catalog) error {
	existing, err := repo.Get(ctx, sampleWorkflowID)
	if err != nil {
		return fmt.Errorf("check seed workflow: %w", err)
	}
	if existing != nil {
		return nil
	}
	wf := SampleWorkflow(cat, time.Now().UTC())
	if err := repo.Upsert(ctx, wf); err != nil {
		return fmt.Errorf("seed workflow: %w", err)
	}
	return nil
}

// SampleWorkflow builds the demo "Solar Lead Qualifier" workflow.
func SampleWorkflow(cat *catalog.Catalog, now time.Time) *Workflow {
	wf := &Workflow{
		ID:          sampleWorkflowID,
		Name:        "Solar Lead Qualifier",
		Description: "Score a WhatsApp lead, read their TNB bill and project NEM savings.",
		Category:    catalog.CategorySolar,
		Status:      StatusDraft,
		Visibility:  VisibilityPrivate,
		CreatedAt:   now,
		UpdatedAt:   now,
		Nodes: []Node{
			{
				ID: "lead", TaskID: "general-lead-scorer",
				Position: Position{X: 80, Y: 200},
				Params:   map[string]ParamValue{"lead_source": StringParam("whatsapp")},
				Status:   NodeIdle,
			},
			{
				ID: "bill", TaskID: "solar-bill-analyzer",
				Position: Position{X: 380, Y: 200},
				Params: map[string]ParamValue{"bill": FileParam(FileRef{
					Name: "tnb-bill.pdf", URI: "uploads/tnb-bill.pdf", MimeType: "application/pdf",
				})},
				Status: NodeIdle,
			},
			{
				ID: "savings", TaskID: "solar-savings-projector",
				Position: Position{X: 680, Y: 200},
				Params:   map[string]ParamValue{"capacity_kwp": NumberParam(8.2)},
				Status:   NodeIdle,
			},
		},
		Connections: []Connection{
			{ID: "c1", Source: "lead", SourceHandle: "tier", Target: "bill", TargetHandle: "bill"},
			{ID: "c2", Source: "bill", SourceHandle: "monthly_kwh", Target: "savings", TargetHandle: "monthly_kwh"},
		},
	}
	b := CalculateCostBreakdown(cat, wf.Nodes)
	wf.TotalCost = b.Subtotal
	wf.EstimatedRevenue = b.DesignerCut
	return wf
}
