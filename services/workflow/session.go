package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"orchestrator/services/catalog"
)

// SessionConfig wires a Session's collaborators. Catalog, Repo and Simulator are required.
type SessionConfig struct {
	Catalog     *catalog.Catalog
	Repo        Repository
	Simulator   *Simulator
	CostCeiling float64
	Metrics     *Metrics
	Now         func() time.Time
	NewID       func() string
	Logger      *slog.Logger
}

// Session is the single editing context: it owns the current workflow, the node
// selection, the cost-warning acknowledgement and the in-flight simulation.
// All methods are safe for concurrent use; each mutation is applied atomically.
type Session struct {
	mu sync.Mutex

	catalog *catalog.Catalog
	repo    Repository
	sim     *Simulator
	ceiling float64
	metrics *Metrics
	now     func() time.Time
	newID   func() string
	log     *slog.Logger

	current    *Workflow
	selectedID string
	costAcked  bool
	running    bool
	cancelRun  context.CancelFunc
	lastResult *SimulationResult
}

// NewSession creates a Session with no current workflow.
func NewSession(cfg SessionConfig) *Session {
	s := &Session{
		catalog: cfg.Catalog,
		repo:    cfg.Repo,
		sim:     cfg.Simulator,
		ceiling: cfg.CostCeiling,
		metrics: cfg.Metrics,
		now:     cfg.Now,
		newID:   cfg.NewID,
		log:     cfg.Logger,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// WorkflowDetails is a partial update of a workflow's descriptive fields. Nil fields are left unchanged.
type WorkflowDetails struct {
	Name        *string           `json:"name,omitempty"`
	Description *string           `json:"description,omitempty"`
	Category    *catalog.Category `json:"category,omitempty"`
	Visibility  *Visibility       `json:"visibility,omitempty"`
}

// PublishRequest carries the designer's acknowledgements for a publish.
type PublishRequest struct {
	Declarations PublishDeclarations `json:"declarations"`
	Visibility   Visibility          `json:"visibility,omitempty"`
}

// PublishResult reports either a blocked publish or the persisted workflow.
type PublishResult struct {
	Blocked  bool      `json:"blocked"`
	Reason   string    `json:"reason,omitempty"`
	Workflow *Workflow `json:"workflow,omitempty"`
}

// editable returns the current workflow when a mutation is allowed. Callers must hold mu.
func (s *Session) editable() (*Workflow, error) {
	if s.running {
		return nil, ErrSimulationInFlight
	}
	if s.current == nil {
		return nil, ErrNoWorkflow
	}
	return s.current, nil
}

// replace installs wf as the current workflow and clears per-workflow session state. Callers must hold mu.
func (s *Session) replace(wf *Workflow) {
	s.current = wf
	s.selectedID = ""
	s.costAcked = false
	s.lastResult = nil
}

func (s *Session) touch(wf *Workflow) {
	wf.UpdatedAt = s.now().UTC()
}

// Current returns a copy of the workflow being edited, or nil.
func (s *Session) Current() *Workflow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Clone()
}

// NewWorkflow discards the current edit state and starts an empty draft.
func (s *Session) NewWorkflow(name, description string, category catalog.Category) (*Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil, ErrSimulationInFlight
	}
	if category == "" {
		category = catalog.CategoryGeneral
	}
	if !category.Valid() {
		return nil, errInvalid("category")
	}
	now := s.now().UTC()
	s.replace(&Workflow{
		ID:          s.newID(),
		Name:        name,
		Description: description,
		Category:    category,
		Nodes:       []Node{},
		Connections: []Connection{},
		Status:      StatusDraft,
		Visibility:  VisibilityPrivate,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	s.log.Debug("Workflow created", "id", s.current.ID)
	return s.current.Clone(), nil
}

// LoadWorkflow replaces the edit state with the saved workflow id. It reports false,
// leaving the session untouched, when no such workflow exists.
func (s *Session) LoadWorkflow(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false, ErrSimulationInFlight
	}
	wf, err := s.repo.Get(ctx, id)
	if err != nil {
		return false, fmt.Errorf("load workflow: %w", err)
	}
	if wf == nil {
		return false, nil
	}
	s.replace(wf.Clone())
	return true, nil
}

// UpdateDetails applies a partial update to name, description, category or visibility.
func (s *Session) UpdateDetails(d WorkflowDetails) (*Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, err := s.editable()
	if err != nil {
		return nil, err
	}
	if d.Category != nil && !d.Category.Valid() {
		return nil, errInvalid("category")
	}
	if d.Visibility != nil && !d.Visibility.Valid() {
		return nil, errInvalid("visibility")
	}
	if d.Name != nil {
		wf.Name = *d.Name
	}
	if d.Description != nil {
		wf.Description = *d.Description
	}
	if d.Category != nil {
		wf.Category = *d.Category
	}
	if d.Visibility != nil {
		wf.Visibility = *d.Visibility
	}
	s.touch(wf)
	return wf.Clone(), nil
}

// AddNode places a new idle node for taskID. Unknown tasks are rejected with ErrUnknownTask.
func (s *Session) AddNode(taskID string, pos Position) (Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, err := s.editable()
	if err != nil {
		return Node{}, err
	}
	if _, ok := s.catalog.Get(taskID); !ok {
		return Node{}, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	n := Node{
		ID:       s.newID(),
		TaskID:   taskID,
		Position: pos,
		Params:   map[string]ParamValue{},
		Status:   NodeIdle,
	}
	wf.Nodes = append(wf.Nodes, n)
	s.touch(wf)
	return n.clone(), nil
}

// RemoveNode deletes a node together with every connection touching it.
func (s *Session) RemoveNode(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, err := s.editable()
	if err != nil {
		return err
	}
	i := wf.nodeIndex(id)
	if i < 0 {
		return ErrNodeNotFound
	}
	wf.Nodes = append(wf.Nodes[:i], wf.Nodes[i+1:]...)

	kept := wf.Connections[:0]
	for _, c := range wf.Connections {
		if c.Source != id && c.Target != id {
			kept = append(kept, c)
		}
	}
	wf.Connections = kept

	if s.selectedID == id {
		s.selectedID = ""
	}
	s.touch(wf)
	return nil
}

// UpdateNodePosition moves a node on the canvas.
func (s *Session) UpdateNodePosition(id string, pos Position) error {
	_, err := s.UpdateNode(id, &pos, nil)
	return err
}

// UpdateNodeParams merges params into the node's parameter map. Existing keys not in params persist.
func (s *Session) UpdateNodeParams(id string, params map[string]ParamValue) (Node, error) {
	return s.UpdateNode(id, nil, params)
}

// UpdateNode moves a node when pos is non-nil and merges params into it, as one mutation.
func (s *Session) UpdateNode(id string, pos *Position, params map[string]ParamValue) (Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, err := s.editable()
	if err != nil {
		return Node{}, err
	}
	i := wf.nodeIndex(id)
	if i < 0 {
		return Node{}, ErrNodeNotFound
	}
	n := &wf.Nodes[i]
	if pos != nil {
		n.Position = *pos
	}
	if n.Params == nil {
		n.Params = make(map[string]ParamValue, len(params))
	}
	for k, v := range params {
		n.Params[k] = v.clone()
	}
	s.touch(wf)
	return n.clone(), nil
}

// AddConnection links two existing nodes. Duplicates are allowed. An empty id is assigned.
func (s *Session) AddConnection(c Connection) (Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, err := s.editable()
	if err != nil {
		return Connection{}, err
	}
	if !wf.hasNode(c.Source) || !wf.hasNode(c.Target) {
		return Connection{}, ErrDanglingConnection
	}
	if c.ID == "" {
		c.ID = s.newID()
	}
	wf.Connections = append(wf.Connections, c)
	s.touch(wf)
	return c, nil
}

// RemoveConnection deletes a connection by id.
func (s *Session) RemoveConnection(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, err := s.editable()
	if err != nil {
		return err
	}
	for i, c := range wf.Connections {
		if c.ID == id {
			wf.Connections = append(wf.Connections[:i], wf.Connections[i+1:]...)
			s.touch(wf)
			return nil
		}
	}
	return ErrConnectionNotFound
}

// SelectNode makes id the single selected node.
func (s *Session) SelectNode(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ErrNoWorkflow
	}
	if !s.current.hasNode(id) {
		return ErrNodeNotFound
	}
	s.selectedID = id
	return nil
}

// ClearSelection deselects any selected node.
func (s *Session) ClearSelection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selectedID = ""
}

// Selected returns the selected node id, if any.
func (s *Session) Selected() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectedID, s.selectedID != ""
}

// CostBreakdown computes the per-run cost of the current graph.
func (s *Session) CostBreakdown() (CostBreakdown, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return CostBreakdown{}, ErrNoWorkflow
	}
	return CalculateCostBreakdown(s.catalog, s.current.Nodes), nil
}

// persist snapshots cost and revenue onto a copy of wf and upserts it. Callers must hold mu
// and commit the returned copy only when err is nil.
func (s *Session) persist(ctx context.Context, wf *Workflow) (*Workflow, error) {
	next := wf.Clone()
	b := CalculateCostBreakdown(s.catalog, next.Nodes)
	next.TotalCost = b.Subtotal
	next.EstimatedRevenue = b.DesignerCut
	next.UpdatedAt = s.now().UTC()
	if err := s.repo.Upsert(ctx, next); err != nil {
		return nil, fmt.Errorf("save workflow: %w", err)
	}
	return next, nil
}

// SaveWorkflow recomputes the cost snapshots and upserts the current workflow.
func (s *Session) SaveWorkflow(ctx context.Context) (*Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, err := s.editable()
	if err != nil {
		return nil, err
	}
	saved, err := s.persist(ctx, wf)
	if err != nil {
		return nil, err
	}
	s.current = saved
	s.log.Info("Workflow saved", "id", saved.ID, "nodes", len(saved.Nodes), "totalCost", RoundCurrency(saved.TotalCost))
	return saved.Clone(), nil
}

// CheckCostCeiling evaluates the soft cost gate for the current workflow.
func (s *Session) CheckCostCeiling() (GateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return GateResult{}, ErrNoWorkflow
	}
	return s.costGate(), nil
}

func (s *Session) costGate() GateResult {
	b := CalculateCostBreakdown(s.catalog, s.current.Nodes)
	return CheckCostCeiling(b.Subtotal, s.ceiling, s.costAcked)
}

// AcknowledgeCostWarning records the "continue anyway" decision for the current workflow.
func (s *Session) AcknowledgeCostWarning() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.editable(); err != nil {
		return err
	}
	s.costAcked = true
	return nil
}

// Approve certifies the current workflow for execution. confirmed is the explicit
// checkbox; without it the call fails. An unacknowledged cost warning blocks the approval.
func (s *Session) Approve(confirmed bool, approver string) (GateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, err := s.editable()
	if err != nil {
		return GateResult{}, err
	}
	if !confirmed {
		return GateResult{}, ErrApprovalNotConfirmed
	}
	approver = strings.TrimSpace(approver)
	if approver == "" {
		return GateResult{}, errMissing("approvedBy")
	}
	gate := s.costGate()
	if gate.Blocked {
		s.metrics.approvalEvent("blocked")
		return gate, nil
	}
	now := s.now().UTC()
	wf.IsApproved = true
	wf.ApprovedAt = &now
	wf.ApprovedBy = approver
	wf.UpdatedAt = now
	s.metrics.approvalEvent("approved")
	s.log.Info("Workflow approved for execution", "id", wf.ID, "approvedBy", approver)
	return gate, nil
}

// RevokeApproval clears the approval flag and cancels any in-flight simulation.
func (s *Session) RevokeApproval() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ErrNoWorkflow
	}
	if s.cancelRun != nil {
		s.cancelRun()
	}
	s.idleRunningNodes()
	s.current.IsApproved = false
	s.current.ApprovedAt = nil
	s.current.ApprovedBy = ""
	s.touch(s.current)
	s.metrics.approvalEvent("revoked")
	s.log.Info("Workflow approval revoked", "id", s.current.ID)
	return nil
}

// Publish submits the current workflow for review. Missing name, description or
// declarations are rejected with an error; an unacknowledged cost warning yields a
// blocked result. Nothing is committed unless the upsert succeeds.
func (s *Session) Publish(ctx context.Context, req PublishRequest) (PublishResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, err := s.editable()
	if err != nil {
		return PublishResult{}, err
	}

	if strings.TrimSpace(wf.Name) == "" {
		s.metrics.publishAttempt("rejected")
		return PublishResult{}, errMissing("name")
	}
	if strings.TrimSpace(wf.Description) == "" {
		s.metrics.publishAttempt("rejected")
		return PublishResult{}, errMissing("description")
	}
	if missing := req.Declarations.Missing(); len(missing) > 0 {
		s.metrics.publishAttempt("rejected")
		return PublishResult{}, fmt.Errorf("%w: missing %s", ErrDeclarationsIncomplete, strings.Join(missing, ", "))
	}
	if req.Visibility != "" && !req.Visibility.Valid() {
		s.metrics.publishAttempt("rejected")
		return PublishResult{}, errInvalid("visibility")
	}
	if gate := s.costGate(); gate.Blocked {
		s.metrics.publishAttempt("blocked")
		return PublishResult{Blocked: true, Reason: gate.Reason}, nil
	}
	next, err := Transition(wf.Status, ActionPublish)
	if err != nil {
		s.metrics.publishAttempt("rejected")
		return PublishResult{}, err
	}

	candidate := wf.Clone()
	candidate.Status = next
	if req.Visibility != "" {
		candidate.Visibility = req.Visibility
	}
	at := s.now().UTC()
	candidate.ProofHash, candidate.ProposalID = GenerateProof(candidate.ID, at, len(candidate.Nodes))
	candidate.Stats = &UsageStats{}

	saved, err := s.persist(ctx, candidate)
	if err != nil {
		s.metrics.publishAttempt("failed")
		return PublishResult{}, err
	}
	s.current = saved
	s.metrics.publishAttempt("published")
	s.log.Info("Workflow published", "id", saved.ID, "proposalId", saved.ProposalID, "status", saved.Status)
	return PublishResult{Workflow: saved.Clone()}, nil
}

// Transition applies a designer lifecycle action other than publish and persists the result.
func (s *Session) Transition(ctx context.Context, action Action) (*Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, err := s.editable()
	if err != nil {
		return nil, err
	}
	if OwnerOf(action) != ActorDesigner {
		return nil, fmt.Errorf("%w: %s is decided by the governance authority", ErrIllegalTransition, action)
	}
	if action == ActionPublish {
		return nil, fmt.Errorf("%w: use publish with declarations", ErrIllegalTransition)
	}
	if action == ActionTest && (s.lastResult == nil || s.lastResult.Blocked) {
		return nil, fmt.Errorf("%w: run a simulation before marking the workflow tested", ErrIllegalTransition)
	}
	next, err := Transition(wf.Status, action)
	if err != nil {
		return nil, err
	}
	candidate := wf.Clone()
	candidate.Status = next
	saved, err := s.persist(ctx, candidate)
	if err != nil {
		return nil, err
	}
	s.current = saved
	s.log.Info("Workflow status changed", "id", saved.ID, "action", action, "status", next)
	return saved.Clone(), nil
}

// RefreshStatus pulls the saved lifecycle status into the current workflow so that
// decisions recorded by the governance authority become visible to the session.
func (s *Session) RefreshStatus(ctx context.Context) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return "", ErrNoWorkflow
	}
	saved, err := s.repo.Get(ctx, s.current.ID)
	if err != nil {
		return "", fmt.Errorf("load workflow: %w", err)
	}
	if saved != nil && saved.Status != s.current.Status {
		s.current.Status = saved.Status
		s.current.UpdatedAt = saved.UpdatedAt
	}
	return s.current.Status, nil
}

// RunSimulation simulates the current workflow and blocks until it finishes or is canceled.
// Only one run may be in flight; node statuses are updated as each step progresses.
func (s *Session) RunSimulation(ctx context.Context) (*SimulationResult, error) {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return nil, ErrNoWorkflow
	}
	if s.running {
		s.mu.Unlock()
		return nil, ErrSimulationInFlight
	}
	snapshot := s.current.Clone()
	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancelRun = cancel
	s.lastResult = nil
	s.resetNodes()
	s.mu.Unlock()

	result, err := s.sim.Run(runCtx, snapshot, &sessionSink{session: s, ctx: runCtx})
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.cancelRun = nil
	if err != nil {
		s.idleRunningNodes()
		if errors.Is(err, ErrSimulationCanceled) {
			s.log.Info("Simulation canceled", "id", snapshot.ID)
		}
		return result, err
	}
	s.lastResult = result.clone()
	if !result.Blocked {
		s.log.Info("Simulation completed", "id", snapshot.ID, "executionId", result.ExecutionID,
			"passed", result.PassedSteps, "total", result.TotalSteps)
	}
	return result, nil
}

// ResetSimulation returns every node to idle, discards the last result and cancels any in-flight run.
func (s *Session) ResetSimulation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelRun != nil {
		s.cancelRun()
	}
	s.lastResult = nil
	if s.current != nil {
		s.resetNodes()
	}
}

// LastResult returns a copy of the most recent completed simulation result, if any.
func (s *Session) LastResult() *SimulationResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastResult.clone()
}

// Running reports whether a simulation is in flight.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Session) resetNodes() {
	for i := range s.current.Nodes {
		n := &s.current.Nodes[i]
		n.Status = NodeIdle
		n.Result = nil
		n.Error = ""
	}
}

func (s *Session) idleRunningNodes() {
	for i := range s.current.Nodes {
		if s.current.Nodes[i].Status == NodeRunning {
			s.current.Nodes[i].Status = NodeIdle
		}
	}
}

// Export serialises the current workflow.
func (s *Session) Export() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, ErrNoWorkflow
	}
	return EncodeExport(s.current, s.now())
}

// Import replaces the current workflow with one decoded from an export document.
// Approval is not carried over; the imported workflow must be certified again.
func (s *Session) Import(data []byte) (*Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil, ErrSimulationInFlight
	}
	wf, err := DecodeExport(data, s.catalog)
	if err != nil {
		return nil, err
	}
	wf.IsApproved = false
	wf.ApprovedAt = nil
	wf.ApprovedBy = ""
	s.replace(wf)
	s.resetNodes()
	return wf.Clone(), nil
}

// sessionSink applies simulator progress to the session's current workflow.
type sessionSink struct {
	session *Session
	ctx     context.Context
}

func (k *sessionSink) NodeStarted(nodeID string) error {
	s := k.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := k.ctx.Err(); err != nil {
		return err
	}
	i := s.current.nodeIndex(nodeID)
	if i < 0 {
		return ErrNodeNotFound
	}
	n := &s.current.Nodes[i]
	n.Status = NodeRunning
	n.Result = nil
	n.Error = ""
	return nil
}

func (k *sessionSink) NodeFinished(nodeID string, status NodeStatus, output map[string]any, errMsg string) error {
	s := k.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := k.ctx.Err(); err != nil {
		return err
	}
	i := s.current.nodeIndex(nodeID)
	if i < 0 {
		return ErrNodeNotFound
	}
	n := &s.current.Nodes[i]
	n.Status = status
	n.Result = output
	n.Error = errMsg
	return nil
}
