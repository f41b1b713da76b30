package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchestrator/services/catalog"
)

var sessionClock = time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

func newTestSession(t *testing.T, sim *Simulator, repo Repository) *Session {
	t.Helper()
	if sim == nil {
		sim = newTestSimulator(OrderList)
	}
	if repo == nil {
		repo = NewMemoryRepository()
	}
	var n int
	return NewSession(SessionConfig{
		Catalog:     catalog.Default(),
		Repo:        repo,
		Simulator:   sim,
		CostCeiling: 5.00,
		Now:         func() time.Time { return sessionClock },
		NewID: func() string {
			n++
			return fmt.Sprintf("id-%d", n)
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

// buildMortgage creates a draft with the dsr, extractor and bank-matcher tasks chained together.
func buildMortgage(t *testing.T, s *Session) []Node {
	t.Helper()
	_, err := s.NewWorkflow("Mortgage Pre-Qualification", "Checks DSR, reads payslips and matches banks", catalog.CategoryMortgage)
	require.NoError(t, err)

	var nodes []Node
	for i, task := range []string{"mortgage-dsr-calculator", "mortgage-document-extractor", "mortgage-bank-matcher"} {
		n, err := s.AddNode(task, Position{X: float64(i * 300)})
		require.NoError(t, err)
		nodes = append(nodes, n)
	}
	for i := 1; i < len(nodes); i++ {
		_, err := s.AddConnection(Connection{Source: nodes[i-1].ID, Target: nodes[i].ID})
		require.NoError(t, err)
	}
	return nodes
}

func listAll(t *testing.T, repo Repository) []Workflow {
	t.Helper()
	list, err := repo.List(context.Background())
	require.NoError(t, err)
	return list
}

func TestSession_RequiresWorkflow(t *testing.T) {
	s := newTestSession(t, nil, nil)

	assert.Nil(t, s.Current())
	_, err := s.AddNode("mortgage-dsr-calculator", Position{})
	assert.ErrorIs(t, err, ErrNoWorkflow)
	_, err = s.CostBreakdown()
	assert.ErrorIs(t, err, ErrNoWorkflow)
	_, err = s.RunSimulation(context.Background())
	assert.ErrorIs(t, err, ErrNoWorkflow)
	_, err = s.Export()
	assert.ErrorIs(t, err, ErrNoWorkflow)
}

func TestSession_NewWorkflow(t *testing.T) {
	s := newTestSession(t, nil, nil)

	wf, err := s.NewWorkflow("Solar Quote", "Quote a rooftop system", catalog.CategorySolar)
	require.NoError(t, err)
	assert.Equal(t, "id-1", wf.ID)
	assert.Equal(t, StatusDraft, wf.Status)
	assert.Equal(t, VisibilityPrivate, wf.Visibility)
	assert.Empty(t, wf.Nodes)
	assert.Empty(t, wf.Connections)
	assert.Equal(t, sessionClock, wf.CreatedAt)
	assert.False(t, wf.IsApproved)

	wf, err = s.NewWorkflow("", "", "")
	require.NoError(t, err)
	assert.Equal(t, catalog.CategoryGeneral, wf.Category)

	_, err = s.NewWorkflow("x", "y", catalog.CategoryAll)
	assert.True(t, IsValidation(err))
}

func TestSession_SingleNodeCost(t *testing.T) {
	s := newTestSession(t, nil, nil)
	_, err := s.NewWorkflow("DSR only", "One step", catalog.CategoryMortgage)
	require.NoError(t, err)
	_, err = s.AddNode("mortgage-dsr-calculator", Position{X: 10, Y: 20})
	require.NoError(t, err)

	b, err := s.CostBreakdown()
	require.NoError(t, err)
	assert.InDelta(t, 0.50, b.Subtotal, 1e-9)
	assert.InDelta(t, 0.25, b.ExecutionCost, 1e-9)
	assert.InDelta(t, 0.15, b.PlatformFee, 1e-9)
	assert.InDelta(t, 0.10, b.DesignerCut, 1e-9)
}

func TestSession_AddNodeUnknownTask(t *testing.T) {
	s := newTestSession(t, nil, nil)
	_, err := s.NewWorkflow("w", "d", catalog.CategoryGeneral)
	require.NoError(t, err)

	_, err = s.AddNode("retired-task", Position{})
	assert.ErrorIs(t, err, ErrUnknownTask)
	assert.True(t, IsValidation(err))
	assert.Empty(t, s.Current().Nodes)
}

func TestSession_RemoveNodeCascades(t *testing.T) {
	s := newTestSession(t, nil, nil)
	nodes := buildMortgage(t, s)
	_, err := s.AddConnection(Connection{ID: "back", Source: nodes[2].ID, Target: nodes[0].ID})
	require.NoError(t, err)
	require.NoError(t, s.SelectNode(nodes[1].ID))

	require.NoError(t, s.RemoveNode(nodes[1].ID))

	wf := s.Current()
	assert.Len(t, wf.Nodes, 2)
	require.Len(t, wf.Connections, 1)
	assert.Equal(t, "back", wf.Connections[0].ID)
	_, selected := s.Selected()
	assert.False(t, selected, "removing the selected node clears the selection")

	require.NoError(t, s.SelectNode(nodes[0].ID))
	require.NoError(t, s.RemoveNode(nodes[2].ID))
	id, selected := s.Selected()
	assert.True(t, selected)
	assert.Equal(t, nodes[0].ID, id)

	assert.ErrorIs(t, s.RemoveNode("ghost"), ErrNodeNotFound)
}

func TestSession_NoDanglingConnections(t *testing.T) {
	s := newTestSession(t, nil, nil)
	_, err := s.NewWorkflow("fuzz", "random edits", catalog.CategoryGeneral)
	require.NoError(t, err)

	tasks := catalog.Default().All()
	rng := rand.New(rand.NewPCG(7, 11))
	pick := func(wf *Workflow) string {
		if len(wf.Nodes) == 0 || rng.IntN(10) == 0 {
			return "ghost"
		}
		return wf.Nodes[rng.IntN(len(wf.Nodes))].ID
	}

	for i := 0; i < 500; i++ {
		wf := s.Current()
		switch rng.IntN(4) {
		case 0:
			taskID := tasks[rng.IntN(len(tasks))].ID
			if rng.IntN(10) == 0 {
				taskID = "retired-task"
			}
			s.AddNode(taskID, Position{})
		case 1:
			s.RemoveNode(pick(wf))
		case 2:
			s.AddConnection(Connection{Source: pick(wf), Target: pick(wf)})
		case 3:
			if len(wf.Connections) > 0 {
				s.RemoveConnection(wf.Connections[rng.IntN(len(wf.Connections))].ID)
			}
		}

		wf = s.Current()
		ids := make(map[string]bool, len(wf.Nodes))
		for _, n := range wf.Nodes {
			require.False(t, ids[n.ID], "duplicate node id %s", n.ID)
			ids[n.ID] = true
		}
		for _, c := range wf.Connections {
			require.True(t, ids[c.Source], "step %d: dangling source %s", i, c.Source)
			require.True(t, ids[c.Target], "step %d: dangling target %s", i, c.Target)
		}
	}
}

func TestSession_Connections(t *testing.T) {
	s := newTestSession(t, nil, nil)
	nodes := buildMortgage(t, s)

	_, err := s.AddConnection(Connection{Source: nodes[0].ID, Target: "ghost"})
	assert.ErrorIs(t, err, ErrDanglingConnection)

	dup, err := s.AddConnection(Connection{Source: nodes[0].ID, SourceHandle: "dsr_ratio", Target: nodes[1].ID})
	require.NoError(t, err)
	assert.NotEmpty(t, dup.ID)
	assert.Len(t, s.Current().Connections, 3, "duplicates are allowed")

	require.NoError(t, s.RemoveConnection(dup.ID))
	assert.Len(t, s.Current().Connections, 2)
	assert.ErrorIs(t, s.RemoveConnection(dup.ID), ErrConnectionNotFound)
}

func TestSession_UpdateNode(t *testing.T) {
	s := newTestSession(t, nil, nil)
	nodes := buildMortgage(t, s)
	id := nodes[0].ID

	_, err := s.UpdateNodeParams(id, map[string]ParamValue{
		"monthly_income": NumberParam(8000),
		"note":           StringParam("first"),
	})
	require.NoError(t, err)
	n, err := s.UpdateNodeParams(id, map[string]ParamValue{
		"note":   StringParam("second"),
		"urgent": BoolParam(true),
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]ParamValue{
		"monthly_income": NumberParam(8000),
		"note":           StringParam("second"),
		"urgent":         BoolParam(true),
	}, n.Params)

	require.NoError(t, s.UpdateNodePosition(id, Position{X: 42, Y: 7}))
	assert.Equal(t, Position{X: 42, Y: 7}, s.Current().Nodes[0].Position)

	_, err = s.UpdateNodeParams("ghost", nil)
	assert.ErrorIs(t, err, ErrNodeNotFound)
	assert.ErrorIs(t, s.UpdateNodePosition("ghost", Position{}), ErrNodeNotFound)
}

func TestSession_UpdateNodePositionAndParamsTogether(t *testing.T) {
	s := newTestSession(t, nil, nil)
	nodes := buildMortgage(t, s)
	id := nodes[1].ID

	n, err := s.UpdateNode(id, &Position{X: 120, Y: 80}, map[string]ParamValue{"bank": StringParam("maybank")})
	require.NoError(t, err)
	assert.Equal(t, Position{X: 120, Y: 80}, n.Position)
	assert.Equal(t, StringParam("maybank"), n.Params["bank"])
	assert.Equal(t, n, s.Current().Nodes[1])

	n, err = s.UpdateNode(id, nil, map[string]ParamValue{"note": StringParam("x")})
	require.NoError(t, err)
	assert.Equal(t, Position{X: 120, Y: 80}, n.Position, "a nil position leaves the node in place")
	assert.Len(t, n.Params, 2)

	before := s.Current()
	_, err = s.UpdateNode("ghost", &Position{X: 1}, map[string]ParamValue{"bank": StringParam("cimb")})
	assert.ErrorIs(t, err, ErrNodeNotFound)
	assert.Equal(t, before.Nodes, s.Current().Nodes)
}

func TestSession_Selection(t *testing.T) {
	s := newTestSession(t, nil, nil)
	nodes := buildMortgage(t, s)

	assert.ErrorIs(t, s.SelectNode("ghost"), ErrNodeNotFound)
	require.NoError(t, s.SelectNode(nodes[0].ID))
	require.NoError(t, s.SelectNode(nodes[2].ID))
	id, ok := s.Selected()
	assert.True(t, ok)
	assert.Equal(t, nodes[2].ID, id)

	s.ClearSelection()
	_, ok = s.Selected()
	assert.False(t, ok)
}

func TestSession_UpdateDetails(t *testing.T) {
	s := newTestSession(t, nil, nil)
	buildMortgage(t, s)

	name := "Renamed"
	vis := VisibilityUnlisted
	wf, err := s.UpdateDetails(WorkflowDetails{Name: &name, Visibility: &vis})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", wf.Name)
	assert.Equal(t, "Checks DSR, reads payslips and matches banks", wf.Description)
	assert.Equal(t, VisibilityUnlisted, wf.Visibility)

	bad := Visibility("secret")
	_, err = s.UpdateDetails(WorkflowDetails{Name: &name, Visibility: &bad})
	assert.True(t, IsValidation(err))
}

func TestSession_CurrentIsACopy(t *testing.T) {
	s := newTestSession(t, nil, nil)
	buildMortgage(t, s)

	wf := s.Current()
	wf.Name = "mutated"
	wf.Nodes[0].Status = NodeError
	wf.Connections = nil

	again := s.Current()
	assert.NotEqual(t, "mutated", again.Name)
	assert.Equal(t, NodeIdle, again.Nodes[0].Status)
	assert.Len(t, again.Connections, 2)
}

func TestSession_LoadWorkflow(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	require.NoError(t, Seed(ctx, repo, catalog.Default()))
	s := newTestSession(t, nil, repo)
	nodes := buildMortgage(t, s)
	require.NoError(t, s.SelectNode(nodes[0].ID))

	found, err := s.LoadWorkflow(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, "Mortgage Pre-Qualification", s.Current().Name, "a missing id leaves the session untouched")

	found, err = s.LoadWorkflow(ctx, sampleWorkflowID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "Solar Lead Qualifier", s.Current().Name)
	_, selected := s.Selected()
	assert.False(t, selected)
}

func TestSession_SaveWorkflow(t *testing.T) {
	repo := NewMemoryRepository()
	s := newTestSession(t, nil, repo)
	buildMortgage(t, s)

	saved, err := s.SaveWorkflow(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 2.50, saved.TotalCost, 1e-9)
	assert.InDelta(t, 0.50, saved.EstimatedRevenue, 1e-9)

	stored := listAll(t, repo)
	require.Len(t, stored, 1)
	assert.Equal(t, saved.ID, stored[0].ID)
	assert.Len(t, stored[0].Nodes, 3)
}

func TestSession_SimulationRequiresApproval(t *testing.T) {
	// Draws: 10 passes dsr (94), 99 fails the extractor (89), 50 passes the matcher (91).
	s := newTestSession(t, newTestSimulator(OrderList, 0.10, 0.99, 0.50), nil)
	buildMortgage(t, s)

	result, err := s.RunSimulation(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Blocked)
	assert.Equal(t, 0, result.TotalSteps)
	assert.Equal(t, 0, result.PassedSteps)
	assert.Zero(t, result.TotalMockCost)

	gate, err := s.Approve(true, "aisyah")
	require.NoError(t, err)
	require.False(t, gate.Blocked)

	result, err = s.RunSimulation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.TotalSteps)
	assert.Equal(t, 2, result.PassedSteps)
	assert.Equal(t, result, s.LastResult())

	wf := s.Current()
	for _, n := range wf.Nodes {
		assert.Contains(t, []NodeStatus{NodeCompleted, NodeError}, n.Status, n.ID)
	}
	assert.Equal(t, NodeCompleted, wf.Nodes[0].Status)
	assert.NotEmpty(t, wf.Nodes[0].Result)
	assert.Equal(t, NodeError, wf.Nodes[1].Status)
	assert.Equal(t, simulatedFailure, wf.Nodes[1].Error)
}

func TestSession_Approve(t *testing.T) {
	s := newTestSession(t, nil, nil)
	buildMortgage(t, s)

	_, err := s.Approve(false, "aisyah")
	assert.ErrorIs(t, err, ErrApprovalNotConfirmed)
	assert.False(t, s.Current().IsApproved)

	_, err = s.Approve(true, " ")
	assert.True(t, IsValidation(err))

	_, err = s.Approve(true, "aisyah")
	require.NoError(t, err)
	wf := s.Current()
	assert.True(t, wf.IsApproved)
	assert.Equal(t, "aisyah", wf.ApprovedBy)
	require.NotNil(t, wf.ApprovedAt)
	assert.Equal(t, sessionClock, *wf.ApprovedAt)

	require.NoError(t, s.RevokeApproval())
	wf = s.Current()
	assert.False(t, wf.IsApproved)
	assert.Nil(t, wf.ApprovedAt)

	result, err := s.RunSimulation(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Blocked, "revoking approval re-blocks execution")
}

// addExpensiveNodes adds tasks totalling RM5.10, over the default ceiling.
func addExpensiveNodes(t *testing.T, s *Session) {
	t.Helper()
	for _, task := range []string{
		"mortgage-document-extractor", "mortgage-eligibility-report", "solar-roof-estimator",
		"solar-quote-generator", "mortgage-dsr-calculator",
	} {
		_, err := s.AddNode(task, Position{})
		require.NoError(t, err)
	}
}

func TestSession_CostCeilingGatesApproval(t *testing.T) {
	s := newTestSession(t, nil, nil)
	_, err := s.NewWorkflow("Everything", "All the things", catalog.CategoryGeneral)
	require.NoError(t, err)
	addExpensiveNodes(t, s)

	gate, err := s.CheckCostCeiling()
	require.NoError(t, err)
	assert.True(t, gate.Blocked)
	assert.InDelta(t, 5.10, gate.Subtotal, 1e-9)

	gate, err = s.Approve(true, "aisyah")
	require.NoError(t, err)
	assert.True(t, gate.Blocked)
	assert.False(t, s.Current().IsApproved)

	require.NoError(t, s.AcknowledgeCostWarning())
	gate, err = s.Approve(true, "aisyah")
	require.NoError(t, err)
	assert.False(t, gate.Blocked)
	assert.True(t, s.Current().IsApproved)

	// A new workflow starts with the warning unacknowledged.
	_, err = s.NewWorkflow("Again", "All the things", catalog.CategoryGeneral)
	require.NoError(t, err)
	addExpensiveNodes(t, s)
	gate, err = s.CheckCostCeiling()
	require.NoError(t, err)
	assert.True(t, gate.Blocked)
}

func TestSession_Publish(t *testing.T) {
	repo := NewMemoryRepository()
	s := newTestSession(t, nil, repo)
	buildMortgage(t, s)

	result, err := s.Publish(context.Background(), PublishRequest{Declarations: allDeclarations(), Visibility: VisibilityPublic})
	require.NoError(t, err)
	require.False(t, result.Blocked)

	wf := result.Workflow
	require.NotNil(t, wf)
	assert.Equal(t, StatusUnderReview, wf.Status)
	assert.Equal(t, VisibilityPublic, wf.Visibility)
	assert.Regexp(t, regexp.MustCompile(`^0x[0-9a-f]{32}$`), wf.ProofHash)
	assert.Regexp(t, regexp.MustCompile(`^PROP-[0-9A-F]{8}$`), wf.ProposalID)
	assert.InDelta(t, 2.50, wf.TotalCost, 1e-9)
	assert.InDelta(t, 0.50, wf.EstimatedRevenue, 1e-9)
	require.NotNil(t, wf.Stats)
	assert.Equal(t, UsageStats{}, *wf.Stats)

	wantHash, wantProposal := GenerateProof(wf.ID, sessionClock, 3)
	assert.Equal(t, wantHash, wf.ProofHash)
	assert.Equal(t, wantProposal, wf.ProposalID)

	stored, err := repo.Get(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusUnderReview, stored.Status)
	assert.Equal(t, StatusUnderReview, s.Current().Status)

	_, err = s.Publish(context.Background(), PublishRequest{Declarations: allDeclarations()})
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestSession_PublishRequiresEveryDeclaration(t *testing.T) {
	unsetters := []func(*PublishDeclarations){
		func(d *PublishDeclarations) { d.NonAuthoritativeOutput = false },
		func(d *PublishDeclarations) { d.RevenueShare = false },
		func(d *PublishDeclarations) { d.ForkAllowance = false },
		func(d *PublishDeclarations) { d.TermsAccepted = false },
		func(d *PublishDeclarations) { d.DeclareNotExecute = false },
		func(d *PublishDeclarations) { d.ProofAuditTrail = false },
	}
	for i, unset := range unsetters {
		t.Run(fmt.Sprintf("declaration %d", i), func(t *testing.T) {
			repo := NewMemoryRepository()
			s := newTestSession(t, nil, repo)
			buildMortgage(t, s)
			before := s.Current()

			d := allDeclarations()
			unset(&d)
			result, err := s.Publish(context.Background(), PublishRequest{Declarations: d})

			require.ErrorIs(t, err, ErrDeclarationsIncomplete)
			assert.Contains(t, err.Error(), "all declarations must be acknowledged")
			assert.Nil(t, result.Workflow)
			assert.Empty(t, listAll(t, repo))
			assert.Equal(t, before, s.Current())
		})
	}
}

func TestSession_PublishRequiresNameAndDescription(t *testing.T) {
	repo := NewMemoryRepository()
	s := newTestSession(t, nil, repo)
	_, err := s.NewWorkflow("  ", "described", catalog.CategoryGeneral)
	require.NoError(t, err)

	_, err = s.Publish(context.Background(), PublishRequest{Declarations: allDeclarations()})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "name", ve.Field)

	name, empty := "Named", ""
	_, err = s.UpdateDetails(WorkflowDetails{Name: &name, Description: &empty})
	require.NoError(t, err)
	_, err = s.Publish(context.Background(), PublishRequest{Declarations: allDeclarations()})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "description", ve.Field)

	assert.Empty(t, listAll(t, repo))
}

func TestSession_PublishCostGate(t *testing.T) {
	repo := NewMemoryRepository()
	s := newTestSession(t, nil, repo)
	_, err := s.NewWorkflow("Everything", "All the things", catalog.CategoryGeneral)
	require.NoError(t, err)
	addExpensiveNodes(t, s)

	result, err := s.Publish(context.Background(), PublishRequest{Declarations: allDeclarations()})
	require.NoError(t, err)
	assert.True(t, result.Blocked)
	assert.NotEmpty(t, result.Reason)
	assert.Empty(t, listAll(t, repo))
	assert.Equal(t, StatusDraft, s.Current().Status)

	require.NoError(t, s.AcknowledgeCostWarning())
	result, err = s.Publish(context.Background(), PublishRequest{Declarations: allDeclarations()})
	require.NoError(t, err)
	assert.False(t, result.Blocked)
	assert.Len(t, listAll(t, repo), 1)
}

type failingRepo struct {
	*MemoryRepository
}

func (failingRepo) Upsert(context.Context, *Workflow) error {
	return errors.New("disk full")
}

func TestSession_PublishSaveFailureCommitsNothing(t *testing.T) {
	s := newTestSession(t, nil, failingRepo{NewMemoryRepository()})
	buildMortgage(t, s)

	_, err := s.Publish(context.Background(), PublishRequest{Declarations: allDeclarations()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	wf := s.Current()
	assert.Equal(t, StatusDraft, wf.Status)
	assert.Empty(t, wf.ProofHash)
	assert.Empty(t, wf.ProposalID)
	assert.Nil(t, wf.Stats)
}

func TestSession_Transition(t *testing.T) {
	repo := NewMemoryRepository()
	s := newTestSession(t, nil, repo)
	buildMortgage(t, s)
	ctx := context.Background()

	_, err := s.Transition(ctx, ActionTest)
	assert.ErrorIs(t, err, ErrIllegalTransition, "a workflow is tested only after a simulation run")

	_, err = s.Approve(true, "aisyah")
	require.NoError(t, err)
	_, err = s.RunSimulation(ctx)
	require.NoError(t, err)

	wf, err := s.Transition(ctx, ActionTest)
	require.NoError(t, err)
	assert.Equal(t, StatusTested, wf.Status)
	stored, err := repo.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusTested, stored.Status)

	wf, err = s.Transition(ctx, ActionScore)
	require.NoError(t, err)
	assert.Equal(t, StatusScored, wf.Status)

	_, err = s.Transition(ctx, ActionCertify)
	assert.ErrorIs(t, err, ErrIllegalTransition)
	_, err = s.Transition(ctx, ActionPublish)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	result, err := s.Publish(ctx, PublishRequest{Declarations: allDeclarations()})
	require.NoError(t, err)
	assert.Equal(t, StatusUnderReview, result.Workflow.Status)
}

func TestSession_RefreshStatus(t *testing.T) {
	repo := NewMemoryRepository()
	s := newTestSession(t, nil, repo)
	buildMortgage(t, s)
	ctx := context.Background()

	result, err := s.Publish(ctx, PublishRequest{Declarations: allDeclarations()})
	require.NoError(t, err)

	_, err = ApplyDecision(ctx, repo, result.Workflow.ID, ActionCertify, "governance-board", sessionClock)
	require.NoError(t, err)

	status, err := s.RefreshStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCertified, status)
	assert.Equal(t, StatusCertified, s.Current().Status)
}

// blockingDispatcher parks every dispatch until its context is canceled.
type blockingDispatcher struct {
	started chan string
}

func (d *blockingDispatcher) Dispatch(ctx context.Context, node Node, _ catalog.TaskDefinition) (StepOutcome, error) {
	d.started <- node.ID
	<-ctx.Done()
	return StepOutcome{}, ctx.Err()
}

type runOutcome struct {
	result *SimulationResult
	err    error
}

// startBlockedRun approves the current workflow and starts a simulation that stalls on its first node.
func startBlockedRun(t *testing.T, s *Session, d *blockingDispatcher) <-chan runOutcome {
	t.Helper()
	_, err := s.Approve(true, "aisyah")
	require.NoError(t, err)

	done := make(chan runOutcome, 1)
	go func() {
		r, err := s.RunSimulation(context.Background())
		done <- runOutcome{r, err}
	}()
	select {
	case <-d.started:
	case <-time.After(2 * time.Second):
		t.Fatal("simulation did not start")
	}
	return done
}

func waitRun(t *testing.T, done <-chan runOutcome) runOutcome {
	t.Helper()
	select {
	case out := <-done:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("simulation did not stop")
		return runOutcome{}
	}
}

func TestSession_InFlightGuardAndReset(t *testing.T) {
	d := &blockingDispatcher{started: make(chan string, 3)}
	s := newTestSession(t, NewSimulator(catalog.Default(), d, OrderList, nil), nil)
	nodes := buildMortgage(t, s)
	done := startBlockedRun(t, s, d)

	assert.True(t, s.Running())
	assert.Equal(t, NodeRunning, s.Current().Nodes[0].Status)

	_, err := s.RunSimulation(context.Background())
	assert.ErrorIs(t, err, ErrSimulationInFlight)
	_, err = s.AddNode("general-lead-scorer", Position{})
	assert.ErrorIs(t, err, ErrSimulationInFlight)
	assert.ErrorIs(t, s.RemoveNode(nodes[0].ID), ErrSimulationInFlight)
	_, err = s.UpdateNode(nodes[1].ID, &Position{X: 9}, map[string]ParamValue{"note": StringParam("late")})
	assert.ErrorIs(t, err, ErrSimulationInFlight)
	_, err = s.SaveWorkflow(context.Background())
	assert.ErrorIs(t, err, ErrSimulationInFlight)
	_, err = s.NewWorkflow("other", "other", catalog.CategoryGeneral)
	assert.ErrorIs(t, err, ErrSimulationInFlight)
	assert.Len(t, s.Current().Nodes, 3)

	s.ResetSimulation()
	out := waitRun(t, done)
	assert.ErrorIs(t, out.err, ErrSimulationCanceled)
	require.NotNil(t, out.result)
	assert.Equal(t, 0, out.result.PassedSteps)

	assert.False(t, s.Running())
	assert.Nil(t, s.LastResult())
	for _, n := range s.Current().Nodes {
		assert.Equal(t, NodeIdle, n.Status)
	}

	_, err = s.AddNode("general-lead-scorer", Position{})
	assert.NoError(t, err)
}

func TestSession_RevokeCancelsRun(t *testing.T) {
	d := &blockingDispatcher{started: make(chan string, 3)}
	s := newTestSession(t, NewSimulator(catalog.Default(), d, OrderList, nil), nil)
	buildMortgage(t, s)
	done := startBlockedRun(t, s, d)

	require.NoError(t, s.RevokeApproval())
	out := waitRun(t, done)
	assert.ErrorIs(t, out.err, ErrSimulationCanceled)

	wf := s.Current()
	assert.False(t, wf.IsApproved)
	for _, n := range wf.Nodes {
		assert.NotEqual(t, NodeRunning, n.Status)
	}
}

func TestSession_ResetAfterRun(t *testing.T) {
	s := newTestSession(t, nil, nil)
	buildMortgage(t, s)
	_, err := s.Approve(true, "aisyah")
	require.NoError(t, err)
	_, err = s.RunSimulation(context.Background())
	require.NoError(t, err)

	s.ResetSimulation()
	assert.Nil(t, s.LastResult())
	for _, n := range s.Current().Nodes {
		assert.Equal(t, NodeIdle, n.Status)
		assert.Nil(t, n.Result)
		assert.Empty(t, n.Error)
	}
}

func TestSession_LastResultIsACopy(t *testing.T) {
	s := newTestSession(t, newTestSimulator(OrderList, 0.10, 0.99, 0.50), nil)
	buildMortgage(t, s)
	_, err := s.Approve(true, "aisyah")
	require.NoError(t, err)
	_, err = s.RunSimulation(context.Background())
	require.NoError(t, err)

	got := s.LastResult()
	require.NotNil(t, got)
	require.Len(t, got.Steps, 3)
	want := s.LastResult()

	got.Steps[0].Status = StepFail
	got.Steps[0].Input["tampered"] = true
	got.Steps = append(got.Steps, SimulationStep{NodeID: "extra"})
	got.PassedSteps = 0
	got.Blocked = true

	assert.Equal(t, want, s.LastResult())
	assert.NotContains(t, s.LastResult().Steps[0].Input, "tampered")

	wf, err := s.Transition(context.Background(), ActionTest)
	require.NoError(t, err, "the stored run still counts as a completed simulation")
	assert.Equal(t, StatusTested, wf.Status)
}

func TestSession_ExportImport(t *testing.T) {
	s := newTestSession(t, nil, nil)
	nodes := buildMortgage(t, s)
	_, err := s.UpdateNodeParams(nodes[0].ID, map[string]ParamValue{"monthly_income": NumberParam(9100)})
	require.NoError(t, err)
	_, err = s.Approve(true, "aisyah")
	require.NoError(t, err)
	original := s.Current()

	data, err := s.Export()
	require.NoError(t, err)

	_, err = s.NewWorkflow("scratch", "scratch", catalog.CategoryGeneral)
	require.NoError(t, err)

	imported, err := s.Import(data)
	require.NoError(t, err)
	assert.Equal(t, original.ID, imported.ID)
	require.Len(t, imported.Nodes, len(original.Nodes))
	for i, n := range original.Nodes {
		assert.Equal(t, n.ID, imported.Nodes[i].ID)
		assert.Equal(t, n.TaskID, imported.Nodes[i].TaskID)
		assert.Equal(t, NodeIdle, imported.Nodes[i].Status)
		assert.Equal(t, n.Params, imported.Nodes[i].Params, n.ID)
		assert.Equal(t, n.Position, imported.Nodes[i].Position, n.ID)
	}
	assert.Equal(t, NumberParam(9100), imported.Nodes[0].Params["monthly_income"])
	assert.ElementsMatch(t, original.Connections, imported.Connections)
	assert.False(t, imported.IsApproved, "approval is not carried across an import")

	_, err = s.Import([]byte(`{"formatVersion":"0.9"}`))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	assert.Equal(t, original.ID, s.Current().ID, "a rejected import leaves the session untouched")
}
