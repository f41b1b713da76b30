package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"orchestrator/services/catalog"
)

const maxImportBytes = 1 << 20

// HandleListTasks returns catalog entries, optionally filtered by ?category=.
func (s *Service) HandleListTasks(w http.ResponseWriter, r *http.Request) {
	category := catalog.Category(r.URL.Query().Get("category"))
	if category == "" {
		category = catalog.CategoryAll
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(s.catalog.ByCategory(category))
}

// HandleGetTask returns a single catalog entry.
func (s *Service) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.catalog.Get(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(task)
}

// HandleGetCurrent returns the workflow being edited.
func (s *Service) HandleGetCurrent(w http.ResponseWriter, r *http.Request) {
	wf := s.session.Current()
	if wf == nil {
		writeError(w, http.StatusNotFound, ErrNoWorkflow.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(wf)
}

type newWorkflowRequest struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Category    catalog.Category `json:"category"`
}

// HandleNewWorkflow starts a fresh draft in the session.
func (s *Service) HandleNewWorkflow(w http.ResponseWriter, r *http.Request) {
	var req newWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	wf, err := s.session.NewWorkflow(req.Name, req.Description, req.Category)
	if err != nil {
		writeSessionError(w, "create workflow", err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(wf)
}

// HandleUpdateDetails applies a partial update to the current workflow's metadata.
func (s *Service) HandleUpdateDetails(w http.ResponseWriter, r *http.Request) {
	var req WorkflowDetails
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	wf, err := s.session.UpdateDetails(req)
	if err != nil {
		writeSessionError(w, "update workflow", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(wf)
}

// HandleLoadWorkflow makes a saved workflow the current one.
func (s *Service) HandleLoadWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	slog.Debug("Loading workflow into session", "id", id)

	found, err := s.session.LoadWorkflow(r.Context(), id)
	if err != nil {
		writeSessionError(w, "load workflow", err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, ErrWorkflowNotFound.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(s.session.Current())
}

// HandleSaveWorkflow upserts the current workflow.
func (s *Service) HandleSaveWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.session.SaveWorkflow(r.Context())
	if err != nil {
		writeSessionError(w, "save workflow", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(wf)
}

type addNodeRequest struct {
	TaskID   string   `json:"taskId"`
	Position Position `json:"position"`
}

// HandleAddNode places a task on the canvas.
func (s *Service) HandleAddNode(w http.ResponseWriter, r *http.Request) {
	var req addNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TaskID == "" {
		writeError(w, http.StatusBadRequest, errMissing("taskId").Error())
		return
	}
	node, err := s.session.AddNode(req.TaskID, req.Position)
	if err != nil {
		writeSessionError(w, "add node", err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(node)
}

type updateNodeRequest struct {
	Position *Position             `json:"position,omitempty"`
	Params   map[string]ParamValue `json:"params,omitempty"`
}

// HandleUpdateNode moves a node and/or merges new parameters into it.
func (s *Service) HandleUpdateNode(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req updateNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	node, err := s.session.UpdateNode(id, req.Position, req.Params)
	if err != nil {
		writeSessionError(w, "update node", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(node)
}

// HandleRemoveNode deletes a node and its connections.
func (s *Service) HandleRemoveNode(w http.ResponseWriter, r *http.Request) {
	if err := s.session.RemoveNode(mux.Vars(r)["id"]); err != nil {
		writeSessionError(w, "remove node", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleGetSelection reports the selected node id.
func (s *Service) HandleGetSelection(w http.ResponseWriter, r *http.Request) {
	id, _ := s.session.Selected()
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"nodeId": id})
}

// HandleSelectNode selects a single node.
func (s *Service) HandleSelectNode(w http.ResponseWriter, r *http.Request) {
	if err := s.session.SelectNode(mux.Vars(r)["id"]); err != nil {
		writeSessionError(w, "select node", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleClearSelection deselects any node.
func (s *Service) HandleClearSelection(w http.ResponseWriter, r *http.Request) {
	s.session.ClearSelection()
	w.WriteHeader(http.StatusNoContent)
}

// HandleAddConnection links two nodes.
func (s *Service) HandleAddConnection(w http.ResponseWriter, r *http.Request) {
	var req Connection
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	conn, err := s.session.AddConnection(req)
	if err != nil {
		writeSessionError(w, "add connection", err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(conn)
}

// HandleRemoveConnection deletes a connection.
func (s *Service) HandleRemoveConnection(w http.ResponseWriter, r *http.Request) {
	if err := s.session.RemoveConnection(mux.Vars(r)["id"]); err != nil {
		writeSessionError(w, "remove connection", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type costResponse struct {
	CostBreakdown
	EstimatedSuccessRate int `json:"estimatedSuccessRate"`
}

// HandleCost returns the per-run cost breakdown and the a-priori success estimate.
func (s *Service) HandleCost(w http.ResponseWriter, r *http.Request) {
	b, err := s.session.CostBreakdown()
	if err != nil {
		writeSessionError(w, "cost breakdown", err)
		return
	}
	resp := costResponse{CostBreakdown: b}
	if wf := s.session.Current(); wf != nil {
		resp.EstimatedSuccessRate = EstimatedSuccessRate(s.catalog, wf.Nodes)
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

// HandleCostCheck evaluates the cost ceiling gate.
func (s *Service) HandleCostCheck(w http.ResponseWriter, r *http.Request) {
	gate, err := s.session.CheckCostCeiling()
	if err != nil {
		writeSessionError(w, "cost check", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(gate)
}

// HandleAcknowledgeCost records "continue anyway" on the cost warning.
func (s *Service) HandleAcknowledgeCost(w http.ResponseWriter, r *http.Request) {
	if err := s.session.AcknowledgeCostWarning(); err != nil {
		writeSessionError(w, "acknowledge cost warning", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type approvalRequest struct {
	Confirmed  bool   `json:"confirmed"`
	ApprovedBy string `json:"approvedBy"`
}

type approvalResponse struct {
	Approved bool       `json:"approved"`
	Gate     GateResult `json:"gate"`
	Workflow *Workflow  `json:"workflow,omitempty"`
}

// HandleApprove runs the human approval ritual.
func (s *Service) HandleApprove(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	gate, err := s.session.Approve(req.Confirmed, req.ApprovedBy)
	if err != nil {
		writeSessionError(w, "approve workflow", err)
		return
	}
	resp := approvalResponse{Approved: !gate.Blocked, Gate: gate}
	if !gate.Blocked {
		resp.Workflow = s.session.Current()
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

// HandleRevokeApproval re-blocks execution.
func (s *Service) HandleRevokeApproval(w http.ResponseWriter, r *http.Request) {
	if err := s.session.RevokeApproval(); err != nil {
		writeSessionError(w, "revoke approval", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRunSimulation runs a simulation to completion and returns its trace.
func (s *Service) HandleRunSimulation(w http.ResponseWriter, r *http.Request) {
	result, err := s.session.RunSimulation(r.Context())
	if err != nil {
		writeSessionError(w, "run simulation", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(result)
}

// HandleResetSimulation clears node statuses and cancels any in-flight run.
func (s *Service) HandleResetSimulation(w http.ResponseWriter, r *http.Request) {
	s.session.ResetSimulation()
	w.WriteHeader(http.StatusNoContent)
}

// HandleLastSimulation returns the last completed simulation result.
func (s *Service) HandleLastSimulation(w http.ResponseWriter, r *http.Request) {
	result := s.session.LastResult()
	if result == nil {
		writeError(w, http.StatusNotFound, "no simulation result")
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(result)
}

// HandlePublish submits the current workflow for governance review.
func (s *Service) HandlePublish(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := s.session.Publish(r.Context(), req)
	if err != nil {
		writeSessionError(w, "publish workflow", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(result)
}

type transitionRequest struct {
	Action Action `json:"action"`
}

// HandleTransition applies a designer lifecycle action.
func (s *Service) HandleTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Action == "" {
		writeError(w, http.StatusBadRequest, errMissing("action").Error())
		return
	}
	wf, err := s.session.Transition(r.Context(), req.Action)
	if err != nil {
		writeSessionError(w, "transition workflow", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(wf)
}

// HandleRefreshStatus pulls governance decisions into the session.
func (s *Service) HandleRefreshStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.session.RefreshStatus(r.Context())
	if err != nil {
		writeSessionError(w, "refresh status", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]Status{"status": status})
}

// HandleExport streams the current workflow's export document.
func (s *Service) HandleExport(w http.ResponseWriter, r *http.Request) {
	data, err := s.session.Export()
	if err != nil {
		writeSessionError(w, "export workflow", err)
		return
	}
	if wf := s.session.Current(); wf != nil {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "workflow-"+wf.ID+".json"))
	}
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// HandleImport replaces the current workflow with an uploaded export document.
func (s *Service) HandleImport(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImportBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	wf, err := s.session.Import(data)
	if err != nil {
		writeSessionError(w, "import workflow", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(wf)
}

// HandleListWorkflows returns every saved workflow.
func (s *Service) HandleListWorkflows(w http.ResponseWriter, r *http.Request) {
	list, err := s.repo.List(r.Context())
	if err != nil {
		slog.Error("Failed to list workflows", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(list)
}

// HandleGetWorkflow loads a saved workflow and returns it as JSON.
func (s *Service) HandleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	slog.Debug("Getting workflow", "id", id)

	wf, err := s.repo.Get(r.Context(), id)
	if err != nil {
		slog.Error("Failed to get workflow", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if wf == nil {
		writeError(w, http.StatusNotFound, ErrWorkflowNotFound.Error())
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(wf)
}

type decisionRequest struct {
	Action    Action `json:"action"`
	DecidedBy string `json:"decidedBy"`
}

// HandleDecision records a governance authority decision on a saved workflow.
func (s *Service) HandleDecision(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	wf, err := ApplyDecision(r.Context(), s.repo, id, req.Action, req.DecidedBy, s.now())
	if err != nil {
		writeSessionError(w, "apply decision", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(wf)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": message})
}

// writeSessionError maps domain errors onto HTTP statuses. Unexpected errors are logged and hidden.
func writeSessionError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrWorkflowNotFound),
		errors.Is(err, ErrNodeNotFound),
		errors.Is(err, ErrConnectionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNoWorkflow),
		errors.Is(err, ErrSimulationInFlight),
		errors.Is(err, ErrSimulationCanceled),
		errors.Is(err, ErrIllegalTransition):
		writeError(w, http.StatusConflict, err.Error())
	case IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("Request failed", "op", op, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
