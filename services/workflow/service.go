package workflow

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"orchestrator/services/catalog"
)

// Service exposes the catalog, the editing session and the repository over HTTP.
type Service struct {
	catalog *catalog.Catalog
	repo    Repository
	session *Session
	now     func() time.Time
}

// NewService creates a Service around an existing session and its repository.
func NewService(cat *catalog.Catalog, repo Repository, session *Session) *Service {
	return &Service{catalog: cat, repo: repo, session: session, now: time.Now}
}

// jsonMiddleware sets the Content-Type header to application/json.
func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// LoadRoutes registers the task, session and workflow HTTP handlers on the given router.
func (s *Service) LoadRoutes(parentRouter *mux.Router) {
	parentRouter.Use(jsonMiddleware)

	tasks := parentRouter.PathPrefix("/tasks").Subrouter()
	tasks.StrictSlash(false)
	tasks.HandleFunc("", s.HandleListTasks).Methods("GET")
	tasks.HandleFunc("/{id}", s.HandleGetTask).Methods("GET")

	session := parentRouter.PathPrefix("/session").Subrouter()
	session.StrictSlash(false)
	session.HandleFunc("/workflow", s.HandleGetCurrent).Methods("GET")
	session.HandleFunc("/workflow", s.HandleNewWorkflow).Methods("POST")
	session.HandleFunc("/workflow", s.HandleUpdateDetails).Methods("PATCH")
	session.HandleFunc("/workflow/load/{id}", s.HandleLoadWorkflow).Methods("POST")
	session.HandleFunc("/save", s.HandleSaveWorkflow).Methods("POST")
	session.HandleFunc("/nodes", s.HandleAddNode).Methods("POST")
	session.HandleFunc("/nodes/{id}", s.HandleUpdateNode).Methods("PATCH")
	session.HandleFunc("/nodes/{id}", s.HandleRemoveNode).Methods("DELETE")
	session.HandleFunc("/select", s.HandleGetSelection).Methods("GET")
	session.HandleFunc("/select", s.HandleClearSelection).Methods("DELETE")
	session.HandleFunc("/select/{id}", s.HandleSelectNode).Methods("POST")
	session.HandleFunc("/connections", s.HandleAddConnection).Methods("POST")
	session.HandleFunc("/connections/{id}", s.HandleRemoveConnection).Methods("DELETE")
	session.HandleFunc("/cost", s.HandleCost).Methods("GET")
	session.HandleFunc("/cost-check", s.HandleCostCheck).Methods("GET")
	session.HandleFunc("/cost-check/acknowledge", s.HandleAcknowledgeCost).Methods("POST")
	session.HandleFunc("/approval", s.HandleApprove).Methods("POST")
	session.HandleFunc("/approval", s.HandleRevokeApproval).Methods("DELETE")
	session.HandleFunc("/simulation", s.HandleRunSimulation).Methods("POST")
	session.HandleFunc("/simulation", s.HandleResetSimulation).Methods("DELETE")
	session.HandleFunc("/simulation", s.HandleLastSimulation).Methods("GET")
	session.HandleFunc("/publish", s.HandlePublish).Methods("POST")
	session.HandleFunc("/transition", s.HandleTransition).Methods("POST")
	session.HandleFunc("/refresh", s.HandleRefreshStatus).Methods("POST")
	session.HandleFunc("/export", s.HandleExport).Methods("GET")
	session.HandleFunc("/import", s.HandleImport).Methods("POST")

	workflows := parentRouter.PathPrefix("/workflows").Subrouter()
	workflows.StrictSlash(false)
	workflows.HandleFunc("", s.HandleListWorkflows).Methods("GET")
	workflows.HandleFunc("/{id}", s.HandleGetWorkflow).Methods("GET")
	workflows.HandleFunc("/{id}/decisions", s.HandleDecision).Methods("POST")
}
