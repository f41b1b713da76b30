package workflow

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Action is a lifecycle event applied to a workflow's governance status.
type Action string

const (
	ActionTest    Action = "test"
	ActionScore   Action = "score"
	ActionPublish Action = "publish"
	ActionSandbox Action = "sandbox"
	ActionVerify  Action = "verify"
	ActionCertify Action = "certify"
	ActionPromote Action = "promote"
	ActionReject  Action = "reject"
	ActionArchive Action = "archive"
)

// Actor identifies who is entitled to perform an action.
type Actor string

const (
	// ActorDesigner is the editing session that owns the workflow.
	ActorDesigner Actor = "designer"
	// ActorAuthority is the external governance body that reviews published workflows.
	ActorAuthority Actor = "authority"
)

var actionOwners = map[Action]Actor{
	ActionTest:    ActorDesigner,
	ActionScore:   ActorDesigner,
	ActionPublish: ActorDesigner,
	ActionArchive: ActorDesigner,
	ActionSandbox: ActorAuthority,
	ActionVerify:  ActorAuthority,
	ActionCertify: ActorAuthority,
	ActionPromote: ActorAuthority,
	ActionReject:  ActorAuthority,
}

// transitions is the complete from-state x action table. Anything absent is illegal.
// rejected and archived have no exits.
var transitions = map[Status]map[Action]Status{
	StatusDraft: {
		ActionTest:    StatusTested,
		ActionPublish: StatusUnderReview,
		ActionArchive: StatusArchived,
	},
	StatusTested: {
		ActionScore:   StatusScored,
		ActionReject:  StatusRejected,
		ActionArchive: StatusArchived,
	},
	StatusScored: {
		ActionPublish: StatusUnderReview,
		ActionReject:  StatusRejected,
		ActionArchive: StatusArchived,
	},
	StatusUnderReview: {
		ActionSandbox: StatusSandbox,
		ActionVerify:  StatusVerified,
		ActionCertify: StatusCertified,
		ActionPromote: StatusPromoted,
		ActionReject:  StatusRejected,
		ActionArchive: StatusArchived,
	},
	StatusSandbox: {
		ActionVerify:  StatusVerified,
		ActionCertify: StatusCertified,
		ActionReject:  StatusRejected,
		ActionArchive: StatusArchived,
	},
	StatusVerified: {
		ActionCertify: StatusCertified,
		ActionReject:  StatusRejected,
		ActionArchive: StatusArchived,
	},
	StatusCertified: {
		ActionPromote: StatusPromoted,
		ActionArchive: StatusArchived,
	},
	StatusPromoted: {
		ActionArchive: StatusArchived,
	},
	StatusRejected: {},
	StatusArchived: {},
}

// Valid reports whether s is a known lifecycle status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether s is absorbing.
func (s Status) Terminal() bool {
	t, ok := transitions[s]
	return ok && len(t) == 0
}

// OwnerOf returns who may perform action, or "" for unknown actions.
func OwnerOf(action Action) Actor {
	return actionOwners[action]
}

// Transition is the single entry point for lifecycle changes. It returns the
// status reached by applying action to from, or ErrIllegalTransition.
func Transition(from Status, action Action) (Status, error) {
	next, ok := transitions[from][action]
	if !ok {
		return from, fmt.Errorf("%w: %s cannot %s", ErrIllegalTransition, from, action)
	}
	return next, nil
}

// AllowedActions lists the actions legal from a status in stable order.
func AllowedActions(from Status) []Action {
	out := make([]Action, 0, len(transitions[from]))
	for a := range transitions[from] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PublishDeclarations are the acknowledgements a designer must make before publishing.
type PublishDeclarations struct {
	NonAuthoritativeOutput bool `json:"nonAuthoritativeOutput"`
	RevenueShare           bool `json:"revenueShare"`
	ForkAllowance          bool `json:"forkAllowance"`
	TermsAccepted          bool `json:"termsAccepted"`
	DeclareNotExecute      bool `json:"declareNotExecute"`
	ProofAuditTrail        bool `json:"proofAuditTrail"`
}

// Missing names the declarations that have not been acknowledged.
func (d PublishDeclarations) Missing() []string {
	var missing []string
	for _, c := range []struct {
		name string
		ok   bool
	}{
		{"nonAuthoritativeOutput", d.NonAuthoritativeOutput},
		{"revenueShare", d.RevenueShare},
		{"forkAllowance", d.ForkAllowance},
		{"termsAccepted", d.TermsAccepted},
		{"declareNotExecute", d.DeclareNotExecute},
		{"proofAuditTrail", d.ProofAuditTrail},
	} {
		if !c.ok {
			missing = append(missing, c.name)
		}
	}
	return missing
}

// Complete reports whether all six declarations are acknowledged.
func (d PublishDeclarations) Complete() bool {
	return len(d.Missing()) == 0
}

// ProofVersion is mixed into every proof hash and proposal id.
const ProofVersion = "orchestrator-v1"

// GenerateProof derives the display-only proof hash and proposal id for a publish.
// The values are deterministic in their inputs and are not a security primitive.
func GenerateProof(workflowID string, at time.Time, nodeCount int) (proofHash, proposalID string) {
	seed := []byte(fmt.Sprintf("%s|%d|%d|%s", workflowID, at.UnixMilli(), nodeCount, ProofVersion))
	proof := uuid.NewSHA1(uuid.NameSpaceOID, seed)
	proposal := uuid.NewSHA1(uuid.NameSpaceURL, seed)
	return "0x" + hex.EncodeToString(proof[:]), "PROP-" + strings.ToUpper(hex.EncodeToString(proposal[:4]))
}

// GateResult describes a soft gate outcome. Blocked results are not errors.
type GateResult struct {
	Blocked  bool    `json:"blocked"`
	Reason   string  `json:"reason,omitempty"`
	Subtotal float64 `json:"subtotal"`
	Ceiling  float64 `json:"ceiling"`
}

// CheckCostCeiling blocks when subtotal exceeds ceiling and the warning has not been acknowledged.
// A ceiling <= 0 disables the check.
func CheckCostCeiling(subtotal, ceiling float64, acknowledged bool) GateResult {
	g := GateResult{Subtotal: subtotal, Ceiling: ceiling}
	if ceiling > 0 && subtotal > ceiling && !acknowledged {
		g.Blocked = true
		g.Reason = fmt.Sprintf("estimated cost RM%.2f per run exceeds the RM%.2f ceiling; acknowledge the warning to continue", RoundCurrency(subtotal), ceiling)
	}
	return g
}

// ApplyDecision records an external governance decision on a saved workflow.
// Only authority actions are accepted.
func ApplyDecision(ctx context.Context, repo Repository, id string, action Action, decidedBy string, now time.Time) (*Workflow, error) {
	if OwnerOf(action) != ActorAuthority {
		return nil, fmt.Errorf("%w: %s is not a governance decision", ErrIllegalTransition, action)
	}
	if strings.TrimSpace(decidedBy) == "" {
		return nil, errMissing("decidedBy")
	}
	wf, err := repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load workflow: %w", err)
	}
	if wf == nil {
		return nil, ErrWorkflowNotFound
	}
	next, err := Transition(wf.Status, action)
	if err != nil {
		return nil, err
	}
	wf.Status = next
	wf.UpdatedAt = now.UTC()
	if err := repo.Upsert(ctx, wf); err != nil {
		return nil, fmt.Errorf("save decision: %w", err)
	}
	slog.Info("Governance decision applied", "id", id, "action", action, "decidedBy", decidedBy, "status", next)
	return wf, nil
}
