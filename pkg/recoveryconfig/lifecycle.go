// Package recoveryconfig implements the recovery-configuration FSM and
// its gateway service (spec.md §4.5). The allow-list table is grounded
// on pkg/catalog/governance/lifecycle.go's TransitionRule /
// LifecycleMachine / TransitionError shape, generalized from a plain
// from->to map to an (action, from, to) table since this FSM's
// transitions are named actions with side effects rather than bare
// state edges.
package recoveryconfig

import (
	"fmt"

	"github.com/fleetops/kbmapi/pkg/models"
)

// Action is one of the named transitions in spec.md §4.5's diagram.
type Action string

const (
	ActionStage      Action = "stage"
	ActionUnstage    Action = "unstage"
	ActionActivate   Action = "activate"
	ActionDeactivate Action = "deactivate"
	ActionExpire     Action = "expire"
	ActionReactivate Action = "reactivate"
	ActionDestroy    Action = "destroy"
	ActionCancel     Action = "cancel"
)

// TransitionRule names one allowed (from-state, action) edge and the
// transition name fan-out uses (empty for the trivial actions that
// mutate rows directly with no RecoveryConfigurationTransition).
type TransitionRule struct {
	From             models.ConfigState
	Action           Action
	FanOutName       models.TransitionName // "" if no transition row is created
	DirectStateChange bool                  // true for expire/reactivate (spec.md §4.5 step 5)
}

// DefaultTransitions is the full allow-list from spec.md §4.5's
// diagram.
var DefaultTransitions = []TransitionRule{
	{From: models.ConfigStateCreated, Action: ActionStage, FanOutName: models.TransitionStage},
	{From: models.ConfigStateStaged, Action: ActionUnstage, FanOutName: models.TransitionUnstage},
	{From: models.ConfigStateStaged, Action: ActionActivate, FanOutName: models.TransitionActivate},
	{From: models.ConfigStateActive, Action: ActionDeactivate, FanOutName: models.TransitionDeactivate},
	{From: models.ConfigStateActive, Action: ActionExpire, DirectStateChange: true},
	{From: models.ConfigStateExpired, Action: ActionReactivate, DirectStateChange: true},
	{From: models.ConfigStateCreated, Action: ActionDestroy},
	{From: models.ConfigStateExpired, Action: ActionDestroy},
	// cancel is a meta-action valid from any state with an unfinished
	// transition; handled separately in the gateway rather than listed
	// per-state here.
}

// TransitionError mirrors governance.TransitionError's shape for the
// recovery-configuration FSM.
type TransitionError struct {
	Code    string
	From    models.ConfigState
	Action  Action
	Message string
}

func (e *TransitionError) Error() string { return e.Message }

// Machine validates FSM transitions.
type Machine struct {
	rules []TransitionRule
}

// NewMachine builds a Machine with the default rule set.
func NewMachine() *Machine {
	return &Machine{rules: DefaultTransitions}
}

// Validate returns the matching rule and a nil error if action is
// allowed from state from, else a *TransitionError.
func (m *Machine) Validate(from models.ConfigState, action Action) (*TransitionRule, error) {
	for i := range m.rules {
		if m.rules[i].From == from && m.rules[i].Action == action {
			return &m.rules[i], nil
		}
	}
	return nil, &TransitionError{
		Code:    "InvalidTransition",
		From:    from,
		Action:  action,
		Message: fmt.Sprintf("action %q is not allowed from state %q", action, from),
	}
}
