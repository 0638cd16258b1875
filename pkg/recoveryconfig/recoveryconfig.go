package recoveryconfig

import (
	"fmt"
	"time"

	"github.com/fleetops/kbmapi/internal/store"
	"github.com/fleetops/kbmapi/pkg/apierrors"
	"github.com/fleetops/kbmapi/pkg/models"
)

// Service is the FSM gateway of spec.md §4.5: validates and executes
// one action per call, creating a RecoveryConfigurationTransition row
// for the non-trivial actions and handing it to the orchestrator.
type Service struct {
	Repo    *store.Repo
	Machine *Machine
}

// Create implements the configuration-creation half of spec.md §3/§4.4:
// the uuid is derived by hashing template, and a configuration created
// while the fleet has zero PIV tokens and zero configurations is born
// staged+activated (bootstrap invariant).
func (s *Service) Create(template string) (cfg *models.RecoveryConfiguration, wasCreated bool, err error) {
	uuid := models.DeriveUUID([]byte(template))
	if existing, err := s.Repo.Configs.Get(uuid); err == nil {
		return existing, false, nil
	} else if err != store.ErrNotFound {
		return nil, false, fmt.Errorf("recoveryconfig: create: %w", err)
	}

	now := time.Now().UTC()
	cfg = &models.RecoveryConfiguration{
		UUID:    uuid,
		Template: template,
		Created: now,
	}

	pivCount, err := s.Repo.PIVTokens.Count(store.All())
	if err != nil {
		return nil, false, fmt.Errorf("recoveryconfig: create: count piv tokens: %w", err)
	}
	cfgCount, err := s.Repo.Configs.Count(store.All())
	if err != nil {
		return nil, false, fmt.Errorf("recoveryconfig: create: count configurations: %w", err)
	}
	if pivCount == 0 && cfgCount == 0 {
		cfg.Staged = &now
		cfg.Activated = &now
	}

	if err := s.Repo.Configs.Create(cfg); err != nil {
		if err == store.ErrDuplicate {
			existing, gerr := s.Repo.Configs.Get(uuid)
			if gerr != nil {
				return nil, false, fmt.Errorf("recoveryconfig: create: %w", gerr)
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("recoveryconfig: create: %w", err)
	}
	return cfg, true, nil
}

// Get loads one configuration by uuid.
func (s *Service) Get(uuid string) (*models.RecoveryConfiguration, error) {
	cfg, err := s.Repo.Configs.Get(uuid)
	if err != nil {
		return nil, translate(err)
	}
	return cfg, nil
}

// List returns every configuration.
func (s *Service) List() ([]*models.RecoveryConfiguration, error) {
	return s.Repo.Configs.List(store.ListOptions{Sort: []store.Sort{{Field: "created"}}})
}

// Delete removes a configuration; spec.md §3: only from new, created,
// or expired — any staged/activated configuration must first be
// expired (412).
func (s *Service) Delete(uuid string) error {
	cfg, err := s.Repo.Configs.Get(uuid)
	if err != nil {
		return translate(err)
	}
	switch cfg.State() {
	case models.ConfigStateNew, models.ConfigStateCreated, models.ConfigStateExpired:
	default:
		return apierrors.New(apierrors.PreconditionFailed, "configuration %q must be expired before it can be deleted", uuid)
	}
	if err := s.Repo.Configs.Delete(cfg.UUID, cfg.Etag()); err != nil {
		return translate(err)
	}
	return nil
}

// DoParams are the inputs to Do, spec.md §4.5/§6.
type DoParams struct {
	UUID    string
	Action  Action
	Targets []string // compute-node UUIDs; empty means "whole fleet"
	Force   bool
}

// DoResult is returned by Do. Transition is non-nil only for the
// fan-out actions (stage/unstage/activate/deactivate).
type DoResult struct {
	Configuration *models.RecoveryConfiguration
	Transition    *models.RecoveryConfigurationTransition
}

// TransitionAlreadyExistsError carries the companion body required by
// spec.md §4.5 step 8.
type TransitionAlreadyExistsError struct {
	Configuration *models.RecoveryConfiguration
	Transition    *models.RecoveryConfigurationTransition
}

func (e *TransitionAlreadyExistsError) Error() string {
	return fmt.Sprintf("transition %q already exists for configuration %q", e.Transition.Name, e.Configuration.UUID)
}

// Do executes one FSM action end to end (spec.md §4.5 steps 1-8).
func (s *Service) Do(p DoParams) (*DoResult, error) {
	if p.Action == ActionCancel {
		return s.cancel(p.UUID)
	}

	cfg, err := s.Repo.Configs.Get(p.UUID)
	if err != nil {
		return nil, translate(err)
	}
	state := cfg.State()

	rule, ferr := s.Machine.Validate(state, p.Action)
	if ferr != nil {
		return nil, apierrors.New(apierrors.InvalidParams, "%s", ferr.Error())
	}

	fleetSize, err := s.Repo.PIVTokens.Count(store.All())
	if err != nil {
		return nil, fmt.Errorf("recoveryconfig: do: count fleet: %w", err)
	}

	// Step 3: target-subset size must equal fleet size unless forced
	// activate.
	needsTargets := p.Action == ActionStage || p.Action == ActionUnstage ||
		p.Action == ActionActivate || p.Action == ActionDeactivate
	standalone := false
	if needsTargets && len(p.Targets) > 0 && int64(len(p.Targets)) != fleetSize {
		if !(p.Action == ActionActivate && p.Force) {
			return nil, apierrors.New(apierrors.InvalidParams, "target subset size %d does not match fleet size %d", len(p.Targets), fleetSize)
		}
		standalone = true
	}

	// Step 4: activation requires every fleet PIV token to have a
	// staged recovery token for this configuration, unless forced.
	if p.Action == ActionActivate {
		stagedCount, err := s.Repo.Tokens.Count(store.And(
			store.Eq("recovery_configuration", cfg.UUID),
			store.NotNull("staged"),
			store.IsNull("expired"),
		))
		if err != nil {
			return nil, fmt.Errorf("recoveryconfig: do: count staged tokens: %w", err)
		}
		if stagedCount < fleetSize && !p.Force {
			return nil, apierrors.New(apierrors.InvalidParams, "not every fleet member has a staged recovery token for %q", cfg.UUID)
		}
	}

	if rule.DirectStateChange {
		return s.directStateChange(cfg, p.Action)
	}

	// Step 8: reject if an unfinished transition of the same name
	// already exists.
	existing, err := s.unfinishedTransition(cfg.UUID, rule.FanOutName)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, &TransitionAlreadyExistsError{Configuration: cfg, Transition: existing}
	}

	targets := p.Targets
	if len(targets) == 0 {
		targets, err = s.fleetComputeNodeUUIDs()
		if err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	trans := &models.RecoveryConfigurationTransition{
		UUID:               models.NewEtag(),
		RecoveryConfigUUID: cfg.UUID,
		Name:               rule.FanOutName,
		Targets:            targets,
		Completed:          models.StringArray{},
		TaskIDs:            models.StringArray{},
		Errs:               models.TargetErrArray{},
		Concurrency:        defaultConcurrency,
		Standalone:         standalone,
		Forced:             p.Force,
	}
	if len(targets) == 0 {
		// Bootstrap invariant (spec.md §3): an empty fleet finishes the
		// transition immediately and advances the configuration in the
		// same operation.
		trans.Started = &now
		trans.Finished = &now
	}

	if err := s.Repo.Batch(func(tx *store.Repo) error {
		if err := tx.Transitions.Create(trans); err != nil {
			return err
		}
		if trans.Finished != nil {
			return AdvanceConfiguration(tx, cfg, rule.Action)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("recoveryconfig: do: %w", err)
	}

	cfg, err = s.Repo.Configs.Get(cfg.UUID)
	if err != nil {
		return nil, fmt.Errorf("recoveryconfig: do: reload configuration: %w", err)
	}
	return &DoResult{Configuration: cfg, Transition: trans}, nil
}

const defaultConcurrency = 5

// ActionForTransitionName maps a fan-out's stored Name back to the FSM
// Action, for the orchestrator's step-8 configuration advance (spec.md
// §4.6) which only has the transition row, not the original request.
func ActionForTransitionName(name models.TransitionName) Action {
	switch name {
	case models.TransitionStage:
		return ActionStage
	case models.TransitionUnstage:
		return ActionUnstage
	case models.TransitionActivate:
		return ActionActivate
	case models.TransitionDeactivate:
		return ActionDeactivate
	default:
		return ""
	}
}

// directStateChange implements spec.md §4.5 step 5 for expire and
// reactivate: no transition row, mutate directly.
func (s *Service) directStateChange(cfg *models.RecoveryConfiguration, action Action) (*DoResult, error) {
	now := time.Now().UTC()

	err := s.Repo.Batch(func(tx *store.Repo) error {
		switch action {
		case ActionExpire:
			if err := tx.Configs.Put(cfg, cfg.Etag(), map[string]any{"expired": now}); err != nil {
				return err
			}
			_, err := tx.Tokens.UpdateMany(
				store.And(store.Eq("recovery_configuration", cfg.UUID), store.IsNull("expired")),
				map[string]any{"expired": now},
			)
			return err
		case ActionReactivate:
			if err := tx.Configs.Put(cfg, cfg.Etag(), map[string]any{"staged": nil, "activated": nil, "expired": nil}); err != nil {
				return err
			}
			if _, err := tx.Transitions.DeleteMany(store.Eq("recovery_config_uuid", cfg.UUID)); err != nil {
				return err
			}
			tokens, err := tx.Tokens.List(store.ListOptions{Filter: store.Eq("recovery_configuration", cfg.UUID)})
			if err != nil {
				return err
			}
			for _, t := range tokens {
				if err := tx.Tokens.Put(t, t.Etag(), map[string]any{"staged": nil, "activated": nil, "expired": nil}); err != nil {
					return err
				}
			}
			return nil
		default:
			return fmt.Errorf("recoveryconfig: unreachable direct action %q", action)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("recoveryconfig: %s: %w", action, err)
	}
	cfg, err = s.Repo.Configs.Get(cfg.UUID)
	if err != nil {
		return nil, fmt.Errorf("recoveryconfig: %s: reload: %w", action, err)
	}
	return &DoResult{Configuration: cfg}, nil
}

// cancel implements spec.md §4.5 step 6: abort the one unfinished
// transition for the configuration, if any.
func (s *Service) cancel(uuid string) (*DoResult, error) {
	cfg, err := s.Repo.Configs.Get(uuid)
	if err != nil {
		return nil, translate(err)
	}
	rows, err := s.Repo.Transitions.List(store.ListOptions{
		Filter: store.And(store.Eq("recovery_config_uuid", uuid), store.IsNull("finished"), store.Eq("aborted", false)),
		Limit:  1,
	})
	if err != nil {
		return nil, fmt.Errorf("recoveryconfig: cancel: %w", err)
	}
	if len(rows) == 0 {
		return nil, apierrors.New(apierrors.InvalidParams, "no unfinished transition exists for %q", uuid)
	}
	t := rows[0]
	if err := s.Repo.Transitions.Put(t, t.Etag(), map[string]any{"aborted": true}); err != nil {
		return nil, translate(err)
	}
	return &DoResult{Configuration: cfg, Transition: t}, nil
}

func (s *Service) unfinishedTransition(cfgUUID string, name models.TransitionName) (*models.RecoveryConfigurationTransition, error) {
	rows, err := s.Repo.Transitions.List(store.ListOptions{
		Filter: store.And(
			store.Eq("recovery_config_uuid", cfgUUID),
			store.Eq("name", string(name)),
			store.IsNull("finished"),
			store.Eq("aborted", false),
		),
		Limit: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("recoveryconfig: unfinished transition lookup: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (s *Service) fleetComputeNodeUUIDs() ([]string, error) {
	tokens, err := s.Repo.PIVTokens.List(store.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("recoveryconfig: fleet lookup: %w", err)
	}
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, t.CNUUID)
	}
	return out, nil
}

// AdvanceConfiguration implements spec.md §4.6 step 8. It is called by
// the immediate-finish (empty fleet) path of Do and by the orchestrator
// once a transition finishes.
func AdvanceConfiguration(tx *store.Repo, cfg *models.RecoveryConfiguration, action Action) error {
	now := time.Now().UTC()
	var fields map[string]any
	switch action {
	case ActionStage:
		fields = map[string]any{"staged": now}
	case ActionActivate:
		fields = map[string]any{"activated": now}
	case ActionDeactivate:
		fields = map[string]any{"activated": nil}
	case ActionUnstage:
		fields = map[string]any{"staged": nil}
	default:
		return fmt.Errorf("recoveryconfig: AdvanceConfiguration: unhandled action %q", action)
	}
	return tx.Configs.Put(cfg, cfg.Etag(), fields)
}

func translate(err error) error {
	switch err {
	case store.ErrNotFound:
		return apierrors.NotFoundf("recovery configuration not found")
	case store.ErrConflict:
		return apierrors.New(apierrors.PreconditionFailed, "etag conflict")
	default:
		return err
	}
}
