// Package orchestrator implements the transition orchestrator worker
// of spec.md §4.6: a long-running loop that picks up unfinished
// RecoveryConfigurationTransition rows and fans work out to the
// node-agent executor in bounded concurrent batches.
//
// Grounded directly on pkg/jobs/worker.go's WorkerPool shape (Run /
// workerLoop / processOne / cleanupLoop): a single poll loop here plays
// the role of workerLoop, and the per-batch parallel fan-out plays the
// role the teacher gives a whole worker pool, because spec.md §4.6
// requires the orchestrator's outer loop to run serially ("concurrency
// happens only inside one transition's per-target fan-out").
package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/fleetops/kbmapi/internal/store"
	"github.com/fleetops/kbmapi/pkg/models"
	"github.com/fleetops/kbmapi/pkg/nodeagent"
	"github.com/fleetops/kbmapi/pkg/recoveryconfig"
)

// recoveryTokenBytes mirrors pkg/pivtoken.recoveryTokenBytes (spec.md
// line 51: "40 uniformly random bytes").
const recoveryTokenBytes = 40

// Config tunes the orchestrator loop (spec.md §6 Configuration).
type Config struct {
	PollInterval       time.Duration
	InstanceUUID       string
	DefaultConcurrency int
}

// Orchestrator runs the poll loop described in spec.md §4.6.
type Orchestrator struct {
	Repo     *store.Repo
	Executor nodeagent.Executor
	Config   Config
	Logger   *slog.Logger
}

// Run blocks, polling every Config.PollInterval, until ctx is
// cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	logger := o.logger()
	logger.Info("orchestrator starting", "instanceUuid", o.Config.InstanceUUID, "pollInterval", o.Config.PollInterval.String())

	ticker := time.NewTicker(o.Config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("orchestrator stopping")
			return
		case <-ticker.C:
			o.tick(ctx)
		}
	}
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// tick implements one pass of spec.md §4.6's numbered procedure.
func (o *Orchestrator) tick(ctx context.Context) {
	trans, err := o.pickWork()
	if err != nil {
		o.logger().Error("pick work failed", "error", err)
		return
	}
	if trans == nil {
		return
	}
	if err := o.processTransition(ctx, trans); err != nil {
		o.logger().Error("process transition failed", "transition", trans.UUID, "error", err)
	}
	if err := o.expireUnusedRecoveryConfigs(); err != nil {
		o.logger().Error("fleet sweep failed", "error", err)
	}
}

// pickWork implements step 1: list unfinished, non-aborted transitions,
// sorted by started then uuid, take the first.
func (o *Orchestrator) pickWork() (*models.RecoveryConfigurationTransition, error) {
	rows, err := o.Repo.Transitions.List(store.ListOptions{
		Filter: store.And(store.IsNull("finished"), store.Eq("aborted", false)),
		Sort:   []store.Sort{{Field: "started"}, {Field: "uuid"}},
		Limit:  1,
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (o *Orchestrator) processTransition(ctx context.Context, t *models.RecoveryConfigurationTransition) error {
	// Step 2: finish aborted-but-unfinished rows picked up by a poll
	// before this one set finished.
	if t.Aborted {
		now := time.Now().UTC()
		return o.Repo.Transitions.Put(t, t.Etag(), map[string]any{"finished": now})
	}

	cfg, err := o.Repo.Configs.Get(t.RecoveryConfigUUID)
	if err != nil {
		return err
	}

	// Step 3: pending = targets \ completed.
	targets := mapset.NewSet[string](t.Targets...)
	completed := mapset.NewSet[string](t.Completed...)
	pending := targets.Difference(completed)

	resolved, err := o.resolveTargets(cfg, pending.ToSlice())
	if err != nil {
		return err
	}

	// Step 4: short-circuit targets already at the desired state.
	for cn, rt := range resolved {
		if isDone(t.Name, rt) {
			pending.Remove(cn)
		}
	}

	// Step 5: lock.
	now := time.Now().UTC()
	fields := map[string]any{"locked_by": o.Config.InstanceUUID}
	if t.Started == nil {
		fields["started"] = now
	}
	if pending.Cardinality() == 0 {
		fields["finished"] = now
	}
	if err := o.Repo.Transitions.Put(t, t.Etag(), fields); err != nil {
		if err == store.ErrConflict {
			// Another instance won the lock; yield this tick.
			return nil
		}
		return err
	}
	t, err = o.Repo.Transitions.Get(t.UUID)
	if err != nil {
		return err
	}
	if pending.Cardinality() == 0 {
		return o.advance(cfg, t)
	}

	concurrency := t.Concurrency
	if concurrency <= 0 {
		concurrency = o.defaultConcurrency()
	}

	// Step 6: batch the pending targets and fan out.
	slices := chunk(pending.ToSlice(), concurrency)
	for _, slice := range slices {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		taskIDs, completedSlice, errs := o.runSlice(ctx, cfg, t, resolved, slice)

		t, err = o.Repo.Transitions.Get(t.UUID)
		if err != nil {
			return err
		}
		if t.Aborted {
			now := time.Now().UTC()
			return o.Repo.Transitions.Put(t, t.Etag(), map[string]any{"finished": now})
		}

		update := map[string]any{
			"taskids":   append(append(models.StringArray{}, t.TaskIDs...), taskIDs...),
			"completed": append(append(models.StringArray{}, t.Completed...), completedSlice...),
			"errs":      append(append(models.TargetErrArray{}, t.Errs...), errs...),
		}
		if err := o.Repo.Transitions.Put(t, t.Etag(), update); err != nil {
			return err
		}
		t, err = o.Repo.Transitions.Get(t.UUID)
		if err != nil {
			return err
		}
	}

	// Step 7: complete.
	now = time.Now().UTC()
	if err := o.Repo.Transitions.Put(t, t.Etag(), map[string]any{"finished": now}); err != nil {
		return err
	}
	t, err = o.Repo.Transitions.Get(t.UUID)
	if err != nil {
		return err
	}
	return o.advance(cfg, t)
}

// advance implements step 8: advance the configuration only if not
// standalone and no non-empty errors were recorded.
func (o *Orchestrator) advance(cfg *models.RecoveryConfiguration, t *models.RecoveryConfigurationTransition) error {
	if t.Standalone {
		return nil
	}
	if len(t.NonEmptyErrs()) > 0 {
		return nil
	}
	action := recoveryconfig.ActionForTransitionName(t.Name)
	if action == "" {
		return nil
	}
	return o.Repo.Batch(func(tx *store.Repo) error {
		return recoveryconfig.AdvanceConfiguration(tx, cfg, action)
	})
}

// resolveTargets loads (or creates) the recovery token for each
// (PIV, configuration) pair named by computeNodeUUIDs (step 3).
func (o *Orchestrator) resolveTargets(cfg *models.RecoveryConfiguration, computeNodeUUIDs []string) (map[string]*models.RecoveryToken, error) {
	out := make(map[string]*models.RecoveryToken, len(computeNodeUUIDs))
	for _, cn := range computeNodeUUIDs {
		pivs, err := o.Repo.PIVTokens.List(store.ListOptions{Filter: store.Eq("cn_uuid", cn), Limit: 1})
		if err != nil {
			return nil, err
		}
		if len(pivs) == 0 {
			continue
		}
		piv := pivs[0]
		rows, err := o.Repo.Tokens.List(store.ListOptions{
			Filter: store.And(store.Eq("pivtoken", piv.GUID), store.Eq("recovery_configuration", cfg.UUID)),
			Sort:   []store.Sort{{Field: "created", Desc: true}},
			Limit:  1,
		})
		if err != nil {
			return nil, err
		}
		if len(rows) > 0 {
			out[cn] = rows[0]
			continue
		}
		raw := make([]byte, recoveryTokenBytes)
		if _, err := rand.Read(raw); err != nil {
			return nil, fmt.Errorf("orchestrator: generate recovery token: %w", err)
		}
		rt := &models.RecoveryToken{
			UUID:                  models.DeriveUUID(raw),
			PIVToken:              piv.GUID,
			RecoveryConfiguration: cfg.UUID,
			Token:                 hex.EncodeToString(raw),
			Created:               time.Now().UTC(),
		}
		if err := o.Repo.Tokens.Create(rt); err != nil {
			return nil, err
		}
		out[cn] = rt
	}
	return out, nil
}

// isDone classifies a resolved target's recovery token against the
// transition's desired end-state (spec.md §4.6 step 4).
func isDone(name models.TransitionName, rt *models.RecoveryToken) bool {
	if rt == nil {
		return false
	}
	switch name {
	case models.TransitionStage:
		return rt.Staged != nil
	case models.TransitionActivate:
		return rt.Staged != nil && rt.Activated != nil
	case models.TransitionDeactivate:
		return rt.Staged != nil && rt.Activated == nil
	case models.TransitionUnstage:
		return rt.Staged == nil
	default:
		return false
	}
}

// runSlice fans target work out in parallel over one batch slice,
// submitting and waiting on each target's node-agent task.
func (o *Orchestrator) runSlice(ctx context.Context, cfg *models.RecoveryConfiguration, t *models.RecoveryConfigurationTransition, resolved map[string]*models.RecoveryToken, slice []string) (taskIDs, completed models.StringArray, errs models.TargetErrArray) {
	type result struct {
		cn     string
		taskID string
		errEnt models.TargetError
	}
	results := make([]result, len(slice))

	var wg sync.WaitGroup
	for i, cn := range slice {
		wg.Add(1)
		go func(i int, cn string) {
			defer wg.Done()
			rt := resolved[cn]
			if rt == nil {
				results[i] = result{cn: cn, errEnt: models.TargetError{Target: cn, Code: "NoPIVToken", Message: "no PIV token provisioned for this compute node"}}
				return
			}
			task := nodeagent.Task{
				Action:       string(t.Name),
				PIVToken:     rt.PIVToken,
				RecoveryUUID: rt.UUID,
				Template:     cfg.Template,
				Token:        rt.Token,
			}
			taskID, err := o.Executor.Submit(ctx, cn, task)
			if err != nil {
				results[i] = result{cn: cn, errEnt: models.TargetError{Target: cn, Code: "SubmitFailed", Message: err.Error()}}
				return
			}
			waitCtx, cancel := context.WithTimeout(ctx, nodeagent.WaitDeadline)
			defer cancel()
			state, err := o.Executor.Wait(waitCtx, cn, taskID)
			if err != nil {
				results[i] = result{cn: cn, taskID: taskID, errEnt: models.TargetError{Target: cn, Code: "WaitFailed", Message: err.Error()}}
				return
			}
			if state != nodeagent.TaskComplete {
				results[i] = result{cn: cn, taskID: taskID, errEnt: models.TargetError{Target: cn, Code: string(state), Message: "node-agent task did not complete"}}
				return
			}
			if err := applyTerminalState(o.Repo, t.Name, rt); err != nil {
				results[i] = result{cn: cn, taskID: taskID, errEnt: models.TargetError{Target: cn, Code: "PersistFailed", Message: err.Error()}}
				return
			}
			results[i] = result{cn: cn, taskID: taskID}
		}(i, cn)
	}
	wg.Wait()

	for _, r := range results {
		if r.taskID != "" {
			taskIDs = append(taskIDs, r.taskID)
		}
		completed = append(completed, r.cn)
		errs = append(errs, r.errEnt)
	}
	return taskIDs, completed, errs
}

// applyTerminalState persists the recovery token's new staged/
// activated/expired timestamps once its node-agent task completes.
func applyTerminalState(repo *store.Repo, name models.TransitionName, rt *models.RecoveryToken) error {
	now := time.Now().UTC()
	switch name {
	case models.TransitionStage:
		return repo.Tokens.Put(rt, rt.Etag(), map[string]any{"staged": now})
	case models.TransitionActivate:
		return repo.Tokens.Put(rt, rt.Etag(), map[string]any{"activated": now})
	case models.TransitionDeactivate:
		return repo.Tokens.Put(rt, rt.Etag(), map[string]any{"activated": nil})
	case models.TransitionUnstage:
		return repo.Tokens.Put(rt, rt.Etag(), map[string]any{"staged": nil})
	default:
		return nil
	}
}

func (o *Orchestrator) defaultConcurrency() int {
	if o.Config.DefaultConcurrency > 0 {
		return o.Config.DefaultConcurrency
	}
	return 5
}

// chunk splits items into contiguous slices of at most size n.
func chunk(items []string, n int) [][]string {
	if n <= 0 {
		n = len(items)
	}
	var out [][]string
	for i := 0; i < len(items); i += n {
		end := i + n
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[i:end])
	}
	return out
}

// expireUnusedRecoveryConfigs implements spec.md §4.8: a configuration
// is unused when activated-but-not-expired, at least one recovery token
// references it, and every such token is expired. A configuration that
// no recovery token references is left as it is.
func (o *Orchestrator) expireUnusedRecoveryConfigs() error {
	actives, err := o.Repo.Configs.List(store.ListOptions{
		Filter: store.And(store.NotNull("activated"), store.IsNull("expired")),
	})
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, cfg := range actives {
		total, err := o.Repo.Tokens.Count(store.Eq("recovery_configuration", cfg.UUID))
		if err != nil {
			return err
		}
		if total == 0 {
			continue
		}
		unexpired, err := o.Repo.Tokens.Count(store.And(store.Eq("recovery_configuration", cfg.UUID), store.IsNull("expired")))
		if err != nil {
			return err
		}
		if unexpired == 0 {
			if err := o.Repo.Configs.Put(cfg, cfg.Etag(), map[string]any{"expired": now}); err != nil {
				return err
			}
		}
	}
	return nil
}
