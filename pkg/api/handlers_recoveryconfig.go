package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/fleetops/kbmapi/internal/store"
	"github.com/fleetops/kbmapi/pkg/apierrors"
	"github.com/fleetops/kbmapi/pkg/models"
	"github.com/fleetops/kbmapi/pkg/recoveryconfig"
	"github.com/fleetops/kbmapi/pkg/validation"
)

var createConfigSchema = validation.Schema{
	{Name: "template", Required: true, Check: validation.IsPresent},
}

func (s *Server) createRecoveryConfiguration(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Template string `json:"template"`
	}
	if !decodeAndValidate(w, r, &req, createConfigSchema) {
		return
	}
	template := strings.ReplaceAll(req.Template, "\n", "")

	cfg, created, err := s.RecoveryConfigs.Create(template)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	} else {
		status = http.StatusAccepted
	}
	writeJSON(w, status, recoveryConfigView(cfg))
}

func (s *Server) listRecoveryConfigurations(w http.ResponseWriter, r *http.Request) {
	rows, err := s.RecoveryConfigs.List()
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]any, 0, len(rows))
	for _, c := range rows {
		views = append(views, recoveryConfigView(c))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) getRecoveryConfiguration(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.RecoveryConfigs.Get(chi.URLParam(r, "uuid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recoveryConfigView(cfg))
}

func (s *Server) deleteRecoveryConfiguration(w http.ResponseWriter, r *http.Request) {
	if err := s.RecoveryConfigs.Delete(chi.URLParam(r, "uuid")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// doRecoveryConfigurationAction implements spec.md §6's
// PUT .../:uuid?action=... endpoint.
func (s *Server) doRecoveryConfigurationAction(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	q := r.URL.Query()
	action := recoveryconfig.Action(q.Get("action"))
	force, _ := strconv.ParseBool(q.Get("force"))

	var targets []string
	if t := q.Get("pivtoken"); t != "" {
		piv, err := s.PIVTokens.GetPin(t)
		if err != nil {
			writeError(w, err)
			return
		}
		targets = append(targets, piv.CNUUID)
	}
	if ts := q["targets"]; len(ts) > 0 {
		targets = append(targets, ts...)
	}

	result, err := s.RecoveryConfigs.Do(recoveryconfig.DoParams{
		UUID:    uuid,
		Action:  action,
		Targets: targets,
		Force:   force,
	})
	if err != nil {
		if already, ok := err.(*recoveryconfig.TransitionAlreadyExistsError); ok {
			writeError(w, apierrors.WithCompanion(apierrors.TransitionAlreadyExists, already.Error(), map[string]any{
				"configuration": recoveryConfigView(already.Configuration),
				"transition":    transitionView(already.Transition),
			}))
			return
		}
		writeError(w, err)
		return
	}

	if result.Transition != nil {
		w.Header().Set("Location", fmt.Sprintf("/recovery-configurations/%s?action=watch&transition=%s", uuid, result.Transition.Name))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) configurationRecoveryTokens(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	rows, err := s.RecoveryConfigs.Repo.Tokens.List(store.ListOptions{Filter: store.Eq("recovery_configuration", uuid)})
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]any, 0, len(rows))
	for _, rt := range rows {
		views = append(views, recoveryTokenSummary(rt))
	}
	writeJSON(w, http.StatusOK, views)
}

func recoveryConfigView(c *models.RecoveryConfiguration) map[string]any {
	return map[string]any{
		"uuid":      c.UUID,
		"template":  c.Template,
		"created":   c.Created,
		"staged":    c.Staged,
		"activated": c.Activated,
		"expired":   c.Expired,
		"state":     c.State(),
	}
}

func transitionView(t *models.RecoveryConfigurationTransition) map[string]any {
	return map[string]any{
		"uuid":                 t.UUID,
		"recovery_config_uuid": t.RecoveryConfigUUID,
		"name":                 t.Name,
		"targets":              t.Targets,
		"completed":            t.Completed,
		"taskids":              t.TaskIDs,
		"errs":                 t.NonEmptyErrs(),
		"concurrency":          t.Concurrency,
		"standalone":           t.Standalone,
		"forced":               t.Forced,
		"started":              t.Started,
		"finished":             t.Finished,
		"aborted":              t.Aborted,
	}
}
