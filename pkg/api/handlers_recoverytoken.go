package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fleetops/kbmapi/pkg/apierrors"
	"github.com/fleetops/kbmapi/pkg/models"
	"github.com/fleetops/kbmapi/pkg/pivtoken"
)

func (s *Server) listRecoveryTokens(w http.ResponseWriter, r *http.Request) {
	tok := pivTokenFromContext(r.Context())
	rows, err := s.RecoveryTokens.ListForPIV(tok.GUID)
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

func (s *Server) getRecoveryToken(w http.ResponseWriter, r *http.Request) {
	rt, err := s.RecoveryTokens.Get(chi.URLParam(r, "uuid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recoveryTokenSummary(rt))
}

// createRecoveryToken POSTs a new link in the PIV token's
// recovery-token chain by re-running PIVTokens.Create for the existing
// token, reusing its implicit active-configuration selection.
func (s *Server) createRecoveryToken(w http.ResponseWriter, r *http.Request) {
	tok := pivTokenFromContext(r.Context())
	result, err := s.PIVTokens.Create(pivtoken.CreateParams{
		GUID:        tok.GUID,
		CNUUID:      tok.CNUUID,
		Pin:         tok.Pin,
		Serial:      tok.Serial,
		Model:       tok.Model,
		PubKeys:     models.PubKeys(tok.PubKeys),
		Attestation: models.Attestation(tok.Attestation),
		Created:     time.Now().UTC(),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, recoveryTokenSummary(result.Recovery))
}

// updateRecoveryToken implements the bulk state-update half of
// spec.md §6's recovery-token CRUD: stage/activate/expire via
// ?action=.
func (s *Server) updateRecoveryToken(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	action := r.URL.Query().Get("action")

	var err error
	switch action {
	case "stage":
		_, err = s.RecoveryTokens.Stage(uuid)
	case "activate":
		_, err = s.RecoveryTokens.Activate(uuid)
	case "expire":
		_, err = s.RecoveryTokens.Expire(uuid)
	default:
		writeError(w, apierrors.New(apierrors.InvalidParams, "unknown action %q", action))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteRecoveryToken(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	if _, err := s.RecoveryTokens.Expire(uuid); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
