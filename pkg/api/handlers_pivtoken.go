package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fleetops/kbmapi/pkg/apierrors"
	"github.com/fleetops/kbmapi/pkg/models"
	"github.com/fleetops/kbmapi/pkg/pivtoken"
	"github.com/fleetops/kbmapi/pkg/validation"
)

var createPIVTokenSchema = validation.Schema{
	{Name: "guid", Required: true, Check: validation.GUID},
	{Name: "cn_uuid", Required: true, Check: validation.UUID},
	{Name: "pin", Required: true, Check: validation.IsPresent},
	{Name: "pubkeys", Required: true, Check: validation.PubKeys},
	{Name: "recovery_configuration", Required: false, Check: validation.UUID},
}

type createPIVTokenRequest struct {
	GUID                  string             `json:"guid"`
	CNUUID                string             `json:"cn_uuid"`
	Pin                   string             `json:"pin"`
	Serial                string             `json:"serial"`
	Model                 string             `json:"model"`
	PubKeys               models.PubKeys     `json:"pubkeys"`
	Attestation           models.Attestation `json:"attestation"`
	RecoveryConfiguration string             `json:"recovery_configuration"`
}

func (s *Server) createPIVToken(w http.ResponseWriter, r *http.Request) {
	var req createPIVTokenRequest
	if !decodeAndValidate(w, r, &req, createPIVTokenSchema) {
		return
	}

	result, err := s.PIVTokens.Create(pivtoken.CreateParams{
		GUID:                  req.GUID,
		CNUUID:                req.CNUUID,
		Pin:                   req.Pin,
		Serial:                req.Serial,
		Model:                 req.Model,
		PubKeys:               req.PubKeys,
		Attestation:           req.Attestation,
		RecoveryConfiguration: req.RecoveryConfiguration,
		Created:               time.Now().UTC(),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, pivTokenView(result.Token, result.AllTokens))
}

func (s *Server) listPIVTokens(w http.ResponseWriter, r *http.Request) {
	var tokens []*models.PIVToken
	var err error
	if q := r.URL.Query().Get("cn_uuid"); q != "" {
		tokens, err = s.PIVTokens.ListByCN([]string{q})
	} else {
		tokens, err = s.PIVTokens.List()
	}
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]any, 0, len(tokens))
	for _, t := range tokens {
		views = append(views, publicPIVTokenView(t))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) getPIVToken(w http.ResponseWriter, r *http.Request) {
	tok := pivTokenFromContext(r.Context())
	recTokens, err := s.RecoveryTokens.ListForPIV(tok.GUID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pivTokenView(tok, recTokens))
}

func (s *Server) getPIVTokenPin(w http.ResponseWriter, r *http.Request) {
	guid := chi.URLParam(r, "guid")
	tok, err := s.PIVTokens.GetPin(guid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (s *Server) deletePIVToken(w http.ResponseWriter, r *http.Request) {
	tok := pivTokenFromContext(r.Context())
	if err := s.PIVTokens.Delete(tok.GUID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// replacePIVToken implements spec.md §6's atomic replace: delete the
// named token, archiving it, then create the replacement under the
// requested recovery configuration, or the active one when none is
// named. Authenticated like the other signed routes: an hmac-*
// signature is checked against the replaced token's newest unexpired
// recovery token, any other algorithm against its 9e key.
func (s *Server) replacePIVToken(w http.ResponseWriter, r *http.Request) {
	old := pivTokenFromContext(r.Context())
	var req createPIVTokenRequest
	if !decodeAndValidate(w, r, &req, createPIVTokenSchema) {
		return
	}

	result, err := s.PIVTokens.Replace(old.GUID, pivtoken.CreateParams{
		GUID:                  req.GUID,
		CNUUID:                req.CNUUID,
		Pin:                   req.Pin,
		Serial:                req.Serial,
		Model:                 req.Model,
		PubKeys:               req.PubKeys,
		Attestation:           req.Attestation,
		RecoveryConfiguration: req.RecoveryConfiguration,
		Created:               time.Now().UTC(),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pivTokenView(result.Token, result.AllTokens))
}

// pivTokenView strips the pin field (spec.md §4.4: "sensitive fields
// stripped") and attaches recovery-token summaries.
func pivTokenView(t *models.PIVToken, recTokens []*models.RecoveryToken) map[string]any {
	view := publicPIVTokenView(t)
	summaries := make([]any, 0, len(recTokens))
	for _, rt := range recTokens {
		summaries = append(summaries, recoveryTokenSummary(rt))
	}
	view["recovery_tokens"] = summaries
	return view
}

func publicPIVTokenView(t *models.PIVToken) map[string]any {
	return map[string]any{
		"guid":        t.GUID,
		"cn_uuid":     t.CNUUID,
		"serial":      t.Serial,
		"model":       t.Model,
		"pubkeys":     models.PubKeys(t.PubKeys),
		"attestation": models.Attestation(t.Attestation),
		"created":     t.Created,
	}
}

// recoveryTokenSummary strips the raw token bytes (spec.md §4.4).
func recoveryTokenSummary(t *models.RecoveryToken) map[string]any {
	return map[string]any{
		"uuid":                   t.UUID,
		"recovery_configuration": t.RecoveryConfiguration,
		"created":                t.Created,
		"staged":                 t.Staged,
		"activated":              t.Activated,
		"expired":                t.Expired,
	}
}

func decodeAndValidate(w http.ResponseWriter, r *http.Request, dest any, schema validation.Schema) bool {
	raw := map[string]any{}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&raw); err != nil {
		writeError(w, apierrors.New(apierrors.InvalidParams, "malformed JSON body: %v", err))
		return false
	}
	if fieldErrs := schema.Validate(raw); len(fieldErrs) > 0 {
		errs := make([]apierrors.FieldError, len(fieldErrs))
		for i, fe := range fieldErrs {
			errs[i] = apierrors.FieldError(fe)
		}
		writeError(w, apierrors.WithFields(apierrors.InvalidParams, "validation failed", errs))
		return false
	}
	remarshaled, _ := json.Marshal(raw)
	if err := json.Unmarshal(remarshaled, dest); err != nil {
		writeError(w, apierrors.New(apierrors.InvalidParams, "malformed request body: %v", err))
		return false
	}
	return true
}
