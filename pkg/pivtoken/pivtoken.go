// Package pivtoken implements the PIV-token model (spec.md §4.4):
// Create, Update, Delete, Get, GetPin, ListByCN, plus the implicit
// active-configuration selection and atomic co-creation with the
// token's first recovery token.
//
// Grounded on pkg/jobs/store.go's Enqueue idempotency-key pattern
// (look up an existing non-terminal row inside a transaction before
// creating) for the repeated-Create short-circuit.
package pivtoken

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/fleetops/kbmapi/internal/store"
	"github.com/fleetops/kbmapi/pkg/apierrors"
	"github.com/fleetops/kbmapi/pkg/models"
)

// recoveryTokenBytes is the width of a freshly generated recovery
// token body (spec.md §4.4: "40 uniformly random bytes").
const recoveryTokenBytes = 40

// CreateParams are the fields accepted by Create (spec.md §4.4).
type CreateParams struct {
	GUID                  string
	CNUUID                string
	PubKeys               models.PubKeys
	Attestation           models.Attestation
	Pin                   string
	Serial                string
	Model                 string
	Created               time.Time
	RecoveryConfiguration string // optional; implicit selection if empty
}

// Service implements the PIV-token model over a *store.Repo.
type Service struct {
	Repo                  *store.Repo
	RecoveryTokenDuration time.Duration
}

// CreateResult reports whether the call created a brand-new PIV token
// (201) or refreshed/returned an existing one (200).
type CreateResult struct {
	Token     *models.PIVToken
	Recovery  *models.RecoveryToken
	AllTokens []*models.RecoveryToken
	Created   bool // true => caller returns 201, false => 200
}

// Create implements spec.md §4.4's Create, including the implicit
// active-configuration selection, the atomic PIV-token + first-
// recovery-token write, and the recoveryTokenDuration-gated
// 200-vs-201 repeated-create behavior.
func (s *Service) Create(p CreateParams) (*CreateResult, error) {
	if p.GUID == "" || p.CNUUID == "" || p.Pin == "" || p.PubKeys.Slot9E == "" {
		return nil, apierrors.New(apierrors.MissingParam, "guid, cn_uuid, pin and pubkeys.9e are required")
	}
	if p.Created.IsZero() {
		p.Created = time.Now().UTC()
	}

	existing, err := s.Repo.PIVTokens.Get(p.GUID)
	if err == nil {
		return s.refresh(existing, p)
	}
	if err != store.ErrNotFound {
		return nil, fmt.Errorf("pivtoken: create: %w", err)
	}

	cfgUUID := p.RecoveryConfiguration
	if cfgUUID == "" {
		cfg, err := s.activeConfiguration()
		if err != nil {
			return nil, err
		}
		cfgUUID = cfg.UUID
	}
	cfg, err := s.Repo.Configs.Get(cfgUUID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apierrors.New(apierrors.InvalidParams, "recovery_configuration %q does not exist", cfgUUID)
		}
		return nil, fmt.Errorf("pivtoken: create: load configuration: %w", err)
	}

	tok := &models.PIVToken{
		GUID:        p.GUID,
		CNUUID:      p.CNUUID,
		Serial:      p.Serial,
		Model:       p.Model,
		PubKeys:     models.PubKeysJSON(p.PubKeys),
		Attestation: models.AttestJSON(p.Attestation),
		Pin:         p.Pin,
		Created:     p.Created,
	}
	rt, err := newRecoveryToken(tok.GUID, cfg)
	if err != nil {
		return nil, err
	}

	if err := s.Repo.Batch(func(tx *store.Repo) error {
		if err := tx.PIVTokens.Create(tok); err != nil {
			return err
		}
		return tx.Tokens.Create(rt)
	}); err != nil {
		if err == store.ErrDuplicate {
			return nil, apierrors.New(apierrors.Duplicate, "piv token %q already exists", p.GUID)
		}
		return nil, fmt.Errorf("pivtoken: create: %w", err)
	}

	return &CreateResult{Token: tok, Recovery: rt, AllTokens: []*models.RecoveryToken{rt}, Created: true}, nil
}

// refresh implements the repeated-Create path of spec.md §4.4.
func (s *Service) refresh(existing *models.PIVToken, p CreateParams) (*CreateResult, error) {
	all, err := s.recoveryTokensFor(existing.GUID)
	if err != nil {
		return nil, err
	}
	newest := newestByCreated(all)

	cfgUUID := p.RecoveryConfiguration
	if cfgUUID == "" {
		cfg, err := s.activeConfiguration()
		if err != nil {
			return nil, err
		}
		cfgUUID = cfg.UUID
	}

	if newest != nil && time.Since(newest.Created) < s.RecoveryTokenDuration && newest.RecoveryConfiguration == cfgUUID {
		return &CreateResult{Token: existing, Recovery: newest, AllTokens: all, Created: false}, nil
	}

	cfg, err := s.Repo.Configs.Get(cfgUUID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apierrors.New(apierrors.InvalidParams, "recovery_configuration %q does not exist", cfgUUID)
		}
		return nil, fmt.Errorf("pivtoken: refresh: load configuration: %w", err)
	}
	rt, err := newRecoveryToken(existing.GUID, cfg)
	if err != nil {
		return nil, err
	}

	if err := s.Repo.Batch(func(tx *store.Repo) error {
		// spec.md §3 rule 3: expire any untouched prior sibling.
		if newest != nil && newest.IsUntouched() {
			now := time.Now().UTC()
			if err := tx.Tokens.Put(newest, newest.Etag(), map[string]any{"expired": now}); err != nil {
				return err
			}
		}
		return tx.Tokens.Create(rt)
	}); err != nil {
		return nil, fmt.Errorf("pivtoken: refresh: %w", err)
	}

	all = append(all, rt)
	return &CreateResult{Token: existing, Recovery: rt, AllTokens: all, Created: false}, nil
}

// activeConfiguration selects the unique configuration matching
// "activated set, expired unset" (spec.md §4.4).
func (s *Service) activeConfiguration() (*models.RecoveryConfiguration, error) {
	rows, err := s.Repo.Configs.List(store.ListOptions{
		Filter: store.And(store.NotNull("activated"), store.IsNull("expired")),
		Limit:  2,
	})
	if err != nil {
		return nil, fmt.Errorf("pivtoken: active configuration lookup: %w", err)
	}
	if len(rows) == 0 {
		return nil, apierrors.New(apierrors.MissingParam, "no active recovery configuration exists for the fleet")
	}
	return rows[0], nil
}

func (s *Service) recoveryTokensFor(guid string) ([]*models.RecoveryToken, error) {
	rows, err := s.Repo.Tokens.List(store.ListOptions{Filter: store.Eq("pivtoken", guid)})
	if err != nil {
		return nil, fmt.Errorf("pivtoken: load recovery tokens: %w", err)
	}
	return rows, nil
}

func newestByCreated(tokens []*models.RecoveryToken) *models.RecoveryToken {
	var newest *models.RecoveryToken
	for _, t := range tokens {
		if newest == nil || t.Created.After(newest.Created) {
			newest = t
		}
	}
	return newest
}

// newRecoveryToken generates a fresh recovery token for piv/cfg. Its
// staged/activated timestamps are copied from cfg's state at the
// instant of creation (spec.md §4.4).
func newRecoveryToken(pivGUID string, cfg *models.RecoveryConfiguration) (*models.RecoveryToken, error) {
	raw := make([]byte, recoveryTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("pivtoken: generate recovery token: %w", err)
	}
	tokenHex := hex.EncodeToString(raw)
	return &models.RecoveryToken{
		UUID:                  models.DeriveUUID(raw),
		PIVToken:              pivGUID,
		RecoveryConfiguration: cfg.UUID,
		Token:                 tokenHex,
		Created:               time.Now().UTC(),
		Staged:                cfg.Staged,
		Activated:             cfg.Activated,
	}, nil
}

// Replace implements spec.md §6's atomic PIV-token replace: archive
// oldGUID into history, delete it and its recovery tokens, and create
// the replacement, all in one transaction (spec.md line 89: "atomic
// delete+create").
func (s *Service) Replace(oldGUID string, p CreateParams) (*CreateResult, error) {
	old, err := s.Repo.PIVTokens.Get(oldGUID)
	if err != nil {
		return nil, translate(err)
	}
	if p.GUID == "" || p.CNUUID == "" || p.Pin == "" || p.PubKeys.Slot9E == "" {
		return nil, apierrors.New(apierrors.MissingParam, "guid, cn_uuid, pin and pubkeys.9e are required")
	}
	if p.Created.IsZero() {
		p.Created = time.Now().UTC()
	}

	cfgUUID := p.RecoveryConfiguration
	if cfgUUID == "" {
		cfg, err := s.activeConfiguration()
		if err != nil {
			return nil, err
		}
		cfgUUID = cfg.UUID
	}
	cfg, err := s.Repo.Configs.Get(cfgUUID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apierrors.New(apierrors.InvalidParams, "recovery_configuration %q does not exist", cfgUUID)
		}
		return nil, fmt.Errorf("pivtoken: replace: load configuration: %w", err)
	}

	now := time.Now().UTC()
	hist := &models.PIVTokenHistory{
		ID:          models.NewEtag(),
		GUID:        old.GUID,
		CNUUID:      old.CNUUID,
		Serial:      old.Serial,
		Model:       old.Model,
		PubKeys:     old.PubKeys,
		Attestation: old.Attestation,
		ActiveRange: models.ActiveRangeJSON{Start: old.Created, End: now},
	}

	tok := &models.PIVToken{
		GUID:        p.GUID,
		CNUUID:      p.CNUUID,
		Serial:      p.Serial,
		Model:       p.Model,
		PubKeys:     models.PubKeysJSON(p.PubKeys),
		Attestation: models.AttestJSON(p.Attestation),
		Pin:         p.Pin,
		Created:     p.Created,
	}
	rt, err := newRecoveryToken(tok.GUID, cfg)
	if err != nil {
		return nil, err
	}

	if err := s.Repo.Batch(func(tx *store.Repo) error {
		if err := tx.History.Create(hist); err != nil {
			return err
		}
		if err := tx.PIVTokens.Delete(old.GUID, old.Etag()); err != nil {
			return err
		}
		if _, err := tx.Tokens.DeleteMany(store.Eq("pivtoken", old.GUID)); err != nil {
			return err
		}
		if err := tx.PIVTokens.Create(tok); err != nil {
			return err
		}
		return tx.Tokens.Create(rt)
	}); err != nil {
		if err == store.ErrDuplicate {
			return nil, apierrors.New(apierrors.Duplicate, "piv token %q already exists", p.GUID)
		}
		return nil, fmt.Errorf("pivtoken: replace: %w", err)
	}

	return &CreateResult{Token: tok, Recovery: rt, AllTokens: []*models.RecoveryToken{rt}, Created: true}, nil
}

// Update implements spec.md §4.4's Update: only cn_uuid is mutable.
func (s *Service) Update(guid string, etag string, fields map[string]any) (*models.PIVToken, error) {
	for k := range fields {
		if k != "cn_uuid" {
			return nil, apierrors.New(apierrors.InvalidUpdate, "field %q is not mutable", k)
		}
	}
	tok, err := s.Repo.PIVTokens.Get(guid)
	if err != nil {
		return nil, translate(err)
	}
	if err := s.Repo.PIVTokens.Put(tok, etag, fields); err != nil {
		return nil, translate(err)
	}
	return tok, nil
}

// Delete implements spec.md §4.4's Delete: archive into history, then
// delete the token and all its recovery tokens, atomically.
func (s *Service) Delete(guid string) error {
	tok, err := s.Repo.PIVTokens.Get(guid)
	if err != nil {
		return translate(err)
	}
	now := time.Now().UTC()
	hist := &models.PIVTokenHistory{
		ID:          models.NewEtag(),
		GUID:        tok.GUID,
		CNUUID:      tok.CNUUID,
		Serial:      tok.Serial,
		Model:       tok.Model,
		PubKeys:     tok.PubKeys,
		Attestation: tok.Attestation,
		ActiveRange: models.ActiveRangeJSON{Start: tok.Created, End: now},
	}

	return s.Repo.Batch(func(tx *store.Repo) error {
		if err := tx.History.Create(hist); err != nil {
			return err
		}
		if err := tx.PIVTokens.Delete(tok.GUID, tok.Etag()); err != nil {
			return err
		}
		_, err := tx.Tokens.DeleteMany(store.Eq("pivtoken", tok.GUID))
		return err
	})
}

// Get returns the token with its recovery-token summaries; sensitive
// fields are stripped by the caller (pkg/api) per spec.md §4.4.
func (s *Service) Get(guid string) (*models.PIVToken, []*models.RecoveryToken, error) {
	tok, err := s.Repo.PIVTokens.Get(guid)
	if err != nil {
		return nil, nil, translate(err)
	}
	tokens, err := s.recoveryTokensFor(guid)
	if err != nil {
		return nil, nil, err
	}
	return tok, tokens, nil
}

// GetPin returns the full record, including pin — authenticated caller
// only (spec.md §4.4).
func (s *Service) GetPin(guid string) (*models.PIVToken, error) {
	tok, err := s.Repo.PIVTokens.Get(guid)
	if err != nil {
		return nil, translate(err)
	}
	return tok, nil
}

// List returns every PIV token (spec.md §6 GET /pivtokens with no
// filter).
func (s *Service) List() ([]*models.PIVToken, error) {
	rows, err := s.Repo.PIVTokens.List(store.ListOptions{Sort: []store.Sort{{Field: "created"}}})
	if err != nil {
		return nil, fmt.Errorf("pivtoken: list: %w", err)
	}
	return rows, nil
}

// ListByCN returns tokens matching any cn_uuid in cnUUIDs.
func (s *Service) ListByCN(cnUUIDs []string) ([]*models.PIVToken, error) {
	rows, err := s.Repo.PIVTokens.List(store.ListOptions{Filter: store.In("cn_uuid", toAnySlice(cnUUIDs))})
	if err != nil {
		return nil, fmt.Errorf("pivtoken: list by cn: %w", err)
	}
	return rows, nil
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func translate(err error) error {
	switch err {
	case store.ErrNotFound:
		return apierrors.NotFoundf("piv token not found")
	case store.ErrConflict:
		return apierrors.New(apierrors.PreconditionFailed, "etag conflict")
	default:
		return err
	}
}
