// Package recoverytoken implements the recovery-token half of
// spec.md §3/§4.4: stage, activate, and expire operations, each one
// atomic store.Batch enforcing the cross-sibling invariants (spec.md
// §9: "never two writes").
package recoverytoken

import (
	"time"

	"github.com/fleetops/kbmapi/internal/store"
	"github.com/fleetops/kbmapi/pkg/apierrors"
	"github.com/fleetops/kbmapi/pkg/models"
)

// Service implements recovery-token state transitions over a
// *store.Repo.
type Service struct {
	Repo *store.Repo
}

// Get returns one recovery token by UUID.
func (s *Service) Get(uuid string) (*models.RecoveryToken, error) {
	tok, err := s.Repo.Tokens.Get(uuid)
	if err != nil {
		return nil, translate(err)
	}
	return tok, nil
}

// ListForPIV returns every recovery token belonging to pivGUID.
func (s *Service) ListForPIV(pivGUID string) ([]*models.RecoveryToken, error) {
	rows, err := s.Repo.Tokens.List(store.ListOptions{
		Filter: store.Eq("pivtoken", pivGUID),
		Sort:   []store.Sort{{Field: "created"}},
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Stage stages uuid, atomically expiring any sibling token (same PIV,
// same configuration) that was staged-but-not-activated — spec.md §3
// rule 4.
func (s *Service) Stage(uuid string) (*models.RecoveryToken, error) {
	tok, err := s.Repo.Tokens.Get(uuid)
	if err != nil {
		return nil, translate(err)
	}
	now := time.Now().UTC()

	err = s.Repo.Batch(func(tx *store.Repo) error {
		siblings, err := siblingsOf(tx, tok)
		if err != nil {
			return err
		}
		for _, sib := range siblings {
			if sib.UUID == tok.UUID {
				continue
			}
			if sib.IsStagedUnexpired() && sib.Activated == nil {
				if err := tx.Tokens.Put(sib, sib.Etag(), map[string]any{"expired": now}); err != nil {
					return err
				}
			}
		}
		return tx.Tokens.Put(tok, tok.Etag(), map[string]any{"staged": now})
	})
	if err != nil {
		return nil, translate(err)
	}
	return s.Repo.Tokens.Get(uuid)
}

// Activate activates uuid, atomically expiring any sibling token that
// was active — spec.md §3 rule 5.
func (s *Service) Activate(uuid string) (*models.RecoveryToken, error) {
	tok, err := s.Repo.Tokens.Get(uuid)
	if err != nil {
		return nil, translate(err)
	}
	now := time.Now().UTC()

	err = s.Repo.Batch(func(tx *store.Repo) error {
		siblings, err := siblingsOf(tx, tok)
		if err != nil {
			return err
		}
		for _, sib := range siblings {
			if sib.UUID == tok.UUID {
				continue
			}
			if sib.IsActivatedUnexpired() {
				if err := tx.Tokens.Put(sib, sib.Etag(), map[string]any{"expired": now}); err != nil {
					return err
				}
			}
		}
		return tx.Tokens.Put(tok, tok.Etag(), map[string]any{"activated": now})
	})
	if err != nil {
		return nil, translate(err)
	}
	return s.Repo.Tokens.Get(uuid)
}

// Expire expires uuid unconditionally.
func (s *Service) Expire(uuid string) (*models.RecoveryToken, error) {
	tok, err := s.Repo.Tokens.Get(uuid)
	if err != nil {
		return nil, translate(err)
	}
	now := time.Now().UTC()
	if err := s.Repo.Tokens.Put(tok, tok.Etag(), map[string]any{"expired": now}); err != nil {
		return nil, translate(err)
	}
	return s.Repo.Tokens.Get(uuid)
}

// siblingsOf loads every recovery token sharing tok's (PIV token,
// recovery configuration) pair — the scope of spec.md §3's invariants.
func siblingsOf(tx *store.Repo, tok *models.RecoveryToken) ([]*models.RecoveryToken, error) {
	return tx.Tokens.List(store.ListOptions{
		Filter: store.And(
			store.Eq("pivtoken", tok.PIVToken),
			store.Eq("recovery_configuration", tok.RecoveryConfiguration),
		),
	})
}

func translate(err error) error {
	switch err {
	case store.ErrNotFound:
		return apierrors.NotFoundf("recovery token not found")
	case store.ErrConflict:
		return apierrors.New(apierrors.PreconditionFailed, "etag conflict")
	default:
		return err
	}
}
