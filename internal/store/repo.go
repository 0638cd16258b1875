package store

import (
	"gorm.io/gorm"

	"github.com/fleetops/kbmapi/pkg/models"
)

// Repo bundles one Store[T] per entity bucket named in spec.md §6
// ("Logical buckets: pivtokens, pivtoken_history, recovery_
// configurations, recovery_tokens, recovery_configuration_
// transitions"). Model-service packages (pkg/pivtoken,
// pkg/recoverytoken, pkg/recoveryconfig, pkg/orchestrator, pkg/pruner)
// take a *Repo instead of a raw *gorm.DB.
type Repo struct {
	db *gorm.DB

	PIVTokens   *Store[*models.PIVToken]
	History     *Store[*models.PIVTokenHistory]
	Configs     *Store[*models.RecoveryConfiguration]
	Tokens      *Store[*models.RecoveryToken]
	Transitions *Store[*models.RecoveryConfigurationTransition]
}

// NewRepo builds a Repo bound to db.
func NewRepo(db *gorm.DB) *Repo {
	return &Repo{
		db:          db,
		PIVTokens:   New(db, func() *models.PIVToken { return &models.PIVToken{} }),
		History:     New(db, func() *models.PIVTokenHistory { return &models.PIVTokenHistory{} }),
		Configs:     New(db, func() *models.RecoveryConfiguration { return &models.RecoveryConfiguration{} }),
		Tokens:      New(db, func() *models.RecoveryToken { return &models.RecoveryToken{} }),
		Transitions: New(db, func() *models.RecoveryConfigurationTransition { return &models.RecoveryConfigurationTransition{} }),
	}
}

// WithTx rebinds every sub-store to tx, for use inside a Batch
// callback.
func (r *Repo) WithTx(tx *gorm.DB) *Repo {
	return NewRepo(tx)
}

// Batch runs fn in one all-or-nothing transaction, handing fn a Repo
// whose sub-stores are all bound to that transaction (spec.md §9:
// "every transition that must expire a sibling while creating/
// modifying a row MUST be one all-or-nothing batch; never two
// writes").
func (r *Repo) Batch(fn func(tx *Repo) error) error {
	return Batch(r.db, func(tx *gorm.DB) error {
		return fn(r.WithTx(tx))
	})
}
