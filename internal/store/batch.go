package store

import (
	"fmt"

	"gorm.io/gorm"
)

// Batch runs fn inside one all-or-nothing transaction, grounded on
// pkg/jobs/store.go's `s.db.Transaction(func(tx *gorm.DB) error {...})`
// idiom. Every cross-row invariant in spec.md §3 (expiring a sibling
// while creating/modifying a row) must be expressed as one Batch call
// — never two separate writes (spec.md §9).
func Batch(db *gorm.DB, fn func(tx *gorm.DB) error) error {
	if err := db.Transaction(fn); err != nil {
		return fmt.Errorf("store: batch: %w", err)
	}
	return nil
}
