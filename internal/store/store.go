// Package store is the only component in this repository allowed to
// touch the backing database (spec.md §4.1). It wraps *gorm.DB with a
// typed get / put (conditional on etag) / delete / list / count
// surface, grounded on the teacher's pkg/jobs/store.go transaction-
// per-operation style.
//
// Cross-row invariants (spec.md §3, §9: "every transition that must
// expire a sibling while creating/modifying a row MUST be one
// all-or-nothing batch") are expressed as one *gorm.DB.Transaction
// callback in which each statement runs through a Store[T] bound to
// the transaction's handle via WithTx — see internal/store/batch.go.
package store

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/fleetops/kbmapi/pkg/models"
)

// Keyed is the constraint every entity type given to Store[T] must
// satisfy: models.Row plus a named primary-key column (needed because
// "guid"/"uuid"/"id" vary per entity — spec.md §9's "small trait/
// interface consumed by the Store").
type Keyed interface {
	models.Row
	PKColumn() string
}

// Store provides typed CRUD for one entity type T. T is a pointer
// type (e.g. *models.PIVToken); factory allocates a fresh zero value
// since Go generics give no entity-agnostic "new(T)" for pointer type
// parameters.
type Store[T Keyed] struct {
	db      *gorm.DB
	factory func() T
}

// New creates a Store bound to db (a full connection, not necessarily
// a transaction).
func New[T Keyed](db *gorm.DB, factory func() T) *Store[T] {
	return &Store[T]{db: db, factory: factory}
}

// WithTx rebinds the Store to a transaction handle — used inside a
// Batch callback so every statement participates in the same
// all-or-nothing transaction.
func (s *Store[T]) WithTx(tx *gorm.DB) *Store[T] {
	return &Store[T]{db: tx, factory: s.factory}
}

func (s *Store[T]) pkColumn() string {
	return s.factory().PKColumn()
}

// Get returns the row with the given primary key, or ErrNotFound.
func (s *Store[T]) Get(key string) (T, error) {
	var zero T
	dest := s.factory()
	err := s.db.Where(s.pkColumn()+" = ?", key).First(dest).Error
	if err != nil {
		if isRecordNotFound(err) {
			return zero, ErrNotFound
		}
		return zero, fmt.Errorf("store: get: %w", err)
	}
	return dest, nil
}

// Create inserts a brand-new row, stamping a fresh etag. Returns
// ErrDuplicate on a unique-index violation.
func (s *Store[T]) Create(row T) error {
	row.SetEtag(models.NewEtag())
	if err := s.db.Create(row).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("store: create: %w", err)
	}
	return nil
}

// Put creates (etag == "") or conditionally updates (etag != "") the
// columns named in fields, plus a fresh etag; other columns keep their
// stored values. On a conditional put whose etag does not match the
// stored row, returns ErrConflict.
func (s *Store[T]) Put(row T, etag string, fields map[string]any) error {
	if etag == "" {
		return s.Create(row)
	}
	newEtag := models.NewEtag()
	fields = cloneFields(fields)
	fields["etag"] = newEtag
	result := s.db.Model(row).Where(s.pkColumn()+" = ? AND etag = ?", row.Key(), etag).Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("store: put: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := s.Get(row.Key()); err == ErrNotFound {
			return ErrNotFound
		}
		return ErrConflict
	}
	row.SetEtag(newEtag)
	return nil
}

// Delete removes a row, optionally conditioned on etag.
func (s *Store[T]) Delete(key string, etag string) error {
	dest := s.factory()
	q := s.db.Where(s.pkColumn()+" = ?", key)
	if etag != "" {
		q = q.Where("etag = ?", etag)
	}
	result := q.Delete(dest)
	if result.Error != nil {
		return fmt.Errorf("store: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := s.Get(key); err == ErrNotFound {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// List returns rows matching opts.
func (s *Store[T]) List(opts ListOptions) ([]T, error) {
	q := s.db.Model(s.factory())
	if opts.Filter != nil {
		q = opts.Filter(q)
	}
	for _, sr := range opts.Sort {
		q = sr.apply(q)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	var rows []T
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	return rows, nil
}

// Count returns the cardinality of rows matching filter without
// materializing them.
func (s *Store[T]) Count(filter Filter) (int64, error) {
	q := s.db.Model(s.factory())
	if filter != nil {
		q = filter(q)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("store: count: %w", err)
	}
	return n, nil
}

// UpdateMany applies fields to every row matching filter, returning
// the number of rows affected. Used for the batch-update-many half of
// spec.md §4.1's Batch contract (e.g. "expire all non-expired
// recovery tokens for a configuration").
func (s *Store[T]) UpdateMany(filter Filter, fields map[string]any) (int64, error) {
	q := s.db.Model(s.factory())
	if filter != nil {
		q = filter(q)
	}
	result := q.Updates(fields)
	if result.Error != nil {
		return 0, fmt.Errorf("store: update-many: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteMany removes every row matching filter, returning the count
// removed.
func (s *Store[T]) DeleteMany(filter Filter) (int64, error) {
	q := s.db.Model(s.factory())
	if filter != nil {
		q = filter(q)
	}
	result := q.Delete(s.factory())
	if result.Error != nil {
		return 0, fmt.Errorf("store: delete-many: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func cloneFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
