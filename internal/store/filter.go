package store

import "gorm.io/gorm"

// Filter narrows a List/Count query to a predicate over indexed
// fields (spec.md §4.1). It is a plain function rather than a data
// structure so callers compose it the same way gorm queries compose —
// mirrors the buildQuery(base *gorm.DB) *gorm.DB closure in the
// teacher's pkg/jobs/store.go List implementation.
type Filter func(*gorm.DB) *gorm.DB

// All matches every row.
func All() Filter { return func(db *gorm.DB) *gorm.DB { return db } }

// Eq matches rows where column equals value.
func Eq(column string, value any) Filter {
	return func(db *gorm.DB) *gorm.DB { return db.Where(column+" = ?", value) }
}

// NotEq matches rows where column does not equal value.
func NotEq(column string, value any) Filter {
	return func(db *gorm.DB) *gorm.DB { return db.Where(column+" <> ?", value) }
}

// In matches rows where column is one of values.
func In(column string, values any) Filter {
	return func(db *gorm.DB) *gorm.DB { return db.Where(column+" IN ?", values) }
}

// Lt matches rows where column is less than value.
func Lt(column string, value any) Filter {
	return func(db *gorm.DB) *gorm.DB { return db.Where(column+" < ?", value) }
}

// IsNull matches rows where column is NULL.
func IsNull(column string) Filter {
	return func(db *gorm.DB) *gorm.DB { return db.Where(column + " IS NULL") }
}

// NotNull matches rows where column is not NULL.
func NotNull(column string) Filter {
	return func(db *gorm.DB) *gorm.DB { return db.Where(column + " IS NOT NULL") }
}

// And composes filters conjunctively.
func And(filters ...Filter) Filter {
	return func(db *gorm.DB) *gorm.DB {
		for _, f := range filters {
			if f != nil {
				db = f(db)
			}
		}
		return db
	}
}

// Sort names a field and direction for List's ORDER BY.
type Sort struct {
	Field string
	Desc  bool
}

func (s Sort) apply(db *gorm.DB) *gorm.DB {
	if s.Field == "" {
		return db
	}
	if s.Desc {
		return db.Order(s.Field + " DESC")
	}
	return db.Order(s.Field + " ASC")
}

// ListOptions bundles the List arguments named in spec.md §4.1.
type ListOptions struct {
	Filter Filter
	Sort   []Sort
	Limit  int
	Offset int
}
