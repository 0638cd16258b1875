package store

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

func isRecordNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// isUniqueViolation is a best-effort classifier across the two
// backends this service supports (spec.md §2 Store row: Postgres via
// lib/pq/jackc pgx, MySQL via go-sql-driver). Both report a
// recognizable substring rather than a typed error our gorm version
// can portably unwrap, so matching the driver message is the pragmatic
// choice — the same trade-off the teacher's pkg/jobs/store.go makes by
// falling back to a plain query when FOR UPDATE SKIP LOCKED isn't
// supported rather than branching on driver type.
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
