package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// PubKeysJSON, AttestJSON, ActiveRangeJSON, StringArray, and
// TargetErrArray let the corresponding Go types round-trip through a
// single jsonb column via database/sql's Valuer/Scanner pair —
// the same approach gorm.io/gorm recommends for composite fields that
// don't warrant their own table.

type PubKeysJSON PubKeys

func (p PubKeysJSON) Value() (driver.Value, error) { return json.Marshal(p) }
func (p *PubKeysJSON) Scan(v any) error             { return scanJSON(v, p) }

type AttestJSON Attestation

func (a AttestJSON) Value() (driver.Value, error) { return json.Marshal(a) }
func (a *AttestJSON) Scan(v any) error             { return scanJSON(v, a) }

type ActiveRangeJSON ActiveRange

func (a ActiveRangeJSON) Value() (driver.Value, error) { return json.Marshal(a) }
func (a *ActiveRangeJSON) Scan(v any) error             { return scanJSON(v, a) }

type StringArray []string

func (s StringArray) Value() (driver.Value, error) {
	if s == nil {
		return json.Marshal([]string{})
	}
	return json.Marshal([]string(s))
}
func (s *StringArray) Scan(v any) error { return scanJSON(v, s) }

type TargetErrArray []TargetError

func (t TargetErrArray) Value() (driver.Value, error) {
	if t == nil {
		return json.Marshal([]TargetError{})
	}
	return json.Marshal([]TargetError(t))
}
func (t *TargetErrArray) Scan(v any) error { return scanJSON(v, t) }

func scanJSON(v any, dest any) error {
	if v == nil {
		return nil
	}
	var raw []byte
	switch x := v.(type) {
	case []byte:
		raw = x
	case string:
		raw = []byte(x)
	default:
		return fmt.Errorf("unsupported scan source type %T", v)
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dest)
}
