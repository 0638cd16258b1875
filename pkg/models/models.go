// Package models defines the GORM-backed persistent entities of the
// PIV-fleet recovery service: PIV tokens, their recovery-token chains,
// fleet-wide recovery configurations, the transitions that drive them
// through the FSM, and the history archive left behind on token
// deletion.
package models

import "time"

// Row is implemented by every persistent entity. internal/store consumes
// it instead of growing an inheritance chain per entity.
type Row interface {
	Key() string
	Bucket() string
	Etag() string
	SetEtag(string)
}

// PubKeys is the record of a PIV token's three key slots. 9E is the
// authentication key; it is the only slot AuthN ever reads.
type PubKeys struct {
	Slot9A string `json:"9a,omitempty"`
	Slot9D string `json:"9d,omitempty"`
	Slot9E string `json:"9e"`
}

// Attestation mirrors PubKeys but holds the optional certificate chain
// proving each key's provenance. Never validated by this service (§1
// Non-goals: no attestation validation).
type Attestation struct {
	Slot9A string `json:"9a,omitempty"`
	Slot9D string `json:"9d,omitempty"`
	Slot9E string `json:"9e,omitempty"`
}

// PIVToken is one hardware security token, one per compute node.
type PIVToken struct {
	GUID        string      `gorm:"column:guid;primaryKey;type:varchar(32)"`
	CNUUID      string      `gorm:"column:cn_uuid;index:idx_piv_cn_uuid;not null"`
	Serial      string      `gorm:"column:serial"`
	Model       string      `gorm:"column:model"`
	PubKeys     PubKeysJSON `gorm:"column:pubkeys;type:jsonb"`
	Attestation AttestJSON  `gorm:"column:attestation;type:jsonb"`
	Pin         string      `gorm:"column:pin;not null"`
	Created     time.Time   `gorm:"column:created;not null"`
	SchemaVersion int       `gorm:"column:v;default:1;not null"`
	EtagValue   string      `gorm:"column:etag;not null"`
}

func (PIVToken) TableName() string   { return "pivtokens" }
func (p *PIVToken) Key() string      { return p.GUID }
func (p *PIVToken) Bucket() string   { return "pivtokens" }
func (p *PIVToken) Etag() string     { return p.EtagValue }
func (p *PIVToken) SetEtag(e string) { p.EtagValue = e }
func (p *PIVToken) PKColumn() string { return "guid" }

// RecoveryToken is one link in the ordered per-(PIV, configuration)
// chain of shared secrets. See spec.md §3 for the cross-sibling
// invariants this entity participates in.
type RecoveryToken struct {
	UUID                  string     `gorm:"column:uuid;primaryKey;type:varchar(36)"`
	PIVToken              string     `gorm:"column:pivtoken;index:idx_rt_pivtoken;not null"`
	RecoveryConfiguration string     `gorm:"column:recovery_configuration;index:idx_rt_config;not null"`
	Token                 string     `gorm:"column:token;not null"` // hex-encoded
	Created               time.Time  `gorm:"column:created;not null"`
	Staged                *time.Time `gorm:"column:staged"`
	Activated             *time.Time `gorm:"column:activated"`
	Expired               *time.Time `gorm:"column:expired"`
	SchemaVersion         int        `gorm:"column:v;default:1;not null"`
	EtagValue             string     `gorm:"column:etag;not null"`
}

func (RecoveryToken) TableName() string   { return "recovery_tokens" }
func (r *RecoveryToken) Key() string      { return r.UUID }
func (r *RecoveryToken) Bucket() string   { return "recovery_tokens" }
func (r *RecoveryToken) Etag() string     { return r.EtagValue }
func (r *RecoveryToken) SetEtag(e string) { r.EtagValue = e }
func (r *RecoveryToken) PKColumn() string { return "uuid" }

// IsStagedUnexpired reports whether this token currently occupies the
// "staged" slot for its (PIV, configuration) pair (spec.md §3 rule 1).
func (r *RecoveryToken) IsStagedUnexpired() bool {
	return r.Staged != nil && r.Expired == nil
}

// IsActivatedUnexpired reports whether this token currently occupies
// the "activated" slot (spec.md §3 rule 1).
func (r *RecoveryToken) IsActivatedUnexpired() bool {
	return r.Activated != nil && r.Expired == nil
}

// IsUntouched reports whether the token has never been staged,
// activated, or expired (spec.md §3 rule 3).
func (r *RecoveryToken) IsUntouched() bool {
	return r.Staged == nil && r.Activated == nil && r.Expired == nil
}

// RecoveryConfiguration is a single eBox template shared fleet-wide.
// Its FSM state is derived from the Created/Staged/Activated/Expired
// timestamps rather than stored directly — see spec.md §9.
type RecoveryConfiguration struct {
	UUID          string     `gorm:"column:uuid;primaryKey;type:varchar(36)"`
	Template      string     `gorm:"column:template;not null"`
	Created       time.Time  `gorm:"column:created;not null"`
	Staged        *time.Time `gorm:"column:staged"`
	Activated     *time.Time `gorm:"column:activated"`
	Expired       *time.Time `gorm:"column:expired"`
	SchemaVersion int        `gorm:"column:v;default:1;not null"`
	EtagValue     string     `gorm:"column:etag;not null"`
}

func (RecoveryConfiguration) TableName() string   { return "recovery_configurations" }
func (c *RecoveryConfiguration) Key() string      { return c.UUID }
func (c *RecoveryConfiguration) Bucket() string   { return "recovery_configurations" }
func (c *RecoveryConfiguration) Etag() string     { return c.EtagValue }
func (c *RecoveryConfiguration) SetEtag(e string) { c.EtagValue = e }
func (c *RecoveryConfiguration) PKColumn() string { return "uuid" }

// ConfigState is the derived lifecycle state of a RecoveryConfiguration.
type ConfigState string

const (
	ConfigStateNew       ConfigState = "new"
	ConfigStateCreated   ConfigState = "created"
	ConfigStateStaged    ConfigState = "staged"
	ConfigStateActive    ConfigState = "active"
	ConfigStateExpired   ConfigState = "expired"
	ConfigStateRemoved   ConfigState = "removed"
)

// State derives the configuration's FSM state from its timestamps
// (spec.md §4.5/§9 — a state column would not survive crash recovery
// as a single source of truth).
func (c *RecoveryConfiguration) State() ConfigState {
	switch {
	case c.Expired != nil:
		return ConfigStateExpired
	case c.Activated != nil:
		return ConfigStateActive
	case c.Staged != nil:
		return ConfigStateStaged
	case !c.Created.IsZero():
		return ConfigStateCreated
	default:
		return ConfigStateNew
	}
}

// TransitionName is one of the four fan-out actions a
// RecoveryConfigurationTransition can carry out.
type TransitionName string

const (
	TransitionStage      TransitionName = "stage"
	TransitionUnstage    TransitionName = "unstage"
	TransitionActivate   TransitionName = "activate"
	TransitionDeactivate TransitionName = "deactivate"
)

// TargetError is a structured per-target failure recorded in a
// transition's Errs array. Empty-object placeholders are pruned by
// the orchestrator before persisting (spec.md §3, §7).
type TargetError struct {
	Target  string `json:"target,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// IsEmpty reports whether this is a pruned placeholder.
func (e TargetError) IsEmpty() bool {
	return e.Target == "" && e.Code == "" && e.Message == ""
}

// RecoveryConfigurationTransition is the durable record of one
// fan-out operation across the fleet.
type RecoveryConfigurationTransition struct {
	UUID               string          `gorm:"column:uuid;primaryKey;type:varchar(36)"`
	RecoveryConfigUUID string          `gorm:"column:recovery_config_uuid;index:idx_trans_config;not null"`
	Name               TransitionName  `gorm:"column:name;not null"`
	Targets            StringArray     `gorm:"column:targets;type:jsonb"`
	Completed          StringArray     `gorm:"column:completed;type:jsonb"`
	TaskIDs            StringArray     `gorm:"column:taskids;type:jsonb"`
	Errs               TargetErrArray  `gorm:"column:errs;type:jsonb"`
	Concurrency        int             `gorm:"column:concurrency;not null"`
	Standalone         bool            `gorm:"column:standalone;not null"`
	Forced             bool            `gorm:"column:forced;not null"`
	LockedBy           string          `gorm:"column:locked_by"`
	Started            *time.Time      `gorm:"column:started"`
	Finished           *time.Time      `gorm:"column:finished"`
	Aborted            bool            `gorm:"column:aborted;not null"`
	SchemaVersion      int             `gorm:"column:v;default:1;not null"`
	EtagValue          string          `gorm:"column:etag;not null"`
}

func (RecoveryConfigurationTransition) TableName() string { return "recovery_configuration_transitions" }
func (t *RecoveryConfigurationTransition) Key() string      { return t.UUID }
func (t *RecoveryConfigurationTransition) Bucket() string   { return "recovery_configuration_transitions" }
func (t *RecoveryConfigurationTransition) Etag() string     { return t.EtagValue }
func (t *RecoveryConfigurationTransition) SetEtag(e string) { t.EtagValue = e }
func (t *RecoveryConfigurationTransition) PKColumn() string { return "uuid" }

// IsUnfinished reports whether this transition is still live (spec.md
// §3's at-most-one-unfinished-per-(config,name) invariant).
func (t *RecoveryConfigurationTransition) IsUnfinished() bool {
	return t.Finished == nil && !t.Aborted
}

// NonEmptyErrs filters pruned placeholders, per spec.md §3/§7.
func (t *RecoveryConfigurationTransition) NonEmptyErrs() []TargetError {
	out := make([]TargetError, 0, len(t.Errs))
	for _, e := range t.Errs {
		if !e.IsEmpty() {
			out = append(out, e)
		}
	}
	return out
}

// ActiveRange is the [start, end) interval a history row covers, used
// for retention queries (spec.md §3, PIVTokenHistory).
type ActiveRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// PIVTokenHistory is an append-only archive of a PIV token's data at
// delete time.
type PIVTokenHistory struct {
	ID            string         `gorm:"column:id;primaryKey;type:varchar(36)"`
	GUID          string         `gorm:"column:guid;index:idx_hist_guid;not null"`
	CNUUID        string         `gorm:"column:cn_uuid"`
	Serial        string         `gorm:"column:serial"`
	Model         string         `gorm:"column:model"`
	PubKeys       PubKeysJSON    `gorm:"column:pubkeys;type:jsonb"`
	Attestation   AttestJSON     `gorm:"column:attestation;type:jsonb"`
	ActiveRange   ActiveRangeJSON `gorm:"column:active_range;type:jsonb"`
	SchemaVersion int            `gorm:"column:v;default:1;not null"`
	EtagValue     string         `gorm:"column:etag;not null"`
}

func (PIVTokenHistory) TableName() string   { return "pivtoken_history" }
func (h *PIVTokenHistory) Key() string      { return h.ID }
func (h *PIVTokenHistory) Bucket() string   { return "pivtoken_history" }
func (h *PIVTokenHistory) Etag() string     { return h.EtagValue }
func (h *PIVTokenHistory) SetEtag(e string) { h.EtagValue = e }
func (h *PIVTokenHistory) PKColumn() string { return "id" }
