// Package domain defines the core types shared by the governance core:
// events, engines and their privileges, permission requests, temporal
// scopes and the tunable parameters exchanged between components.
package domain

import (
	"strings"
	"time"
)

// EventType identifies an event on the bus.
type EventType string

// Calculation lifecycle.
const (
	EventCalcStarted   EventType = "calc:started"
	EventCalcUpdated   EventType = "calc:updated"
	EventCalcCompleted EventType = "calc:completed"
)

// Domain updates.
const (
	EventScenarioUpdated EventType = "scenario:updated"
	EventTaxUpdated      EventType = "tax:updated"
	EventBidUpdated      EventType = "bid:updated"
)

// UI-facing.
const (
	EventUIDisplayInsight          EventType = "ui:displayInsight"
	EventUIAdaptiveInterfaceChange EventType = "ui:adaptive-interface-changed"
)

// Governance and telemetry.
const (
	EventGovernanceAlert     EventType = "ai:governance-alert"
	EventStabilityAlert      EventType = "ai:stability-alert"
	EventSafetyBreak         EventType = "ai:safety-break"
	EventFallbackEngaged     EventType = "ai:fallback-engaged"
	EventTemporalAnomaly     EventType = "ai:temporal-anomaly"
	EventTemporalTrend       EventType = "ai:temporal-trend"
	EventTemporalPrediction  EventType = "ai:temporal-prediction"
	EventParametersUpdated   EventType = "ai:parameters-updated"
	EventOpportunityDetected EventType = "ai:opportunity-detected"
	EventConflictDetected    EventType = "ai:conflict-detected"
)

// Namespace returns the prefix before the first ':' ("calc", "ui", "ai").
func (t EventType) Namespace() string {
	s := string(t)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i]
	}
	return ""
}

// Event is an immutable typed message. Once published it must not be mutated;
// the bus hands out copies of Metadata.
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Payload   any               `json:"payload,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source,omitempty"`
	Priority  int               `json:"priority"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Privilege determines how much gating an engine's emissions receive.
type Privilege string

const (
	PrivilegeSystem     Privilege = "system"
	PrivilegeElevated   Privilege = "elevated"
	PrivilegeStandard   Privilege = "standard"
	PrivilegeRestricted Privilege = "restricted"
)

// ParsePrivilege accepts only the four known variants. An empty string maps
// to PrivilegeStandard.
func ParsePrivilege(s string) (Privilege, error) {
	switch Privilege(s) {
	case "":
		return PrivilegeStandard, nil
	case PrivilegeSystem, PrivilegeElevated, PrivilegeStandard, PrivilegeRestricted:
		return Privilege(s), nil
	default:
		return "", NewEngineError(ErrInvalidPrivilege.Code, "unknown privilege "+s)
	}
}

// EngineConfig is the registration request for a producer/consumer engine.
type EngineConfig struct {
	ID               string      `json:"id" yaml:"id"`
	Name             string      `json:"name" yaml:"name"`
	Category         string      `json:"category" yaml:"category"`
	Privilege        string      `json:"privilege,omitempty" yaml:"privilege,omitempty"`
	AllowedEvents    []EventType `json:"allowed_events,omitempty" yaml:"allowed_events,omitempty"`
	SubscribedEvents []EventType `json:"subscribed_events,omitempty" yaml:"subscribed_events,omitempty"`
}

// EngineCounters are the per-engine gateway statistics.
type EngineCounters struct {
	Requested uint64 `json:"requested"`
	Granted   uint64 `json:"granted"`
	Denied    uint64 `json:"denied"`
	Emitted   uint64 `json:"emitted"`
	Executed  uint64 `json:"executed"`
	CacheHits uint64 `json:"cache_hits"`
}

// EngineRegistration is a registered engine as seen through the gateway's
// query surface.
type EngineRegistration struct {
	ID               string         `json:"id"`
	DisplayName      string         `json:"display_name"`
	Category         string         `json:"category"`
	Privilege        Privilege      `json:"privilege"`
	AllowedEvents    []EventType    `json:"allowed_events"`
	SubscribedEvents []EventType    `json:"subscribed_events"`
	Active           bool           `json:"active"`
	AutoRegistered   bool           `json:"auto_registered,omitempty"`
	Counters         EngineCounters `json:"counters"`
}

// PermissionRequest asks the gateway whether an engine may emit an event.
type PermissionRequest struct {
	EngineID  string    `json:"engine_id"`
	EventType EventType `json:"event_type"`
	Payload   any       `json:"payload,omitempty"`
	Priority  int       `json:"priority,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// PermissionResult is the gateway verdict. A denial is a value, not an error.
type PermissionResult struct {
	Granted         bool   `json:"granted"`
	Reason          string `json:"reason,omitempty"`
	ModifiedPayload any    `json:"modified_payload,omitempty"`
	DelayMs         int64  `json:"delay_ms,omitempty"`
	Cached          bool   `json:"cached,omitempty"`
}

// Denial and grant reasons reported in PermissionResult.Reason.
const (
	ReasonEngineNotRegistered  = "engine_not_registered"
	ReasonEventNotAllowed      = "event_not_in_allowed_list"
	ReasonEngineInactive       = "engine_inactive"
	ReasonAuthorityUnreachable = "authority_unreachable"
	ReasonSafeModeActive       = "safe_mode_active"
	ReasonRateLimited          = "rate_limited"
	ReasonDeniedByAuthority    = "denied_by_authority"
	ReasonActionNotPermitted   = "action_not_permitted"
	ReasonLoopDetected         = "loop_detected"
	ReasonRunawayActions       = "runaway_actions"
	ReasonCanceled             = "canceled"
	ReasonBusClosed            = "bus_closed"
	ReasonBypass               = "bypass"
	ReasonApproved             = "approved"
)

// Scope is a temporal memory scope.
type Scope string

const (
	ScopeUser        Scope = "user"
	ScopeCalculation Scope = "calculation"
	ScopeSession     Scope = "session"
	ScopeGlobal      Scope = "global"
)

// AllScopes lists every temporal scope in a stable order.
var AllScopes = []Scope{ScopeUser, ScopeCalculation, ScopeSession, ScopeGlobal}

// ParseScope validates a scope name.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeUser, ScopeCalculation, ScopeSession, ScopeGlobal:
		return Scope(s), nil
	default:
		return "", NewEngineError(ErrInvalidScope.Code, "unknown scope "+s)
	}
}

// Parameters are the tunables published by the adaptive loop.
type Parameters struct {
	Sensitivity    float64   `json:"sensitivity"`
	DebounceMs     int64     `json:"debounce_ms"`
	EvolutionScore float64   `json:"evolution_score"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DefaultParameters returns the starting point of the adaptive loop.
func DefaultParameters() Parameters {
	return Parameters{
		Sensitivity:    0.5,
		DebounceMs:     300,
		EvolutionScore: 0.5,
	}
}

// AlertLevel grades stability alerts.
type AlertLevel string

const (
	AlertWarning   AlertLevel = "warning"
	AlertCritical  AlertLevel = "critical"
	AlertRecovered AlertLevel = "recovered"
)

// SafetyAlert is the payload of ai:stability-alert, ai:safety-break and
// ai:fallback-engaged events.
type SafetyAlert struct {
	Level     AlertLevel `json:"level"`
	Reason    string     `json:"reason"`
	Risk      float64    `json:"risk,omitempty"`
	EventType EventType  `json:"event_type,omitempty"`
	Count     int        `json:"count,omitempty"`
}
