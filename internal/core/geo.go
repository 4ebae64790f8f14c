package core

// ChangeState reports whether an update actually retrieved new data.
// "Ran without error" and "changed something" are separate facts; callers
// need both.
type ChangeState string

const (
	ChangeYes     ChangeState = "yes"
	ChangeNo      ChangeState = "no"
	ChangeUnknown ChangeState = "unknown"
)

// GeoDBStatus classifies the outcome of a geo database refresh request.
type GeoDBStatus string

const (
	GeoDBUpdated GeoDBStatus = "updated"
	GeoDBFailed  GeoDBStatus = "failed"
	// GeoDBSkipped means the step was not requested.
	GeoDBSkipped GeoDBStatus = "skipped"
	// GeoDBBusy means the engine reported another geo update in progress.
	GeoDBBusy GeoDBStatus = "busy"
)

// ProbeResult is the outcome of the connectivity check against a
// representative proxy.
type ProbeResult struct {
	OK        bool   `json:"ok"`
	ProxyName string `json:"proxy_name,omitempty"`
	GroupName string `json:"group_name,omitempty"`
	LatencyMS int    `json:"latency_ms,omitempty"`
	Message   string `json:"message,omitempty"`
}

// RuleProviderOutcome is the per-provider result of the rule provider
// refresh step. One provider's failure never affects the others.
type RuleProviderOutcome struct {
	Name    string      `json:"name"`
	OK      bool        `json:"ok"`
	Changed ChangeState `json:"changed"`
	Error   string      `json:"error,omitempty"`
}

// GeoUpdateResult aggregates one geo update workflow run. It is built fresh
// per call and never persisted beyond its audit entry.
type GeoUpdateResult struct {
	Probe         *ProbeResult          `json:"probe,omitempty"`
	GeoDBStatus   GeoDBStatus           `json:"geo_db_status"`
	GeoDBChanged  ChangeState           `json:"geo_db_changed"`
	GeoDBMessage  string                `json:"geo_db_message,omitempty"`
	Providers     []RuleProviderOutcome `json:"providers"`
	OverallOK     bool                  `json:"overall_ok"`
	SummaryText   string                `json:"summary_text"`
	FailedSources []string              `json:"failed_sources,omitempty"`
}

// RuleProviderInfo describes one configured rule provider as reported by the
// engine's control API.
type RuleProviderInfo struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Behavior    string `json:"behavior"`
	Format      string `json:"format"`
	VehicleType string `json:"vehicle_type"`
	RuleCount   int    `json:"rule_count"`
	UpdatedAt   string `json:"updated_at"`
}

// ProxyGroup is one selectable proxy group as reported by the engine.
type ProxyGroup struct {
	Name  string
	Now   string
	Nodes []string
}
