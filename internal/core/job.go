// Package core defines the domain types shared by the update orchestration
// workflows: job kinds, schedule state, geo update results, kernel update
// records, and the error taxonomy.
package core

// JobKind identifies a class of update job. Each kind has its own
// single-flight lock; at most one job per kind is ever in flight.
type JobKind string

const (
	// JobMergeReload regenerates the engine config and reloads the engine.
	JobMergeReload JobKind = "merge_reload"
	// JobGeoUpdate refreshes the geo database and rule providers.
	JobGeoUpdate JobKind = "geo_update"
	// JobKernelUpdate replaces the engine binary.
	JobKernelUpdate JobKind = "kernel_update"
)

// Trigger identifies who started a job.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduler Trigger = "scheduler"
)
