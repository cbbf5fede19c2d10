package orchestration

// Store persists a run's tracked state so the audit trail survives process
// restarts. Writes are write-through from Track; reads happen once at run
// start to resume history. Implementations live in the runstore package.
type Store interface {
	Append(runID string, e TrackedEntry) error
	Load(runID string) ([]TrackedEntry, error)
}
