package events

// Event enumerates bus topics. The Fan-out Engine is the only producer in
// this module (execution.recorded and execution.blocked); nothing publishes
// the other topics. The Live Status Hub is the only consumer.
type Event string

const (
	EventExecutionRecorded    Event = "execution.recorded"
	EventExecutionBlocked     Event = "execution.blocked"
	EventSafetyPaused         Event = "safety.paused"
	EventSafetyUnpaused       Event = "safety.unpaused"
	EventReconciliationReport Event = "reconciliation.report"
	EventIngestSkipped        Event = "ingest.skipped"
)
