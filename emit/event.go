package emit

// Event is an observability event produced while the predictor runs.
//
// Events cover the whole pipeline lifecycle:
//   - Dispatcher triggers and armed jobs
//   - Fetcher rounds (retries, backoff waits)
//   - Pipeline stage start/finish/error
//   - Store batch operations
//
// Events are delivered to an Emitter which can log them, turn them into
// OpenTelemetry spans, or discard them.
type Event struct {
	// JobID identifies the scheduled job (or pipeline run) that emitted
	// this event. Empty for process-level events.
	JobID string

	// Contest is the contest slug the event relates to, when applicable.
	Contest string

	// Stage names the pipeline stage ("predict", "archive", "realtime-rank",
	// "fetch-round", ...). Empty for job-level events.
	Stage string

	// Msg is a human-readable description of the event.
	Msg string

	// Meta carries additional structured data. Common keys:
	//   - "duration_ms": stage duration in milliseconds
	//   - "error": error details
	//   - "records": number of records affected
	//   - "wait": fetcher round wait in seconds
	Meta map[string]interface{}
}

// Emitter receives observability events from the predictor.
//
// Implementations must be safe for concurrent use and must not block the
// pipeline: if a backend is slow or unavailable, drop or buffer instead of
// stalling. Emit must not panic.
type Emitter interface {
	Emit(event Event)
}
