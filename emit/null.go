package emit

// NullEmitter implements Emitter by discarding all events.
//
// Use it where event capture is not wanted: benchmarks, tests, or
// deployments that rely on zap logs and Prometheus metrics alone.
type NullEmitter struct{}

// NewNullEmitter returns an Emitter that drops every event.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(event Event) {}
