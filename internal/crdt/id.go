package crdt

// ID identifies an operation (and any container or sequence item it
// created) as a (client, clock) pair. The zero value is the nil ID,
// used as the origin of head insertions.
type ID struct {
	Client uint64
	Clock  uint64
}

// IsNil reports whether the ID is the zero value.
func (id ID) IsNil() bool {
	return id.Client == 0 && id.Clock == 0
}

// greaterID orders IDs by clock, breaking ties by client. Used for
// last-writer-wins map resolution and sequence sibling ordering.
func greaterID(a, b ID) bool {
	if a.Clock != b.Clock {
		return a.Clock > b.Clock
	}
	return a.Client > b.Client
}
