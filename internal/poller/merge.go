package poller

// mergeState holds the engine's reconciled view of the room log: an ordered
// slice plus an id index so merges stay idempotent.
type mergeState struct {
	ordered []Message
	byID    map[string]int
}

func newMergeState() *mergeState {
	return &mergeState{byID: make(map[string]int)}
}

// merge folds a batch into local state. Re-delivered messages are never
// duplicated; a held message missing its analysis picks it up in place when
// a later delivery carries one. It returns the identifier of the last newly
// appended message ("" when the batch added nothing new) and the count of
// appended messages.
func (m *mergeState) merge(batch []Message) (lastNewID string, appended int) {
	for _, incoming := range batch {
		if index, held := m.byID[incoming.ID]; held {
			if m.ordered[index].Analysis == nil && incoming.Analysis != nil {
				analysisCopy := *incoming.Analysis
				m.ordered[index].Analysis = &analysisCopy
			}
			continue
		}
		if incoming.Analysis != nil {
			analysisCopy := *incoming.Analysis
			incoming.Analysis = &analysisCopy
		}
		m.byID[incoming.ID] = len(m.ordered)
		m.ordered = append(m.ordered, incoming)
		lastNewID = incoming.ID
		appended++
	}
	return lastNewID, appended
}

// snapshot returns a defensive copy of the held messages.
func (m *mergeState) snapshot() []Message {
	if len(m.ordered) == 0 {
		return nil
	}
	copied := make([]Message, len(m.ordered))
	copy(copied, m.ordered)
	for i := range copied {
		if copied[i].Analysis != nil {
			analysisCopy := *copied[i].Analysis
			copied[i].Analysis = &analysisCopy
		}
	}
	return copied
}
