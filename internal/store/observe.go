package store

import "github.com/ledgersync/ledgersync/internal/schema"

// Observer receives a notification after a row has been committed. The
// origin tells the observer whether the change was user-caused or came
// in over the network, so a UI can refresh on both while the sync
// engine reacts only to local ones.
type Observer func(table, id string, op schema.Operation, origin Origin)

// Subscribe registers an observer and returns a cancel function that
// removes it. Observers run synchronously on the mutating goroutine
// after the transaction commits; they must not write back into the
// store or they will deadlock on the write lock.
func (s *Store) Subscribe(fn Observer) (cancel func()) {
	s.obsMu.Lock()
	id := s.nextObsID
	s.nextObsID++
	s.observers[id] = fn
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

func (s *Store) notify(table, id string, op schema.Operation, origin Origin) {
	s.obsMu.Lock()
	fns := make([]Observer, 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.Unlock()

	for _, fn := range fns {
		fn(table, id, op, origin)
	}
}
