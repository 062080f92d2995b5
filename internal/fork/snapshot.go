package fork

import "offshoot/api/internal/store"

// Snapshot holds the values of the mergeable fields of the original document
// at the moment a fork was created. A field missing from the snapshot has no
// base; an empty string is a recorded base value.
type Snapshot map[Field]string

func TakeSnapshot(doc store.Document) Snapshot {
	snap := make(Snapshot, len(mergeableFields))
	for field, value := range fieldsOf(doc) {
		snap[field] = value
	}
	return snap
}

// Base returns the recorded base value of field and whether one exists.
func (s Snapshot) Base(field Field) (string, bool) {
	value, ok := s[field]
	return value, ok
}

func (s Snapshot) toStore() map[string]string {
	out := make(map[string]string, len(s))
	for field, value := range s {
		out[string(field)] = value
	}
	return out
}

func snapshotFromStore(raw map[string]string) Snapshot {
	snap := make(Snapshot, len(raw))
	for key, value := range raw {
		snap[Field(key)] = value
	}
	return snap
}
