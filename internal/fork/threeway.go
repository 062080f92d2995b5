package fork

import "fmt"

// Resolution records which side a merged field value came from.
type Resolution string

const (
	ResolvedUnchanged Resolution = "unchanged"
	ResolvedFork      Resolution = "fork"
	ResolvedOriginal  Resolution = "original"
	ResolvedConflict  Resolution = "conflict"
)

// PolicyForkWins is the only conflict policy: the fork's value is kept and
// the conflict is reported.
const PolicyForkWins = "fork-wins"

type Conflict struct {
	Field       Field  `json:"field"`
	Base        string `json:"base"`
	Original    string `json:"original"`
	Fork        string `json:"fork"`
	Policy      string `json:"policy"`
	Description string `json:"description"`
}

// Outcome is the result of merging every mergeable field.
type Outcome struct {
	Values      map[Field]string
	Resolutions map[Field]Resolution
	Conflicts   []Conflict
}

// ThreeWay merges original and fork against base, field by field, in the
// order of MergeableFields. When base has no entry for a field, or the
// original still equals base, the fork's value is taken. When only the
// original moved, its value is kept. When both moved, the fork wins and a
// Conflict is recorded.
func ThreeWay(base Snapshot, original, fork map[Field]string) Outcome {
	out := Outcome{
		Values:      make(map[Field]string, len(mergeableFields)),
		Resolutions: make(map[Field]Resolution, len(mergeableFields)),
		Conflicts:   []Conflict{},
	}
	for _, field := range mergeableFields {
		value, resolution := mergeField(base, field, original[field], fork[field])
		out.Values[field] = value
		out.Resolutions[field] = resolution
		if resolution == ResolvedConflict {
			baseValue, _ := base.Base(field)
			out.Conflicts = append(out.Conflicts, Conflict{
				Field:       field,
				Base:        baseValue,
				Original:    original[field],
				Fork:        fork[field],
				Policy:      PolicyForkWins,
				Description: fmt.Sprintf("%s was changed in both the document and the fork; the fork's version was kept", field),
			})
		}
	}
	return out
}

func mergeField(base Snapshot, field Field, original, fork string) (string, Resolution) {
	baseValue, ok := base.Base(field)
	if !ok || baseValue == original {
		if fork == original {
			return fork, ResolvedUnchanged
		}
		return fork, ResolvedFork
	}
	if fork == baseValue {
		return original, ResolvedOriginal
	}
	if fork == original {
		// Both sides made the same edit.
		return fork, ResolvedUnchanged
	}
	return fork, ResolvedConflict
}
