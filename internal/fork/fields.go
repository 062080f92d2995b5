package fork

import "offshoot/api/internal/store"

// Field names a mergeable document field.
type Field string

const (
	FieldTitle   Field = "title"
	FieldContent Field = "content"
	FieldExcerpt Field = "excerpt"
)

var mergeableFields = []Field{FieldTitle, FieldContent, FieldExcerpt}

// MergeableFields returns the fields that take part in snapshots, merges and
// comparisons, in display order.
func MergeableFields() []Field {
	return append([]Field(nil), mergeableFields...)
}

func fieldsOf(doc store.Document) map[Field]string {
	return map[Field]string{
		FieldTitle:   doc.Title,
		FieldContent: doc.Content,
		FieldExcerpt: doc.Excerpt,
	}
}

func documentFields(values map[Field]string) store.DocumentFields {
	return store.DocumentFields{
		Title:   values[FieldTitle],
		Content: values[FieldContent],
		Excerpt: values[FieldExcerpt],
	}
}
