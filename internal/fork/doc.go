// Package fork implements the document fork lifecycle: creating a working
// copy of a document with a frozen base snapshot, comparing it with the live
// document, and merging it back with a per-field three-way merge.
//
// Repository owns fork creation and state transitions, Engine performs
// merges and Comparer produces read-only side-by-side views. All three talk
// to the host through the DocumentStore and ForkStore ports.
package fork
