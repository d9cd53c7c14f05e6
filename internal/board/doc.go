// Package board holds the shared task state: a bounded, ordered task store,
// the batch selection, and the single-flight guard that allows at most one
// crawl in flight. Board serializes every operation behind one mutex and
// hands the task list to a crawler.Snapshotter after each mutation.
package board
