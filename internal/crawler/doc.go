// Package crawler holds the task model shared by the board, the batch runner,
// the reconciler and the crawler service client: task records and statuses,
// progress snapshots, sentinel errors and the collaborator interfaces.
package crawler
