// Package indexer is a thin reactive layer between Secretary's successful
// writes and Scribe's coalescing rewrite queue. It carries no state of its
// own and blocks on nothing: every call is a non-blocking enqueue onto
// Scribe's pending set.
package indexer

// scribe is the subset of Scribe's API Indexer drives. Declared here so
// indexer has no import on the scribe package, and so tests can supply a
// fake that just records targets.
type scribe interface {
	RewritePackage(pkg string)
	RewriteProject(pkg string)
	RewriteRoot()
}

// Indexer reacts to DB mutations Secretary reports and enqueues the
// affected Scribe targets.
type Indexer struct {
	scribe scribe
}

// New creates an Indexer that forwards rewrite requests to scribe.
func New(scribe scribe) *Indexer {
	return &Indexer{scribe: scribe}
}

// NotifyBuildLogged is called after a successful log_build transaction
// (whether or not it carried files — a failed attempt still changes the
// package's build history that project/<package>/index.html may surface,
// and a successful one may add a package to the root index for the first
// time).
func (ix *Indexer) NotifyBuildLogged(pkg string) {
	ix.scribe.RewritePackage(pkg)
	ix.scribe.RewriteProject(pkg)
	ix.scribe.RewriteRoot()
}

// NotifyBuildDeleted is called after delete_build removes a BuildAttempt
// and its files: the package's own pages always need a
// rewrite; the root is only actually rewritten by Scribe if the package's
// file count dropped to zero, which Scribe determines itself via the
// body-hash compare.
func (ix *Indexer) NotifyBuildDeleted(pkg string) {
	ix.scribe.RewritePackage(pkg)
	ix.scribe.RewriteProject(pkg)
	ix.scribe.RewriteRoot()
}
