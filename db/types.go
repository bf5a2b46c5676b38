// Package db implements the serialized database access layer: a small pool
// of workers, each owning one connection, fed through a broker that pairs
// idle workers with pending requests FIFO. The package, version and skip
// operations are idempotent at the SQL level so a caller can safely retry
// them. LogBuild is not: each call inserts a new BuildAttempt row, and only
// its BuildFile and Dependency rows are upserts.
package db

import "time"

// Package is unique by case-normalized name. A non-empty Skip hides every
// version of it from the pending build queue without deleting history.
type Package struct {
	Name string
	Skip string
}

// Version is unique by (Package, VersionString). ReleasedAt feeds the
// pending-queue ordering (oldest release first). Adding a version never
// implies a build; it only becomes eligible once CloudGazer or an operator
// records it.
type Version struct {
	Package     string
	VersionStr  string
	ReleasedAt  time.Time
	Skip        string
}

// BuildStatus is the outcome recorded for a BuildAttempt.
type BuildStatus string

const (
	BuildSuccess BuildStatus = "success"
	BuildFailure BuildStatus = "failure"
)

// BuildAttempt is an immutable record of one attempt by one slave. BuildID
// is assigned by the database on insert.
type BuildAttempt struct {
	BuildID   int64
	Package   string
	Version   string
	ABITag    string
	BuiltBy   string
	Duration  time.Duration
	Status    BuildStatus
	StartedAt time.Time
	Output    string
}

// BuildFile is an artifact produced by a successful BuildAttempt. Filename
// is globally unique; BuildID must reference a BuildAttempt whose status is
// success.
type BuildFile struct {
	Filename      string
	BuildID       int64
	Filesize      int64
	Filehash      string
	PackageTag    string
	VersionTag    string
	PyVersionTag  string
	ABITag        string
	PlatformTag   string
	Dependencies  []Dependency
}

// DependencyTool names the package manager a Dependency was resolved
// through; empty means an unqualified dependency name.
type DependencyTool string

const (
	DependencyAPT DependencyTool = "apt"
	DependencyPip DependencyTool = "pip"
	DependencyNone DependencyTool = ""
)

// Dependency is a child row of BuildFile, cascade-deleted with it.
type Dependency struct {
	Filename string
	Tool     DependencyTool
	Name     string
}

// Download is an append-only record of one file served by the HTTP tier.
type Download struct {
	Filename      string
	Host          string
	Timestamp     time.Time
	Arch          string
	DistroName    string
	DistroVersion string
	OSName        string
	OSVersion     string
	PyName        string
	PyVersion     string
}

// PendingBuild is one row of the derived pending-queue view: a
// (package, version) pair with no committed successful BuildFile for the
// requested ABI.
type PendingBuild struct {
	Package    string
	Version    string
	ReleasedAt time.Time
}

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// IndexedPackage is one row of the root-index projection: a package that
// has at least one BuildFile and is not itself skipped, with the file
// count Scribe needs to decide whether the root index changed.
type IndexedPackage struct {
	Name      string
	FileCount int64
}

// Statistics is the counter snapshot handed to Status for broadcast.
type Statistics struct {
	Packages         int64
	Versions         int64
	Builds           int64
	BuildsOK         int64
	BuildsFailed     int64
	Files            int64
	DiskBytes        int64
	DownloadsLast24h int64
}
