// Package secretary implements the Secretary actor: a fan-in writer
// that every other producer (CloudGazer, SlaveDriver, FileJuggler,
// Lumberjack) calls instead of touching db.Broker directly. Routing every
// write through one serialized mailbox bounds DB concurrency to whatever
// db.Broker itself allows and gives a single place to backpressure an
// overloaded producer: the mailbox send blocks rather than dropping the
// oldest queued event, trading latency for never losing a write.
package secretary

import (
	"context"
	"strconv"
	"time"

	"wheelforge/actor"
	"wheelforge/config"
	"wheelforge/db"
	"wheelforge/log"
)

// dbBroker is the subset of db.Broker's API Secretary forwards to. Declared
// here (not in db) so Secretary can be tested against a fake without a
// live Postgres connection.
type dbBroker interface {
	AddNewPackage(ctx context.Context, pkgName string) error
	AddNewPackageVersion(ctx context.Context, pkgName, versionStr string, releasedAt time.Time) error
	SkipPackage(ctx context.Context, pkgName, reason string) error
	SkipPackageVersion(ctx context.Context, pkgName, versionStr, reason string) error
	LogBuild(ctx context.Context, attempt db.BuildAttempt, files []db.BuildFile) (int64, error)
	DeleteBuild(ctx context.Context, buildID int64) ([]string, error)
	LogDownload(ctx context.Context, d db.Download) error
}

// buildJournal is the summary-stream surface of the master's multi-stream
// Logger. The plain LibraryLogger every actor takes is enough for
// diagnostics; when the logger handed to New is the full Logger, Secretary
// additionally records each outcome on the dedicated streams and captures
// the attempt's output under logs/builds/<build_id>.log, since every build
// record funnels through here exactly once.
type buildJournal interface {
	Success(pkg, version, abi string)
	Failed(pkg, version, abi, reason string)
	Skipped(pkg, version, reason string)
	Obsolete(filename string)
}

// indexNotifier is Indexer's side of the bargain: Secretary tells it which
// package mutated so it can enqueue a Scribe rewrite. Declared here to
// keep secretary free of an import on the indexer package.
type indexNotifier interface {
	NotifyBuildLogged(pkg string)
	NotifyBuildDeleted(pkg string)
}

// request is the sealed message type Secretary's mailbox carries; every
// case is a concrete operation with an apply method that the run loop
// calls, the same one-method interface shape db.Operation uses.
type request interface {
	apply(ctx context.Context, s *Secretary) (any, error)
}

// Secretary is the fan-in actor. Construct with New, which starts its run
// loop; call the typed methods (AddNewPackage, LogBuild, ...) from any
// goroutine.
type Secretary struct {
	cfg     *config.Config
	mailbox *actor.Mailbox[actor.Envelope[request, result]]
	broker  dbBroker
	indexer indexNotifier
	logger  log.LibraryLogger
	journal buildJournal // nil unless logger is the multi-stream Logger
}

type result struct {
	Value any
	Err   error
}

// New creates a Secretary with a bounded mailbox (depth eight times
// cfg.DB.NumWorkers, at least 16 — Secretary has no dedicated config
// section, so it reuses the DB pool's worker count) and starts its single
// run-loop goroutine.
func New(cfg *config.Config, broker dbBroker, indexer indexNotifier, logger log.LibraryLogger, shutdown *actor.Shutdown) *Secretary {
	depth := cfg.DB.NumWorkers * 8
	if depth < 16 {
		depth = 16
	}
	s := &Secretary{
		cfg:     cfg,
		mailbox: actor.NewMailbox[actor.Envelope[request, result]](depth),
		broker:  broker,
		indexer: indexer,
		logger:  logger,
	}
	if j, ok := logger.(buildJournal); ok {
		s.journal = j
	}
	go s.run(shutdown)
	return s
}

func (s *Secretary) run(shutdown *actor.Shutdown) {
	for {
		select {
		case env, ok := <-s.mailbox.Chan():
			if !ok {
				return
			}
			v, err := env.Req.apply(context.Background(), s)
			if err != nil {
				s.logger.Warn("secretary: %v", err)
			}
			env.Reply.Send(result{Value: v, Err: err})
		case <-shutdown.Done():
			return
		}
	}
}

func (s *Secretary) ask(ctx context.Context, req request) (any, error) {
	res, err := actor.Ask(ctx, s.mailbox, req)
	if err != nil {
		return nil, err
	}
	return res.Value, res.Err
}

type addPackageReq struct{ name string }

func (r addPackageReq) apply(ctx context.Context, s *Secretary) (any, error) {
	return nil, s.broker.AddNewPackage(ctx, r.name)
}

// AddNewPackage forwards a newly discovered package (CloudGazer) to the DB.
func (s *Secretary) AddNewPackage(ctx context.Context, name string) error {
	_, err := s.ask(ctx, addPackageReq{name: name})
	return err
}

type addVersionReq struct {
	pkg, version string
	releasedAt   time.Time
}

func (r addVersionReq) apply(ctx context.Context, s *Secretary) (any, error) {
	return nil, s.broker.AddNewPackageVersion(ctx, r.pkg, r.version, r.releasedAt)
}

// AddNewPackageVersion forwards a newly discovered version.
func (s *Secretary) AddNewPackageVersion(ctx context.Context, pkg, version string, releasedAt time.Time) error {
	_, err := s.ask(ctx, addVersionReq{pkg: pkg, version: version, releasedAt: releasedAt})
	return err
}

type skipPackageReq struct{ pkg, reason string }

func (r skipPackageReq) apply(ctx context.Context, s *Secretary) (any, error) {
	if err := s.broker.SkipPackage(ctx, r.pkg, r.reason); err != nil {
		return nil, err
	}
	if s.journal != nil && r.reason != "" {
		s.journal.Skipped(r.pkg, "", r.reason)
	}
	return nil, nil
}

// SkipPackage forwards a whole-package skip (Control or CloudGazer).
func (s *Secretary) SkipPackage(ctx context.Context, pkg, reason string) error {
	_, err := s.ask(ctx, skipPackageReq{pkg: pkg, reason: reason})
	return err
}

type skipVersionReq struct{ pkg, version, reason string }

func (r skipVersionReq) apply(ctx context.Context, s *Secretary) (any, error) {
	if err := s.broker.SkipPackageVersion(ctx, r.pkg, r.version, r.reason); err != nil {
		return nil, err
	}
	if s.journal != nil && r.reason != "" {
		s.journal.Skipped(r.pkg, r.version, r.reason)
	}
	return nil, nil
}

// SkipPackageVersion forwards a single-version skip.
func (s *Secretary) SkipPackageVersion(ctx context.Context, pkg, version, reason string) error {
	_, err := s.ask(ctx, skipVersionReq{pkg: pkg, version: version, reason: reason})
	return err
}

type logBuildReq struct {
	attempt db.BuildAttempt
	files   []db.BuildFile
}

func (r logBuildReq) apply(ctx context.Context, s *Secretary) (any, error) {
	id, err := s.broker.LogBuild(ctx, r.attempt, r.files)
	if err != nil {
		return int64(0), err
	}
	if s.indexer != nil {
		s.indexer.NotifyBuildLogged(r.attempt.Package)
	}
	s.journalBuild(id, r.attempt)
	return id, nil
}

// journalBuild records a committed attempt on the summary streams and
// captures its output under logs/builds/<build_id>.log.
func (s *Secretary) journalBuild(id int64, attempt db.BuildAttempt) {
	if s.journal == nil {
		return
	}
	w := log.NewBuildLogWriter(s.cfg, strconv.FormatInt(id, 10))
	defer w.Close()
	w.WriteHeader(attempt.Package, attempt.Version, attempt.ABITag)
	if attempt.Output != "" {
		w.WriteString(attempt.Output)
	}
	if attempt.Status == db.BuildSuccess {
		s.journal.Success(attempt.Package, attempt.Version, attempt.ABITag)
		w.WriteSuccess(attempt.Duration)
		return
	}
	s.journal.Failed(attempt.Package, attempt.Version, attempt.ABITag, "build failed")
	w.WriteFailure(attempt.Duration, "build failed")
}

// LogBuild atomically records a BuildAttempt (and its BuildFiles, if any)
// and, on success, notifies Indexer so Scribe rewrites the affected pages.
func (s *Secretary) LogBuild(ctx context.Context, attempt db.BuildAttempt, files []db.BuildFile) (int64, error) {
	v, err := s.ask(ctx, logBuildReq{attempt: attempt, files: files})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

type deleteBuildReq struct{ buildID int64 }

func (r deleteBuildReq) apply(ctx context.Context, s *Secretary) (any, error) {
	var pkg string
	if getter, ok := s.broker.(interface {
		GetBuild(ctx context.Context, buildID int64) (db.BuildAttempt, error)
	}); ok {
		if b, err := getter.GetBuild(ctx, r.buildID); err == nil {
			pkg = b.Package
		}
	}
	filenames, err := s.broker.DeleteBuild(ctx, r.buildID)
	if err != nil {
		return nil, err
	}
	if s.indexer != nil && pkg != "" {
		s.indexer.NotifyBuildDeleted(pkg)
	}
	if s.journal != nil {
		for _, f := range filenames {
			s.journal.Obsolete(f)
		}
	}
	return filenames, nil
}

// DeleteBuild removes a BuildAttempt and its files, returning the deleted
// filenames so the caller (Control) can remove them from disk, and
// notifies Indexer for the affected package.
func (s *Secretary) DeleteBuild(ctx context.Context, buildID int64) ([]string, error) {
	v, err := s.ask(ctx, deleteBuildReq{buildID: buildID})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

type logDownloadReq struct{ d db.Download }

func (r logDownloadReq) apply(ctx context.Context, s *Secretary) (any, error) {
	return nil, s.broker.LogDownload(ctx, r.d)
}

// LogDownload forwards one append-only download record (Lumberjack).
func (s *Secretary) LogDownload(ctx context.Context, d db.Download) error {
	_, err := s.ask(ctx, logDownloadReq{d: d})
	return err
}
