package db

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// LogBuild atomically records one BuildAttempt and, if it succeeded, every
// BuildFile and Dependency it produced. Returns the assigned build_id.
// Re-submitting the same attempt is not itself idempotent (each call
// inserts a new attempt row by design — attempts are a history, not a
// singleton) but the files it carries are: BuildFile.Filename is the
// primary key, and a file whose filename already exists is upserted
// (ON CONFLICT DO UPDATE) to point at the new attempt with the new size
// and hash.
func (b *Broker) LogBuild(ctx context.Context, attempt BuildAttempt, files []BuildFile) (int64, error) {
	v, err := b.do(ctx, logBuildOp{attempt: attempt, files: files})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

type logBuildOp struct {
	attempt BuildAttempt
	files   []BuildFile
}

func (logBuildOp) name() string { return "log_build" }

func (o logBuildOp) Execute(ctx context.Context, tx pgx.Tx) (any, error) {
	a := o.attempt
	if a.Package == "" || a.Version == "" {
		return nil, &ValidationError{Op: o.name(), Field: "package/version", Msg: "must not be empty"}
	}
	if a.Status != BuildSuccess && a.Status != BuildFailure {
		return nil, &ValidationError{Op: o.name(), Field: "status", Msg: "must be success or failure"}
	}
	if len(o.files) > 0 && a.Status != BuildSuccess {
		return nil, ErrBadStatus
	}

	var buildID int64
	err := tx.QueryRow(ctx, `
		INSERT INTO build_attempts
			(package, version, abi_tag, built_by, duration_ms, status, started_at, output_log)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING build_id
	`, a.Package, a.Version, a.ABITag, a.BuiltBy, a.Duration.Milliseconds(),
		string(a.Status), a.StartedAt, a.Output,
	).Scan(&buildID)
	if err != nil {
		return nil, err
	}

	for _, f := range o.files {
		_, err := tx.Exec(ctx, `
			INSERT INTO build_files
				(filename, build_id, filesize, filehash, package_tag,
				 package_version_tag, py_version_tag, abi_tag, platform_tag)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (filename) DO UPDATE SET
				build_id = EXCLUDED.build_id,
				filesize = EXCLUDED.filesize,
				filehash = EXCLUDED.filehash
		`, f.Filename, buildID, f.Filesize, f.Filehash, f.PackageTag,
			f.VersionTag, f.PyVersionTag, f.ABITag, f.PlatformTag)
		if err != nil {
			return nil, err
		}

		for _, d := range f.Dependencies {
			_, err := tx.Exec(ctx, `
				INSERT INTO dependencies (filename, tool, dependency_name)
				VALUES ($1, $2, $3)
				ON CONFLICT DO NOTHING
			`, f.Filename, string(d.Tool), d.Name)
			if err != nil {
				return nil, err
			}
		}
	}

	return buildID, nil
}

// GetBuild retrieves one BuildAttempt by id, without its files (callers
// that need files use GetPackageFiles, which is indexed by package rather
// than build_id since that's how the index renderer consumes it).
func (b *Broker) GetBuild(ctx context.Context, buildID int64) (BuildAttempt, error) {
	v, err := b.do(ctx, getBuildOp{buildID: buildID})
	if err != nil {
		return BuildAttempt{}, err
	}
	return v.(BuildAttempt), nil
}

type getBuildOp struct{ buildID int64 }

func (getBuildOp) name() string { return "get_build" }

func (o getBuildOp) Execute(ctx context.Context, tx pgx.Tx) (any, error) {
	var a BuildAttempt
	var status string
	var durationMs int64
	err := tx.QueryRow(ctx, `
		SELECT build_id, package, version, abi_tag, built_by, duration_ms,
		       status, started_at, output_log
		FROM build_attempts WHERE build_id = $1
	`, o.buildID).Scan(
		&a.BuildID, &a.Package, &a.Version, &a.ABITag, &a.BuiltBy, &durationMs,
		&status, &a.StartedAt, &a.Output,
	)
	if err != nil {
		return nil, err
	}
	a.Status = BuildStatus(status)
	a.Duration = msToDuration(durationMs)
	return a, nil
}

// DeleteBuild removes a BuildAttempt and its BuildFiles (cascading to
// Dependencies), returning the filenames that were deleted so the caller
// can remove the matching artifacts from disk and tell Scribe to rewrite
// the affected index pages.
func (b *Broker) DeleteBuild(ctx context.Context, buildID int64) ([]string, error) {
	v, err := b.do(ctx, deleteBuildOp{buildID: buildID})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

type deleteBuildOp struct{ buildID int64 }

func (deleteBuildOp) name() string { return "delete_build" }

func (o deleteBuildOp) Execute(ctx context.Context, tx pgx.Tx) (any, error) {
	rows, err := tx.Query(ctx, `SELECT filename FROM build_files WHERE build_id = $1`, o.buildID)
	if err != nil {
		return nil, err
	}
	var filenames []string
	for rows.Next() {
		var fn string
		if err := rows.Scan(&fn); err != nil {
			rows.Close()
			return nil, err
		}
		filenames = append(filenames, fn)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM build_files WHERE build_id = $1`, o.buildID); err != nil {
		return nil, err
	}
	tag, err := tx.Exec(ctx, `DELETE FROM build_attempts WHERE build_id = $1`, o.buildID)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return filenames, nil
}

// GetPackageFiles lists every BuildFile for package, for Scribe's
// per-package index page.
func (b *Broker) GetPackageFiles(ctx context.Context, pkg string) ([]BuildFile, error) {
	v, err := b.do(ctx, getPackageFilesOp{pkg: pkg})
	if err != nil {
		return nil, err
	}
	return v.([]BuildFile), nil
}

type getPackageFilesOp struct{ pkg string }

func (getPackageFilesOp) name() string { return "get_package_files" }

func (o getPackageFilesOp) Execute(ctx context.Context, tx pgx.Tx) (any, error) {
	rows, err := tx.Query(ctx, `
		SELECT filename, build_id, filesize, filehash, package_tag,
		       package_version_tag, py_version_tag, abi_tag, platform_tag
		FROM build_files
		WHERE package_tag = $1
		ORDER BY filename ASC
	`, o.pkg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BuildFile
	for rows.Next() {
		var f BuildFile
		if err := rows.Scan(
			&f.Filename, &f.BuildID, &f.Filesize, &f.Filehash, &f.PackageTag,
			&f.VersionTag, &f.PyVersionTag, &f.ABITag, &f.PlatformTag,
		); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
