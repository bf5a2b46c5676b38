package db

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

func normalizePackageName(op, raw string) (string, error) {
	n := strings.ToLower(strings.TrimSpace(raw))
	if n == "" {
		return "", &ValidationError{Op: op, Field: "name", Msg: "must not be empty"}
	}
	return n, nil
}

func validatePackageVersion(op, pkg, version string) (string, error) {
	p := strings.ToLower(strings.TrimSpace(pkg))
	if p == "" {
		return "", &ValidationError{Op: op, Field: "package", Msg: "must not be empty"}
	}
	if version == "" {
		return "", &ValidationError{Op: op, Field: "version", Msg: "must not be empty"}
	}
	return p, nil
}

// AddNewPackage registers a new buildable package. Idempotent: registering
// the same name twice is a no-op, matching CloudGazer's need to retry a
// diff safely.
func (b *Broker) AddNewPackage(ctx context.Context, pkgName string) error {
	_, err := b.do(ctx, addNewPackageOp{pkgName: pkgName})
	return err
}

type addNewPackageOp struct{ pkgName string }

func (addNewPackageOp) name() string { return "add_new_package" }

func (o addNewPackageOp) Execute(ctx context.Context, tx pgx.Tx) (any, error) {
	name, err := normalizePackageName(o.name(), o.pkgName)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO packages (name) VALUES ($1)
		ON CONFLICT (name) DO NOTHING
	`, name)
	return nil, err
}

// SkipPackage sets (or clears, with an empty reason) a package's skip
// reason, hiding or restoring every one of its versions from the pending
// queue without deleting any history.
func (b *Broker) SkipPackage(ctx context.Context, pkgName, reason string) error {
	_, err := b.do(ctx, skipPackageOp{pkgName: pkgName, reason: reason})
	return err
}

type skipPackageOp struct{ pkgName, reason string }

func (skipPackageOp) name() string { return "skip_package" }

func (o skipPackageOp) Execute(ctx context.Context, tx pgx.Tx) (any, error) {
	name, err := normalizePackageName(o.name(), o.pkgName)
	if err != nil {
		return nil, err
	}
	tag, err := tx.Exec(ctx, `UPDATE packages SET skip = $2 WHERE name = $1`, name, o.reason)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return nil, nil
}

// AddNewPackageVersion registers a version of an already-known package.
// Idempotent on (package, version_str).
func (b *Broker) AddNewPackageVersion(ctx context.Context, pkgName, versionStr string, releasedAt time.Time) error {
	_, err := b.do(ctx, addNewPackageVersionOp{pkgName: pkgName, versionStr: versionStr, releasedAt: releasedAt})
	return err
}

type addNewPackageVersionOp struct {
	pkgName, versionStr string
	releasedAt           time.Time
}

func (addNewPackageVersionOp) name() string { return "add_new_package_version" }

func (o addNewPackageVersionOp) Execute(ctx context.Context, tx pgx.Tx) (any, error) {
	pkgName, err := validatePackageVersion(o.name(), o.pkgName, o.versionStr)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO versions (package, version_str, released_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (package, version_str) DO NOTHING
	`, pkgName, o.versionStr, o.releasedAt)
	return nil, err
}

// SkipPackageVersion sets (or clears) the skip reason on one version,
// removing it from (or restoring it to) the pending queue.
func (b *Broker) SkipPackageVersion(ctx context.Context, pkgName, versionStr, reason string) error {
	_, err := b.do(ctx, skipPackageVersionOp{pkgName: pkgName, versionStr: versionStr, reason: reason})
	return err
}

type skipPackageVersionOp struct {
	pkgName, versionStr, reason string
}

func (skipPackageVersionOp) name() string { return "skip_package_version" }

func (o skipPackageVersionOp) Execute(ctx context.Context, tx pgx.Tx) (any, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE versions SET skip = $3 WHERE package = $1 AND version_str = $2
	`, o.pkgName, o.versionStr, o.reason)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return nil, nil
}

// GetPendingPackages returns up to limit (package, version) pairs for abi
// with no successful BuildFile, ordered by release time ascending then
// package name ascending.
func (b *Broker) GetPendingPackages(ctx context.Context, abi string, limit int) ([]PendingBuild, error) {
	v, err := b.do(ctx, getPendingPackagesOp{abi: abi, limit: limit})
	if err != nil {
		return nil, err
	}
	return v.([]PendingBuild), nil
}

type getPendingPackagesOp struct {
	abi   string
	limit int
}

func (getPendingPackagesOp) name() string { return "get_pending_packages" }

func (o getPendingPackagesOp) Execute(ctx context.Context, tx pgx.Tx) (any, error) {
	limit := o.limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := tx.Query(ctx, `
		SELECT v.package, v.version_str, v.released_at
		FROM versions v
		JOIN packages p ON p.name = v.package
		WHERE v.skip = '' AND p.skip = ''
		  AND NOT EXISTS (
		      SELECT 1 FROM build_attempts ba
		      JOIN build_files bf ON bf.build_id = ba.build_id
		      WHERE ba.package = v.package AND ba.version = v.version_str
		        AND ba.abi_tag = $1 AND ba.status = 'success'
		  )
		ORDER BY v.released_at ASC, v.package ASC
		LIMIT $2
	`, o.abi, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]PendingBuild, 0, limit)
	for rows.Next() {
		var pb PendingBuild
		if err := rows.Scan(&pb.Package, &pb.Version, &pb.ReleasedAt); err != nil {
			return nil, err
		}
		out = append(out, pb)
	}
	return out, rows.Err()
}

// ListIndexedPackages returns every package with at least one BuildFile
// and no skip reason. Scribe's root index lists exactly these.
func (b *Broker) ListIndexedPackages(ctx context.Context) ([]IndexedPackage, error) {
	v, err := b.do(ctx, listIndexedPackagesOp{})
	if err != nil {
		return nil, err
	}
	return v.([]IndexedPackage), nil
}

type listIndexedPackagesOp struct{}

func (listIndexedPackagesOp) name() string { return "list_indexed_packages" }

func (o listIndexedPackagesOp) Execute(ctx context.Context, tx pgx.Tx) (any, error) {
	rows, err := tx.Query(ctx, `
		SELECT bf.package_tag, COUNT(*)
		FROM build_files bf
		JOIN packages p ON p.name = bf.package_tag
		WHERE p.skip = ''
		GROUP BY bf.package_tag
		ORDER BY bf.package_tag ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IndexedPackage
	for rows.Next() {
		var ip IndexedPackage
		if err := rows.Scan(&ip.Name, &ip.FileCount); err != nil {
			return nil, err
		}
		out = append(out, ip)
	}
	return out, rows.Err()
}

// ListPackages returns every known package, including skipped ones, for
// CloudGazer's diff against the upstream index.
func (b *Broker) ListPackages(ctx context.Context) ([]Package, error) {
	v, err := b.do(ctx, listPackagesOp{})
	if err != nil {
		return nil, err
	}
	return v.([]Package), nil
}

type listPackagesOp struct{}

func (listPackagesOp) name() string { return "list_packages" }

func (o listPackagesOp) Execute(ctx context.Context, tx pgx.Tx) (any, error) {
	rows, err := tx.Query(ctx, `SELECT name, skip FROM packages ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Package
	for rows.Next() {
		var p Package
		if err := rows.Scan(&p.Name, &p.Skip); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListPackageVersions returns every known version of pkgName, including
// skipped ones, for CloudGazer's diff against the upstream index.
func (b *Broker) ListPackageVersions(ctx context.Context, pkgName string) ([]Version, error) {
	v, err := b.do(ctx, listPackageVersionsOp{pkgName: pkgName})
	if err != nil {
		return nil, err
	}
	return v.([]Version), nil
}

type listPackageVersionsOp struct{ pkgName string }

func (listPackageVersionsOp) name() string { return "list_package_versions" }

func (o listPackageVersionsOp) Execute(ctx context.Context, tx pgx.Tx) (any, error) {
	name, err := normalizePackageName(o.name(), o.pkgName)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, `
		SELECT package, version_str, released_at, skip
		FROM versions WHERE package = $1
		ORDER BY version_str ASC
	`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Version
	for rows.Next() {
		var v Version
		if err := rows.Scan(&v.Package, &v.VersionStr, &v.ReleasedAt, &v.Skip); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
