package db

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// GetStatistics returns the counters Status broadcasts to monitors.
func (b *Broker) GetStatistics(ctx context.Context) (Statistics, error) {
	v, err := b.do(ctx, getStatisticsOp{})
	if err != nil {
		return Statistics{}, err
	}
	return v.(Statistics), nil
}

type getStatisticsOp struct{}

func (getStatisticsOp) name() string { return "get_statistics" }

func (o getStatisticsOp) Execute(ctx context.Context, tx pgx.Tx) (any, error) {
	var s Statistics
	err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM packages`).Scan(&s.Packages)
	if err != nil {
		return nil, err
	}
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM versions`).Scan(&s.Versions); err != nil {
		return nil, err
	}
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'success'),
		       COUNT(*) FILTER (WHERE status = 'failure')
		FROM build_attempts
	`).Scan(&s.Builds, &s.BuildsOK, &s.BuildsFailed)
	if err != nil {
		return nil, err
	}
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(filesize), 0) FROM build_files
	`).Scan(&s.Files, &s.DiskBytes)
	if err != nil {
		return nil, err
	}
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE timestamp > now() - interval '24 hours')
		FROM downloads
	`).Scan(&s.DownloadsLast24h)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// LogDownload appends one download record. Append-only: counts are derived
// on read rather than maintained as a mutable counter column, per the
// design decision to treat Download as a pure log.
func (b *Broker) LogDownload(ctx context.Context, d Download) error {
	_, err := b.do(ctx, logDownloadOp{d: d})
	return err
}

type logDownloadOp struct{ d Download }

func (logDownloadOp) name() string { return "log_download" }

func (o logDownloadOp) Execute(ctx context.Context, tx pgx.Tx) (any, error) {
	d := o.d
	if d.Filename == "" {
		return nil, &ValidationError{Op: o.name(), Field: "filename", Msg: "must not be empty"}
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO downloads
			(filename, host, timestamp, arch, distro_name, distro_version,
			 os_name, os_version, py_name, py_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, d.Filename, d.Host, d.Timestamp, d.Arch, d.DistroName, d.DistroVersion,
		d.OSName, d.OSVersion, d.PyName, d.PyVersion)
	return nil, err
}
