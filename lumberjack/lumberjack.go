// Package lumberjack ingests one line-delimited download record per line
// from the HTTP tier and forwards each to Secretary for persistence. It
// carries no state of its own; like Indexer, it only translates and
// forwards.
package lumberjack

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"wheelforge/db"
	"wheelforge/log"
)

// secretary is the subset of Secretary's API Lumberjack drives.
type secretary interface {
	LogDownload(ctx context.Context, d db.Download) error
}

// Lumberjack ingests download records and forwards them to Secretary.
type Lumberjack struct {
	secretary secretary
	logger    log.LibraryLogger
}

// New creates a Lumberjack.
func New(secretary secretary, logger log.LibraryLogger) *Lumberjack {
	return &Lumberjack{secretary: secretary, logger: logger}
}

// IngestStream reads one download record per line from r until EOF or ctx
// is canceled, logging and skipping malformed lines rather than aborting
// the whole stream (one bad record from the HTTP tier should not stop
// accounting for the rest).
func (l *Lumberjack) IngestStream(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		d, err := parseRecord(line)
		if err != nil {
			l.logger.Warn("lumberjack: skipping malformed record %q: %v", line, err)
			continue
		}
		if err := l.secretary.LogDownload(ctx, d); err != nil {
			l.logger.Warn("lumberjack: log_download %s: %v", d.Filename, err)
		}
	}
	return scanner.Err()
}

// Serve accepts one connection per invocation of the HTTP tier's logging
// hook (e.g. a lighttpd/nginx piped-logger helper) and ingests it as a
// stream, until ln is closed during shutdown.
func (l *Lumberjack) Serve(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go func() {
			defer conn.Close()
			if err := l.IngestStream(ctx, conn); err != nil && err != io.EOF {
				l.logger.Warn("lumberjack: ingest from %s: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

// recordFieldCount is the number of tab-separated columns a download
// record line carries, matching db.Download's columns in a fixed order:
// filename, host, unix-timestamp, arch, distro_name, distro_version,
// os_name, os_version, py_name, py_version.
const recordFieldCount = 10

func parseRecord(line string) (db.Download, error) {
	fields := strings.Split(line, "\t")
	if len(fields) != recordFieldCount {
		return db.Download{}, fmt.Errorf("expected %d tab-separated fields, got %d", recordFieldCount, len(fields))
	}

	unixSeconds, err := parseUnixSeconds(fields[2])
	if err != nil {
		return db.Download{}, fmt.Errorf("parse timestamp %q: %w", fields[2], err)
	}

	return db.Download{
		Filename:      fields[0],
		Host:          fields[1],
		Timestamp:     unixSeconds,
		Arch:          fields[3],
		DistroName:    fields[4],
		DistroVersion: fields[5],
		OSName:        fields[6],
		OSVersion:     fields[7],
		PyName:        fields[8],
		PyVersion:     fields[9],
	}, nil
}

func parseUnixSeconds(s string) (time.Time, error) {
	var sec int64
	if _, err := fmt.Sscanf(s, "%d", &sec); err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
