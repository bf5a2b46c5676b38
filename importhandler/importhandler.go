// Package importhandler implements the ImportHandler actor: a
// one-shot path for wheels built outside the farm (the `import` CLI calls
// ImportFiles with the files it was handed). It reuses FileJuggler's install
// shape — hash, verify, atomic rename into simple/<package>/<filename> —
// but starts from a local file path instead of a network upload session,
// since an externally produced wheel already sits on disk when the import
// CLI runs.
package importhandler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio"

	"wheelforge/config"
	"wheelforge/db"
	"wheelforge/log"
)

// builtByImport is recorded on BuildAttempt.BuiltBy for every file this
// handler installs, distinguishing an imported wheel from one a slave
// actually built.
const builtByImport = "import"

// secretary is the subset of Secretary's API ImportHandler drives.
type secretary interface {
	AddNewPackage(ctx context.Context, name string) error
	AddNewPackageVersion(ctx context.Context, pkg, version string, releasedAt time.Time) error
	LogBuild(ctx context.Context, attempt db.BuildAttempt, files []db.BuildFile) (int64, error)
	DeleteBuild(ctx context.Context, buildID int64) ([]string, error)
}

// ImportHandler installs externally produced wheels.
type ImportHandler struct {
	cfg       *config.Config
	secretary secretary
	logger    log.LibraryLogger
}

// New creates an ImportHandler.
func New(cfg *config.Config, secretary secretary, logger log.LibraryLogger) *ImportHandler {
	return &ImportHandler{cfg: cfg, secretary: secretary, logger: logger}
}

// Result is returned for each file ImportFiles processes, letting the CLI
// report a per-file outcome without aborting the whole batch.
type Result struct {
	Filename string
	BuildID  int64
	Err      error
}

// ImportFiles installs each path in paths, logging one synthetic
// BuildAttempt per file (built_by="import", status=success — an import
// that can't be verified is simply rejected, never recorded as a failed
// build, since no slave ever attempted it).
func (ih *ImportHandler) ImportFiles(ctx context.Context, paths []string) []Result {
	results := make([]Result, 0, len(paths))
	for _, p := range paths {
		id, err := ih.importOne(ctx, p)
		results = append(results, Result{Filename: filepath.Base(p), BuildID: id, Err: err})
		if err != nil {
			ih.logger.Warn("importhandler: %s: %v", p, err)
		}
	}
	return results
}

func (ih *ImportHandler) importOne(ctx context.Context, srcPath string) (int64, error) {
	filename := filepath.Base(srcPath)
	tags, err := parseWheelFilename(filename)
	if err != nil {
		return 0, fmt.Errorf("import %s: %w", filename, err)
	}

	info, err := os.Stat(srcPath)
	if err != nil {
		return 0, fmt.Errorf("import %s: %w", filename, err)
	}

	hash, err := hashFile(srcPath)
	if err != nil {
		return 0, fmt.Errorf("import %s: hash: %w", filename, err)
	}

	// The farm may never have heard of this package — register it and the
	// version first so the build record's foreign keys resolve. Both calls
	// are idempotent upserts, so re-importing is harmless.
	if err := ih.secretary.AddNewPackage(ctx, tags.Package); err != nil {
		return 0, fmt.Errorf("import %s: register package: %w", filename, err)
	}
	if err := ih.secretary.AddNewPackageVersion(ctx, tags.Package, tags.Version, time.Now()); err != nil {
		return 0, fmt.Errorf("import %s: register version: %w", filename, err)
	}

	bf := db.BuildFile{
		Filename:     filename,
		Filesize:     info.Size(),
		Filehash:     hash,
		PackageTag:   tags.Package,
		VersionTag:   tags.Version,
		PyVersionTag: tags.PyTag,
		ABITag:       tags.ABITag,
		PlatformTag:  tags.PlatformTag,
	}
	attempt := db.BuildAttempt{
		Package:   tags.Package,
		Version:   tags.Version,
		ABITag:    tags.ABITag,
		BuiltBy:   builtByImport,
		StartedAt: time.Now(),
		Status:    db.BuildSuccess,
	}

	id, err := ih.secretary.LogBuild(ctx, attempt, []db.BuildFile{bf})
	if err != nil {
		return 0, fmt.Errorf("import %s: record build: %w", filename, err)
	}

	// Install only once the record is committed, so a file under simple/
	// always has its BuildFile row. If the copy itself then fails, take
	// the record back out rather than leave a row with no file behind it.
	dest := filepath.Join(ih.cfg.Paths.Simple, tags.Package, filename)
	if err := installFile(ih.cfg.Paths.TempArea, srcPath, dest); err != nil {
		if _, delErr := ih.secretary.DeleteBuild(ctx, id); delErr != nil {
			ih.logger.Error("importhandler: roll back build %d after failed install: %v", id, delErr)
		}
		return 0, fmt.Errorf("import %s: install: %w", filename, err)
	}
	return id, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// installFile copies src into a temp file in tempDir and atomically
// renames it into dest, the same pattern filejuggler.transferOnce uses for
// network-received files — the import path has the bytes already local,
// so it copies instead of streaming chunks, but the install step is
// identical.
func installFile(tempDir, src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := renameio.TempFile(tempDir, dest)
	if err != nil {
		return err
	}
	defer tmp.Cleanup()

	if _, err := io.Copy(tmp, in); err != nil {
		return err
	}
	return tmp.CloseAtomicallyReplace()
}

// wheelTags is the set of tags encoded in a wheel filename, per PEP 427:
// {package}-{version}(-{build})?-{py_tag}-{abi_tag}-{platform_tag}.whl
type wheelTags struct {
	Package     string
	Version     string
	PyTag       string
	ABITag      string
	PlatformTag string
}

// parseWheelFilename validates and decomposes a wheel filename's tags
// before install. Rejects anything that isn't a five- or six-component
// ".whl" name.
func parseWheelFilename(filename string) (wheelTags, error) {
	if !strings.HasSuffix(filename, ".whl") {
		return wheelTags{}, fmt.Errorf("not a wheel filename: %s", filename)
	}
	trimmed := strings.TrimSuffix(filename, ".whl")
	parts := strings.Split(trimmed, "-")
	if len(parts) != 5 && len(parts) != 6 {
		return wheelTags{}, fmt.Errorf("malformed wheel filename: %s", filename)
	}
	// A six-part name has an optional numeric build tag in position 3; the
	// last three components are always py_tag/abi_tag/platform_tag.
	n := len(parts)
	tags := wheelTags{
		Package:     strings.ToLower(parts[0]),
		Version:     parts[1],
		PyTag:       parts[n-3],
		ABITag:      parts[n-2],
		PlatformTag: parts[n-1],
	}
	if tags.Package == "" || tags.Version == "" || tags.PyTag == "" || tags.ABITag == "" || tags.PlatformTag == "" {
		return wheelTags{}, fmt.Errorf("malformed wheel filename: %s", filename)
	}
	return tags, nil
}
