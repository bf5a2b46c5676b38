package importhandler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wheelforge/config"
	"wheelforge/db"
	"wheelforge/log"
)

type fakeSecretary struct {
	packages []string
	versions []string
	attempts []db.BuildAttempt
	files    [][]db.BuildFile
	deleted  []int64
	nextID   int64

	logBuildErr error
}

func (f *fakeSecretary) AddNewPackage(ctx context.Context, name string) error {
	f.packages = append(f.packages, name)
	return nil
}

func (f *fakeSecretary) AddNewPackageVersion(ctx context.Context, pkg, version string, releasedAt time.Time) error {
	f.versions = append(f.versions, pkg+"=="+version)
	return nil
}

func (f *fakeSecretary) LogBuild(ctx context.Context, attempt db.BuildAttempt, files []db.BuildFile) (int64, error) {
	if f.logBuildErr != nil {
		return 0, f.logBuildErr
	}
	f.nextID++
	f.attempts = append(f.attempts, attempt)
	f.files = append(f.files, files)
	return f.nextID, nil
}

func (f *fakeSecretary) DeleteBuild(ctx context.Context, buildID int64) ([]string, error) {
	f.deleted = append(f.deleted, buildID)
	return nil, nil
}

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Paths.Root = dir
	cfg.Paths.Simple = filepath.Join(dir, "simple")
	cfg.Paths.Project = filepath.Join(dir, "project")
	cfg.Paths.Logs = filepath.Join(dir, "logs")
	cfg.Paths.TempArea = filepath.Join(dir, "incoming")
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestImportFiles_RegistersInstallsAndLogsBuild(t *testing.T) {
	cfg := newTestConfig(t)
	sec := &fakeSecretary{}
	ih := New(cfg, sec, log.NoOpLogger{})

	src := filepath.Join(t.TempDir(), "numpy-1.26.4-cp311-cp311-linux_armv7l.whl")
	require.NoError(t, os.WriteFile(src, []byte("wheel contents"), 0o644))

	results := ih.ImportFiles(context.Background(), []string{src})
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, int64(1), results[0].BuildID)

	// Package and version are registered before the build is recorded, so
	// the build row's references resolve even for a brand-new package.
	assert.Equal(t, []string{"numpy"}, sec.packages)
	assert.Equal(t, []string{"numpy==1.26.4"}, sec.versions)

	dest := filepath.Join(cfg.Paths.Simple, "numpy", "numpy-1.26.4-cp311-cp311-linux_armv7l.whl")
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "wheel contents", string(data))

	require.Len(t, sec.attempts, 1)
	assert.Equal(t, "import", sec.attempts[0].BuiltBy)
	assert.Equal(t, db.BuildSuccess, sec.attempts[0].Status)
	require.Len(t, sec.files[0], 1)
	assert.Equal(t, "cp311", sec.files[0][0].ABITag)
	assert.Empty(t, sec.deleted)
}

func TestImportFiles_NoInstallWhenRecordFails(t *testing.T) {
	cfg := newTestConfig(t)
	sec := &fakeSecretary{logBuildErr: errors.New("constraint failed")}
	ih := New(cfg, sec, log.NoOpLogger{})

	src := filepath.Join(t.TempDir(), "numpy-1.26.4-cp311-cp311-linux_armv7l.whl")
	require.NoError(t, os.WriteFile(src, []byte("wheel contents"), 0o644))

	results := ih.ImportFiles(context.Background(), []string{src})
	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)

	dest := filepath.Join(cfg.Paths.Simple, "numpy", "numpy-1.26.4-cp311-cp311-linux_armv7l.whl")
	_, err := os.Stat(dest)
	assert.True(t, os.IsNotExist(err), "nothing may land under simple/ without a committed build record")
}

func TestImportFiles_RollsBackRecordWhenInstallFails(t *testing.T) {
	cfg := newTestConfig(t)
	sec := &fakeSecretary{}
	ih := New(cfg, sec, log.NoOpLogger{})

	// Point Simple below a regular file so installFile's MkdirAll fails.
	blocker := filepath.Join(cfg.Paths.Root, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	cfg.Paths.Simple = filepath.Join(blocker, "simple")

	src := filepath.Join(t.TempDir(), "numpy-1.26.4-cp311-cp311-linux_armv7l.whl")
	require.NoError(t, os.WriteFile(src, []byte("wheel contents"), 0o644))

	results := ih.ImportFiles(context.Background(), []string{src})
	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)
	assert.Equal(t, []int64{1}, sec.deleted, "the committed record must be deleted when install fails")
}

func TestImportFiles_RejectsMalformedFilename(t *testing.T) {
	cfg := newTestConfig(t)
	sec := &fakeSecretary{}
	ih := New(cfg, sec, log.NoOpLogger{})

	src := filepath.Join(t.TempDir(), "not-a-wheel.txt")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	results := ih.ImportFiles(context.Background(), []string{src})
	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)
	assert.Empty(t, sec.attempts)
	assert.Empty(t, sec.packages)
}

func TestParseWheelFilename(t *testing.T) {
	tags, err := parseWheelFilename("numpy-1.26.4-cp311-cp311-linux_armv7l.whl")
	require.NoError(t, err)
	assert.Equal(t, "numpy", tags.Package)
	assert.Equal(t, "1.26.4", tags.Version)
	assert.Equal(t, "cp311", tags.PyTag)
	assert.Equal(t, "cp311", tags.ABITag)
	assert.Equal(t, "linux_armv7l", tags.PlatformTag)

	_, err = parseWheelFilename("bogus.whl")
	assert.Error(t, err)
}
