package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phpack/phpack/internal/fault"
	"github.com/phpack/phpack/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "db", "registry.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testProject(t *testing.T, name string) *types.Project {
	return &types.Project{
		Name:         name,
		Path:         filepath.Join(t.TempDir(), name),
		Type:         types.ProjectTypeLaravel,
		EntryFile:    "public/index.php",
		DocumentRoot: "public",
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.db")
	s, err := Open(context.Background(), path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(context.Background(), path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestProjectLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	p := testProject(t, "shop")
	require.NoError(t, s.Add(ctx, p))
	assert.NotEmpty(t, p.ID)

	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Name, got.Name)
	assert.Equal(t, p.Path, got.Path)
	assert.Equal(t, types.ProjectTypeLaravel, got.Type)
	assert.WithinDuration(t, p.CreatedAt, got.CreatedAt, time.Millisecond)

	byPath, err := s.GetByPath(ctx, p.Path)
	require.NoError(t, err)
	assert.Equal(t, p.ID, byPath.ID)

	got.Name = "shop-renamed"
	require.NoError(t, s.Update(ctx, got))
	again, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "shop-renamed", again.Name)

	require.NoError(t, s.Remove(ctx, p.ID))
	_, err = s.Get(ctx, p.ID)
	assert.True(t, fault.Is(err, fault.KindNotFound))
}

func TestAddDuplicatePath(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	p := testProject(t, "blog")
	require.NoError(t, s.Add(ctx, p))

	dup := &types.Project{Name: "blog2", Path: p.Path, Type: types.ProjectTypePlainPHP}
	err := s.Add(ctx, dup)
	assert.True(t, fault.Is(err, fault.KindInvalidConfig))
}

func TestAddRejectsRelativePath(t *testing.T) {
	err := openTestStore(t).Add(context.Background(), &types.Project{Name: "x", Path: "relative/dir"})
	assert.True(t, fault.Is(err, fault.KindInvalidConfig))
}

func TestRemoveUnknown(t *testing.T) {
	s := openTestStore(t)
	assert.True(t, fault.Is(s.Remove(context.Background(), "missing"), fault.KindNotFound))
	assert.True(t, fault.Is(s.Update(context.Background(), &types.Project{ID: "missing", Name: "x", Path: t.TempDir(), Type: types.ProjectTypeUnknown}), fault.KindNotFound))
}

func TestListOrder(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	old := testProject(t, "old")
	old.LastModified = time.Now().Add(-time.Hour)
	require.NoError(t, s.Add(ctx, old))
	recent := testProject(t, "recent")
	require.NoError(t, s.Add(ctx, recent))

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "recent", list[0].Name)
	assert.Equal(t, "old", list[1].Name)
}

func TestBuildConfigRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	p := testProject(t, "app")
	require.NoError(t, s.Add(ctx, p))

	_, err := s.LastBuildConfig(ctx, p.ID)
	assert.True(t, fault.Is(err, fault.KindNotFound))

	cfg := types.DefaultBuildConfig()
	cfg.AppName = "App"
	cfg.Platforms = []types.Platform{types.PlatformLinuxX64, types.PlatformMacOSARM64}
	cfg.Signing = types.SigningOptions{Certificate: "cert.p12", Password: "hunter2"}
	require.NoError(t, s.SaveBuildConfig(ctx, p.ID, cfg))

	cfg.AppVersion = "2.0.0"
	require.NoError(t, s.SaveBuildConfig(ctx, p.ID, cfg))

	got, err := s.LastBuildConfig(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", got.AppVersion)
	assert.Equal(t, cfg.Platforms, got.Platforms)
	assert.Equal(t, "cert.p12", got.Signing.Certificate)
	assert.Empty(t, got.Signing.Password)

	assert.True(t, fault.Is(s.SaveBuildConfig(ctx, "missing", cfg), fault.KindNotFound))
}

func TestSessionHistory(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	p := testProject(t, "app")
	require.NoError(t, s.Add(ctx, p))

	start := time.Now().Add(-time.Hour)
	for i, id := range []string{"s1", "s2", "s3"} {
		report := &types.SessionReport{
			SessionID:  id,
			ProjectID:  p.ID,
			AppName:    "App",
			AppVersion: "1.0.0",
			StartedAt:  start.Add(time.Duration(i) * time.Minute),
			FinishedAt: start.Add(time.Duration(i)*time.Minute + 30*time.Second),
			Results: []types.BuildResult{
				{Platform: types.PlatformWindowsX64, Status: types.BuildStatusSuccess, OutputPath: "/out/app.zip", Size: 10, Signed: true, Duration: 2 * time.Second},
				{Platform: types.PlatformLinuxX64, Status: types.BuildStatusFailed, Error: "boom", ErrorKind: "packaging"},
			},
		}
		require.NoError(t, s.RecordSession(ctx, report))
	}

	sessions, err := s.ListSessions(ctx, p.ID, 2)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "s3", sessions[0].SessionID)
	assert.Equal(t, "s2", sessions[1].SessionID)
	require.Len(t, sessions[0].Results, 2)

	win, ok := sessions[0].Result(types.PlatformWindowsX64)
	require.True(t, ok)
	assert.True(t, win.Signed)
	assert.Equal(t, 2*time.Second, win.Duration)
	linux, ok := sessions[0].Result(types.PlatformLinuxX64)
	require.True(t, ok)
	assert.Equal(t, "packaging", linux.ErrorKind)

	one, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, one.Succeeded())

	_, err = s.GetSession(ctx, "nope")
	assert.True(t, fault.Is(err, fault.KindNotFound))

	// removing the project drops its history
	require.NoError(t, s.Remove(ctx, p.ID))
	sessions, err = s.ListSessions(ctx, p.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestRecordSessionUnknownProject(t *testing.T) {
	err := openTestStore(t).RecordSession(context.Background(), &types.SessionReport{SessionID: "s1", ProjectID: "missing"})
	assert.True(t, fault.Is(err, fault.KindNotFound))
}
