package filesync

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"yqhp/cluster/pkg/types"
)

func newTestManager(t *testing.T, platform string) *Manager {
	t.Helper()
	m, err := NewManager(Config{Root: t.TempDir(), Platform: platform})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestNewManagerScansExistingFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "core"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "user"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "core", "node.bin"), []byte("core"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "user", "data.txt"), []byte("data"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "user", "sum.js"), []byte("function fork(){}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "user", ".hidden"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "user", "nested"), 0o755))

	m, err := NewManager(Config{Root: root})
	require.NoError(t, err)
	defer m.Close()

	info := m.Info()
	assert.Equal(t, map[string]string{"node.bin": Fingerprint([]byte("core"))}, info.Core)
	assert.Len(t, info.User, 2)
	assert.Equal(t, Aggregate(info.Core, info.User), info.Fingerprint)

	img, err := m.Acquire()
	require.NoError(t, err)
	defer img.Release()
	_, ok := img.Program("sum")
	assert.True(t, ok)
}

func TestAggregateIsOrderIndependent(t *testing.T) {
	a := Aggregate(map[string]string{"a": "1", "b": "2"}, map[string]string{"c": "3"})
	b := Aggregate(map[string]string{"b": "2"}, map[string]string{"c": "3", "a": "1"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, Aggregate(map[string]string{"a": "1"}, nil))
}

// A user update with new content changes the fingerprint, the new
// image sees the new content and the old image is closed after the swap.
func TestUserUpdateSwapsImage(t *testing.T) {
	m := newTestManager(t, "")

	_, err := m.PutFile(types.FileKindUser, "config.txt", []byte("v1"))
	require.NoError(t, err)
	before := m.Info().Fingerprint

	old, err := m.Acquire()
	require.NoError(t, err)

	info, err := m.PutFile(types.FileKindUser, "config.txt", []byte("v2"))
	require.NoError(t, err)
	assert.NotEqual(t, before, info.Fingerprint)
	assert.Equal(t, info, m.Info())

	// the held reference keeps the old image readable
	data, err := old.ReadFile("config.txt")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
	assert.False(t, old.Closed())

	current, err := m.Acquire()
	require.NoError(t, err)
	data, err = current.ReadFile("config.txt")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
	assert.Equal(t, info, current.Info())
	current.Release()

	old.Release()
	assert.True(t, old.Closed())
	_, err = old.ReadFile("config.txt")
	assert.ErrorIs(t, err, ErrImageClosed)
	_, ok := old.Program("anything")
	assert.False(t, ok)

	onDisk, err := os.ReadFile(filepath.Join(m.Root(), "user", "config.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(onDisk))
}

func TestUnreferencedImageClosesOnSwap(t *testing.T) {
	m := newTestManager(t, "")
	img, err := m.Acquire()
	require.NoError(t, err)
	img.Release()

	_, err = m.PutFile(types.FileKindUser, "a.txt", []byte("a"))
	require.NoError(t, err)
	assert.True(t, img.Closed())
}

// TestPutFileIdempotentProperty 相同内容重复更新，聚合指纹不变且不会重建代码镜像
func TestPutFileIdempotentProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		m, err := NewManager(Config{Root: t.TempDir()})
		require.NoError(rt, err)
		defer m.Close()

		name := rapid.StringMatching(`[a-z]{1,8}\.txt`).Draw(rt, "name")
		data := rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(rt, "data")
		kind := rapid.SampledFrom([]types.FileKind{types.FileKindCore, types.FileKindUser}).Draw(rt, "kind")

		first, err := m.PutFile(kind, name, data)
		require.NoError(rt, err)
		builds := m.Builds()

		second, err := m.PutFile(kind, name, append([]byte(nil), data...))
		require.NoError(rt, err)
		assert.Equal(rt, first.Fingerprint, second.Fingerprint)
		assert.Equal(rt, builds, m.Builds())
	})
}

func TestRemoveUserFile(t *testing.T) {
	m := newTestManager(t, "")
	_, err := m.PutFile(types.FileKindUser, "job.js", []byte("function procSubTask(){ return 1 }"))
	require.NoError(t, err)

	img, err := m.Acquire()
	require.NoError(t, err)
	_, ok := img.Program("job")
	assert.True(t, ok)
	img.Release()

	info, err := m.RemoveFile(types.FileKindUser, "job.js")
	require.NoError(t, err)
	assert.Empty(t, info.User)

	img, err = m.Acquire()
	require.NoError(t, err)
	defer img.Release()
	_, ok = img.Program("job")
	assert.False(t, ok)
	_, err = os.Stat(filepath.Join(m.Root(), "user", "job.js"))
	assert.True(t, os.IsNotExist(err))

	builds := m.Builds()
	_, err = m.RemoveFile(types.FileKindUser, "job.js")
	require.NoError(t, err)
	assert.Equal(t, builds, m.Builds(), "removing a missing file is a no-op")
}

func TestCoreUpdatesAreDeferredUnix(t *testing.T) {
	m := newTestManager(t, "linux")

	info, err := m.PutFile(types.FileKindCore, "node.bin", []byte("new"))
	require.NoError(t, err)
	assert.Equal(t, Fingerprint([]byte("new")), info.Core["node.bin"])

	_, err = os.Stat(filepath.Join(m.Root(), "core", "node.bin"))
	assert.True(t, os.IsNotExist(err), "core files are not applied live")
	staged, err := os.ReadFile(filepath.Join(m.Root(), "pending", "node.bin"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(staged))

	_, err = m.RemoveFile(types.FileKindCore, "node.bin")
	require.NoError(t, err)

	script, err := os.ReadFile(filepath.Join(m.Root(), "apply-updates.sh"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(script)), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "#!/bin/sh", lines[0])
	assert.Equal(t, `mv -f "pending/node.bin" "core/node.bin"`, lines[2])
	assert.Equal(t, `rm -f "core/node.bin"`, lines[3])
}

func TestCoreUpdatesAreDeferredWindows(t *testing.T) {
	m := newTestManager(t, "windows")

	_, err := m.PutFile(types.FileKindCore, "node.dll", []byte("new"))
	require.NoError(t, err)
	_, err = m.RemoveFile(types.FileKindCore, "node.dll")
	require.NoError(t, err)

	script, err := os.ReadFile(filepath.Join(m.Root(), "apply-updates.bat"))
	require.NoError(t, err)
	assert.Contains(t, string(script), "move /Y \"pending\\node.dll\" \"core\\node.dll\"\r\n")
	assert.Contains(t, string(script), "del /F /Q \"core\\node.dll\"\r\n")
}

func TestFailedCoreRecordRestoresStagedFile(t *testing.T) {
	m := newTestManager(t, "linux")
	script := filepath.Join(m.Root(), "apply-updates.sh")
	staged := filepath.Join(m.Root(), "pending", "node.bin")

	// the script path is a directory, so recording the update fails
	require.NoError(t, os.Mkdir(script, 0o755))
	before := m.Info()
	_, err := m.PutFile(types.FileKindCore, "node.bin", []byte("v1"))
	require.Error(t, err)
	assert.Equal(t, before, m.Info())
	_, err = os.Stat(staged)
	assert.True(t, os.IsNotExist(err), "staged file is removed")

	require.NoError(t, os.Remove(script))
	_, err = m.PutFile(types.FileKindCore, "node.bin", []byte("v1"))
	require.NoError(t, err)
	recorded := m.Info()

	require.NoError(t, os.Remove(script))
	require.NoError(t, os.Mkdir(script, 0o755))
	_, err = m.PutFile(types.FileKindCore, "node.bin", []byte("v2"))
	require.Error(t, err)
	assert.Equal(t, recorded, m.Info())
	data, err := os.ReadFile(staged)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data), "previously staged version is kept")
}

func TestCoreUpdateKeepsCode(t *testing.T) {
	m := newTestManager(t, "")
	_, err := m.PutFile(types.FileKindUser, "sum.js", []byte("function join(){ return 0 }"))
	require.NoError(t, err)
	builds := m.Builds()

	_, err = m.PutFile(types.FileKindCore, "lib.so", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, builds, m.Builds())

	img, err := m.Acquire()
	require.NoError(t, err)
	defer img.Release()
	_, ok := img.Program("sum")
	assert.True(t, ok)
	assert.Contains(t, img.Info().Core, "lib.so")
}

func TestBrokenModuleLeavesSnapshotUnpublished(t *testing.T) {
	m := newTestManager(t, "")
	before := m.Info()

	_, err := m.PutFile(types.FileKindUser, "bad.js", []byte("function ("))
	require.Error(t, err)
	assert.Equal(t, before, m.Info())
	_, err = os.Stat(filepath.Join(m.Root(), "user", "bad.js"))
	assert.True(t, os.IsNotExist(err))
}

func TestInvalidNames(t *testing.T) {
	m := newTestManager(t, "")
	for _, name := range []string{"", ".", "..", "../x", "a/b", `a\b`, ".env", "x..y"} {
		_, err := m.PutFile(types.FileKindUser, name, []byte("x"))
		assert.True(t, errors.Is(err, ErrInvalidName), "name %q", name)
	}
	_, err := m.PutFile("other", "ok.txt", nil)
	assert.Error(t, err)
}

func TestDeclaredTypesResolve(t *testing.T) {
	m := newTestManager(t, "")
	_, err := m.PutFile(types.FileKindUser, "geo.js", []byte(`var types = ["point"];`))
	require.NoError(t, err)

	rt, ok := m.TypeOf("point")
	require.True(t, ok)
	assert.Equal(t, dictType, rt)
	_, ok = m.TypeOf("other")
	assert.False(t, ok)
}

func TestApplyUpdate(t *testing.T) {
	m := newTestManager(t, "")

	info, err := m.Apply(Update{Kind: types.FileKindUser, Op: types.FileOpPut, Name: "a.txt", Data: []byte("a")})
	require.NoError(t, err)
	assert.Contains(t, info.User, "a.txt")

	info, err = m.Apply(Update{Kind: types.FileKindUser, Op: types.FileOpRemove, Name: "a.txt"})
	require.NoError(t, err)
	assert.NotContains(t, info.User, "a.txt")

	_, err = m.Apply(Update{Kind: types.FileKindUser, Op: "chmod", Name: "a.txt"})
	assert.Error(t, err)
}

func TestCloseRetiresImage(t *testing.T) {
	m, err := NewManager(Config{Root: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, m.Close())

	_, err = m.Acquire()
	assert.ErrorIs(t, err, ErrImageClosed)
	_, err = m.PutFile(types.FileKindUser, "a.txt", nil)
	assert.ErrorIs(t, err, ErrImageClosed)
}
