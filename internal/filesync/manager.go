package filesync

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/duke-git/lancet/v2/maputil"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"yqhp/cluster/pkg/logger"
	"yqhp/cluster/pkg/script"
	"yqhp/cluster/pkg/types"
)

const (
	coreDirName    = "core"
	userDirName    = "user"
	pendingDirName = "pending"
)

// Config configures a Manager.
type Config struct {
	// Root holds the core, user and pending directories.
	Root string `yaml:"root" env:"CL_FILES_ROOT"`
	// Platform selects the deferred script syntax: "windows" or anything
	// else for sh. Empty means the current OS.
	Platform string `yaml:"platform" env:"CL_FILES_PLATFORM"`
}

// Update is one file mutation, the payload of the file-update control task.
type Update struct {
	Kind types.FileKind `json:"kind"`
	Op   types.FileOp   `json:"op"`
	Name string         `json:"name"`
	Data []byte         `json:"data,omitempty"`
}

// Validate checks the update before it is applied or distributed.
func (u Update) Validate() error {
	if !u.Kind.Valid() {
		return fmt.Errorf("unknown file kind %q", u.Kind)
	}
	if u.Op != types.FileOpPut && u.Op != types.FileOpRemove {
		return fmt.Errorf("unknown file op %q", u.Op)
	}
	return ValidateName(u.Name)
}

// Manager owns a node's file partitions and its current code image.
type Manager struct {
	root       string
	coreDir    string
	userDir    string
	pendingDir string
	deferred   deferredScript
	logger     *zap.Logger

	// mu serializes writers; readers go through current.
	mu      sync.Mutex
	current atomic.Pointer[Image]
	seq     uint64
	builds  atomic.Int64
	closed  bool
}

// NewManager creates the partition directories if needed, fingerprints the
// existing files and builds the initial image.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("files root is required")
	}
	platform := cfg.Platform
	if platform == "" {
		platform = runtime.GOOS
	}

	m := &Manager{
		root:       cfg.Root,
		coreDir:    filepath.Join(cfg.Root, coreDirName),
		userDir:    filepath.Join(cfg.Root, userDirName),
		pendingDir: filepath.Join(cfg.Root, pendingDirName),
		deferred:   deferredScript{root: cfg.Root, windows: platform == "windows"},
		logger:     logger.Named("filesync"),
	}
	for _, dir := range []string{m.coreDir, m.userDir, m.pendingDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	core, _, err := scanDir(m.coreDir)
	if err != nil {
		return nil, err
	}
	user, files, err := scanDir(m.userDir)
	if err != nil {
		return nil, err
	}

	img, err := m.build(NewFilesInfo(core, user), files)
	if err != nil {
		return nil, err
	}
	m.current.Store(img)
	m.logger.Info("file manager ready",
		zap.String("root", m.root),
		zap.Int("core_files", len(core)),
		zap.Int("user_files", len(user)),
		zap.Int("modules", img.Modules()),
		zap.String("fingerprint", img.Info().Fingerprint),
	)
	return m, nil
}

// scanDir fingerprints the regular files directly inside dir.
func scanDir(dir string) (map[string]string, map[string][]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	fps := make(map[string]string)
	files := make(map[string][]byte)
	var result *multierror.Error
	for _, e := range entries {
		if !e.Type().IsRegular() || ValidateName(e.Name()) != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		fps[e.Name()] = Fingerprint(data)
		files[e.Name()] = data
	}
	return fps, files, result.ErrorOrNil()
}

func (m *Manager) build(info FilesInfo, files map[string][]byte) (*Image, error) {
	m.seq++
	img, err := buildImage(m.seq, m.userDir, info, files)
	if err != nil {
		return nil, err
	}
	m.builds.Add(1)
	return img, nil
}

// Root returns the root directory.
func (m *Manager) Root() string { return m.root }

// Info returns the current snapshot.
func (m *Manager) Info() FilesInfo {
	return m.current.Load().Info()
}

// Builds returns how many code images have been built.
func (m *Manager) Builds() int64 {
	return m.builds.Load()
}

// Acquire returns the current image with a reference held. Callers must
// Release it.
func (m *Manager) Acquire() (*Image, error) {
	for {
		img := m.current.Load()
		if img.acquire() {
			return img, nil
		}
		if m.current.Load() == img {
			return nil, ErrImageClosed
		}
	}
}

// AcquireImage implements script.ImageSource.
func (m *Manager) AcquireImage() (script.Image, error) {
	return m.Acquire()
}

// TypeOf implements codec.Resolver through the current image.
func (m *Manager) TypeOf(name string) (reflect.Type, bool) {
	return m.current.Load().TypeOf(name)
}

// Apply applies u and returns the resulting snapshot.
func (m *Manager) Apply(u Update) (FilesInfo, error) {
	if err := u.Validate(); err != nil {
		return m.Info(), err
	}
	if u.Op == types.FileOpRemove {
		return m.RemoveFile(u.Kind, u.Name)
	}
	return m.PutFile(u.Kind, u.Name, u.Data)
}

// PutFile adds or replaces a file. Core files are staged for the next
// restart. User files are hot-swapped into a new image unless the content is
// unchanged.
func (m *Manager) PutFile(kind types.FileKind, name string, data []byte) (FilesInfo, error) {
	if err := (Update{Kind: kind, Op: types.FileOpPut, Name: name}).Validate(); err != nil {
		return m.Info(), err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return m.Info(), ErrImageClosed
	}

	old := m.current.Load()
	info := old.Info()
	fp := Fingerprint(data)
	if current, ok := info.Partition(kind)[name]; ok && current == fp {
		return info, nil
	}

	var next *Image
	switch kind {
	case types.FileKindCore:
		staged := filepath.Join(m.pendingDir, name)
		prev, prevErr := os.ReadFile(staged)
		if err := writeFileAtomic(m.pendingDir, name, data); err != nil {
			return m.fail(info, "stage core file", name, err)
		}
		if err := m.deferred.append(m.deferred.moveLine(name)); err != nil {
			// an earlier staged version may already have its line in the script
			var rerr error
			if prevErr == nil {
				rerr = writeFileAtomic(m.pendingDir, name, prev)
			} else {
				rerr = os.Remove(staged)
			}
			if rerr != nil {
				err = multierror.Append(err, rerr)
			}
			return m.fail(info, "record core update", name, err)
		}
		core := copyWith(info.Core, name, fp)
		m.seq++
		next = old.withInfo(m.seq, NewFilesInfo(core, info.User))

	case types.FileKindUser:
		files, err := m.userFiles(old)
		if err != nil {
			return m.fail(info, "read user files", name, err)
		}
		files[name] = data
		next, err = m.build(NewFilesInfo(info.Core, copyWith(info.User, name, fp)), files)
		if err != nil {
			return m.fail(info, "build code image", name, err)
		}
		if err := writeFileAtomic(m.userDir, name, data); err != nil {
			return m.fail(info, "write user file", name, err)
		}

	default:
		return info, fmt.Errorf("unknown file kind %q", kind)
	}

	m.publish(old, next, kind, types.FileOpPut, name)
	return next.Info(), nil
}

// RemoveFile deletes a file. Removing a file that does not exist is a no-op.
func (m *Manager) RemoveFile(kind types.FileKind, name string) (FilesInfo, error) {
	if err := (Update{Kind: kind, Op: types.FileOpRemove, Name: name}).Validate(); err != nil {
		return m.Info(), err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return m.Info(), ErrImageClosed
	}

	old := m.current.Load()
	info := old.Info()
	if _, ok := info.Partition(kind)[name]; !ok {
		return info, nil
	}

	var next *Image
	switch kind {
	case types.FileKindCore:
		if err := os.Remove(filepath.Join(m.pendingDir, name)); err != nil && !os.IsNotExist(err) {
			return m.fail(info, "drop staged core file", name, err)
		}
		if err := m.deferred.append(m.deferred.removeLine(name)); err != nil {
			return m.fail(info, "record core removal", name, err)
		}
		core := copyWithout(info.Core, name)
		m.seq++
		next = old.withInfo(m.seq, NewFilesInfo(core, info.User))

	case types.FileKindUser:
		files, err := m.userFiles(old)
		if err != nil {
			return m.fail(info, "read user files", name, err)
		}
		delete(files, name)
		next, err = m.build(NewFilesInfo(info.Core, copyWithout(info.User, name)), files)
		if err != nil {
			return m.fail(info, "build code image", name, err)
		}
		if err := os.Remove(filepath.Join(m.userDir, name)); err != nil && !os.IsNotExist(err) {
			return m.fail(info, "remove user file", name, err)
		}

	default:
		return info, fmt.Errorf("unknown file kind %q", kind)
	}

	m.publish(old, next, kind, types.FileOpRemove, name)
	return next.Info(), nil
}

// userFiles copies the user file contents of img.
func (m *Manager) userFiles(img *Image) (map[string][]byte, error) {
	img.mu.RLock()
	defer img.mu.RUnlock()
	if img.closed.Load() {
		return nil, ErrImageClosed
	}
	files := make(map[string][]byte, len(img.files)+1)
	for k, v := range img.files {
		files[k] = v
	}
	return files, nil
}

func (m *Manager) publish(old, next *Image, kind types.FileKind, op types.FileOp, name string) {
	m.current.Store(next)
	old.retire()
	m.logger.Info("files updated",
		zap.String("kind", string(kind)),
		zap.String("op", string(op)),
		zap.String("name", name),
		zap.Uint64("image", next.ID()),
		zap.String("fingerprint", next.Info().Fingerprint),
	)
}

func (m *Manager) fail(info FilesInfo, action, name string, err error) (FilesInfo, error) {
	m.logger.Error("file update failed", zap.String("action", action), zap.String("name", name), zap.Error(err))
	return info, fmt.Errorf("%s %s: %w", action, name, err)
}

// Close retires the current image. Held references stay valid until released.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.current.Load().retire()
	return nil
}

func copyWith(src map[string]string, name, fp string) map[string]string {
	return maputil.Merge(src, map[string]string{name: fp})
}

func copyWithout(src map[string]string, name string) map[string]string {
	dst := make(map[string]string, len(src))
	for k, v := range src {
		if k != name {
			dst[k] = v
		}
	}
	return dst
}

// writeFileAtomic writes data to dir/name through a temporary file and rename.
func writeFileAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, filepath.Join(dir, name))
}
