package filesync

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"

	"yqhp/cluster/pkg/script"
)

// ErrImageClosed is returned when a retired image is used after its last
// reference was released.
var ErrImageClosed = errors.New("code image closed")

var dictType = reflect.TypeOf(map[string]any{})

// Image is one published code image: the user files and compiled script
// modules together with the FilesInfo snapshot they match.
type Image struct {
	id   uint64
	dir  string
	info FilesInfo

	mu       sync.RWMutex
	files    map[string][]byte
	programs map[string]*goja.Program
	declared map[string]bool

	// refs starts at one for the manager's own reference.
	refs    atomic.Int64
	retired atomic.Bool
	closed  atomic.Bool
}

func newImage(id uint64, dir string, info FilesInfo, files map[string][]byte, programs map[string]*goja.Program, declared map[string]bool) *Image {
	img := &Image{
		id:       id,
		dir:      dir,
		info:     info,
		files:    files,
		programs: programs,
		declared: declared,
	}
	img.refs.Store(1)
	return img
}

// buildImage compiles every script module among files. Each module runs its
// top level once so load errors surface before the image is published, and
// an optional global "types" array declares wire type names resolved to
// dictionaries.
func buildImage(id uint64, dir string, info FilesInfo, files map[string][]byte) (*Image, error) {
	programs := make(map[string]*goja.Program)
	declared := make(map[string]bool)
	for name, data := range files {
		if !script.IsModule(name) {
			continue
		}
		prog, err := script.Compile(name, data)
		if err != nil {
			return nil, err
		}
		vm := goja.New()
		if _, err := vm.RunProgram(prog); err != nil {
			return nil, fmt.Errorf("load module %s: %w", name, err)
		}
		if v := vm.Get("types"); v != nil {
			names, _ := v.Export().([]any)
			for _, n := range names {
				if s, ok := n.(string); ok && s != "" {
					declared[s] = true
				}
			}
		}
		programs[script.ModuleName(name)] = prog
	}
	return newImage(id, dir, info, files, programs, declared), nil
}

// withInfo returns a new image sharing this image's code under a new
// snapshot. Used when only core files changed.
func (i *Image) withInfo(id uint64, info FilesInfo) *Image {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return newImage(id, i.dir, info, i.files, i.programs, i.declared)
}

// ID returns the image's sequence number.
func (i *Image) ID() uint64 { return i.id }

// Dir returns the user directory the image was built from.
func (i *Image) Dir() string { return i.dir }

// Info returns the snapshot the image was built from.
func (i *Image) Info() FilesInfo { return i.info }

// Closed reports whether the image has been closed.
func (i *Image) Closed() bool { return i.closed.Load() }

// Refs returns the current reference count.
func (i *Image) Refs() int64 { return i.refs.Load() }

// acquire adds a reference unless the image is already closed.
func (i *Image) acquire() bool {
	for {
		n := i.refs.Load()
		if n <= 0 {
			return false
		}
		if i.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops one reference. The image closes when the count reaches zero.
func (i *Image) Release() {
	if i.refs.Add(-1) == 0 {
		i.close()
	}
}

// retire drops the manager's reference once the image is replaced.
func (i *Image) retire() {
	if i.retired.CompareAndSwap(false, true) {
		i.Release()
	}
}

func (i *Image) close() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed.Store(true)
	i.files = nil
	i.programs = nil
	i.declared = nil
}

// ReadFile returns the content of a user file as of this image.
func (i *Image) ReadFile(name string) ([]byte, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed.Load() {
		return nil, ErrImageClosed
	}
	data, ok := i.files[name]
	if !ok {
		return nil, fmt.Errorf("read %s: %w", name, os.ErrNotExist)
	}
	return append([]byte(nil), data...), nil
}

// Program implements script.Image. A closed image has no programs.
func (i *Image) Program(module string) (*goja.Program, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed.Load() {
		return nil, false
	}
	p, ok := i.programs[module]
	return p, ok
}

// Modules returns the number of compiled modules.
func (i *Image) Modules() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.programs)
}

// TypeOf implements codec.Resolver for names declared by script modules.
func (i *Image) TypeOf(name string) (reflect.Type, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed.Load() || !i.declared[name] {
		return nil, false
	}
	return dictType, true
}
