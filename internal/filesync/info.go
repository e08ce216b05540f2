// Package filesync keeps a node's code and data files in sync with their
// fingerprints and hot-swaps the user code image without a restart.
//
// Files live in two partitions under a root directory. Core files take effect
// after a restart, so changes are staged under pending/ and recorded in a
// deferred apply script. User files are loaded into an Image, which pairs the
// compiled script modules with the FilesInfo snapshot they were built from.
// Every change publishes a new Image; the previous one is closed once the
// last in-flight reference is released.
package filesync

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/duke-git/lancet/v2/cryptor"
	"github.com/duke-git/lancet/v2/maputil"

	"yqhp/cluster/pkg/types"
)

// FilesInfo is an immutable snapshot of file fingerprints per partition.
type FilesInfo struct {
	Core        map[string]string `json:"core"`
	User        map[string]string `json:"user"`
	Fingerprint string            `json:"fingerprint"`
}

// NewFilesInfo builds a snapshot and its aggregate fingerprint. The maps are
// copied.
func NewFilesInfo(core, user map[string]string) FilesInfo {
	info := FilesInfo{
		Core: maputil.Merge(core),
		User: maputil.Merge(user),
	}
	info.Fingerprint = Aggregate(info.Core, info.User)
	return info
}

// Partition returns the fingerprints of one partition.
func (i FilesInfo) Partition(kind types.FileKind) map[string]string {
	if kind == types.FileKindCore {
		return i.Core
	}
	return i.User
}

// Len returns the number of files across both partitions.
func (i FilesInfo) Len() int {
	return len(i.Core) + len(i.User)
}

// Fingerprint returns the content fingerprint of data.
func Fingerprint(data []byte) string {
	return cryptor.Sha256(string(data))
}

// Aggregate hashes the sorted union of all per-file fingerprints.
func Aggregate(core, user map[string]string) string {
	all := append(maputil.Values(core), maputil.Values(user)...)
	sort.Strings(all)
	return cryptor.Sha256(strings.Join(all, "\n"))
}

// ErrInvalidName is returned for file names that could escape a partition.
var ErrInvalidName = errors.New("invalid file name")

// ValidateName rejects empty names, path separators, dot-files and "..".
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, `/\`), strings.Contains(name, ".."):
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: hidden file %q", ErrInvalidName, name)
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
