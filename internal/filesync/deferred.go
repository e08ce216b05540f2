package filesync

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	applyScriptUnix    = "apply-updates.sh"
	applyScriptWindows = "apply-updates.bat"
)

// deferredScript records core file changes to be applied before the next
// start. Paths are relative to the root; the script changes into its own
// directory first.
type deferredScript struct {
	root    string
	windows bool
}

func (d deferredScript) path() string {
	if d.windows {
		return filepath.Join(d.root, applyScriptWindows)
	}
	return filepath.Join(d.root, applyScriptUnix)
}

func (d deferredScript) header() string {
	if d.windows {
		return "@echo off\r\ncd /d \"%~dp0\"\r\n"
	}
	return "#!/bin/sh\ncd \"$(dirname \"$0\")\" || exit 1\n"
}

func (d deferredScript) moveLine(name string) string {
	if d.windows {
		return fmt.Sprintf("move /Y \"%s\\%s\" \"%s\\%s\"\r\n", pendingDirName, name, coreDirName, name)
	}
	return fmt.Sprintf("mv -f \"%s/%s\" \"%s/%s\"\n", pendingDirName, name, coreDirName, name)
}

func (d deferredScript) removeLine(name string) string {
	if d.windows {
		return fmt.Sprintf("del /F /Q \"%s\\%s\"\r\n", coreDirName, name)
	}
	return fmt.Sprintf("rm -f \"%s/%s\"\n", coreDirName, name)
}

func (d deferredScript) append(line string) error {
	p := d.path()
	_, statErr := os.Stat(p)
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o755)
	if err != nil {
		return fmt.Errorf("open %s: %w", p, err)
	}
	defer f.Close()

	if os.IsNotExist(statErr) {
		line = d.header() + line
	}
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("append %s: %w", p, err)
	}
	return f.Sync()
}
