package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// SchemaVersion is the on-disk schema version this binary writes and
// expects (spec.md §6 "VERSION file").
const SchemaVersion = "1.0.0"

// Version is a parsed major.minor.patch VERSION file.
type Version struct {
	Major, Minor, Patch int
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

func ParseVersion(s string) (Version, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 3 {
		return Version{}, NewError(CodeCorruption, StorageError, FATAL, "malformed VERSION file: "+s, nil)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return Version{}, NewError(CodeCorruption, StorageError, FATAL, "malformed VERSION file: "+s, err)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// ReadVersionFile reads <dataRoot>/VERSION. A missing file is not an
// error — it means a fresh, never-initialized data root.
func ReadVersionFile(dataRoot string) (Version, bool, error) {
	b, err := os.ReadFile(filepath.Join(dataRoot, "VERSION"))
	if os.IsNotExist(err) {
		return Version{}, false, nil
	}
	if err != nil {
		return Version{}, false, NewError(CodeIOError, StorageError, FATAL, "reading VERSION file", err)
	}
	v, err := ParseVersion(string(b))
	if err != nil {
		return Version{}, false, err
	}
	return v, true, nil
}

func WriteVersionFile(dataRoot string, v Version) error {
	if err := os.MkdirAll(dataRoot, 0o755); err != nil {
		return NewError(CodeIOError, StorageError, FATAL, "creating data root", err)
	}
	if err := os.WriteFile(filepath.Join(dataRoot, "VERSION"), []byte(v.String()), 0o644); err != nil {
		return NewError(CodeIOError, StorageError, FATAL, "writing VERSION file", err)
	}
	return nil
}
