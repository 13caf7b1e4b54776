package sandbox

import (
	"fmt"
	"math"
	"path/filepath"
	"time"
)

// Permission is the access mode granted to a mounted directory or file.
type Permission string

// Permission values, matching the lowercase wire enum.
const (
	PermRead      Permission = "read"
	PermWrite     Permission = "write"
	PermReadWrite Permission = "read-write"
)

func (p Permission) valid() bool {
	switch p {
	case PermRead, PermWrite, PermReadWrite:
		return true
	default:
		return false
	}
}

// MountConfig binds a host path into the guest filesystem view under
// GuestPath with the given directory and file permissions. Immutable once
// attached to a Context or Sandbox.
type MountConfig struct {
	HostPath  string     `json:"host"`
	GuestPath string     `json:"guest"`
	DirPerms  Permission `json:"dir_perms"`
	FilePerms Permission `json:"file_perms"`
}

func (m MountConfig) validate() error {
	if m.HostPath == "" || m.GuestPath == "" {
		return fmt.Errorf("%w: mount requires host_path and guest_path", ErrInvalidArgument)
	}
	if !filepath.IsAbs(m.GuestPath) {
		return fmt.Errorf("%w: mount guest_path %q must be absolute", ErrInvalidArgument, m.GuestPath)
	}
	if !m.DirPerms.valid() {
		return fmt.Errorf("%w: mount dir_perms %q unrecognized", ErrInvalidArgument, m.DirPerms)
	}
	if !m.FilePerms.valid() {
		return fmt.Errorf("%w: mount file_perms %q unrecognized", ErrInvalidArgument, m.FilePerms)
	}
	return nil
}

// ContextConfig is the process-wide configuration patch accepted by
// Context.Configure. A zero-valued field (empty string, nil slice/map,
// nil pointer) is skipped by the merge, so Configure cannot clear a field
// that an earlier call has set.
type ContextConfig struct {
	CacheDir       string            `json:"cache_dir,omitempty"`
	MaxMemoryBytes *uint64           `json:"max_memory,omitempty"`
	Prelude        string            `json:"prelude,omitempty"`
	RuntimeLibDir  string            `json:"runtime_lib_dir,omitempty"`
	Mounts         []MountConfig     `json:"mounts,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
}

// SandboxConfig is the per-instance configuration patch accepted by
// Sandbox.Configure. A nil Timeout/MaxMemoryBytes means "inherit from
// Context"; Sandbox.Configure interprets an explicitly-supplied zero
// duration as an error (timeouts must be finite and positive), not as
// "unlimited" — unlimited is expressed by leaving the field nil.
type SandboxConfig struct {
	MaxMemoryBytes *uint64           `json:"max_memory,omitempty"`
	Timeout        *time.Duration    `json:"-"`
	Mounts         []MountConfig     `json:"mounts,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
}

// canonicalTimeoutMillis implements the timeout canonicalization rule: the
// caller supplies seconds as a duration; the stored value is
// ceil(seconds*1000) milliseconds, and must be >= 1.
// Non-finite (NaN/Inf masquerading as a duration is impossible in Go's
// time.Duration, but a caller may still pass a non-positive or
// sub-millisecond value) or non-positive inputs are rejected.
func canonicalTimeoutMillis(d time.Duration) (int64, error) {
	if d <= 0 {
		return 0, fmt.Errorf("%w: timeout must be positive, got %s", ErrInvalidArgument, d)
	}
	seconds := d.Seconds()
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return 0, fmt.Errorf("%w: timeout must be finite", ErrInvalidArgument)
	}
	millis := int64(math.Ceil(seconds * 1000))
	if millis < 1 {
		return 0, fmt.Errorf("%w: timeout rounds down to zero milliseconds", ErrInvalidArgument)
	}
	return millis, nil
}

func validateMounts(mounts []MountConfig) error {
	for i, m := range mounts {
		if err := m.validate(); err != nil {
			return fmt.Errorf("mount %d: %w", i, err)
		}
	}
	return nil
}

func validateEnv(env map[string]string) error {
	for k := range env {
		if k == "" {
			return fmt.Errorf("%w: env key must not be empty", ErrInvalidArgument)
		}
	}
	return nil
}
