// Copyright (c) 2026 cproxy contributors. Licensed under the MIT License.

//go:build linux

package cgroupguard

import (
	"strconv"

	"golang.org/x/sys/unix"

	cerrors "cproxy.dev/cproxy/internal/errors"
)

// CreateFromPID creates a fresh network cgroup for pid and adds pid as
// its first member. The class id (v1) equals pid. Fails if a cgroup
// with the derived name already exists (a prior crashed instance) or
// if pid has already exited.
func CreateFromPID(pid int) (*Handle, error) {
	if pid <= 0 {
		return nil, cerrors.Errorf(cerrors.KindCGroup, "invalid pid %d", pid)
	}
	// Signal 0 performs no action but still fails with ESRCH if the
	// process is gone, giving a liveness check without sending a
	// real signal.
	if err := unix.Kill(pid, 0); err != nil {
		return nil, cerrors.Wrapf(err, cerrors.KindCGroup, "pid %d is not running", pid)
	}

	h, err := create(strconv.Itoa(pid), uint32(pid))
	if err != nil {
		return nil, err
	}
	if err := h.AddTask(pid); err != nil {
		_ = h.Destroy()
		return nil, err
	}
	return h, nil
}

// CreateFromPath creates a fresh network cgroup named after an
// arbitrary stable key (rather than a pid), deriving a collision-free
// class id for v1 hosts. No task is added; the caller is responsible
// for calling AddTask.
func CreateFromPath(key string) (*Handle, error) {
	if key == "" {
		return nil, cerrors.New(cerrors.KindCGroup, "empty cgroup key")
	}
	return create(key, stableClassID(key))
}

// Attach returns a Handle for an already-existing cgroup node at
// path, without creating or adding anything to it. Used by
// attaching to pre-existing cgroups, where the operator supplies
// cgroups that something else manages.
func Attach(path string) (*Handle, error) {
	if path == "" {
		return nil, cerrors.New(cerrors.KindCGroup, "empty cgroup path")
	}
	if detectVersion() == V2 {
		return attachV2(path)
	}
	return attachV1(path)
}

func create(key string, classID uint32) (*Handle, error) {
	if detectVersion() == V2 {
		return createV2(key)
	}
	return createV1(key, classID)
}

// AddTask moves pid into the cgroup.
func (h *Handle) AddTask(pid int) error {
	if h.version == V2 {
		return h.addTaskV2(pid)
	}
	return h.addTaskV1(pid)
}

// Destroy moves any remaining member tasks to the controller root and
// removes the cgroup node. It is a no-op for handles obtained via
// Attach, since those neither created the node nor own its
// membership. Failures are reported but do not suppress teardown of
// other resources; callers are expected to log and continue.
func (h *Handle) Destroy() error {
	if h.version == V2 {
		return h.destroyV2()
	}
	return h.destroyV1()
}
