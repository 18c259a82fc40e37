// Copyright (c) 2026 cproxy contributors. Licensed under the MIT License.

//go:build linux

package cgroupguard

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/containerd/cgroups/v3/cgroup2"

	cerrors "cproxy.dev/cproxy/internal/errors"
)

const unifiedRoot = "/sys/fs/cgroup"

func createV2(key string) (*Handle, error) {
	name := cgroupDirName(key)
	if dirExists(filepath.Join(unifiedRoot, name)) {
		return nil, cerrors.Errorf(cerrors.KindCGroup,
			"cgroup /%s already exists: a prior invocation may have crashed without cleaning up", name)
	}

	if _, err := cgroup2.NewManager(unifiedRoot, "/"+name, &cgroup2.Resources{}); err != nil {
		return nil, cerrors.Wrap(err, cerrors.KindCGroup, "create unified cgroup")
	}

	return &Handle{name: name, version: V2, created: true, root: unifiedRoot}, nil
}

func attachV2(path string) (*Handle, error) {
	name := path
	if len(name) > 0 && name[0] == '/' {
		name = name[1:]
	}
	if !dirExists(filepath.Join(unifiedRoot, name)) {
		return nil, cerrors.Errorf(cerrors.KindCGroup, "cgroup %s does not exist", path)
	}
	return &Handle{name: name, version: V2, created: false, root: unifiedRoot}, nil
}

func (h *Handle) addTaskV2(pid int) error {
	procs := filepath.Join(h.root, h.name, "cgroup.procs")
	if err := os.WriteFile(procs, []byte(strconv.Itoa(pid)), 0644); err != nil {
		return cerrors.Wrap(err, cerrors.KindCGroup, "add task to cgroup")
	}
	h.addedTask = true
	return nil
}

func (h *Handle) destroyV2() error {
	if !h.created {
		return nil
	}
	dir := filepath.Join(h.root, h.name)
	if members, err := readProcs(filepath.Join(dir, "cgroup.procs")); err == nil {
		rootProcs := filepath.Join(h.root, "cgroup.procs")
		for _, pid := range members {
			_ = os.WriteFile(rootProcs, []byte(strconv.Itoa(pid)), 0644)
		}
	}
	if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
		return cerrors.Wrap(err, cerrors.KindTeardown, "remove unified cgroup")
	}
	return nil
}
