// Copyright (c) 2026 cproxy contributors. Licensed under the MIT License.

//go:build linux

package cgroupguard

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/containerd/cgroups/v3/cgroup1"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	cerrors "cproxy.dev/cproxy/internal/errors"
)

// findNetClsRoot locates the mount point of the net_cls (v1)
// controller by scanning /proc/self/mountinfo, the same source the
// kernel itself uses to answer "where is this controller mounted".
func findNetClsRoot() (string, error) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return "", cerrors.Wrap(err, cerrors.KindCGroup, "read /proc/self/mountinfo")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, "cgroup") {
			continue
		}
		fields := strings.Fields(line)
		for i, field := range fields {
			if field != "-" {
				continue
			}
			if i+2 >= len(fields) || fields[i+1] != "cgroup" {
				continue
			}
			opts := fields[i+3]
			if strings.Contains(opts, "net_cls") {
				return fields[4], nil
			}
		}
	}
	if candidate := "/sys/fs/cgroup/net_cls"; dirExists(candidate) {
		return candidate, nil
	}
	return "", cerrors.New(cerrors.KindCGroup, "net_cls controller not mounted")
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func createV1(key string, classID uint32) (*Handle, error) {
	root, err := findNetClsRoot()
	if err != nil {
		return nil, err
	}
	name := cgroupDirName(key)
	if dirExists(filepath.Join(root, name)) {
		return nil, cerrors.Errorf(cerrors.KindCGroup,
			"cgroup /%s already exists: a prior invocation may have crashed without cleaning up", name)
	}

	subsys := cgroup1.NewNetCls(root)

	cid := classID
	resources := &specs.LinuxResources{
		Network: &specs.LinuxNetwork{ClassID: &cid},
	}
	if _, err := cgroup1.New(cgroup1.StaticPath("/"+name), resources,
		cgroup1.WithHiearchy(func() ([]cgroup1.Subsystem, error) {
			return []cgroup1.Subsystem{subsys}, nil
		})); err != nil {
		return nil, cerrors.Wrap(err, cerrors.KindCGroup, "create net_cls cgroup")
	}

	return &Handle{name: name, classID: classID, version: V1, created: true, root: root}, nil
}

func attachV1(path string) (*Handle, error) {
	root, err := findNetClsRoot()
	if err != nil {
		return nil, err
	}
	name := strings.TrimPrefix(path, "/")
	dir := filepath.Join(root, name)
	if !dirExists(dir) {
		return nil, cerrors.Errorf(cerrors.KindCGroup, "cgroup %s does not exist", path)
	}

	var classID uint32
	if data, err := os.ReadFile(filepath.Join(dir, "net_cls.classid")); err == nil {
		if v, perr := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 32); perr == nil {
			classID = uint32(v)
		}
	}

	return &Handle{name: name, classID: classID, version: V1, created: false, root: root}, nil
}

func (h *Handle) addTaskV1(pid int) error {
	procs := filepath.Join(h.root, h.name, "cgroup.procs")
	if err := os.WriteFile(procs, []byte(strconv.Itoa(pid)), 0644); err != nil {
		return cerrors.Wrap(err, cerrors.KindCGroup, "add task to cgroup")
	}
	h.addedTask = true
	return nil
}

func (h *Handle) destroyV1() error {
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
		return cerrors.Wrap(err, cerrors.KindTeardown, "remove net_cls cgroup")
	}
	return nil
}

func readProcs(path string) ([]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if pid, err := strconv.Atoi(line); err == nil {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}
