// Copyright (c) 2026 cproxy contributors. Licensed under the MIT License.

//go:build linux

package supervisor

import (
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"cproxy.dev/cproxy/internal/cgroupguard"
	cerrors "cproxy.dev/cproxy/internal/errors"
)

// RunWithNewChild implements run_with_new_child: the controller's own
// pid becomes the cgroup subject (the forked child inherits cgroup
// membership at fork time), guards are acquired in dependency order,
// the child is spawned with the invoking user's credentials restored
// and a recursion marker set, and the controller waits for it to exit.
func (s *Supervisor) RunWithNewChild(argv []string) (int, error) {
	if len(argv) == 0 {
		return 1, cerrors.New(cerrors.KindValidation, "no command given to spawn")
	}
	if err := checkRecursion(s.cfg); err != nil {
		return 1, err
	}

	ownPid := os.Getpid()
	handle, mark, err := s.acquireCGroupAndRouting(func() (*cgroupguard.Handle, error) {
		return cgroupguard.CreateFromPID(ownPid)
	}, ownPid)
	if err != nil {
		_ = s.release()
		return 1, err
	}

	if err := s.installFirewall(strconv.Itoa(ownPid), mark, handle); err != nil {
		_ = s.release()
		return 1, err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	env := filterEnv(os.Environ(), "HOME")
	env = append(env, sudoHomeEnv()...)
	env = append(env, envMarkerVar+"="+s.cfg.EnvMarker())
	cmd.Env = env

	if cred, err := demotedCredential(); err != nil {
		s.log.Warn("could not determine invoking user for demotion", "err", err)
	} else if cred != nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{Credential: cred}
	}

	if err := cmd.Start(); err != nil {
		_ = s.release()
		return 1, cerrors.Wrapf(err, cerrors.KindWorkloadSpawn, "start child %q", argv[0])
	}

	waitErr := cmd.Wait()
	releaseErr := s.release()

	exitCode := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = 1
		}
	}
	if releaseErr != nil && exitCode == 0 {
		exitCode = 1
	}
	return exitCode, releaseErr
}

// checkRecursion rejects running under an existing CPROXY_ENV marker
// unless the operator opted in, since a nested invocation would try to
// install chains with the same well-known names as its parent.
func checkRecursion(cfg Config) error {
	if cfg.AllowNested {
		return nil
	}
	if v := os.Getenv(envMarkerVar); v != "" {
		return cerrors.Errorf(cerrors.KindValidation, "refusing nested invocation (already running under %s=%s)", envMarkerVar, v)
	}
	return nil
}

// demotedCredential reads SUDO_UID/SUDO_GID and builds a Credential
// that drops the spawned child back to the invoking user, falling back
// to the controller's own real (non-effective) uid/gid when either
// variable is unset. Group is set before user, since a process can
// only change its uid away from root once, and setting gid after
// dropping uid would fail for a non-privileged process.
func demotedCredential() (*syscall.Credential, error) {
	uidStr := os.Getenv("SUDO_UID")
	gidStr := os.Getenv("SUDO_GID")

	uid := os.Getuid()
	gid := os.Getgid()
	var err error
	if uidStr != "" {
		if uid, err = strconv.Atoi(uidStr); err != nil {
			return nil, cerrors.Wrapf(err, cerrors.KindValidation, "parse SUDO_UID %q", uidStr)
		}
	}
	if gidStr != "" {
		if gid, err = strconv.Atoi(gidStr); err != nil {
			return nil, cerrors.Wrapf(err, cerrors.KindValidation, "parse SUDO_GID %q", gidStr)
		}
	}

	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}

// sudoHomeEnv returns an "HOME=..." entry for the child's environment
// when SUDO_HOME is set, so demoted children see the invoking user's
// home directory rather than root's.
func sudoHomeEnv() []string {
	home := os.Getenv("SUDO_HOME")
	if home == "" {
		return nil
	}
	return []string{"HOME=" + home}
}

func filterEnv(env []string, drop string) []string {
	out := env[:0]
	prefix := drop + "="
	for _, kv := range env {
		if !strings.HasPrefix(kv, prefix) {
			out = append(out, kv)
		}
	}
	return out
}
