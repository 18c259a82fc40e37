// Copyright (c) 2026 cproxy contributors. Licensed under the MIT License.

//go:build linux

package cgroupguard

import (
	"os"
	"testing"

	"cproxy.dev/cproxy/internal/testutil"
)

func TestCreateFromPIDRequiresRealCGroupfs(t *testing.T) {
	testutil.RequireVM(t)

	h, err := CreateFromPID(os.Getpid())
	if err != nil {
		t.Fatalf("CreateFromPID: %v", err)
	}
	defer func() {
		if err := h.Destroy(); err != nil {
			t.Errorf("Destroy: %v", err)
		}
	}()

	if h.ClassID() != uint32(os.Getpid()) && h.HierarchyVersion() == V1 {
		t.Errorf("ClassID() = %d, want pid %d on v1", h.ClassID(), os.Getpid())
	}
}

func TestCreateFromPIDRejectsInvalidPID(t *testing.T) {
	if _, err := CreateFromPID(0); err == nil {
		t.Error("expected error for pid 0")
	}
	if _, err := CreateFromPID(-1); err == nil {
		t.Error("expected error for negative pid")
	}
}

func TestAttachRejectsEmptyPath(t *testing.T) {
	if _, err := Attach(""); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestCreateFromPathRejectsEmptyKey(t *testing.T) {
	if _, err := CreateFromPath(""); err == nil {
		t.Error("expected error for empty key")
	}
}
