// Copyright (c) 2026 cproxy contributors. Licensed under the MIT License.

package lifecycle

import (
	"testing"
	"time"
)

func TestWaitUntilTerminatedReturnsOnDone(t *testing.T) {
	term := &Terminator{}
	done := make(chan struct{})
	close(done)

	result := make(chan bool, 1)
	go func() { result <- term.WaitUntilTerminated(done) }()

	select {
	case got := <-result:
		if got {
			t.Error("expected false when done closed before termination")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitUntilTerminated did not return")
	}
}

func TestWaitUntilTerminatedReturnsOnFlag(t *testing.T) {
	term := &Terminator{}
	term.flag.Store(true)
	done := make(chan struct{})

	result := make(chan bool, 1)
	go func() { result <- term.WaitUntilTerminated(done) }()

	select {
	case got := <-result:
		if !got {
			t.Error("expected true when termination flag already set")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitUntilTerminated did not return")
	}
}

func TestTerminatedReflectsFlag(t *testing.T) {
	term := &Terminator{}
	if term.Terminated() {
		t.Error("fresh terminator should not report terminated")
	}
	term.flag.Store(true)
	if !term.Terminated() {
		t.Error("expected Terminated() to reflect the flag")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	term := New()
	term.Stop()
	term.Stop()
}
