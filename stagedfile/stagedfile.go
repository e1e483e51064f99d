// Package stagedfile implements the atomic-visibility primitive used by
// both the Streaming Ingestion Handler (C6) and the Resumable Engine (C5):
// a file is always written under a randomly suffixed staging name and only
// promoted to its visible name by a single terminal os.Rename. A concurrent
// directory listing therefore never observes a partially written target.
package stagedfile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/hazyhaar/tsdgate/apierr"
)

// Staged is a scoped acquisition over one target path: acquire, write to
// Path(), then exactly one of Commit or Abort on every exit path.
type Staged struct {
	target  string // final visible path
	staging string // path.<uuid>.part — what callers actually write to
	f       *os.File
}

// Acquire computes the staging name for dir/filename and swaps any
// pre-existing file at the visible path onto the staging name so appends
// (mode O_APPEND) continue from prior content, per SPEC_FULL.md §4.6 Phase 1.
func Acquire(dir, filename string) (*Staged, error) {
	target := filepath.Join(dir, filename)
	staging := fmt.Sprintf("%s.%s.part", target, uuid.NewString())

	if _, err := os.Lstat(staging); err == nil {
		return nil, apierr.BackendUnavailable("trying to write to partial file")
	}
	if _, err := os.Lstat(target); err == nil {
		if err := os.Rename(target, staging); err != nil {
			return nil, apierr.Wrap(apierr.KindBackendUnavailable, 500, "could not stage existing file", err)
		}
	}
	return &Staged{target: target, staging: staging}, nil
}

// Path is the name to write to while the upload is in flight.
func (s *Staged) Path() string { return s.staging }

// Target is the final visible path the staged file will be promoted to.
func (s *Staged) Target() string { return s.target }

// Open opens the staging path with the given flags, tracking the handle so
// Commit/Abort can close it.
func (s *Staged) Open(flag int, perm os.FileMode) (*os.File, error) {
	f, err := os.OpenFile(s.staging, flag, perm)
	if err != nil {
		return nil, err
	}
	s.f = f
	return f, nil
}

// Commit closes any tracked handle and atomically renames the staging path
// onto the visible target, making the write observable.
func (s *Staged) Commit() error {
	if s.f != nil {
		if err := s.f.Close(); err != nil {
			return err
		}
		s.f = nil
	}
	return os.Rename(s.staging, s.target)
}

// CommitIfAbsent closes any tracked handle and promotes the staging file
// onto target only if nothing already occupies target. It reports
// promoted=false without renaming (leaving the staging file in place) when
// a concurrent writer already landed there first — the race-loser case the
// Resumable Engine's chunk merge uses to detect a superseded chunk, mirrored
// from the original's lexists-before-rename check rather than inferring the
// race from a failed rename.
func (s *Staged) CommitIfAbsent() (promoted bool, err error) {
	if s.f != nil {
		if err := s.f.Close(); err != nil {
			return false, err
		}
		s.f = nil
	}
	if _, err := os.Lstat(s.target); err == nil {
		return false, nil
	}
	if err := os.Rename(s.staging, s.target); err != nil {
		return false, err
	}
	return true, nil
}

// Abort closes any tracked handle and removes the staging file, restoring
// the pre-acquisition state (the visible path, if it existed, was already
// moved onto the staging name and is lost here by design — mirrors the
// original's best-effort cleanup on irrecoverable errors).
func (s *Staged) Abort() error {
	if s.f != nil {
		s.f.Close()
		s.f = nil
	}
	if err := os.Remove(s.staging); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
