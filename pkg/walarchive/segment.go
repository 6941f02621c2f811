// Copyright (C) 2019 The WAL-E Authors.
// See LICENSE for copying information.

// Package walarchive moves WAL segments between the cluster and
// remote storage, keeping the cluster's archive_status bookkeeping
// consistent.
package walarchive

import (
	"os"
	"path/filepath"
	"regexp"

	"github.com/zeebo/errs"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/wal-e/wal-e-sub000/pkg/fault"
)

var (
	// Error is the walarchive error class.
	Error = errs.Class("wal archive error")

	mon = monkit.Package()
)

// segmentNameRx accepts plain segment names plus the timeline history
// and backup-label files PostgreSQL also hands to archive_command.
var segmentNameRx = regexp.MustCompile(
	`^([0-9A-F]{24}(\.[0-9A-F]{8}\.backup)?|[0-9A-F]{8}\.history)$`)

// Segment is one WAL file eligible for archiving or restore.
type Segment struct {
	// Name is the file name, encoding timeline and log position.
	Name string

	// Path is the absolute location inside the cluster's WAL
	// directory.
	Path string

	// Explicit marks a segment handed in directly by the database's
	// archive_command, whose bookkeeping belongs to PostgreSQL, not
	// to us.
	Explicit bool
}

// NewSegment validates name and locates the segment inside walDir.
func NewSegment(walDir, name string, explicit bool) (Segment, error) {
	if !segmentNameRx.MatchString(name) {
		return Segment{}, Error.Wrap(fault.New(
			"invalid WAL segment name",
			"the name "+name+" does not look like a WAL segment, backup label or timeline history file"))
	}
	return Segment{
		Name:     name,
		Path:     filepath.Join(walDir, name),
		Explicit: explicit,
	}, nil
}

// statusPath returns the archive_status marker path with the given
// suffix.
func (s Segment) statusPath(suffix string) string {
	return filepath.Join(filepath.Dir(s.Path), "archive_status", s.Name+suffix)
}

// MarkDone renames the segment's .ready marker to .done. A missing
// .ready marker means another archiver mutated the status directory
// under us, which is an invariant violation, never silently ignored.
func (s Segment) MarkDone() error {
	err := os.Rename(s.statusPath(".ready"), s.statusPath(".done"))
	if os.IsNotExist(err) {
		return fault.Internal.New(
			"the .ready marker for segment %s vanished; is another archiver running?", s.Name)
	}
	return Error.Wrap(err)
}

// ScanPending lists the segments whose .ready markers are present, in
// name order. These are the non-explicit segments a wal-push run may
// archive alongside the one PostgreSQL asked about.
func ScanPending(walDir string) ([]Segment, error) {
	statusDir := filepath.Join(walDir, "archive_status")
	entries, err := os.ReadDir(statusDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var segments []Segment
	for _, entry := range entries {
		name := entry.Name()
		const suffix = ".ready"
		if len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
			continue
		}
		segment, err := NewSegment(walDir, name[:len(name)-len(suffix)], false)
		if err != nil {
			continue // stray files in archive_status are not ours
		}
		segments = append(segments, segment)
	}
	return segments, nil
}
