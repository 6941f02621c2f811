// Copyright (C) 2019 The WAL-E Authors.
// See LICENSE for copying information.

package tarball

import (
	"fmt"

	"github.com/dustin/go-humanize"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/wal-e/wal-e-sub000/pkg/fault"
)

var mon = monkit.Package()

// Partition is an ordered sequence of members forming one bounded
// archive volume. Immutable once returned by Plan.
type Partition struct {
	members   []Member
	totalSize int64
}

// NewPartition builds a partition directly from members, bypassing
// the planner. Useful for tests and for callers with their own
// packing scheme.
func NewPartition(members ...Member) *Partition {
	p := &Partition{}
	for _, member := range members {
		p.add(member)
	}
	return p
}

// Members returns the planned entries in input order.
func (p *Partition) Members() []Member { return p.members }

// MemberCount returns the number of entries.
func (p *Partition) MemberCount() int { return len(p.members) }

// TotalSize returns the sum of member sizes in bytes.
func (p *Partition) TotalSize() int64 { return p.totalSize }

func (p *Partition) add(m Member) {
	p.members = append(p.members, m)
	p.totalSize += m.Size
}

// Plan stats every path and packs the members, in input order, into
// partitions bounded by maxSize. A member whose own size exceeds
// maxSize is a configuration error reported before any partition is
// built. Zero-size members (directories, symlinks) occupy a slot but
// no space. Output is deterministic: same root, paths and cap give
// the same boundaries.
func Plan(root string, paths []string, maxSize int64) ([]*Partition, error) {
	if maxSize <= 0 {
		return nil, Error.New("partition size cap must be positive, got %d", maxSize)
	}

	members := make([]Member, 0, len(paths))
	for _, path := range paths {
		member, err := NewMember(root, path)
		if err != nil {
			return nil, err
		}
		if member.Size > maxSize {
			return nil, Error.Wrap(fault.New(
				"cannot archive an oversized file",
				fmt.Sprintf("the file %q has size %s, larger than the maximum partition size %s",
					member.SubmittedPath,
					humanize.IBytes(uint64(member.Size)),
					humanize.IBytes(uint64(maxSize))),
			).WithHint("raise the partition size limit or exclude the file from the backup"))
		}
		members = append(members, member)
	}

	var partitions []*Partition
	current := &Partition{}
	for _, member := range members {
		if current.MemberCount() > 0 && current.totalSize+member.Size >= maxSize {
			partitions = append(partitions, current)
			current = &Partition{}
		}
		current.add(member)
	}
	if current.MemberCount() > 0 {
		partitions = append(partitions, current)
	}
	return partitions, nil
}
