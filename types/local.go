package types

import (
  "context"
  "time"
)

// Identifies a thin logical volume by (group, name).
// Immutable once resolved by the volume source.
type Volume struct {
  Vg string
  Lv string
  Pool string
  DevicePath string
  SizeBytes int64
  // Chunk size of the thin pool backing the volume.
  PoolChunkSizeBytes int64
}

func (self *Volume) String() string { return self.Vg + "/" + self.Lv }

// A row from the volume manager listing.
type LogicalVolume struct {
  Name string
  Vg string
  Pool string
  Origin string
  Attr string
  SizeBytes int64
  ThinId int64
  ChunkSizeBytes int64
}

// The 5th character of `lv_attr` is the activation state.
func (self *LogicalVolume) IsActive() bool {
  return len(self.Attr) > 4 && self.Attr[4] == 'a'
}
func (self *LogicalVolume) IsThin() bool { return len(self.Pool) > 0 }
func (self *LogicalVolume) IsThinPool() bool {
  return len(self.Attr) > 0 && self.Attr[0] == 't'
}

// A named point-in-time view of a Volume.
type Snapshot struct {
  Name string
  Vg string
  Origin string
  CreatedAt time.Time
  Active bool
}

func (self *Snapshot) String() string { return self.Vg + "/" + self.Name }

// Block indices that differ between two snapshots.
// `Indices` are strictly ascending and 0-based in units of `ChunkSizeBytes`.
type ChangeSet struct {
  From string
  To string
  ChunkSizeBytes int64
  Indices []int64
}

func (self *ChangeSet) PayloadBytes() int64 {
  return int64(len(self.Indices)) * self.ChunkSizeBytes
}

type LifecycleState int
const (
  Uninitialized LifecycleState = iota
  Baseline      LifecycleState = iota
  // More than one sendrcv snapshot: either a transfer is in flight or a previous one crashed.
  InFlight      LifecycleState = iota
)

func (self LifecycleState) String() string {
  switch self {
    case Uninitialized: return "uninitialized"
    case Baseline:      return "baseline"
    case InFlight:      return "in_flight"
  }
  return "unknown"
}

// Narrow wrapper around the LVM command line tools.
// Every call either fully succeeds or fully fails.
type VolumeDriver interface {
  // Returns all logical volumes in `vg`, including thin pools and snapshots.
  ListLogicalVolumes(ctx context.Context, vg string) ([]*LogicalVolume, error)
  // Creates a thin snapshot `snap` of `vg/lv`.
  CreateSnapshot(ctx context.Context, vg string, lv string, snap string) error
  RemoveSnapshot(ctx context.Context, vg string, snap string) error
  // Thin snapshots have the activation skip flag, so this must ignore it.
  SetActivation(ctx context.Context, vg string, name string, active bool) error
  RenameSnapshot(ctx context.Context, vg string, from string, to string) error
  DevicePath(vg string, lv string) string
}

// Enumerates the changed extents between two thin snapshots.
type ChangeTracker interface {
  // Returns the chunk size in bytes and the indices of the changed chunks.
  // Indices are not guaranteed to be sorted.
  ChangedBlocks(ctx context.Context, vg string, from string, to string) (int64, []int64, error)
}

type ChangeSetProber interface {
  // Returns the changed chunks between `from` and `to` snapshots of the same volume.
  // `to` must have been created strictly after `from`.
  // Read-only, never retried.
  Diff(ctx context.Context, vg string, from string, to string) (*ChangeSet, error)
}

type VolumeManager interface {
  // Returns the thin volume `vg/lv` with its device path and size.
  ResolveVolume(ctx context.Context, vg string, lv string) (*Volume, error)
  // Returns the snapshots matching `<lv>_thinsendrcv_<timestamp>`, oldest first.
  // The result is always derived from a fresh listing.
  ListSendRcvSnapshots(ctx context.Context, vol *Volume) ([]*Snapshot, error)
  // Returns the superseded baselines kept by the retention policy, oldest first.
  ListRetainedSnapshots(ctx context.Context, vol *Volume) ([]*Snapshot, error)
  // Creates a sendrcv snapshot of `vol` named after `ts`.
  CreateSnapshot(ctx context.Context, vol *Volume, ts time.Time) (*Snapshot, error)
  // Refuses to delete anything that is not a sendrcv or retained snapshot.
  DeleteSnapshot(ctx context.Context, snap *Snapshot) error
  // Renames a superseded baseline so that it no longer matches the sendrcv pattern.
  RetainSnapshot(ctx context.Context, snap *Snapshot) (*Snapshot, error)
  SetActivation(ctx context.Context, snap *Snapshot, active bool) error
  SnapshotDevicePath(snap *Snapshot) string
}

type VolumeSource interface {
  VolumeManager
  ChangeSetProber
}
