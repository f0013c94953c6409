package volume_source

import (
  "context"
  "fmt"
  "regexp"
  "sort"
  "time"

  "lvm_sendrcv/types"
  "lvm_sendrcv/util"
)

const SendRcvTag = "_thinsendrcv_"
const RetainTag  = "_thinkeep_"
// Fixed width and zero padded so that names sort like timestamps.
const SnapTsLayout = "20060102_150405"

type lvmVolumeManager struct {
  driver  types.VolumeDriver
  tracker types.ChangeTracker
}

func NewVolumeSource(driver types.VolumeDriver, tracker types.ChangeTracker) (types.VolumeSource, error) {
  if driver == nil || tracker == nil { return nil, fmt.Errorf("NewVolumeSource needs driver and tracker") }
  return &lvmVolumeManager{ driver: driver, tracker: tracker, }, nil
}

func SnapshotName(lv string, ts time.Time) string {
  return lv + SendRcvTag + ts.UTC().Format(SnapTsLayout)
}

func RetainedName(lv string, ts time.Time) string {
  return lv + RetainTag + ts.UTC().Format(SnapTsLayout)
}

func tagRegexp(lv string, tag string) *regexp.Regexp {
  return regexp.MustCompile("^" + regexp.QuoteMeta(lv + tag) + `(\d{8}_\d{6})$`)
}

func parseTagged(lv string, tag string, name string) (time.Time, bool) {
  match := tagRegexp(lv, tag).FindStringSubmatch(name)
  if match == nil { return time.Time{}, false }
  ts, err := time.ParseInLocation(SnapTsLayout, match[1], time.UTC)
  if err != nil { return time.Time{}, false }
  return ts, true
}

// Returns the creation time encoded in a `<lv>_thinsendrcv_<timestamp>` name.
func ParseSnapshotName(lv string, name string) (time.Time, bool) {
  return parseTagged(lv, SendRcvTag, name)
}

func ParseRetainedName(lv string, name string) (time.Time, bool) {
  return parseTagged(lv, RetainTag, name)
}

func (self *lvmVolumeManager) ResolveVolume(ctx context.Context, vg string, lv string) (*types.Volume, error) {
  lvs, err := self.driver.ListLogicalVolumes(ctx, vg)
  if err != nil { return nil, err }
  var found *types.LogicalVolume
  pools := make(map[string]*types.LogicalVolume)
  for _,item := range lvs {
    if item.Name == lv { found = item }
    if item.IsThinPool() { pools[item.Name] = item }
  }
  if found == nil { return nil, fmt.Errorf("%w: %s/%s", types.ErrVolumeNotFound, vg, lv) }
  if !found.IsThin() {
    return nil, fmt.Errorf("%w: %s/%s is not a thin volume", types.ErrVolumeNotFound, vg, lv)
  }
  vol := &types.Volume{
    Vg: vg,
    Lv: lv,
    Pool: found.Pool,
    DevicePath: self.driver.DevicePath(vg, lv),
    SizeBytes: found.SizeBytes,
  }
  if pool,ok := pools[found.Pool]; ok { vol.PoolChunkSizeBytes = pool.ChunkSizeBytes }
  return vol, nil
}

// Implement interface for sorter
type ByCreatedAt []*types.Snapshot
func (a ByCreatedAt) Len() int           { return len(a) }
func (a ByCreatedAt) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a ByCreatedAt) Less(i, j int) bool { return a[i].Name < a[j].Name }

func (self *lvmVolumeManager) listTagged(
    ctx context.Context, vol *types.Volume, tag string) ([]*types.Snapshot, error) {
  lvs, err := self.driver.ListLogicalVolumes(ctx, vol.Vg)
  if err != nil { return nil, err }
  var snaps []*types.Snapshot
  for _,lv := range lvs {
    ts, ok := parseTagged(vol.Lv, tag, lv.Name)
    if !ok { continue }
    snaps = append(snaps, &types.Snapshot{
      Name: lv.Name,
      Vg: vol.Vg,
      Origin: lv.Origin,
      CreatedAt: ts,
      Active: lv.IsActive(),
    })
  }
  sort.Sort(ByCreatedAt(snaps))
  return snaps, nil
}

func (self *lvmVolumeManager) ListSendRcvSnapshots(
    ctx context.Context, vol *types.Volume) ([]*types.Snapshot, error) {
  return self.listTagged(ctx, vol, SendRcvTag)
}

func (self *lvmVolumeManager) ListRetainedSnapshots(
    ctx context.Context, vol *types.Volume) ([]*types.Snapshot, error) {
  return self.listTagged(ctx, vol, RetainTag)
}

func (self *lvmVolumeManager) findSnapshot(
    ctx context.Context, vol *types.Volume, tag string, name string) (*types.Snapshot, error) {
  snaps, err := self.listTagged(ctx, vol, tag)
  if err != nil { return nil, err }
  for _,snap := range snaps {
    if snap.Name == name { return snap, nil }
  }
  return nil, fmt.Errorf("%w: %s/%s not listed after creation", types.ErrBackendFailure, vol.Vg, name)
}

func (self *lvmVolumeManager) CreateSnapshot(
    ctx context.Context, vol *types.Volume, ts time.Time) (*types.Snapshot, error) {
  name := SnapshotName(vol.Lv, ts)
  err := self.driver.CreateSnapshot(ctx, vol.Vg, vol.Lv, name)
  if err != nil { return nil, err }
  util.Infof("Created snapshot %s/%s", vol.Vg, name)
  return self.findSnapshot(ctx, vol, SendRcvTag, name)
}

func (self *lvmVolumeManager) isManaged(snap *types.Snapshot) bool {
  if len(snap.Origin) < 1 { return false }
  _, is_sendrcv := ParseSnapshotName(snap.Origin, snap.Name)
  _, is_retained := ParseRetainedName(snap.Origin, snap.Name)
  return is_sendrcv || is_retained
}

func (self *lvmVolumeManager) DeleteSnapshot(ctx context.Context, snap *types.Snapshot) error {
  if !self.isManaged(snap) {
    return fmt.Errorf("refusing to delete %s: not a sendrcv snapshot of '%s'", snap, snap.Origin)
  }
  err := self.driver.RemoveSnapshot(ctx, snap.Vg, snap.Name)
  if err != nil { return err }
  util.Infof("Removed snapshot %s", snap)
  return nil
}

func (self *lvmVolumeManager) RetainSnapshot(
    ctx context.Context, snap *types.Snapshot) (*types.Snapshot, error) {
  ts, ok := ParseSnapshotName(snap.Origin, snap.Name)
  if !ok { return nil, fmt.Errorf("cannot retain %s: not a sendrcv snapshot", snap) }
  new_name := RetainedName(snap.Origin, ts)
  err := self.driver.RenameSnapshot(ctx, snap.Vg, snap.Name, new_name)
  if err != nil { return nil, err }
  retained := *snap
  retained.Name = new_name
  util.Infof("Retained %s as %s", snap, new_name)
  return &retained, nil
}

func (self *lvmVolumeManager) SetActivation(ctx context.Context, snap *types.Snapshot, active bool) error {
  err := self.driver.SetActivation(ctx, snap.Vg, snap.Name, active)
  if err != nil { return err }
  snap.Active = active
  return nil
}

func (self *lvmVolumeManager) SnapshotDevicePath(snap *types.Snapshot) string {
  return self.driver.DevicePath(snap.Vg, snap.Name)
}

// Sorts and removes duplicates in place.
func NormalizeIndices(indices []int64) ([]int64, error) {
  sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
  out := indices[:0]
  for idx,block := range indices {
    if block < 0 { return nil, fmt.Errorf("%w: negative block index %d", types.ErrDiffBackend, block) }
    if idx > 0 && block == indices[idx-1] { continue }
    out = append(out, block)
  }
  return out, nil
}

func (self *lvmVolumeManager) Diff(
    ctx context.Context, vg string, from string, to string) (*types.ChangeSet, error) {
  lvs, err := self.driver.ListLogicalVolumes(ctx, vg)
  if err != nil { return nil, fmt.Errorf("%w: %v", types.ErrDiffBackend, err) }
  var from_lv, to_lv *types.LogicalVolume
  for _,lv := range lvs {
    if lv.Name == from { from_lv = lv }
    if lv.Name == to { to_lv = lv }
  }
  if from_lv == nil { return nil, fmt.Errorf("%w: %s/%s", types.ErrUnknownSnapshot, vg, from) }
  if to_lv == nil { return nil, fmt.Errorf("%w: %s/%s", types.ErrUnknownSnapshot, vg, to) }
  if from_lv.Origin == "" || from_lv.Origin != to_lv.Origin {
    return nil, fmt.Errorf("%w: '%s' (origin '%s') / '%s' (origin '%s')",
                           types.ErrVolumeMismatch, from, from_lv.Origin, to, to_lv.Origin)
  }
  from_ts, from_ok := ParseSnapshotName(from_lv.Origin, from)
  to_ts, to_ok := ParseSnapshotName(to_lv.Origin, to)
  if !from_ok || !to_ok || !to_ts.After(from_ts) {
    return nil, fmt.Errorf("%w: '%s' -> '%s'", types.ErrSnapshotOrder, from, to)
  }

  chunk, indices, err := self.tracker.ChangedBlocks(ctx, vg, from, to)
  if err != nil {
    return nil, fmt.Errorf("%w: %v", types.ErrDiffBackend, err)
  }
  if chunk <= 0 { return nil, fmt.Errorf("%w: bad chunk size %d", types.ErrDiffBackend, chunk) }
  indices, err = NormalizeIndices(indices)
  if err != nil { return nil, err }
  changes := &types.ChangeSet{
    From: from,
    To: to,
    ChunkSizeBytes: chunk,
    Indices: indices,
  }
  util.Infof("Diff %s/%s -> %s: %d chunks of %d bytes", vg, from, to, len(indices), chunk)
  return changes, nil
}
