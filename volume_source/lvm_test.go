package volume_source

import (
  "context"
  "errors"
  "testing"
  "time"

  "lvm_sendrcv/types"
  "lvm_sendrcv/types/mocks"
  "lvm_sendrcv/util"

  "github.com/google/go-cmp/cmp"
)

func buildTestManager(t *testing.T, blocks ...int64) (*lvmVolumeManager, *mocks.LvmDriver, *mocks.ChangeTracker) {
  driver := mocks.NewLvmDriver()
  tracker := mocks.NewChangeTracker(util.DummyChunk, blocks...)
  src, err := NewVolumeSource(driver, tracker)
  if err != nil { t.Fatalf("NewVolumeSource: %v", err) }
  return src.(*lvmVolumeManager), driver, tracker
}

func TestSnapshotName(t *testing.T) {
  ts := time.Date(2024, time.March, 5, 7, 8, 9, 0, time.UTC)
  name := SnapshotName("thin_volume", ts)
  util.EqualsOrFailTest(t, "Bad name", name, "thin_volume_thinsendrcv_20240305_070809")
  got, ok := ParseSnapshotName("thin_volume", name)
  if !ok || !got.Equal(ts) { t.Errorf("bad parse: %v %v", got, ok) }

  // Local times are normalized to UTC.
  local := ts.In(time.FixedZone("X", 3600))
  util.EqualsOrFailTest(t, "Bad UTC name", SnapshotName("thin_volume", local), name)
}

func TestParseSnapshotName_Rejects(t *testing.T) {
  rejects := []string{
    "thin_volume",
    "thin_volume_thinsendrcv_",
    "thin_volume_thinsendrcv_2024010_000000",
    "thin_volume_thinsendrcv_20240101_000000_x",
    "other_thinsendrcv_20240101_000000",
    "thin_volume_thinkeep_20240101_000000",
    "thin_volume_thinsendrcv_20241301_000000",
    "xthin_volume_thinsendrcv_20240101_000000",
  }
  for _,name := range rejects {
    if _,ok := ParseSnapshotName("thin_volume", name); ok { t.Errorf("%s should not match", name) }
  }
  // Regexp metacharacters in the volume name are literal.
  if _,ok := ParseSnapshotName("a.b", "axb_thinsendrcv_20240101_000000"); ok { t.Errorf("dot is not literal") }
}

func TestResolveVolume(t *testing.T) {
  ctx, cancel := context.WithTimeout(context.Background(), util.TestTimeout)
  defer cancel()
  src, _, _ := buildTestManager(t)
  vol, err := src.ResolveVolume(ctx, util.DummyVg, util.DummyLv)
  if err != nil { t.Fatalf("ResolveVolume: %v", err) }
  util.EqualsOrFailTest(t, "Bad volume", vol, util.DummyVolume())

  _, err = src.ResolveVolume(ctx, util.DummyVg, "nope")
  if !errors.Is(err, types.ErrVolumeNotFound) { t.Errorf("bad error: %v", err) }
  _, err = src.ResolveVolume(ctx, util.DummyVg, util.DummyPool)
  if !errors.Is(err, types.ErrVolumeNotFound) { t.Errorf("pool is not a thin volume: %v", err) }
}

func TestListSendRcvSnapshots(t *testing.T) {
  ctx, cancel := context.WithTimeout(context.Background(), util.TestTimeout)
  defer cancel()
  src, driver, _ := buildTestManager(t)
  driver.AddSnapshot(SnapshotName(util.DummyLv, util.DummyTime(3)), false)
  driver.AddSnapshot(SnapshotName(util.DummyLv, util.DummyTime(1)), true)
  driver.AddSnapshot(RetainedName(util.DummyLv, util.DummyTime(2)), false)
  driver.AddSnapshot("thin_volume_manual", false)

  snaps, err := src.ListSendRcvSnapshots(ctx, util.DummyVolume())
  if err != nil { t.Fatalf("ListSendRcvSnapshots: %v", err) }
  expect := []*types.Snapshot{
    util.DummySnapshot("thin_volume_thinsendrcv_20240101_000000", util.DummyTime(1)),
    util.DummySnapshot("thin_volume_thinsendrcv_20240103_000000", util.DummyTime(3)),
  }
  expect[0].Active = true
  if diff := cmp.Diff(expect, snaps); diff != "" { t.Errorf("bad snapshots (-want +got):\n%s", diff) }

  retained, err := src.ListRetainedSnapshots(ctx, util.DummyVolume())
  if err != nil { t.Fatalf("ListRetainedSnapshots: %v", err) }
  if len(retained) != 1 || retained[0].Name != "thin_volume_thinkeep_20240102_000000" {
    t.Errorf("bad retained: %v", retained)
  }
}

func TestCreateAndDeleteSnapshot(t *testing.T) {
  ctx, cancel := context.WithTimeout(context.Background(), util.TestTimeout)
  defer cancel()
  src, driver, _ := buildTestManager(t)
  snap, err := src.CreateSnapshot(ctx, util.DummyVolume(), util.DummyTime(7))
  if err != nil { t.Fatalf("CreateSnapshot: %v", err) }
  util.EqualsOrFailTest(t, "Bad snapshot", snap,
                        util.DummySnapshot("thin_volume_thinsendrcv_20240107_000000", util.DummyTime(7)))
  util.EqualsOrFailTest(t, "Bad device", src.SnapshotDevicePath(snap),
                        "/dev/volg/thin_volume_thinsendrcv_20240107_000000")

  if err = src.DeleteSnapshot(ctx, snap); err != nil { t.Fatalf("DeleteSnapshot: %v", err) }
  util.EqualsOrFailTest(t, "Snapshot not deleted", driver.SnapshotNames(), []string{})
}

func TestDeleteSnapshot_Refuses(t *testing.T) {
  ctx, cancel := context.WithTimeout(context.Background(), util.TestTimeout)
  defer cancel()
  src, driver, _ := buildTestManager(t)
  driver.AddSnapshot("thin_volume_manual", false)
  refused := []*types.Snapshot{
    util.DummySnapshot("thin_volume_manual", util.DummyTime(1)),
    util.DummySnapshot(util.DummyLv, util.DummyTime(1)),
    &types.Snapshot{ Name: "thin_volume_thinsendrcv_20240101_000000", Vg: util.DummyVg, },
  }
  for _,snap := range refused {
    if err := src.DeleteSnapshot(ctx, snap); err == nil { t.Errorf("should refuse to delete %s", snap) }
  }
  util.EqualsOrFailTest(t, "Nothing should be deleted", driver.SnapshotNames(), []string{"thin_volume_manual"})
}

func TestRetainSnapshot(t *testing.T) {
  ctx, cancel := context.WithTimeout(context.Background(), util.TestTimeout)
  defer cancel()
  src, driver, _ := buildTestManager(t)
  driver.AddSnapshot(SnapshotName(util.DummyLv, util.DummyTime(1)), false)
  snap := util.DummySnapshot(SnapshotName(util.DummyLv, util.DummyTime(1)), util.DummyTime(1))

  kept, err := src.RetainSnapshot(ctx, snap)
  if err != nil { t.Fatalf("RetainSnapshot: %v", err) }
  util.EqualsOrFailTest(t, "Bad retained name", kept.Name, "thin_volume_thinkeep_20240101_000000")
  util.EqualsOrFailTest(t, "Bad driver state", driver.SnapshotNames(),
                        []string{"thin_volume_thinkeep_20240101_000000"})
  // Retained snapshots can still be deleted.
  if err = src.DeleteSnapshot(ctx, kept); err != nil { t.Errorf("DeleteSnapshot: %v", err) }
}

func TestSetActivation(t *testing.T) {
  ctx, cancel := context.WithTimeout(context.Background(), util.TestTimeout)
  defer cancel()
  src, driver, _ := buildTestManager(t)
  name := SnapshotName(util.DummyLv, util.DummyTime(1))
  driver.AddSnapshot(name, false)
  snap := util.DummySnapshot(name, util.DummyTime(1))
  if err := src.SetActivation(ctx, snap, true); err != nil { t.Fatalf("SetActivation: %v", err) }
  if !snap.Active || !driver.IsActive(name) { t.Errorf("should be active") }
  if err := src.SetActivation(ctx, snap, false); err != nil { t.Fatalf("SetActivation: %v", err) }
  if snap.Active || driver.IsActive(name) { t.Errorf("should be inactive") }
}

func TestDiff(t *testing.T) {
  ctx, cancel := context.WithTimeout(context.Background(), util.TestTimeout)
  defer cancel()
  src, driver, tracker := buildTestManager(t, 9, 2, 5, 5, 2)
  from := SnapshotName(util.DummyLv, util.DummyTime(1))
  to := SnapshotName(util.DummyLv, util.DummyTime(2))
  driver.AddSnapshot(from, false)
  driver.AddSnapshot(to, false)

  changes, err := src.Diff(ctx, util.DummyVg, from, to)
  if err != nil { t.Fatalf("Diff: %v", err) }
  expect := &types.ChangeSet{ From: from, To: to, ChunkSizeBytes: util.DummyChunk, Indices: []int64{2, 5, 9}, }
  if diff := cmp.Diff(expect, changes); diff != "" { t.Errorf("bad changes (-want +got):\n%s", diff) }
  if changes.PayloadBytes() != 3 * util.DummyChunk { t.Errorf("bad payload: %d", changes.PayloadBytes()) }
  util.EqualsOrFailTest(t, "Bad tracker calls", tracker.Calls, [][2]string{{from, to}})
}

func TestDiff_Errors(t *testing.T) {
  ctx, cancel := context.WithTimeout(context.Background(), util.TestTimeout)
  defer cancel()
  src, driver, tracker := buildTestManager(t, 1)
  day1 := SnapshotName(util.DummyLv, util.DummyTime(1))
  day2 := SnapshotName(util.DummyLv, util.DummyTime(2))
  driver.AddSnapshot(day1, false)
  driver.AddSnapshot(day2, false)
  foreign := driver.AddSnapshot("other_thinsendrcv_20240103_000000", false)
  foreign.Origin = "other"

  cases := []struct { from, to string; expect error }{
    { day1, "missing", types.ErrUnknownSnapshot },
    { "missing", day2, types.ErrUnknownSnapshot },
    { day1, foreign.Name, types.ErrVolumeMismatch },
    { day2, day1, types.ErrSnapshotOrder },
    { day1, day1, types.ErrSnapshotOrder },
  }
  for _,tc := range cases {
    _, err := src.Diff(ctx, util.DummyVg, tc.from, tc.to)
    if !errors.Is(err, tc.expect) { t.Errorf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.expect, err) }
    if !errors.Is(err, types.ErrDiff) { t.Errorf("%s -> %s: not a diff error: %v", tc.from, tc.to, err) }
  }
  if len(tracker.Calls) != 0 { t.Errorf("tracker should not be queried: %v", tracker.Calls) }

  tracker.ForAllErrMsg("thin_delta exploded")
  _, err := src.Diff(ctx, util.DummyVg, day1, day2)
  if !errors.Is(err, types.ErrDiffBackend) { t.Errorf("bad error: %v", err) }
}

func TestNormalizeIndices(t *testing.T) {
  got, err := NormalizeIndices([]int64{7, 1, 7, 3, 1})
  if err != nil { t.Fatalf("NormalizeIndices: %v", err) }
  if diff := cmp.Diff([]int64{1, 3, 7}, got); diff != "" { t.Errorf("bad indices:\n%s", diff) }
  if _,err = NormalizeIndices([]int64{3, -1}); !errors.Is(err, types.ErrDiffBackend) {
    t.Errorf("expected error for negative index: %v", err)
  }
}
