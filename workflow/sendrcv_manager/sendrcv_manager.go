package sendrcv_manager

import (
  "context"
  "errors"
  "fmt"
  "strings"
  "time"

  "lvm_sendrcv/transport"
  "lvm_sendrcv/types"
  "lvm_sendrcv/util"
  "lvm_sendrcv/volume_source"

  "github.com/google/uuid"
)

// Used for full sends when the pool chunk size is unknown.
const DefaultFullSendChunk = int64(64 * 1024)
const MinFullSendChunk = int64(512)

// Drives the snapshot lifecycle of a single source volume.
// Which snapshot is the baseline is never cached: every call lists the volume group again.
type SendRcvManager struct {
  Conf    *util.SourceConf
  Source  types.VolumeSource
  Sender  types.ChunkSender
  Dialer  types.StreamDialer
  Metrics *util.Metrics
  Now     func() time.Time
}

func NewSendRcvManager(
    conf *util.SourceConf, vol_src types.VolumeSource, sender types.ChunkSender,
    dialer types.StreamDialer, metrics *util.Metrics) (types.SendRcvManager, error) {
  if conf == nil || conf.Vg == "" || conf.Lv == "" || conf.TargetPath == "" {
    return nil, fmt.Errorf("%w: source needs vg, lv and target_path", util.ErrBadConfig)
  }
  if vol_src == nil || sender == nil || dialer == nil {
    return nil, fmt.Errorf("NewSendRcvManager missing collaborators")
  }
  mgr := &SendRcvManager{
    Conf: conf,
    Source: vol_src,
    Sender: sender,
    Dialer: dialer,
    Metrics: metrics,
    Now: time.Now,
  }
  return mgr, nil
}

func (self *SendRcvManager) volume(ctx context.Context) (*types.Volume, error) {
  return self.Source.ResolveVolume(ctx, self.Conf.Vg, self.Conf.Lv)
}

func (self *SendRcvManager) deriveState(
    ctx context.Context, vol *types.Volume) (types.LifecycleState, []*types.Snapshot, error) {
  snaps, err := self.Source.ListSendRcvSnapshots(ctx, vol)
  if err != nil { return types.Uninitialized, nil, err }
  switch len(snaps) {
    case 0: return types.Uninitialized, snaps, nil
    case 1: return types.Baseline, snaps, nil
  }
  return types.InFlight, snaps, nil
}

func (self *SendRcvManager) DeriveState(ctx context.Context) (types.LifecycleState, []*types.Snapshot, error) {
  vol, err := self.volume(ctx)
  if err != nil { return types.Uninitialized, nil, err }
  return self.deriveState(ctx, vol)
}

// Operator hints for a volume without baseline.
func InitInstructions(conf *util.SourceConf, ts time.Time) string {
  snap := volume_source.SnapshotName(conf.Lv, ts)
  var b strings.Builder
  fmt.Fprintf(&b, "%s/%s is not initialised\n", conf.Vg, conf.Lv)
  fmt.Fprintf(&b, "  # Create the baseline and copy the whole volume to the destination:\n")
  fmt.Fprintf(&b, "  thinsendrcv init --source %s --full-send\n", conf.Name)
  fmt.Fprintf(&b, "  # Or, if the destination already matches the volume, only take the baseline:\n")
  fmt.Fprintf(&b, "  lvcreate -s -n %s %s/%s\n", snap, conf.Vg, conf.Lv)
  return b.String()
}

func snapNames(snaps []*types.Snapshot) []string {
  names := make([]string, 0, len(snaps))
  for _,snap := range snaps { names = append(names, snap.Name) }
  return names
}

func (self *SendRcvManager) ensureBaseline(ctx context.Context, vol *types.Volume) (*types.Snapshot, error) {
  state, snaps, err := self.deriveState(ctx, vol)
  if err != nil { return nil, err }
  switch state {
    case types.Uninitialized:
      util.Warnf("%s", InitInstructions(self.Conf, self.Now()))
      return nil, fmt.Errorf("%w: %s", types.ErrNotInitialized, vol)
    case types.InFlight:
      return nil, fmt.Errorf("%w: %s has several sendrcv snapshots %v, remove all but the baseline",
                             types.ErrAmbiguousState, vol, snapNames(snaps))
  }
  baseline := snaps[0]
  if baseline.Active {
    util.Warnf("Baseline %s left active by a previous run, deactivating", baseline)
    if err = self.Source.SetActivation(ctx, baseline, false); err != nil {
      return nil, fmt.Errorf("%w: deactivating %s: %v", types.ErrBackendFailure, baseline, err)
    }
  }
  return baseline, nil
}

func (self *SendRcvManager) EnsureBaseline(ctx context.Context) (*types.Snapshot, error) {
  vol, err := self.volume(ctx)
  if err != nil { return nil, err }
  return self.ensureBaseline(ctx, vol)
}

// Snapshot names only have second resolution, the candidate must sort after the baseline.
func (self *SendRcvManager) candidateTime(baseline *types.Snapshot) time.Time {
  ts := self.Now().UTC().Truncate(time.Second)
  if baseline != nil && !ts.After(baseline.CreatedAt) { ts = baseline.CreatedAt.Add(time.Second) }
  return ts
}

// Streams `changes` read from `snap`, which is only active for the duration of the send.
func (self *SendRcvManager) sendActivated(
    ctx context.Context, snap *types.Snapshot, changes *types.ChangeSet) (ack *types.Ack, err error) {
  if err = self.Source.SetActivation(ctx, snap, true); err != nil {
    return nil, types.NewStageError(types.StageActivate, err)
  }
  defer func() {
    deact_err := self.Source.SetActivation(context.WithoutCancel(ctx), snap, false)
    if deact_err != nil && err == nil {
      err = types.NewStageError(types.StageActivate, deact_err)
    } else if deact_err != nil {
      util.Errorf("Could not deactivate %s: %v", snap, deact_err)
    }
  }()

  ack, err = self.send(ctx, snap, changes)
  return ack, types.NewStageError(types.StageTransport, err)
}

func (self *SendRcvManager) send(
    ctx context.Context, snap *types.Snapshot, changes *types.ChangeSet) (*types.Ack, error) {
  if self.Conf.TransferTimeout > 0 {
    var cancel context.CancelFunc
    ctx, cancel = context.WithTimeout(ctx, self.Conf.TransferTimeout)
    defer cancel()
  }
  stream, err := self.Dialer.Dial(ctx)
  if err != nil { return nil, err }
  stop := transport.CloseOnDone(ctx, stream)
  defer stop()

  hdr := &types.TransferHeader{
    TargetPath: self.Conf.TargetPath,
    ChunkSizeBytes: changes.ChunkSizeBytes,
  }
  src_path := self.Source.SnapshotDevicePath(snap)
  ack, err := self.Sender.SendIndexed(ctx, stream, hdr, src_path, changes.Indices)
  if close_err := stream.Close(); close_err != nil {
    // The ack is authoritative, the receiver may exit non zero after hang up.
    util.Warnf("Closing stream to destination: %v", close_err)
  }
  return ack, err
}

// Removes the candidate, leaving the volume as it was before the attempt.
func (self *SendRcvManager) rollback(
    ctx context.Context, vol *types.Volume, candidate *types.Snapshot, cause error) error {
  ctx = context.WithoutCancel(ctx)
  util.Warnf("Rolling back %s: %v", candidate, cause)
  err := self.Source.DeleteSnapshot(ctx, candidate)
  if err == nil {
    self.Metrics.ObserveTransfer(vol.String(), util.ResultRollback)
    return cause
  }
  util.Errorf("MANUAL INTERVENTION REQUIRED: %s still has candidate %s next to its baseline: %v",
              vol, candidate, err)
  self.Metrics.ObserveTransfer(vol.String(), util.ResultStuck)
  rb_err := fmt.Errorf("%w: removing candidate %s: %v", types.ErrBackendFailure, candidate, err)
  return errors.Join(cause, types.NewStageError(types.StageRollback, rb_err))
}

// Retires `baseline` once the candidate got confirmed.
// Not interrupted by `ctx`: the destination already holds the new content.
func (self *SendRcvManager) commit(
    ctx context.Context, vol *types.Volume, baseline *types.Snapshot) error {
  ctx = context.WithoutCancel(ctx)
  if self.Conf.RetainBaselines < 1 {
    return self.Source.DeleteSnapshot(ctx, baseline)
  }
  if _,err := self.Source.RetainSnapshot(ctx, baseline); err != nil { return err }
  self.trimRetained(ctx, vol)
  return nil
}

// Best effort: the baseline invariant holds whatever happens here.
func (self *SendRcvManager) trimRetained(ctx context.Context, vol *types.Volume) {
  retained, err := self.Source.ListRetainedSnapshots(ctx, vol)
  if err != nil {
    util.Warnf("Could not list retained snapshots of %s: %v", vol, err)
    return
  }
  for len(retained) > self.Conf.RetainBaselines {
    if err = self.Source.DeleteSnapshot(ctx, retained[0]); err != nil {
      util.Warnf("Could not expire %s: %v", retained[0], err)
      return
    }
    retained = retained[1:]
  }
}

func (self *SendRcvManager) transfer(
    ctx context.Context, res *types.ReplicationResult, check types.SuccessCheck) error {
  changes, err := self.Source.Diff(ctx, res.Volume.Vg, res.From.Name, res.To.Name)
  if err != nil { return types.NewStageError(types.StageDiff, err) }
  res.Changes = changes

  res.Ack, err = self.sendActivated(ctx, res.To, changes)
  if err != nil { return err }
  if !check(ctx, res) {
    return types.NewStageError(types.StageVerify, types.ErrVerifyFailed)
  }
  return nil
}

func (self *SendRcvManager) Replicate(
    ctx context.Context, check types.SuccessCheck) (*types.ReplicationResult, error) {
  start := self.Now()
  if check == nil { check = types.AlwaysSucceed }
  vol, err := self.volume(ctx)
  if err != nil { return nil, err }
  baseline, err := self.ensureBaseline(ctx, vol)
  if err != nil { return nil, err }

  candidate, err := self.Source.CreateSnapshot(ctx, vol, self.candidateTime(baseline))
  if err != nil { return nil, types.NewStageError(types.StageSnapshot, err) }
  res := &types.ReplicationResult{
    SessionId: uuid.NewString(),
    Volume: vol,
    From: baseline,
    To: candidate,
  }
  util.Infof("Replicating %s: %s -> %s (session %s)", vol, baseline.Name, candidate.Name, res.SessionId)
  ctx = types.WithSessionId(ctx, res.SessionId)

  if err = self.transfer(ctx, res, check); err != nil {
    return res, self.rollback(ctx, vol, candidate, err)
  }
  // Thin deltas depend only on block mappings: if the baseline cannot be retired,
  // dropping the candidate instead keeps a single baseline and the next diff a superset.
  if err = self.commit(ctx, vol, baseline); err != nil {
    return res, self.rollback(ctx, vol, candidate, types.NewStageError(types.StageCommit, err))
  }

  res.Duration = self.Now().Sub(start)
  self.Metrics.ObserveTransfer(vol.String(), util.ResultOk)
  self.Metrics.MarkSuccess(vol.String(), self.Now())
  util.Infof("Committed %s: %d chunks, %d bytes in %s",
             candidate, len(res.Changes.Indices), res.Changes.PayloadBytes(), res.Duration)
  return res, nil
}

// Largest power of two divisor of `size` not above `chunk`.
func FullSendChunkSize(size int64, chunk int64) (int64, error) {
  if chunk <= 0 { chunk = DefaultFullSendChunk }
  for chunk > MinFullSendChunk && size % chunk != 0 { chunk /= 2 }
  if size <= 0 || size % chunk != 0 {
    return 0, fmt.Errorf("volume size %d is not a multiple of %d", size, chunk)
  }
  return chunk, nil
}

func (self *SendRcvManager) InitBaseline(ctx context.Context, full_send bool) (*types.Snapshot, error) {
  vol, err := self.volume(ctx)
  if err != nil { return nil, err }
  state, snaps, err := self.deriveState(ctx, vol)
  if err != nil { return nil, err }
  if state != types.Uninitialized {
    return nil, fmt.Errorf("%w: %s has %v", types.ErrAlreadyInitialized, vol, snapNames(snaps))
  }

  baseline, err := self.Source.CreateSnapshot(ctx, vol, self.candidateTime(nil))
  if err != nil { return nil, types.NewStageError(types.StageSnapshot, err) }
  util.Infof("Created baseline %s", baseline)
  if !full_send { return baseline, nil }

  chunk, err := FullSendChunkSize(vol.SizeBytes, vol.PoolChunkSizeBytes)
  if err != nil {
    return nil, self.rollback(ctx, vol, baseline, types.NewStageError(types.StageDiff, err))
  }
  changes := &types.ChangeSet{
    To: baseline.Name,
    ChunkSizeBytes: chunk,
    Indices: make([]int64, vol.SizeBytes / chunk),
  }
  for idx := range changes.Indices { changes.Indices[idx] = int64(idx) }
  session_id := uuid.NewString()
  util.Infof("Full send of %s: %d chunks of %d bytes (session %s)",
             baseline, len(changes.Indices), chunk, session_id)
  ctx = types.WithSessionId(ctx, session_id)

  if _,err = self.sendActivated(ctx, baseline, changes); err != nil {
    return nil, self.rollback(ctx, vol, baseline, err)
  }
  self.Metrics.ObserveTransfer(vol.String(), util.ResultOk)
  self.Metrics.MarkSuccess(vol.String(), self.Now())
  return baseline, nil
}
