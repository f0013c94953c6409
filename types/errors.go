package types

import (
  "errors"
  "fmt"
)

// Families: callers can match either the family or the specific error with `errors.Is`.
var ErrDiff = errors.New("diff_error")
var ErrTransport = errors.New("transport_error")
var ErrLifecycle = errors.New("lifecycle_error")

var ErrUnknownSnapshot = fmt.Errorf("%w: unknown_snapshot", ErrDiff)
var ErrVolumeMismatch = fmt.Errorf("%w: snapshots_of_different_volumes", ErrDiff)
var ErrSnapshotOrder = fmt.Errorf("%w: to_snapshot_not_newer_than_from", ErrDiff)
var ErrDiffBackend = fmt.Errorf("%w: change_tracking_query_failed", ErrDiff)

var ErrIncomplete = fmt.Errorf("%w: incomplete", ErrTransport)
var ErrPartialWrite = fmt.Errorf("%w: partial_write", ErrTransport)
var ErrBadHeader = fmt.Errorf("%w: bad_header", ErrTransport)
var ErrTargetNotAllowed = fmt.Errorf("%w: target_not_allowed", ErrTransport)

var ErrNotInitialized = fmt.Errorf("%w: not_initialized", ErrLifecycle)
var ErrAmbiguousState = fmt.Errorf("%w: ambiguous_state", ErrLifecycle)
var ErrBackendFailure = fmt.Errorf("%w: backend_failure", ErrLifecycle)
var ErrAlreadyInitialized = fmt.Errorf("%w: already_initialized", ErrLifecycle)
var ErrVolumeNotFound = fmt.Errorf("%w: volume_not_found", ErrLifecycle)
var ErrVerifyFailed = fmt.Errorf("%w: success_check_failed", ErrLifecycle)

type Stage string
const (
  StageSnapshot  Stage = "snapshot"
  StageDiff      Stage = "diff"
  StageActivate  Stage = "activate"
  StageTransport Stage = "transport"
  StageVerify    Stage = "verify"
  StageCommit    Stage = "commit"
  StageRollback  Stage = "rollback"
)

// Names the lifecycle stage where a replication attempt failed.
type StageError struct {
  Stage Stage
  Err   error
}

func (self *StageError) Error() string {
  return fmt.Sprintf("%s stage failed: %v", self.Stage, self.Err)
}
func (self *StageError) Unwrap() error { return self.Err }

func NewStageError(stage Stage, err error) error {
  if err == nil { return nil }
  return &StageError{ Stage: stage, Err: err, }
}

// Returns the first stage found in the error chain, or "" if none.
func FailedStage(err error) Stage {
  var stage_err *StageError
  if errors.As(err, &stage_err) { return stage_err.Stage }
  return ""
}
