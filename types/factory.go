package types

import (
  "context"
)

// Builds the managers for one process run, sharing the same collaborators.
type Factory interface {
  BuildVolumeSource() (VolumeSource, error)
  BuildSendRcvManager(ctx context.Context, src_name string) (SendRcvManager, error)
  BuildReceiveManager(ctx context.Context) (ReceiveManager, error)
}
