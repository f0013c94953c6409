package types

import (
  "context"
  "net"
  "time"
)

type sessionIdKey struct{}

// Tags every log line of a transfer with the id returned in `ReplicationResult`.
func WithSessionId(ctx context.Context, id string) context.Context {
  return context.WithValue(ctx, sessionIdKey{}, id)
}

// Empty if `ctx` carries no session.
func SessionIdFrom(ctx context.Context) string {
  id, _ := ctx.Value(sessionIdKey{}).(string)
  return id
}

type ReplicationResult struct {
  SessionId string
  Volume    *Volume
  From      *Snapshot
  To        *Snapshot
  Changes   *ChangeSet
  Ack       *Ack
  Duration  time.Duration
}

// Externally injected confirmation, evaluated after the transport acked.
// The previous baseline is only deleted if it returns true.
type SuccessCheck func(ctx context.Context, res *ReplicationResult) bool

func AlwaysSucceed(context.Context, *ReplicationResult) bool { return true }

// Sender side snapshot lifecycle for a single source volume.
type SendRcvManager interface {
  // Derives the lifecycle state from a fresh volume manager listing.
  DeriveState(ctx context.Context) (LifecycleState, []*Snapshot, error)
  // Returns the single baseline, or fails with ErrNotInitialized / ErrAmbiguousState.
  // Deactivates a baseline left active by a crashed run.
  EnsureBaseline(ctx context.Context) (*Snapshot, error)
  // Baseline -> (Candidate, Baseline) -> Baseline'.
  // On any failure the candidate is removed and the baseline left untouched.
  Replicate(ctx context.Context, check SuccessCheck) (*ReplicationResult, error)
  // Administrative action creating the first baseline.
  // If `full_send` the whole volume is streamed to the destination as well.
  InitBaseline(ctx context.Context, full_send bool) (*Snapshot, error)
}

// Receiver side: applies incoming sessions onto local devices.
type ReceiveManager interface {
  HandleSession(ctx context.Context, stream Stream) (*TransferHeader, error)
  // Handles connections one at a time until `ctx` is done.
  Serve(ctx context.Context, listener net.Listener) error
}
