package receive_manager

import (
  "context"
  "errors"
  "fmt"
  "net"
  "path/filepath"
  "time"

  "lvm_sendrcv/transport"
  "lvm_sendrcv/types"
  "lvm_sendrcv/util"

  "github.com/google/uuid"
)

// Applies incoming transfers onto the local devices allowed by the configuration.
type ReceiveManager struct {
  Conf     *util.ReceiverConf
  Receiver types.ChunkReceiver
  Resolve  types.TargetResolver
  Metrics  *util.Metrics
  // Watchdog closing a session that takes longer, 0 means no limit.
  SessionTimeout time.Duration
  Now      func() time.Time
}

func NewReceiveManager(
    conf *util.ReceiverConf, receiver types.ChunkReceiver, metrics *util.Metrics) (types.ReceiveManager, error) {
  if conf == nil || len(conf.AllowedTargets) < 1 {
    return nil, fmt.Errorf("%w: receiver needs at least one allowed target", util.ErrBadConfig)
  }
  for _,pattern := range conf.AllowedTargets {
    if _,err := filepath.Match(pattern, ""); err != nil || !filepath.IsAbs(pattern) {
      return nil, fmt.Errorf("%w: allowed target %q must be an absolute glob", util.ErrBadConfig, pattern)
    }
  }
  mgr := &ReceiveManager{
    Conf: conf,
    Receiver: receiver,
    Resolve: transport.AllowedTargets(conf.AllowedTargets),
    Metrics: metrics,
    Now: time.Now,
  }
  return mgr, nil
}

// The caller owns `stream`, it is only closed here if `ctx` expires mid transfer.
func (self *ReceiveManager) HandleSession(ctx context.Context, stream types.Stream) (*types.TransferHeader, error) {
  if self.SessionTimeout > 0 {
    var cancel context.CancelFunc
    ctx, cancel = context.WithTimeout(ctx, self.SessionTimeout)
    defer cancel()
  }
  stop := transport.CloseOnDone(ctx, stream)
  defer stop()

  ctx = types.WithSessionId(ctx, uuid.NewString())
  start := self.Now()
  hdr, _, err := self.Receiver.ReceiveIndexed(ctx, stream, self.Resolve)
  target := "unknown"
  if hdr != nil { target = hdr.TargetPath }
  if err != nil {
    self.Metrics.ObserveTransfer(target, util.ResultIncomplete)
    return hdr, fmt.Errorf("receiving into %s: %w", target, err)
  }
  self.Metrics.ObserveTransfer(target, util.ResultOk)
  self.Metrics.MarkSuccess(target, self.Now())
  util.Infof("Applied transfer into %s in %s (session %s)",
             target, self.Now().Sub(start), types.SessionIdFrom(ctx))
  return hdr, nil
}

// A failed session does not stop the loop, the sender rolls back and retries on its next run.
func (self *ReceiveManager) Serve(ctx context.Context, listener net.Listener) error {
  stop := context.AfterFunc(ctx, func() { listener.Close() })
  defer stop()
  util.Infof("Listening on %s", listener.Addr())
  for {
    conn, err := listener.Accept()
    if err != nil {
      if ctx.Err() != nil || errors.Is(err, net.ErrClosed) { return nil }
      return err
    }
    util.Infof("Session from %s", conn.RemoteAddr())
    if _,err = self.HandleSession(ctx, conn); err != nil {
      util.Warnf("Session from %s failed: %v", conn.RemoteAddr(), err)
    }
    if err = conn.Close(); err != nil { util.Debugf("Closing %s: %v", conn.RemoteAddr(), err) }
  }
}
