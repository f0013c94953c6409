package shim

import (
  "context"
  "time"

  "lvm_sendrcv/util"
)

// Dependency injection for unittests.
type CmdRunner interface {
  // Runs `args` to completion and returns its stdout.
  Run(ctx context.Context, args []string) ([]byte, error)
}

type CmdRunnerImpl struct {
  Timeout time.Duration
}

func (self *CmdRunnerImpl) Run(ctx context.Context, args []string) ([]byte, error) {
  if self.Timeout > 0 {
    var cancel context.CancelFunc
    ctx, cancel = context.WithTimeout(ctx, self.Timeout)
    defer cancel()
  }
  return util.RunCmd(ctx, args)
}
