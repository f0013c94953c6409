package transport

import (
  "context"
  "errors"
  "io"
  "os"

  "lvm_sendrcv/types"
  "lvm_sendrcv/util"
)

// The receive command talks to its peer through stdin/stdout (ssh or inetd).
type StdioStream struct {
  in  io.ReadCloser
  out io.WriteCloser
}

func NewStdioStream(in io.ReadCloser, out io.WriteCloser) *StdioStream {
  return &StdioStream{ in: in, out: out, }
}

func (self *StdioStream) Read(p []byte) (int, error)  { return self.in.Read(p) }
func (self *StdioStream) Write(p []byte) (int, error) { return self.out.Write(p) }
func (self *StdioStream) CloseWrite() error           { return self.out.Close() }
func (self *StdioStream) Close() error {
  err := self.out.Close()
  if errors.Is(err, os.ErrClosed) { err = nil }
  return util.Coalesce(err, self.in.Close())
}

// Closes `stream` as soon as `ctx` is done, which unblocks any pending read or write.
// The returned function disarms the watchdog.
func CloseOnDone(ctx context.Context, stream io.Closer) func() bool {
  return context.AfterFunc(ctx, func() {
    util.Warnf("Closing stream: %v", context.Cause(ctx))
    stream.Close()
  })
}

// Signals end of data to the peer if the stream supports half close.
func CloseWriteIfPossible(stream io.Writer) error {
  if half,ok := stream.(types.CloseWriteIf); ok { return half.CloseWrite() }
  return nil
}
