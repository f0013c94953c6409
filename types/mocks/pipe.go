package mocks

import (
  "errors"
  "io"
  "os"

  "lvm_sendrcv/types"
  "lvm_sendrcv/util"
)

var ErrIoPipe = errors.New("pipe_err_io")

type ErrorIo struct {
  IoErr error
  CloseErr error
}
func (self *ErrorIo) Read(p []byte) (n int, err error) { return 0, self.IoErr }
func (self *ErrorIo) Write(p []byte) (n int, err error) { return 0, self.IoErr }
func (self *ErrorIo) Close() error { return self.CloseErr }

func NewErrorStream() *ErrorIo { return &ErrorIo{ IoErr: ErrIoPipe, } }

type pipeStream struct {
  read_end  io.ReadCloser
  write_end io.WriteCloser
}
func (self *pipeStream) Read(p []byte) (int, error)  { return self.read_end.Read(p) }
func (self *pipeStream) Write(p []byte) (int, error) { return self.write_end.Write(p) }
func (self *pipeStream) CloseWrite() error           { return self.write_end.Close() }
// The write end may already be closed by `CloseWrite`.
func (self *pipeStream) Close() error {
  err := self.write_end.Close()
  if errors.Is(err, os.ErrClosed) { err = nil }
  return util.Coalesce(err, self.read_end.Close())
}

// Two os pipes crossed: what one end writes the other reads.
// Unlike `net.Pipe` writes do not wait for the reader until the kernel buffer fills.
func NewStreamPair() (types.Stream, types.Stream) {
  left_to_right := util.NewFileBasedPipe()
  right_to_left := util.NewFileBasedPipe()
  left := &pipeStream{ read_end: right_to_left.ReadEnd(), write_end: left_to_right.WriteEnd(), }
  right := &pipeStream{ read_end: left_to_right.ReadEnd(), write_end: right_to_left.WriteEnd(), }
  return left, right
}
