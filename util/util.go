package util

import (
  "bytes"
  "context"
  "errors"
  "fmt"
  "io"
  "os"
  "os/exec"
  "strings"
  "sync"
)

var ErrCmdFailed = errors.New("command_failed")

type FileBasedPipe struct {
  read_end  *os.File
  write_end *os.File
}

func NewFileBasedPipe() *FileBasedPipe {
  read_end, write_end, err := os.Pipe()
  if err != nil { Fatalf("failed os.Pipe %v", err) }
  return &FileBasedPipe{
    read_end: read_end,
    write_end: write_end,
  }
}

func (self *FileBasedPipe) ReadEnd()  io.ReadCloser { return self.read_end }
func (self *FileBasedPipe) WriteEnd() io.WriteCloser { return self.write_end }

// Returns the first non nil error.
func Coalesce(errs ...error) error {
  for _,err := range errs {
    if err != nil { return err }
  }
  return nil
}

// Synchronous, waits for the command to finish and returns its stdout.
// On failure stderr is included in the error.
func RunCmd(ctx context.Context, args []string) ([]byte, error) {
  if len(args) < 1 { return nil, fmt.Errorf("%w: empty command", ErrCmdFailed) }
  buf_err := new(bytes.Buffer)
  buf_out := new(bytes.Buffer)

  command := exec.CommandContext(ctx, args[0], args[1:]...)
  command.Stdout = buf_out
  command.Stderr = buf_err
  Debugf("run: %s", strings.Join(args, " "))

  err := command.Run()
  if err != nil {
    return buf_out.Bytes(), fmt.Errorf("%w: %v: %v\nstderr: %s",
                                       ErrCmdFailed, args, err, bytes.TrimSpace(buf_err.Bytes()))
  }
  return buf_out.Bytes(), nil
}

// A running command whose stdin and stdout are the two directions of a stream.
// Stderr is forwarded to the logger.
type CmdStream struct {
  command *exec.Cmd
  stdin   *FileBasedPipe
  stdout  *FileBasedPipe
  close_once sync.Once
  wait_err   error
}

func StartCmdWithStdioPipes(ctx context.Context, args []string) (*CmdStream, error) {
  if len(args) < 1 { return nil, fmt.Errorf("%w: empty command", ErrCmdFailed) }
  stream := &CmdStream{
    stdin: NewFileBasedPipe(),
    stdout: NewFileBasedPipe(),
  }
  command := exec.CommandContext(ctx, args[0], args[1:]...)
  command.Stdin = stream.stdin.read_end
  command.Stdout = stream.stdout.write_end
  command.Stderr = LogWriter(fmt.Sprintf("cmd.%s", args[0]))
  stream.command = command

  err := command.Start()
  // The child holds its own copies of these ends.
  stream.stdin.read_end.Close()
  stream.stdout.write_end.Close()
  if err != nil {
    stream.stdin.write_end.Close()
    stream.stdout.read_end.Close()
    return nil, fmt.Errorf("%w: %v: %v", ErrCmdFailed, args, err)
  }
  Infof("%v started as pid %d", args, command.Process.Pid)
  return stream, nil
}

func (self *CmdStream) Read(p []byte) (int, error)  { return self.stdout.read_end.Read(p) }
func (self *CmdStream) Write(p []byte) (int, error) { return self.stdin.write_end.Write(p) }
func (self *CmdStream) CloseWrite() error           { return self.stdin.write_end.Close() }

// Closes both directions and waits for the command to exit.
// Safe to call from several goroutines, all of them get the same result.
func (self *CmdStream) Close() error {
  self.close_once.Do(func() {
    self.stdin.write_end.Close()
    self.stdout.read_end.Close()
    if err := self.command.Wait(); err != nil {
      self.wait_err = fmt.Errorf("%w: %v", ErrCmdFailed, err)
    }
  })
  return self.wait_err
}
