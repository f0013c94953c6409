package types

import (
  "context"
  "io"
)

type HasFileDescriptorIf interface { Fd() uintptr }
// Half-close: signals end of data to the peer while still reading its reply.
type CloseWriteIf interface { CloseWrite() error }

// Encapsulates both sides of a pipe.
type Pipe interface {
  ReadEnd()  io.ReadCloser
  WriteEnd() io.WriteCloser
}

// A single bidirectional byte stream between sender and receiver.
// Closing it is the only cancellation primitive.
type Stream interface {
  io.ReadWriteCloser
}

// Opens a stream to the receiving host.
type StreamDialer interface {
  Dial(ctx context.Context) (Stream, error)
}
