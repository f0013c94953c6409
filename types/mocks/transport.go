package mocks

import (
  "bytes"
  "context"
  "io"

  "lvm_sendrcv/types"
)

type SendCall struct {
  SessionId string
  Hdr     types.TransferHeader
  SrcPath string
  Indices []int64
  Indexed bool
}

// Records calls without touching any device.
// `Hook` runs in the middle of the transfer, its error fails the send.
type ChunkSender struct {
  ErrBase
  Token string
  Calls []*SendCall
  Hook  func(call *SendCall) error
}

func NewChunkSender() *ChunkSender {
  sender := &ChunkSender{ Token: "OK", }
  _ = (types.ChunkSender)(sender)
  return sender
}

func (self *ChunkSender) send(
    ctx context.Context, method interface{}, hdr *types.TransferHeader, src_path string,
    indices []int64, indexed bool) (*types.Ack, error) {
  call := &SendCall{
    SessionId: types.SessionIdFrom(ctx),
    Hdr: *hdr,
    SrcPath: src_path,
    Indices: append([]int64{}, indices...),
    Indexed: indexed,
  }
  self.Calls = append(self.Calls, call)
  if self.Hook != nil {
    if err := self.Hook(call); err != nil { return &types.Ack{}, err }
  }
  if err := self.Inject(method); err != nil { return &types.Ack{}, err }
  ack := &types.Ack{ Ok: self.Token == "OK", Token: self.Token, }
  if !ack.Ok { return ack, types.ErrIncomplete }
  return ack, nil
}

func (self *ChunkSender) Send(
    ctx context.Context, stream io.ReadWriter, hdr *types.TransferHeader,
    src_path string, indices []int64) (*types.Ack, error) {
  return self.send(ctx, self.Send, hdr, src_path, indices, false)
}

func (self *ChunkSender) SendIndexed(
    ctx context.Context, stream io.ReadWriter, hdr *types.TransferHeader,
    src_path string, indices []int64) (*types.Ack, error) {
  return self.send(ctx, self.SendIndexed, hdr, src_path, indices, true)
}

// Swallows writes, reads return EOF.
type Stream struct {
  Written bytes.Buffer
  Closed  bool
}

func (self *Stream) Read(p []byte) (int, error)  { return 0, io.EOF }
func (self *Stream) Write(p []byte) (int, error) { return self.Written.Write(p) }
func (self *Stream) Close() error {
  self.Closed = true
  return nil
}

type StreamDialer struct {
  ErrBase
  Streams []*Stream
  // If set, dialing returns this instead of a new `Stream`.
  Next    types.Stream
}

func NewStreamDialer() *StreamDialer {
  dialer := &StreamDialer{}
  _ = (types.StreamDialer)(dialer)
  return dialer
}

func (self *StreamDialer) Dial(ctx context.Context) (types.Stream, error) {
  if err := self.Inject(self.Dial); err != nil { return nil, err }
  if self.Next != nil { return self.Next, nil }
  stream := &Stream{}
  self.Streams = append(self.Streams, stream)
  return stream, nil
}
