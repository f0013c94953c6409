package transport

import (
  "bytes"
  "context"
  "errors"
  "fmt"
  "io"
  "net"
  "path/filepath"
  "strings"
  "testing"
  "time"

  "lvm_sendrcv/types"
  "lvm_sendrcv/types/mocks"
  "lvm_sendrcv/util"

  "github.com/prometheus/client_golang/prometheus/testutil"
)

const testChunk = util.DummyChunk

// Reads from a canned buffer and records everything written.
type recordStream struct {
  in  *bytes.Reader
  out bytes.Buffer
  // Bytes written when the write side was closed, -1 while open.
  closed_at int
}

func (self *recordStream) Read(p []byte) (int, error)  { return self.in.Read(p) }
func (self *recordStream) Write(p []byte) (int, error) {
  if self.closed_at >= 0 { return 0, io.ErrClosedPipe }
  return self.out.Write(p)
}
func (self *recordStream) CloseWrite() error {
  if self.closed_at >= 0 { return io.ErrClosedPipe }
  self.closed_at = self.out.Len()
  return nil
}

func newRecordStream(in []byte) *recordStream {
  return &recordStream{ in: bytes.NewReader(in), closed_at: -1, }
}

func chunkAt(content []byte, idx int64) []byte {
  return content[idx * testChunk : (idx + 1) * testChunk]
}

func TestSend_WireFormat(t *testing.T) {
  ctx, cancel := context.WithTimeout(context.Background(), util.TestTimeout)
  defer cancel()
  content := util.GenerateRandomData(int(16 * testChunk))
  src := util.CreateTestDevice(t, "src", int64(len(content)), content)
  stream := newRecordStream(EncodeAck())
  metrics := util.NewMetrics()
  hdr := &types.TransferHeader{ TargetPath: util.DummyTarget, ChunkSizeBytes: testChunk, }

  ack, err := NewChunkTransport(metrics, false).Send(ctx, stream, hdr, src, []int64{2, 5, 9})
  if err != nil { t.Fatalf("Send: %v", err) }
  if !ack.Ok { t.Errorf("ack should be ok") }

  expect := new(bytes.Buffer)
  expect.WriteString("/dev/vgreplica/thinv_replica\x00" + "4096\x00")
  expect.Write(content[8192:12288])
  expect.Write(content[20480:24576])
  expect.Write(content[36864:40960])
  if !bytes.Equal(expect.Bytes(), stream.out.Bytes()) {
    t.Errorf("bad wire bytes: len=%d expected=%d", stream.out.Len(), expect.Len())
  }
  expect_metrics := `
    # HELP thinsendrcv_chunks_total Chunks streamed by direction.
    # TYPE thinsendrcv_chunks_total counter
    thinsendrcv_chunks_total{direction="sent"} 3
  `
  err = testutil.GatherAndCompare(metrics.Registry(), strings.NewReader(expect_metrics),
                                  "thinsendrcv_chunks_total")
  if err != nil { t.Errorf("bad metrics: %v", err) }
}

func TestSend_HalfClosesAfterPayload(t *testing.T) {
  ctx, cancel := context.WithTimeout(context.Background(), util.TestTimeout)
  defer cancel()
  content := util.GenerateRandomData(int(16 * testChunk))
  src := util.CreateTestDevice(t, "src", int64(len(content)), content)
  stream := newRecordStream(EncodeAck())
  hdr := &types.TransferHeader{ TargetPath: util.DummyTarget, ChunkSizeBytes: testChunk, }

  _, err := NewChunkTransport(nil, false).SendIndexed(ctx, stream, hdr, src, []int64{2, 5, 9})
  if err != nil { t.Fatalf("SendIndexed: %v", err) }
  if stream.closed_at < 0 { t.Fatalf("write side was not closed") }
  util.EqualsOrFailTest(t, "Close before the last chunk", stream.closed_at, stream.out.Len())
  if stream.closed_at < int(3 * testChunk) { t.Errorf("closed after %d bytes", stream.closed_at) }
}

func TestSend_NoAck(t *testing.T) {
  ctx, cancel := context.WithTimeout(context.Background(), util.TestTimeout)
  defer cancel()
  content := util.GenerateRandomData(int(16 * testChunk))
  src := util.CreateTestDevice(t, "src", int64(len(content)), content)
  hdr := &types.TransferHeader{ TargetPath: util.DummyTarget, ChunkSizeBytes: testChunk, }

  for _,reply := range []string{ "", "NO\x00", "OK", } {
    stream := newRecordStream([]byte(reply))
    ack, err := NewChunkTransport(nil, false).Send(ctx, stream, hdr, src, []int64{2, 5, 9})
    if !errors.Is(err, types.ErrIncomplete) { t.Errorf("%q: expected ErrIncomplete, got %v", reply, err) }
    if ack != nil && ack.Ok { t.Errorf("%q: ack should not be ok", reply) }
  }
}

func TestSend_ChunkPastEnd(t *testing.T) {
  ctx, cancel := context.WithTimeout(context.Background(), util.TestTimeout)
  defer cancel()
  src := util.CreateTestDevice(t, "src", 4 * testChunk, nil)
  stream := newRecordStream(EncodeAck())
  hdr := &types.TransferHeader{ TargetPath: util.DummyTarget, ChunkSizeBytes: testChunk, }
  _, err := NewChunkTransport(nil, false).Send(ctx, stream, hdr, src, []int64{1, 4})
  if !errors.Is(err, types.ErrPartialWrite) { t.Errorf("expected ErrPartialWrite, got %v", err) }
  if stream.out.Len() != 0 { t.Errorf("nothing should be written") }
}

func TestSend_BadIndices(t *testing.T) {
  ctx, cancel := context.WithTimeout(context.Background(), util.TestTimeout)
  defer cancel()
  src := util.CreateTestDevice(t, "src", 4 * testChunk, nil)
  stream := newRecordStream(EncodeAck())
  hdr := &types.TransferHeader{ TargetPath: util.DummyTarget, ChunkSizeBytes: testChunk, }
  _, err := NewChunkTransport(nil, false).Send(ctx, stream, hdr, src, []int64{2, 1})
  if !errors.Is(err, types.ErrBadHeader) { t.Errorf("expected ErrBadHeader, got %v", err) }
}

func TestReceive_Incomplete(t *testing.T) {
  ctx, cancel := context.WithTimeout(context.Background(), util.TestTimeout)
  defer cancel()
  dst := util.CreateTestDevice(t, "dst", 16 * testChunk, nil)
  payload := new(bytes.Buffer)
  payload.WriteString(dst + "\x00" + "4096\x00")
  payload.Write(util.GenerateRandomData(int(2 * testChunk)))
  stream := newRecordStream(payload.Bytes())

  _, ack, err := NewChunkTransport(nil, false).Receive(ctx, stream, AnyTarget, []int64{2, 5, 9})
  if !errors.Is(err, types.ErrIncomplete) { t.Errorf("expected ErrIncomplete, got %v", err) }
  if ack != nil { t.Errorf("should not ack: %+v", ack) }
  if stream.out.Len() != 0 { t.Errorf("receiver must not write OK: %q", stream.out.Bytes()) }
}

func TestReceive_TargetRefused(t *testing.T) {
  ctx, cancel := context.WithTimeout(context.Background(), util.TestTimeout)
  defer cancel()
  stream := newRecordStream([]byte("/dev/sda\x004096\x00"))
  resolve := AllowedTargets([]string{"/dev/vgreplica/*"})
  hdr, _, err := NewChunkTransport(nil, false).Receive(ctx, stream, resolve, []int64{0})
  if !errors.Is(err, types.ErrTargetNotAllowed) { t.Errorf("expected ErrTargetNotAllowed, got %v", err) }
  if hdr == nil || hdr.TargetPath != "/dev/sda" { t.Errorf("bad header: %+v", hdr) }
  if stream.out.Len() != 0 { t.Errorf("receiver must not write OK") }
}

func TestReceiveIndexed_TargetRefusedBeforeIndexList(t *testing.T) {
  ctx, cancel := context.WithTimeout(context.Background(), util.TestTimeout)
  defer cancel()
  stream := newRecordStream([]byte("/not/allowed\x004096\x001073741824\x00tiny"))
  refuse := func(path string) (string, error) {
    return "", fmt.Errorf("%w: %s", types.ErrTargetNotAllowed, path)
  }
  _, ack, err := NewChunkTransport(nil, false).ReceiveIndexed(ctx, stream, refuse)
  if !errors.Is(err, types.ErrTargetNotAllowed) { t.Errorf("expected ErrTargetNotAllowed, got %v", err) }
  if ack != nil { t.Errorf("should not ack: %+v", ack) }
  if stream.out.Len() != 0 { t.Errorf("receiver must not write OK") }
}

func TestReceive_Legacy(t *testing.T) {
  ctx, cancel := context.WithTimeout(context.Background(), util.TestTimeout)
  defer cancel()
  dst := util.CreateTestDevice(t, "dst", 16 * testChunk, nil)
  data := util.GenerateRandomData(int(3 * testChunk))
  stream := newRecordStream(append([]byte(dst + "\x00" + "4096\x00"), data...))

  hdr, ack, err := NewChunkTransport(nil, false).Receive(ctx, stream, AnyTarget, []int64{2, 5, 9})
  if err != nil { t.Fatalf("Receive: %v", err) }
  if !ack.Ok || hdr.ChunkSizeBytes != testChunk { t.Errorf("bad ack/header: %+v %+v", ack, hdr) }
  util.EqualsOrFailTest(t, "Bad ack bytes", stream.out.String(), "OK\x00")

  got := util.ReadTestDevice(t, dst)
  for pos,idx := range []int64{2, 5, 9} {
    if !bytes.Equal(chunkAt(got, idx), data[int64(pos) * testChunk : int64(pos + 1) * testChunk]) {
      t.Errorf("bad content for chunk %d", idx)
    }
  }
  if !bytes.Equal(chunkAt(got, 3), make([]byte, testChunk)) { t.Errorf("untouched chunk was written") }
}

type sessionResult struct {
  hdr *types.TransferHeader
  ack *types.Ack
  err error
}

func TestSendReceiveIndexed_RoundTrip(t *testing.T) {
  ctx, cancel := context.WithTimeout(context.Background(), util.TestTimeout)
  defer cancel()
  content := util.GenerateRandomData(int(16 * testChunk))
  src := util.CreateTestDevice(t, "src", int64(len(content)), content)
  dst := util.CreateTestDevice(t, "dst", int64(len(content)), nil)
  indices := []int64{0, 2, 5, 9, 15}
  transport := NewChunkTransport(util.NewMetrics(), false)

  send_end, recv_end := net.Pipe()
  defer send_end.Close()
  defer recv_end.Close()
  done := make(chan sessionResult, 1)
  go func() {
    resolve := AllowedTargets([]string{ filepath.Join(filepath.Dir(dst), "*"), })
    hdr, ack, err := transport.ReceiveIndexed(ctx, recv_end, resolve)
    done <- sessionResult{ hdr, ack, err, }
  }()

  hdr := &types.TransferHeader{ TargetPath: dst, ChunkSizeBytes: testChunk, }
  ack, err := transport.SendIndexed(ctx, send_end, hdr, src, indices)
  if err != nil { t.Fatalf("SendIndexed: %v", err) }
  if !ack.Ok { t.Errorf("ack should be ok") }

  var res sessionResult
  select {
    case res = <-done:
    case <-ctx.Done(): t.Fatalf("timeout waiting for receiver")
  }
  if res.err != nil { t.Fatalf("ReceiveIndexed: %v", res.err) }
  util.EqualsOrFailTest(t, "Bad received header", res.hdr, hdr)

  got := util.ReadTestDevice(t, dst)
  for idx := int64(0); idx < 16; idx++ {
    sent := false
    for _,i := range indices { sent = sent || i == idx }
    expect := make([]byte, testChunk)
    if sent { expect = chunkAt(content, idx) }
    if !bytes.Equal(chunkAt(got, idx), expect) { t.Errorf("bad content for chunk %d", idx) }
  }
}

func TestSendIndexed_ReceiverCloses(t *testing.T) {
  ctx, cancel := context.WithTimeout(context.Background(), util.TestTimeout)
  defer cancel()
  content := util.GenerateRandomData(int(16 * testChunk))
  src := util.CreateTestDevice(t, "src", int64(len(content)), content)
  send_end, recv_end := net.Pipe()
  defer send_end.Close()
  go func() {
    // Takes the header then hangs up without acknowledging.
    io.ReadFull(recv_end, make([]byte, 64))
    recv_end.Close()
  }()
  hdr := &types.TransferHeader{ TargetPath: util.DummyTarget, ChunkSizeBytes: testChunk, }
  _, err := NewChunkTransport(nil, false).SendIndexed(ctx, send_end, hdr, src, []int64{2, 5, 9})
  if !errors.Is(err, types.ErrIncomplete) { t.Errorf("expected ErrIncomplete, got %v", err) }
}

func TestCloseOnDone(t *testing.T) {
  ctx, cancel := context.WithCancel(context.Background())
  send_end, recv_end := net.Pipe()
  defer recv_end.Close()
  CloseOnDone(ctx, send_end)

  done := make(chan error, 1)
  go func() {
    _, err := send_end.Read(make([]byte, 1))
    done <- err
  }()
  cancel()
  select {
    case err := <-done: if err == nil { t.Errorf("read should fail once closed") }
    case <-time.After(util.TestTimeout): t.Fatalf("watchdog did not close the stream")
  }
}

func TestSend_StreamBroken(t *testing.T) {
  ctx, cancel := context.WithTimeout(context.Background(), util.TestTimeout)
  defer cancel()
  content := util.GenerateRandomData(int(4 * testChunk))
  src := util.CreateTestDevice(t, "src", int64(len(content)), content)
  hdr := &types.TransferHeader{ TargetPath: util.DummyTarget, ChunkSizeBytes: testChunk, }
  _, err := NewChunkTransport(nil, false).SendIndexed(ctx, mocks.NewErrorStream(), hdr, src, []int64{0, 1})
  if !errors.Is(err, types.ErrIncomplete) { t.Errorf("expected ErrIncomplete, got %v", err) }
  if !strings.Contains(err.Error(), mocks.ErrIoPipe.Error()) { t.Errorf("cause should be kept: %v", err) }
}
