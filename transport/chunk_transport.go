package transport

import (
  "bufio"
  "context"
  "errors"
  "fmt"
  "io"

  "lvm_sendrcv/shim"
  "lvm_sendrcv/types"
  "lvm_sendrcv/util"

  "github.com/google/uuid"
  "github.com/hashicorp/go-hclog"
)

// Streams raw chunks at the given indices, no per chunk framing.
// Neither side has an internal timeout: callers close the stream to abort (see `CloseOnDone`).
type ChunkTransport struct {
  metrics   *util.Metrics
  direct_io bool
}

func NewChunkTransport(metrics *util.Metrics, direct_io bool) *ChunkTransport {
  return &ChunkTransport{ metrics: metrics, direct_io: direct_io, }
}

func sessionLogger(ctx context.Context, role string) hclog.Logger {
  id := types.SessionIdFrom(ctx)
  if id == "" { id = uuid.NewString() }
  return util.Logger().Named(role).With("session", id)
}

func asTransportErr(base error, err error) error {
  if errors.Is(err, types.ErrTransport) { return err }
  return fmt.Errorf("%w: %v", base, err)
}

func lastChunkEnd(indices []int64, chunk int64) (int64, error) {
  if len(indices) == 0 { return 0, nil }
  return shim.ChunkOffset(indices[len(indices)-1] + 1, chunk)
}

func (self *ChunkTransport) Send(
    ctx context.Context, stream io.ReadWriter, hdr *types.TransferHeader,
    src_path string, indices []int64) (*types.Ack, error) {
  return self.send(ctx, stream, hdr, src_path, indices, false)
}

func (self *ChunkTransport) SendIndexed(
    ctx context.Context, stream io.ReadWriter, hdr *types.TransferHeader,
    src_path string, indices []int64) (*types.Ack, error) {
  return self.send(ctx, stream, hdr, src_path, indices, true)
}

func (self *ChunkTransport) send(
    ctx context.Context, stream io.ReadWriter, hdr *types.TransferHeader,
    src_path string, indices []int64, indexed bool) (*types.Ack, error) {
  log := sessionLogger(ctx, "send")
  header, err := EncodeHeader(hdr)
  if err != nil { return nil, err }
  if err = CheckAscending(indices); err != nil { return nil, err }
  if indexed {
    ext, err := EncodeIndexList(indices)
    if err != nil { return nil, err }
    header = append(header, ext...)
  }

  chunk := hdr.ChunkSizeBytes
  src, err := shim.OpenBlockDevice(src_path, false, self.direct_io && shim.CanUseDirectIo(chunk))
  if err != nil { return nil, asTransportErr(types.ErrPartialWrite, err) }
  defer src.Close()
  end, err := lastChunkEnd(indices, chunk)
  if err != nil { return nil, asTransportErr(types.ErrBadHeader, err) }
  if end > src.Size() {
    return nil, fmt.Errorf("%w: chunks up to %d past the end of %s (%d)",
                           types.ErrPartialWrite, end, src_path, src.Size())
  }
  log.Info("sending", "source", src_path, "target", hdr.TargetPath,
           "chunk_size", chunk, "chunks", len(indices), "indexed", indexed)

  writer := bufio.NewWriter(stream)
  if _, err = writer.Write(header); err != nil { return nil, asTransportErr(types.ErrIncomplete, err) }
  buf := shim.AlignedBuffer(int(chunk))
  for _,block := range indices {
    if ctx.Err() != nil { return nil, fmt.Errorf("%w: %v", types.ErrIncomplete, ctx.Err()) }
    offset, err := shim.ChunkOffset(block, chunk)
    if err != nil { return nil, asTransportErr(types.ErrBadHeader, err) }
    if err = src.ReadExactAt(buf, offset); err != nil {
      return nil, asTransportErr(types.ErrPartialWrite, err)
    }
    if _, err = writer.Write(buf); err != nil {
      return nil, asTransportErr(types.ErrIncomplete, err)
    }
    self.metrics.AddChunk(util.DirSent, chunk)
  }
  if err = writer.Flush(); err != nil { return nil, asTransportErr(types.ErrIncomplete, err) }
  // The receiver sees EOF instead of a stall if it expects more chunks than were sent.
  if err = CloseWriteIfPossible(stream); err != nil { return nil, asTransportErr(types.ErrIncomplete, err) }
  log.Debug("all chunks written, waiting for ack")

  ack, err := DecodeAck(bufio.NewReader(stream))
  if err != nil {
    log.Error("transfer not acknowledged", "error", err)
    return ack, err
  }
  log.Info("transfer acknowledged", "bytes", int64(len(indices)) * chunk)
  return ack, nil
}

func (self *ChunkTransport) Receive(
    ctx context.Context, stream io.ReadWriter, resolve types.TargetResolver,
    indices []int64) (*types.TransferHeader, *types.Ack, error) {
  if err := CheckAscending(indices); err != nil { return nil, nil, err }
  return self.receive(ctx, stream, resolve, indices, false)
}

func (self *ChunkTransport) ReceiveIndexed(
    ctx context.Context, stream io.ReadWriter,
    resolve types.TargetResolver) (*types.TransferHeader, *types.Ack, error) {
  return self.receive(ctx, stream, resolve, nil, true)
}

func (self *ChunkTransport) receive(
    ctx context.Context, stream io.ReadWriter, resolve types.TargetResolver,
    indices []int64, indexed bool) (*types.TransferHeader, *types.Ack, error) {
  log := sessionLogger(ctx, "receive")
  reader := bufio.NewReaderSize(stream, 64 * 1024)
  hdr, err := DecodeHeader(reader)
  if err != nil { return nil, nil, err }
  // Nothing past the header is read for a target we would refuse anyway.
  dst_path, err := resolve(hdr.TargetPath)
  if err != nil { return hdr, nil, asTransportErr(types.ErrTargetNotAllowed, err) }
  if indexed {
    indices, err = DecodeIndexList(reader)
    if err != nil { return hdr, nil, err }
  }
  log.Info("connection received", "target", hdr.TargetPath,
           "chunk_size", hdr.ChunkSizeBytes, "chunks", len(indices))

  chunk := hdr.ChunkSizeBytes
  dst, err := shim.OpenBlockDevice(dst_path, true, self.direct_io && shim.CanUseDirectIo(chunk))
  if err != nil { return hdr, nil, asTransportErr(types.ErrPartialWrite, err) }
  defer dst.Close()
  end, err := lastChunkEnd(indices, chunk)
  if err != nil { return hdr, nil, asTransportErr(types.ErrBadHeader, err) }
  // Regular files just grow.
  if dst.IsBlockDevice() && end > dst.Size() {
    return hdr, nil, fmt.Errorf("%w: chunks up to %d past the end of %s (%d)",
                                types.ErrPartialWrite, end, dst_path, dst.Size())
  }

  buf := shim.AlignedBuffer(int(chunk))
  for idx,block := range indices {
    if ctx.Err() != nil { return hdr, nil, fmt.Errorf("%w: %v", types.ErrIncomplete, ctx.Err()) }
    if _, err = io.ReadFull(reader, buf); err != nil {
      log.Error("stream ended early", "received", idx, "expected", len(indices))
      return hdr, nil, fmt.Errorf("%w: got %d/%d chunks: %v", types.ErrIncomplete, idx, len(indices), err)
    }
    offset, err := shim.ChunkOffset(block, chunk)
    if err != nil { return hdr, nil, asTransportErr(types.ErrBadHeader, err) }
    if err = dst.WriteExactAt(buf, offset); err != nil { return hdr, nil, err }
    self.metrics.AddChunk(util.DirReceived, chunk)
  }
  if err = dst.Sync(); err != nil { return hdr, nil, asTransportErr(types.ErrPartialWrite, err) }

  if _, err = stream.Write(EncodeAck()); err != nil {
    return hdr, nil, asTransportErr(types.ErrIncomplete, err)
  }
  log.Info("all chunks applied", "device", dst.Path(), "direct_io", dst.IsDirect())
  return hdr, &types.Ack{ Ok: true, Token: AckOk, }, nil
}
