package transport

import (
  "bufio"
  "bytes"
  "errors"
  "fmt"
  "io"
  "math"
  "strconv"

  "lvm_sendrcv/types"

  "google.golang.org/protobuf/encoding/protowire"
)

// Framing: every header field is terminated by a NUL byte, there is no length prefix.
const FieldSep = byte(0)
const MaxFieldLen = 4096
const AckOk = "OK"
// Largest chunk size thin pools support.
const MaxChunkSizeBytes = int64(1) << 30
// Bounds the index list extension so a bogus length cannot exhaust memory.
const MaxIndexBlobLen = int64(1) << 30

func EncodeField(buf *bytes.Buffer, field string) error {
  if len(field) > MaxFieldLen {
    return fmt.Errorf("%w: field longer than %d", types.ErrBadHeader, MaxFieldLen)
  }
  if bytes.IndexByte([]byte(field), FieldSep) >= 0 {
    return fmt.Errorf("%w: field contains NUL: %q", types.ErrBadHeader, field)
  }
  buf.WriteString(field)
  buf.WriteByte(FieldSep)
  return nil
}

// Reads up to and excluding the next NUL.
// Returns io.EOF only if the stream ended before the first byte.
func ReadField(reader *bufio.Reader) (string, error) {
  var field []byte
  for {
    b, err := reader.ReadByte()
    if err == io.EOF && len(field) > 0 { return "", io.ErrUnexpectedEOF }
    if err != nil { return "", err }
    if b == FieldSep { return string(field), nil }
    if len(field) >= MaxFieldLen {
      return "", fmt.Errorf("%w: field longer than %d", types.ErrBadHeader, MaxFieldLen)
    }
    field = append(field, b)
  }
}

func ValidateHeader(hdr *types.TransferHeader) error {
  if hdr == nil || hdr.TargetPath == "" {
    return fmt.Errorf("%w: empty target path", types.ErrBadHeader)
  }
  if hdr.ChunkSizeBytes <= 0 || hdr.ChunkSizeBytes > MaxChunkSizeBytes {
    return fmt.Errorf("%w: chunk size %d", types.ErrBadHeader, hdr.ChunkSizeBytes)
  }
  return nil
}

// `<TargetPath>\0<ChunkSizeBytes>\0`
func EncodeHeader(hdr *types.TransferHeader) ([]byte, error) {
  if err := ValidateHeader(hdr); err != nil { return nil, err }
  buf := new(bytes.Buffer)
  if err := EncodeField(buf, hdr.TargetPath); err != nil { return nil, err }
  if err := EncodeField(buf, strconv.FormatInt(hdr.ChunkSizeBytes, 10)); err != nil { return nil, err }
  return buf.Bytes(), nil
}

func headerReadErr(what string, err error) error {
  if errors.Is(err, types.ErrTransport) { return err }
  if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
    return fmt.Errorf("%w: stream closed reading %s", types.ErrIncomplete, what)
  }
  return fmt.Errorf("%w: reading %s: %v", types.ErrBadHeader, what, err)
}

func DecodeHeader(reader *bufio.Reader) (*types.TransferHeader, error) {
  target, err := ReadField(reader)
  if err != nil { return nil, headerReadErr("target path", err) }
  chunk_str, err := ReadField(reader)
  if err != nil { return nil, headerReadErr("chunk size", err) }
  chunk, err := strconv.ParseInt(chunk_str, 10, 64)
  if err != nil {
    return nil, fmt.Errorf("%w: chunk size %q: %v", types.ErrBadHeader, chunk_str, err)
  }
  hdr := &types.TransferHeader{ TargetPath: target, ChunkSizeBytes: chunk, }
  if err = ValidateHeader(hdr); err != nil { return nil, err }
  return hdr, nil
}

// Returns an error unless `indices` are non negative and strictly ascending.
func CheckAscending(indices []int64) error {
  for idx,block := range indices {
    if block < 0 { return fmt.Errorf("%w: negative chunk index %d", types.ErrBadHeader, block) }
    if idx > 0 && block <= indices[idx-1] {
      return fmt.Errorf("%w: chunk indices not ascending at %d: %d <= %d",
                        types.ErrBadHeader, idx, block, indices[idx-1])
    }
  }
  return nil
}

// Header extension carrying the chunk indices: `<blob length>\0<blob>`.
// The blob is a varint count followed by the varint deltas between consecutive indices
// (the first delta is relative to 0).
func EncodeIndexList(indices []int64) ([]byte, error) {
  if err := CheckAscending(indices); err != nil { return nil, err }
  blob := protowire.AppendVarint(nil, uint64(len(indices)))
  prev := int64(0)
  for _,block := range indices {
    blob = protowire.AppendVarint(blob, uint64(block - prev))
    prev = block
  }
  buf := new(bytes.Buffer)
  if err := EncodeField(buf, strconv.Itoa(len(blob))); err != nil { return nil, err }
  buf.Write(blob)
  return buf.Bytes(), nil
}

func DecodeIndexList(reader *bufio.Reader) ([]int64, error) {
  len_str, err := ReadField(reader)
  if err != nil { return nil, headerReadErr("index list length", err) }
  blob_len, err := strconv.ParseInt(len_str, 10, 64)
  if err != nil || blob_len < 1 || blob_len > MaxIndexBlobLen {
    return nil, fmt.Errorf("%w: index list length %q", types.ErrBadHeader, len_str)
  }
  // The buffer grows with the bytes actually received, not with the announced length.
  blob := new(bytes.Buffer)
  if _, err = io.CopyN(blob, reader, blob_len); err != nil { return nil, headerReadErr("index list", err) }
  return DecodeIndexBlob(blob.Bytes())
}

func DecodeIndexBlob(blob []byte) ([]int64, error) {
  count, n := protowire.ConsumeVarint(blob)
  if n < 0 {
    return nil, fmt.Errorf("%w: index count: %v", types.ErrBadHeader, protowire.ParseError(n))
  }
  blob = blob[n:]
  // Each delta takes at least one byte.
  if count > uint64(len(blob)) {
    return nil, fmt.Errorf("%w: %d indices announced in %d bytes", types.ErrBadHeader, count, len(blob))
  }
  indices := make([]int64, 0, count)
  prev := int64(0)
  for i := uint64(0); i < count; i++ {
    delta, n := protowire.ConsumeVarint(blob)
    if n < 0 {
      return nil, fmt.Errorf("%w: index %d: %v", types.ErrBadHeader, i, protowire.ParseError(n))
    }
    blob = blob[n:]
    if i > 0 && delta == 0 {
      return nil, fmt.Errorf("%w: duplicate chunk index %d", types.ErrBadHeader, prev)
    }
    if delta > uint64(math.MaxInt64 - prev) {
      return nil, fmt.Errorf("%w: chunk index overflows", types.ErrBadHeader)
    }
    prev += int64(delta)
    indices = append(indices, prev)
  }
  if len(blob) > 0 {
    return nil, fmt.Errorf("%w: %d trailing bytes after index list", types.ErrBadHeader, len(blob))
  }
  return indices, nil
}

func EncodeAck() []byte {
  return append([]byte(AckOk), FieldSep)
}

// Anything but "OK\0", including the stream closing first, means the transfer is incomplete.
func DecodeAck(reader *bufio.Reader) (*types.Ack, error) {
  token, err := ReadField(reader)
  if err != nil {
    return &types.Ack{ Ok: false, }, fmt.Errorf("%w: no acknowledgement: %v", types.ErrIncomplete, err)
  }
  ack := &types.Ack{ Ok: token == AckOk, Token: token, }
  if !ack.Ok {
    return ack, fmt.Errorf("%w: unexpected acknowledgement %q", types.ErrIncomplete, token)
  }
  return ack, nil
}
