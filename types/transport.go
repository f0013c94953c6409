package types

import (
  "context"
  "io"
)

// Sent once at the start of a transfer.
// Wire form: `<TargetPath>\0<ChunkSizeBytes decimal>\0`
type TransferHeader struct {
  TargetPath string
  ChunkSizeBytes int64
}

type Ack struct {
  Ok bool
  // The raw token read from the stream, "OK" on success.
  Token string
}

// Maps the target path announced by the sender to a local device path.
// May refuse the target by returning an error.
type TargetResolver func(target_path string) (string, error)

type ChunkSender interface {
  // Writes the header then the raw chunks of `src_path` at `indices`, and waits for the ack.
  // The receiver must learn `indices` out of band.
  Send(ctx context.Context, stream io.ReadWriter, hdr *TransferHeader,
       src_path string, indices []int64) (*Ack, error)
  // Like `Send` but the index list travels in a header extension.
  SendIndexed(ctx context.Context, stream io.ReadWriter, hdr *TransferHeader,
              src_path string, indices []int64) (*Ack, error)
}

type ChunkReceiver interface {
  // Reads the header then applies one chunk per index, and acks only if all got applied.
  Receive(ctx context.Context, stream io.ReadWriter, resolve TargetResolver,
          indices []int64) (*TransferHeader, *Ack, error)
  // Counterpart of `SendIndexed`.
  ReceiveIndexed(ctx context.Context, stream io.ReadWriter,
                 resolve TargetResolver) (*TransferHeader, *Ack, error)
}
