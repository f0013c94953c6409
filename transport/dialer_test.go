package transport

import (
  "bufio"
  "context"
  "errors"
  "net"
  "testing"

  "lvm_sendrcv/types"
  "lvm_sendrcv/util"
)

func TestNewDialer_BadConfig(t *testing.T) {
  bad := []*util.DestinationConf{
    &util.DestinationConf{ Name: "a", Type: "pigeon", },
    &util.DestinationConf{ Name: "b", Type: util.DestTcp, },
    &util.DestinationConf{ Name: "c", Type: util.DestSsh, Address: "host", User: "root", },
  }
  for _,conf := range bad {
    if _,err := NewDialer(conf); !errors.Is(err, util.ErrBadConfig) {
      t.Errorf("%s: expected ErrBadConfig, got %v", conf.Name, err)
    }
  }
}

func TestSshAddress(t *testing.T) {
  util.EqualsOrFailTest(t, "Bad default port", sshAddress("replica.lan"), "replica.lan:22")
  util.EqualsOrFailTest(t, "Bad explicit port", sshAddress("replica.lan:2222"), "replica.lan:2222")
}

func TestTcpDialer(t *testing.T) {
  ctx, cancel := context.WithTimeout(context.Background(), util.TestTimeout)
  defer cancel()
  listener, err := net.Listen("tcp", "127.0.0.1:0")
  if err != nil { t.Fatalf("Listen: %v", err) }
  defer listener.Close()
  go func() {
    conn, err := listener.Accept()
    if err != nil { return }
    defer conn.Close()
    conn.Write(EncodeAck())
  }()

  dialer, err := NewDialer(&util.DestinationConf{
    Name: "tcp", Type: util.DestTcp, Address: listener.Addr().String(), DialTimeout: util.TestTimeout,
  })
  if err != nil { t.Fatalf("NewDialer: %v", err) }
  stream, err := dialer.Dial(ctx)
  if err != nil { t.Fatalf("Dial: %v", err) }
  defer stream.Close()
  if _,ok := stream.(types.CloseWriteIf); !ok { t.Errorf("tcp stream should support half close") }
  if _,err := DecodeAck(bufio.NewReader(stream)); err != nil { t.Errorf("DecodeAck: %v", err) }
}

func TestExecDialer(t *testing.T) {
  ctx, cancel := context.WithTimeout(context.Background(), util.TestTimeout)
  defer cancel()
  dialer, err := NewDialer(&util.DestinationConf{
    Name: "cat", Type: util.DestExec, Command: []string{ "cat", },
  })
  if err != nil { t.Fatalf("NewDialer: %v", err) }
  stream, err := dialer.Dial(ctx)
  if err != nil { t.Fatalf("Dial: %v", err) }
  if _,err = stream.Write(EncodeAck()); err != nil { t.Fatalf("Write: %v", err) }
  if err = CloseWriteIfPossible(stream); err != nil { t.Fatalf("CloseWrite: %v", err) }
  if _,err := DecodeAck(bufio.NewReader(stream)); err != nil { t.Errorf("DecodeAck: %v", err) }
  if err = stream.Close(); err != nil { t.Errorf("Close: %v", err) }
}
