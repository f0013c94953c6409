package transport

import (
  "context"
  "errors"
  "fmt"
  "io"
  "net"
  "os"
  "syscall"

  "lvm_sendrcv/types"
  "lvm_sendrcv/util"

  "golang.org/x/crypto/ssh"
  "golang.org/x/crypto/ssh/knownhosts"
  "golang.org/x/crypto/ssh/terminal"
)

const DefaultSshPort = "22"
const DefaultRemoteCommand = "thinsendrcv receive"

func NewDialer(conf *util.DestinationConf) (types.StreamDialer, error) {
  if err := util.ValidateDestination(conf); err != nil { return nil, err }
  switch conf.Type {
    case util.DestTcp: return &tcpDialer{ conf: conf, }, nil
    case util.DestExec: return &execDialer{ conf: conf, }, nil
    case util.DestSsh: return &sshDialer{ conf: conf, }, nil
  }
  return nil, fmt.Errorf("%w: unknown destination type '%s'", util.ErrBadConfig, conf.Type)
}

type tcpDialer struct { conf *util.DestinationConf }

func (self *tcpDialer) Dial(ctx context.Context) (types.Stream, error) {
  dialer := net.Dialer{ Timeout: self.conf.DialTimeout, }
  conn, err := dialer.DialContext(ctx, "tcp", self.conf.Address)
  if err != nil { return nil, fmt.Errorf("%w: dial %s: %v", types.ErrIncomplete, self.conf.Address, err) }
  util.Infof("Connected to %s", conn.RemoteAddr())
  return conn.(*net.TCPConn), nil
}

// Runs a local command (ie `ssh host thinsendrcv receive`) and talks through its stdin/stdout.
type execDialer struct { conf *util.DestinationConf }

func (self *execDialer) Dial(ctx context.Context) (types.Stream, error) {
  stream, err := util.StartCmdWithStdioPipes(ctx, self.conf.Command)
  if err != nil { return nil, fmt.Errorf("%w: %v", types.ErrIncomplete, err) }
  return stream, nil
}

type sshDialer struct { conf *util.DestinationConf }

type sshStream struct {
  client  *ssh.Client
  session *ssh.Session
  stdin   io.WriteCloser
  stdout  io.Reader
}

func (self *sshStream) Read(p []byte) (int, error)  { return self.stdout.Read(p) }
func (self *sshStream) Write(p []byte) (int, error) { return self.stdin.Write(p) }
func (self *sshStream) CloseWrite() error           { return self.stdin.Close() }
func (self *sshStream) Close() error {
  self.stdin.Close()
  err := self.session.Close()
  if errors.Is(err, io.EOF) { err = nil }
  return util.Coalesce(err, self.client.Close())
}

func sshAddress(address string) string {
  if _,_,err := net.SplitHostPort(address); err == nil { return address }
  return net.JoinHostPort(address, DefaultSshPort)
}

func loadSigner(path string) (ssh.Signer, error) {
  pem, err := os.ReadFile(path)
  if err != nil { return nil, err }
  signer, err := ssh.ParsePrivateKey(pem)
  var missing *ssh.PassphraseMissingError
  if !errors.As(err, &missing) { return signer, err }

  fmt.Fprintf(os.Stderr, "Passphrase for %s: ", path)
  pass, err := terminal.ReadPassword(int(syscall.Stdin))
  fmt.Fprintln(os.Stderr)
  if err != nil { return nil, err }
  defer func() { for idx := range pass { pass[idx] = 0 } }()
  return ssh.ParsePrivateKeyWithPassphrase(pem, pass)
}

func (self *sshDialer) clientConfig() (*ssh.ClientConfig, error) {
  signer, err := loadSigner(self.conf.IdentityFile)
  if err != nil { return nil, fmt.Errorf("%w: identity %s: %v", util.ErrBadConfig, self.conf.IdentityFile, err) }
  host_cb, err := knownhosts.New(self.conf.KnownHosts)
  if err != nil { return nil, fmt.Errorf("%w: known hosts %s: %v", util.ErrBadConfig, self.conf.KnownHosts, err) }
  return &ssh.ClientConfig{
    User: self.conf.User,
    Auth: []ssh.AuthMethod{ ssh.PublicKeys(signer), },
    HostKeyCallback: host_cb,
    Timeout: self.conf.DialTimeout,
  }, nil
}

func (self *sshDialer) Dial(ctx context.Context) (types.Stream, error) {
  config, err := self.clientConfig()
  if err != nil { return nil, err }
  address := sshAddress(self.conf.Address)
  dialer := net.Dialer{ Timeout: self.conf.DialTimeout, }
  conn, err := dialer.DialContext(ctx, "tcp", address)
  if err != nil { return nil, fmt.Errorf("%w: dial %s: %v", types.ErrIncomplete, address, err) }

  // The handshake does not honour `ctx`.
  stop := CloseOnDone(ctx, conn)
  defer stop()
  client_conn, chans, reqs, err := ssh.NewClientConn(conn, address, config)
  if err != nil {
    conn.Close()
    return nil, fmt.Errorf("%w: ssh handshake %s: %v", types.ErrIncomplete, address, err)
  }
  client := ssh.NewClient(client_conn, chans, reqs)

  command := self.conf.RemoteCommand
  if command == "" { command = DefaultRemoteCommand }
  stream, err := startRemote(client, command)
  if err != nil {
    client.Close()
    return nil, fmt.Errorf("%w: %v", types.ErrIncomplete, err)
  }
  util.Infof("Connected to %s@%s", self.conf.User, address)
  return stream, nil
}

func startRemote(client *ssh.Client, command string) (*sshStream, error) {
  session, err := client.NewSession()
  if err != nil { return nil, err }
  stdin, err := session.StdinPipe()
  if err != nil { return nil, err }
  stdout, err := session.StdoutPipe()
  if err != nil { return nil, err }
  session.Stderr = util.LogWriter("ssh.remote")
  if err = session.Start(command); err != nil { return nil, err }
  return &sshStream{
    client: client,
    session: session,
    stdin: stdin,
    stdout: stdout,
  }, nil
}
