package main

import (
  "context"
  "fmt"
  "net"
  "os"
  "os/signal"
  "strings"
  "syscall"
  "time"

  "lvm_sendrcv/factory"
  "lvm_sendrcv/transport"
  "lvm_sendrcv/types"
  "lvm_sendrcv/util"
  "lvm_sendrcv/workflow/sendrcv_manager"

  "github.com/urfave/cli/v2"
)

const AdHocSource = "cmdline"
const AdHocDestination = "cmdline_dst"

// Everything a command needs, loaded once in `Before`.
type runEnv struct {
  Conf    *util.Config
  Metrics *util.Metrics
}

func getEnv(c *cli.Context) *runEnv {
  return c.App.Metadata["env"].(*runEnv)
}

type sourceOpts struct {
  Source      string
  Vg          string
  Lv          string
  To          string
  Destination string
  Exec        string
}

func sourceOptsFrom(c *cli.Context) *sourceOpts {
  return &sourceOpts{
    Source: c.String("source"),
    Vg: c.String("vg"),
    Lv: c.String("lv"),
    To: c.String("to"),
    Destination: c.String("destination"),
    Exec: c.String("exec"),
  }
}

// Either names a configured source, or describes one on the command line.
// Returns the name of the source to build.
func resolveSource(conf *util.Config, opts *sourceOpts) (string, error) {
  ad_hoc := opts.Vg != "" || opts.Lv != "" || opts.To != ""
  if opts.Source != "" && ad_hoc {
    return "", fmt.Errorf("%w: --source excludes --vg/--lv/--to", util.ErrBadConfig)
  }
  if opts.Source != "" { return opts.Source, nil }
  if !ad_hoc { return "", fmt.Errorf("%w: need --source or --vg/--lv/--to", util.ErrBadConfig) }

  dst_name := opts.Destination
  if opts.Exec != "" {
    if dst_name != "" { return "", fmt.Errorf("%w: --exec excludes --destination", util.ErrBadConfig) }
    dst_name = AdHocDestination
    conf.Destinations = append(conf.Destinations, util.DestinationConf{
      Name: dst_name,
      Type: util.DestExec,
      Command: strings.Fields(opts.Exec),
    })
  }
  conf.Sources = append(conf.Sources, util.SourceConf{
    Name: AdHocSource,
    Vg: opts.Vg,
    Lv: opts.Lv,
    TargetPath: opts.To,
    Destination: dst_name,
  })
  return AdHocSource, util.ValidateConfig(conf)
}

func buildSendRcvManager(c *cli.Context) (types.SendRcvManager, *util.SourceConf, error) {
  env := getEnv(c)
  src_name, err := resolveSource(env.Conf, sourceOptsFrom(c))
  if err != nil { return nil, nil, err }
  src, err := env.Conf.SourceByName(src_name)
  if err != nil { return nil, nil, err }
  fact, err := factory.NewFactory(env.Conf, env.Metrics)
  if err != nil { return nil, nil, err }
  mgr, err := fact.BuildSendRcvManager(c.Context, src_name)
  return mgr, src, err
}

func sendAction(c *cli.Context) error {
  mgr, _, err := buildSendRcvManager(c)
  if err != nil { return err }
  res, err := mgr.Replicate(c.Context, types.AlwaysSucceed)
  if err != nil {
    if stage := types.FailedStage(err); stage != "" { return fmt.Errorf("%s failed: %w", stage, err) }
    return err
  }
  fmt.Printf("%s -> %s: %d chunks, %d bytes in %s\n", res.From.Name, res.To.Name,
             len(res.Changes.Indices), res.Changes.PayloadBytes(), res.Duration)
  return nil
}

func initAction(c *cli.Context) error {
  mgr, _, err := buildSendRcvManager(c)
  if err != nil { return err }
  baseline, err := mgr.InitBaseline(c.Context, c.Bool("full-send"))
  if err != nil { return err }
  fmt.Printf("baseline %s\n", baseline)
  return nil
}

func statusAction(c *cli.Context) error {
  mgr, src, err := buildSendRcvManager(c)
  if err != nil { return err }
  state, snaps, err := mgr.DeriveState(c.Context)
  if err != nil { return err }
  fmt.Printf("state: %s\n", state)
  for _,snap := range snaps {
    fmt.Printf("  %s created=%s active=%v\n", snap, snap.CreatedAt.Format("2006-01-02 15:04:05"), snap.Active)
  }
  if state == types.Uninitialized {
    fmt.Print(sendrcv_manager.InitInstructions(src, time.Now()))
  }
  return nil
}

func receiveAction(c *cli.Context) error {
  env := getEnv(c)
  if c.IsSet("direct-io") { env.Conf.Receiver.DirectIo = c.Bool("direct-io") }
  if c.IsSet("allow") { env.Conf.Receiver.AllowedTargets = c.StringSlice("allow") }
  listen := env.Conf.Receiver.Listen
  if c.IsSet("listen") { listen = c.String("listen") }

  fact, err := factory.NewFactory(env.Conf, env.Metrics)
  if err != nil { return err }
  mgr, err := fact.BuildReceiveManager(c.Context)
  if err != nil { return err }

  if listen == "" {
    // stdout is the stream, every log line goes to stderr.
    stream := transport.NewStdioStream(os.Stdin, os.Stdout)
    defer stream.Close()
    _, err = mgr.HandleSession(c.Context, stream)
    return err
  }
  listener, err := net.Listen("tcp", listen)
  if err != nil { return err }
  return mgr.Serve(c.Context, listener)
}

func sourceFlags() []cli.Flag {
  return []cli.Flag{
    &cli.StringFlag{ Name: "source", Aliases: []string{"s"}, Usage: "name of a configured source", },
    &cli.StringFlag{ Name: "vg", Usage: "volume group of the thin volume", },
    &cli.StringFlag{ Name: "lv", Usage: "thin logical volume to replicate", },
    &cli.StringFlag{ Name: "to", Usage: "device path written on the receiving host", },
    &cli.StringFlag{ Name: "destination", Aliases: []string{"d"}, Usage: "name of a configured destination", },
    &cli.StringFlag{ Name: "exec", Usage: "command talking to the receiver through stdin/stdout (ie 'ssh host thinsendrcv receive')", },
  }
}

func App() *cli.App {
  app := &cli.App{
    Name: "thinsendrcv",
    Usage: "Replicates LVM thin volumes by sending only the chunks changed since the last run",
    Metadata: map[string]interface{}{},
    Flags: []cli.Flag{
      &cli.StringFlag{
        Name: "config",
        Aliases: []string{"c"},
        Usage: "yaml configuration file",
        EnvVars: []string{util.EnvPrefix + "CONFIG"},
      },
      &cli.StringFlag{ Name: "log-level", Usage: "overrides log.level", },
    },
    Before: func(c *cli.Context) error {
      conf, err := util.LoadConfig(c.String("config"))
      if err != nil { return err }
      if c.IsSet("log-level") { conf.Log.Level = c.String("log-level") }
      util.SetupLogging(&conf.Log)
      c.App.Metadata["env"] = &runEnv{ Conf: conf, Metrics: util.NewMetrics(), }
      return nil
    },
    After: func(c *cli.Context) error {
      env, ok := c.App.Metadata["env"].(*runEnv)
      if !ok { return nil }
      if err := env.Metrics.WriteTextfile(env.Conf.Metrics.TextfilePath); err != nil {
        util.Warnf("Could not write metrics: %v", err)
      }
      return nil
    },
    Commands: []*cli.Command{
      {
        Name: "send",
        Usage: "Sends the changes since the baseline and commits a new baseline",
        Flags: sourceFlags(),
        Action: sendAction,
      },
      {
        Name: "init",
        Usage: "Creates the first baseline of a volume",
        Flags: append(sourceFlags(), &cli.BoolFlag{
          Name: "full-send", Usage: "also copy the whole volume to the destination",
        }),
        Action: initAction,
      },
      {
        Name: "status",
        Usage: "Prints the replication state of a volume",
        Flags: sourceFlags(),
        Action: statusAction,
      },
      {
        Name: "receive",
        Usage: "Applies one transfer read from stdin, or serves them on --listen",
        Flags: []cli.Flag{
          &cli.StringFlag{ Name: "listen", Usage: "tcp address to accept transfers on", },
          &cli.BoolFlag{ Name: "direct-io", Usage: "bypass the page cache when writing", },
          &cli.StringSliceFlag{ Name: "allow", Usage: "glob of devices the sender may write to", },
        },
        Action: receiveAction,
      },
    },
  }
  return app
}

func main() {
  ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
  err := App().RunContext(ctx, os.Args)
  stop()
  if err != nil {
    fmt.Fprintf(os.Stderr, "error: %v\n", err)
    os.Exit(1)
  }
}
