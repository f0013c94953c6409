package util

import (
  "errors"
  "fmt"
  "strings"
  "time"

  "github.com/knadh/koanf/parsers/yaml"
  "github.com/knadh/koanf/providers/confmap"
  "github.com/knadh/koanf/providers/env"
  "github.com/knadh/koanf/providers/file"
  "github.com/knadh/koanf/v2"
)

// Environment overrides use a double underscore as key separator:
// THINSENDRCV_LVM__BIN_DIR=/usr/sbin -> lvm.bin_dir
const EnvPrefix = "THINSENDRCV_"

const (
  DestSsh  = "ssh"
  DestTcp  = "tcp"
  DestExec = "exec"
)

var ErrBadConfig = errors.New("bad_config")

type LogConf struct {
  Level string `koanf:"level"`
  Json  bool   `koanf:"json"`
}

type LvmConf struct {
  BinDir     string        `koanf:"bin_dir"`
  ThinDelta  string        `koanf:"thin_delta"`
  Dmsetup    string        `koanf:"dmsetup"`
  CmdTimeout time.Duration `koanf:"cmd_timeout"`
}

type SourceConf struct {
  Name        string `koanf:"name"`
  Vg          string `koanf:"vg"`
  Lv          string `koanf:"lv"`
  // Where the receiver writes, may differ from the local device path.
  TargetPath  string `koanf:"target_path"`
  Destination string `koanf:"destination"`
  // Number of superseded baselines to keep (renamed out of the sendrcv pattern).
  RetainBaselines int `koanf:"retain_baselines"`
  // Watchdog closing the stream if a transfer takes longer, 0 means no limit.
  TransferTimeout time.Duration `koanf:"transfer_timeout"`
}

type DestinationConf struct {
  Name          string        `koanf:"name"`
  Type          string        `koanf:"type"`
  Address       string        `koanf:"address"`
  User          string        `koanf:"user"`
  IdentityFile  string        `koanf:"identity_file"`
  KnownHosts    string        `koanf:"known_hosts"`
  RemoteCommand string        `koanf:"remote_command"`
  Command       []string      `koanf:"command"`
  DialTimeout   time.Duration `koanf:"dial_timeout"`
}

type ReceiverConf struct {
  // Glob patterns, a header target must match one of them.
  AllowedTargets []string `koanf:"allowed_targets"`
  Listen         string   `koanf:"listen"`
  DirectIo       bool     `koanf:"direct_io"`
}

type MetricsConf struct {
  TextfilePath string `koanf:"textfile_path"`
}

type Config struct {
  Log          LogConf           `koanf:"log"`
  Lvm          LvmConf           `koanf:"lvm"`
  Sources      []SourceConf      `koanf:"sources"`
  Destinations []DestinationConf `koanf:"destinations"`
  Receiver     ReceiverConf      `koanf:"receiver"`
  Metrics      MetricsConf       `koanf:"metrics"`
}

func defaultValues() map[string]interface{} {
  return map[string]interface{}{
    "log.level": "info",
    "log.json": false,
    "lvm.bin_dir": "/sbin",
    "lvm.thin_delta": "/usr/sbin/thin_delta",
    "lvm.dmsetup": "/sbin/dmsetup",
    "lvm.cmd_timeout": "5m",
    "receiver.listen": "",
    "receiver.direct_io": true,
  }
}

func envKey(s string) string {
  s = strings.TrimPrefix(s, EnvPrefix)
  return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

// Loads defaults, then the yaml file at `path` (if not empty), then the environment.
func LoadConfig(path string) (*Config, error) {
  k := koanf.New(".")
  if err := k.Load(confmap.Provider(defaultValues(), "."), nil); err != nil {
    return nil, fmt.Errorf("load defaults: %w", err)
  }
  if len(path) > 0 {
    if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
      return nil, fmt.Errorf("%w: load file %s: %v", ErrBadConfig, path, err)
    }
  }
  if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
    return nil, fmt.Errorf("load env: %w", err)
  }

  conf := &Config{}
  if err := k.Unmarshal("", conf); err != nil {
    return nil, fmt.Errorf("%w: %v", ErrBadConfig, err)
  }
  return conf, ValidateConfig(conf)
}

func ValidateConfig(conf *Config) error {
  src_names := make(map[string]bool)
  for _,src := range conf.Sources {
    if src.Name == "" || src_names[src.Name] {
      return fmt.Errorf("%w: missing or duplicate source name '%s'", ErrBadConfig, src.Name)
    }
    src_names[src.Name] = true
    if src.Vg == "" || src.Lv == "" || src.TargetPath == "" {
      return fmt.Errorf("%w: source '%s' needs vg, lv and target_path", ErrBadConfig, src.Name)
    }
    if src.RetainBaselines < 0 {
      return fmt.Errorf("%w: source '%s' negative retain_baselines", ErrBadConfig, src.Name)
    }
    if _,err := conf.DestinationByName(src.Destination); err != nil { return err }
  }
  dst_names := make(map[string]bool)
  for _,dst := range conf.Destinations {
    if dst.Name == "" || dst_names[dst.Name] {
      return fmt.Errorf("%w: missing or duplicate destination name '%s'", ErrBadConfig, dst.Name)
    }
    dst_names[dst.Name] = true
    if err := ValidateDestination(&dst); err != nil { return err }
  }
  return nil
}

func ValidateDestination(dst *DestinationConf) error {
  switch dst.Type {
    case DestSsh:
      if dst.Address == "" || dst.User == "" {
        return fmt.Errorf("%w: ssh destination '%s' needs address and user",
                          ErrBadConfig, dst.Name)
      }
      if dst.KnownHosts == "" || dst.IdentityFile == "" {
        return fmt.Errorf("%w: ssh destination '%s' needs known_hosts and identity_file",
                          ErrBadConfig, dst.Name)
      }
    case DestTcp:
      if dst.Address == "" {
        return fmt.Errorf("%w: tcp destination '%s' needs address", ErrBadConfig, dst.Name)
      }
    case DestExec:
      if len(dst.Command) < 1 {
        return fmt.Errorf("%w: exec destination '%s' needs command", ErrBadConfig, dst.Name)
      }
    default:
      return fmt.Errorf("%w: destination '%s' bad type '%s'", ErrBadConfig, dst.Name, dst.Type)
  }
  return nil
}

func (self *Config) SourceByName(name string) (*SourceConf, error) {
  for idx := range self.Sources {
    if self.Sources[idx].Name == name { return &self.Sources[idx], nil }
  }
  return nil, fmt.Errorf("%w: source '%s' is not in configuration", ErrBadConfig, name)
}

func (self *Config) DestinationByName(name string) (*DestinationConf, error) {
  for idx := range self.Destinations {
    if self.Destinations[idx].Name == name { return &self.Destinations[idx], nil }
  }
  return nil, fmt.Errorf("%w: destination '%s' is not in configuration", ErrBadConfig, name)
}

// Binary paths are resolved against `BinDir` unless absolute.
func (self *LvmConf) Bin(name string) string {
  if strings.HasPrefix(name, "/") || self.BinDir == "" { return name }
  return strings.TrimRight(self.BinDir, "/") + "/" + name
}
