package util

import (
  "fmt"
  "io"
  "os"
  "runtime"
  "sync"

  "github.com/hashicorp/go-hclog"
)

const LoggerName = "thinsendrcv"

var log_mu sync.RWMutex
var logger hclog.Logger = NewLogger(os.Stderr, "info", false)

// Logs always go to stderr (or `out`): stdout may carry the transfer stream.
func NewLogger(out io.Writer, level string, json bool) hclog.Logger {
  lvl := hclog.LevelFromString(level)
  if lvl == hclog.NoLevel { lvl = hclog.Info }
  return hclog.New(&hclog.LoggerOptions{
    Name: LoggerName,
    Level: lvl,
    Output: out,
    JSONFormat: json,
  })
}

func SetupLogging(conf *LogConf) {
  SetLogger(NewLogger(os.Stderr, conf.Level, conf.Json))
}

func SetLogger(l hclog.Logger) {
  log_mu.Lock()
  defer log_mu.Unlock()
  logger = l
}

func Logger() hclog.Logger {
  log_mu.RLock()
  defer log_mu.RUnlock()
  return logger
}

// Adapts the logger to an io.Writer, for example to capture a remote process stderr.
func LogWriter(name string) io.Writer {
  return Logger().Named(name).StandardWriter(&hclog.StandardLoggerOptions{
    ForceLevel: hclog.Info,
  })
}

func Fatalf(format string, v ...interface{}) {
  Logger().Error("[FATAL] " + fmt.Sprintf(format, v...))
  buf := make([]byte, 4096)
  cnt := runtime.Stack(buf, /*all=*/false)
  Logger().Error(fmt.Sprintf("Stack:\n%s", buf[:cnt]))
  os.Exit(1)
}

func Errorf(format string, v ...interface{}) {
  Logger().Error(fmt.Sprintf(format, v...))
}

func Warnf(format string, v ...interface{}) {
  Logger().Warn(fmt.Sprintf(format, v...))
}

func Infof(format string, v ...interface{}) {
  Logger().Info(fmt.Sprintf(format, v...))
}

func Debugf(format string, v ...interface{}) {
  Logger().Debug(fmt.Sprintf(format, v...))
}
