package factory

import (
  "context"
  "fmt"

  "lvm_sendrcv/shim"
  "lvm_sendrcv/transport"
  "lvm_sendrcv/types"
  "lvm_sendrcv/util"
  "lvm_sendrcv/volume_source"
  "lvm_sendrcv/workflow/receive_manager"
  "lvm_sendrcv/workflow/sendrcv_manager"
)

type Factory struct {
  Conf    *util.Config
  Metrics *util.Metrics
  // Runs the lvm and device mapper binaries, nil means the real ones.
  Runner  shim.CmdRunner
}

func NewFactory(conf *util.Config, metrics *util.Metrics) (*Factory, error) {
  if conf == nil { return nil, fmt.Errorf("%w: no configuration", util.ErrBadConfig) }
  if err := util.ValidateConfig(conf); err != nil { return nil, err }
  factory := &Factory{ Conf: conf, Metrics: metrics, }
  _ = (types.Factory)(factory)
  return factory, nil
}

func (self *Factory) BuildVolumeSource() (types.VolumeSource, error) {
  driver, err := shim.NewLvmDriver(&self.Conf.Lvm, self.Runner)
  if err != nil { return nil, err }
  tracker, err := shim.NewThinDeltaTracker(&self.Conf.Lvm, driver, self.Runner)
  if err != nil { return nil, err }
  return volume_source.NewVolumeSource(driver, tracker)
}

// Fails early if the source volume cannot be found.
func (self *Factory) BuildSendRcvManager(
    ctx context.Context, src_name string) (types.SendRcvManager, error) {
  src, err := self.Conf.SourceByName(src_name)
  if err != nil { return nil, err }
  dst, err := self.Conf.DestinationByName(src.Destination)
  if err != nil { return nil, err }

  dialer, err := transport.NewDialer(dst)
  if err != nil { return nil, err }
  vol_src, err := self.BuildVolumeSource()
  if err != nil { return nil, err }
  if _,err = vol_src.ResolveVolume(ctx, src.Vg, src.Lv); err != nil { return nil, err }
  sender := transport.NewChunkTransport(self.Metrics, true)
  return sendrcv_manager.NewSendRcvManager(src, vol_src, sender, dialer, self.Metrics)
}

func (self *Factory) BuildReceiveManager(ctx context.Context) (types.ReceiveManager, error) {
  receiver := transport.NewChunkTransport(self.Metrics, self.Conf.Receiver.DirectIo)
  return receive_manager.NewReceiveManager(&self.Conf.Receiver, receiver, self.Metrics)
}
