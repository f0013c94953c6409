package shim

import (
  "context"
  "encoding/json"
  "fmt"
  "strconv"
  "strings"

  "lvm_sendrcv/types"
  "lvm_sendrcv/util"
)

const LvsColumns = "lv_name,vg_name,pool_lv,origin,lv_attr,lv_size,thin_id,chunk_size"

type lvmDriver struct {
  conf   *util.LvmConf
  runner CmdRunner
}

func NewLvmDriver(conf *util.LvmConf, runner CmdRunner) (types.VolumeDriver, error) {
  if runner == nil { runner = &CmdRunnerImpl{ Timeout: conf.CmdTimeout } }
  return &lvmDriver{ conf: conf, runner: runner, }, nil
}

// Output of `lvs --reportformat json`, all values are strings.
type lvsReport struct {
  Report []struct {
    Lv []map[string]string `json:"lv"`
  } `json:"report"`
}

func parseInt(key string, row map[string]string) (int64, error) {
  str := strings.TrimSpace(row[key])
  if str == "" { return 0, nil }
  val, err := strconv.ParseInt(str, 10, 64)
  if err != nil { return 0, fmt.Errorf("lvs bad %s '%s': %v", key, str, err) }
  return val, nil
}

func ParseLvsReport(out []byte) ([]*types.LogicalVolume, error) {
  report := lvsReport{}
  if err := json.Unmarshal(out, &report); err != nil {
    return nil, fmt.Errorf("%w: lvs output: %v", types.ErrBackendFailure, err)
  }
  var lvs []*types.LogicalVolume
  for _,section := range report.Report {
    for _,row := range section.Lv {
      lv := &types.LogicalVolume{
        Name: row["lv_name"],
        Vg: row["vg_name"],
        Pool: row["pool_lv"],
        Origin: row["origin"],
        Attr: row["lv_attr"],
      }
      var err error
      if lv.SizeBytes, err = parseInt("lv_size", row); err != nil { return nil, err }
      if lv.ThinId, err = parseInt("thin_id", row); err != nil { return nil, err }
      if lv.ChunkSizeBytes, err = parseInt("chunk_size", row); err != nil { return nil, err }
      lvs = append(lvs, lv)
    }
  }
  return lvs, nil
}

func (self *lvmDriver) run(ctx context.Context, args ...string) ([]byte, error) {
  args[0] = self.conf.Bin(args[0])
  out, err := self.runner.Run(ctx, args)
  if err != nil { return out, fmt.Errorf("%w: %v", types.ErrBackendFailure, err) }
  return out, nil
}

func (self *lvmDriver) ListLogicalVolumes(ctx context.Context, vg string) ([]*types.LogicalVolume, error) {
  out, err := self.run(ctx, "lvs", "--reportformat", "json", "--units", "b", "--nosuffix",
                       "-o", LvsColumns, vg)
  if err != nil { return nil, err }
  return ParseLvsReport(out)
}

// lvcreate -s -n ${SNAP} ${VG}/${LV}
func (self *lvmDriver) CreateSnapshot(ctx context.Context, vg string, lv string, snap string) error {
  _, err := self.run(ctx, "lvcreate", "-s", "-n", snap, vg + "/" + lv)
  return err
}

// lvremove -y ${VG}/${SNAP}
func (self *lvmDriver) RemoveSnapshot(ctx context.Context, vg string, snap string) error {
  _, err := self.run(ctx, "lvremove", "-y", vg + "/" + snap)
  return err
}

// lvchange -ay -Ky ${VG}/${SNAP}
func (self *lvmDriver) SetActivation(ctx context.Context, vg string, name string, active bool) error {
  flag := "-an"
  if active { flag = "-ay" }
  _, err := self.run(ctx, "lvchange", flag, "-Ky", vg + "/" + name)
  return err
}

func (self *lvmDriver) RenameSnapshot(ctx context.Context, vg string, from string, to string) error {
  _, err := self.run(ctx, "lvrename", vg, from, to)
  return err
}

func (self *lvmDriver) DevicePath(vg string, lv string) string {
  return fmt.Sprintf("/dev/%s/%s", vg, lv)
}

// Device mapper doubles the dashes inside each name component.
func DmName(vg string, lv string) string {
  return strings.ReplaceAll(vg, "-", "--") + "-" + strings.ReplaceAll(lv, "-", "--")
}
