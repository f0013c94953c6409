package mocks

import (
  "context"
  "fmt"
  "io"
  "os"
  fpmod "path/filepath"
  "sort"

  "lvm_sendrcv/types"
  "lvm_sendrcv/util"
)

// In-memory volume group.
// If `Root` is set every logical volume is backed by a regular file under it
// and snapshots copy the content of their origin.
type LvmDriver struct {
  ErrBase
  Root  string
  Lvs   map[string]*types.LogicalVolume
  Calls []string
  next_thin_id int64
}

func NewLvmDriver() *LvmDriver {
  driver := &LvmDriver{ Lvs: make(map[string]*types.LogicalVolume), next_thin_id: 10, }
  for _,lv := range util.DummyLogicalVolumes() { driver.Lvs[lvKey(lv.Vg, lv.Name)] = lv }
  _ = (types.VolumeDriver)(driver)
  return driver
}

// Backs the dummy origin volume with `content`.
func NewLvmDriverWithDevices(root string, content []byte) *LvmDriver {
  driver := NewLvmDriver()
  driver.Root = root
  origin := driver.DevicePath(util.DummyVg, util.DummyLv)
  if err := os.MkdirAll(fpmod.Dir(origin), 0755); err != nil { util.Fatalf("mkdir: %v", err) }
  if err := os.WriteFile(origin, content, 0644); err != nil { util.Fatalf("write: %v", err) }
  driver.Lvs[lvKey(util.DummyVg, util.DummyLv)].SizeBytes = int64(len(content))
  return driver
}

func lvKey(vg string, name string) string { return vg + "/" + name }

func setActiveAttr(attr string, active bool) string {
  raw := []byte(attr)
  for len(raw) < 10 { raw = append(raw, '-') }
  raw[4] = '-'
  if active { raw[4] = 'a' }
  return string(raw)
}

// Adds a snapshot of the dummy origin without recording a call.
func (self *LvmDriver) AddSnapshot(name string, active bool) *types.LogicalVolume {
  origin := self.Lvs[lvKey(util.DummyVg, util.DummyLv)]
  self.next_thin_id += 1
  snap := &types.LogicalVolume{
    Name: name,
    Vg: origin.Vg,
    Pool: origin.Pool,
    Origin: origin.Name,
    Attr: setActiveAttr("Vri---tz-k", active),
    SizeBytes: origin.SizeBytes,
    ThinId: self.next_thin_id,
  }
  self.Lvs[lvKey(snap.Vg, name)] = snap
  self.copyDevice(origin.Vg, origin.Name, name)
  return snap
}

// Names of every logical volume with an origin, sorted.
func (self *LvmDriver) SnapshotNames() []string {
  names := []string{}
  for _,lv := range self.Lvs {
    if lv.Origin != "" { names = append(names, lv.Name) }
  }
  sort.Strings(names)
  return names
}

func (self *LvmDriver) IsActive(name string) bool {
  lv, found := self.Lvs[lvKey(util.DummyVg, name)]
  return found && lv.IsActive()
}

func (self *LvmDriver) copyDevice(vg string, from string, to string) {
  if self.Root == "" { return }
  src, err := os.Open(self.DevicePath(vg, from))
  if err != nil { return }
  defer src.Close()
  dst, err := os.Create(self.DevicePath(vg, to))
  if err != nil { util.Fatalf("create: %v", err) }
  defer dst.Close()
  if _,err = io.Copy(dst, src); err != nil { util.Fatalf("copy: %v", err) }
}

func (self *LvmDriver) ListLogicalVolumes(
    ctx context.Context, vg string) ([]*types.LogicalVolume, error) {
  self.Calls = append(self.Calls, "lvs " + vg)
  if err := self.Inject(self.ListLogicalVolumes); err != nil { return nil, err }
  var lvs []*types.LogicalVolume
  for _,lv := range self.Lvs {
    if lv.Vg != vg { continue }
    clone := *lv
    lvs = append(lvs, &clone)
  }
  sort.Slice(lvs, func(i, j int) bool { return lvs[i].Name < lvs[j].Name })
  return lvs, nil
}

func (self *LvmDriver) CreateSnapshot(ctx context.Context, vg string, lv string, snap string) error {
  self.Calls = append(self.Calls, fmt.Sprintf("lvcreate %s/%s %s", vg, lv, snap))
  if err := self.Inject(self.CreateSnapshot); err != nil { return err }
  origin, found := self.Lvs[lvKey(vg, lv)]
  if !found { return fmt.Errorf("%w: no origin %s/%s", types.ErrBackendFailure, vg, lv) }
  if _,found := self.Lvs[lvKey(vg, snap)]; found {
    return fmt.Errorf("%w: %s/%s already exists", types.ErrBackendFailure, vg, snap)
  }
  self.next_thin_id += 1
  self.Lvs[lvKey(vg, snap)] = &types.LogicalVolume{
    Name: snap,
    Vg: vg,
    Pool: origin.Pool,
    Origin: lv,
    Attr: "Vri---tz-k",
    SizeBytes: origin.SizeBytes,
    ThinId: self.next_thin_id,
  }
  self.copyDevice(vg, lv, snap)
  return nil
}

func (self *LvmDriver) RemoveSnapshot(ctx context.Context, vg string, snap string) error {
  self.Calls = append(self.Calls, fmt.Sprintf("lvremove %s/%s", vg, snap))
  if err := self.Inject(self.RemoveSnapshot); err != nil { return err }
  if _,found := self.Lvs[lvKey(vg, snap)]; !found {
    return fmt.Errorf("%w: no %s/%s", types.ErrBackendFailure, vg, snap)
  }
  delete(self.Lvs, lvKey(vg, snap))
  if self.Root != "" { os.Remove(self.DevicePath(vg, snap)) }
  return nil
}

func (self *LvmDriver) SetActivation(ctx context.Context, vg string, name string, active bool) error {
  self.Calls = append(self.Calls, fmt.Sprintf("lvchange active=%v %s/%s", active, vg, name))
  if err := self.Inject(self.SetActivation); err != nil { return err }
  lv, found := self.Lvs[lvKey(vg, name)]
  if !found { return fmt.Errorf("%w: no %s/%s", types.ErrBackendFailure, vg, name) }
  lv.Attr = setActiveAttr(lv.Attr, active)
  return nil
}

func (self *LvmDriver) RenameSnapshot(ctx context.Context, vg string, from string, to string) error {
  self.Calls = append(self.Calls, fmt.Sprintf("lvrename %s %s %s", vg, from, to))
  if err := self.Inject(self.RenameSnapshot); err != nil { return err }
  lv, found := self.Lvs[lvKey(vg, from)]
  if !found { return fmt.Errorf("%w: no %s/%s", types.ErrBackendFailure, vg, from) }
  if _,found := self.Lvs[lvKey(vg, to)]; found {
    return fmt.Errorf("%w: %s/%s already exists", types.ErrBackendFailure, vg, to)
  }
  if self.Root != "" { os.Rename(self.DevicePath(vg, from), self.DevicePath(vg, to)) }
  delete(self.Lvs, lvKey(vg, from))
  lv.Name = to
  self.Lvs[lvKey(vg, to)] = lv
  return nil
}

func (self *LvmDriver) DevicePath(vg string, name string) string {
  if self.Root != "" { return fpmod.Join(self.Root, vg, name) }
  return fmt.Sprintf("/dev/%s/%s", vg, name)
}

type ChangeTracker struct {
  ErrBase
  ChunkSizeBytes int64
  Blocks []int64
  Calls  [][2]string
}

func NewChangeTracker(chunk int64, blocks ...int64) *ChangeTracker {
  tracker := &ChangeTracker{ ChunkSizeBytes: chunk, Blocks: blocks, }
  _ = (types.ChangeTracker)(tracker)
  return tracker
}

func (self *ChangeTracker) ChangedBlocks(
    ctx context.Context, vg string, from string, to string) (int64, []int64, error) {
  self.Calls = append(self.Calls, [2]string{from, to})
  if err := self.Inject(self.ChangedBlocks); err != nil { return 0, nil, err }
  return self.ChunkSizeBytes, append([]int64{}, self.Blocks...), nil
}
