package shim

import (
  "bytes"
  "context"
  "encoding/xml"
  "errors"
  "fmt"
  "io"
  "strconv"

  "lvm_sendrcv/types"
  "lvm_sendrcv/util"
)

// thin_delta reports `data_block_size` in 512 byte sectors.
const SectorSize = 512

// Computes changed blocks by comparing the thin device mappings of two snapshots
// on a reserved snapshot of the pool metadata.
type thinDeltaTracker struct {
  conf   *util.LvmConf
  driver types.VolumeDriver
  runner CmdRunner
}

func NewThinDeltaTracker(
    conf *util.LvmConf, driver types.VolumeDriver, runner CmdRunner) (types.ChangeTracker, error) {
  if runner == nil { runner = &CmdRunnerImpl{ Timeout: conf.CmdTimeout } }
  return &thinDeltaTracker{ conf: conf, driver: driver, runner: runner, }, nil
}

type thinPair struct {
  pool     *types.LogicalVolume
  from, to *types.LogicalVolume
}

func (self *thinDeltaTracker) findPair(
    ctx context.Context, vg string, from string, to string) (*thinPair, error) {
  lvs, err := self.driver.ListLogicalVolumes(ctx, vg)
  if err != nil { return nil, err }
  pair := &thinPair{}
  by_name := make(map[string]*types.LogicalVolume)
  for _,lv := range lvs { by_name[lv.Name] = lv }

  pair.from = by_name[from]
  pair.to = by_name[to]
  if pair.from == nil || pair.to == nil {
    return nil, fmt.Errorf("%w: %s/%s or %s/%s", types.ErrUnknownSnapshot, vg, from, vg, to)
  }
  if !pair.from.IsThin() || pair.from.Pool != pair.to.Pool {
    return nil, fmt.Errorf("%w: '%s' and '%s' are not in the same thin pool",
                           types.ErrVolumeMismatch, from, to)
  }
  pair.pool = by_name[pair.from.Pool]
  if pair.pool == nil {
    return nil, fmt.Errorf("%w: pool '%s' not listed", types.ErrDiffBackend, pair.from.Pool)
  }
  return pair, nil
}

func (self *thinDeltaTracker) metadataSnap(ctx context.Context, pool_dm string, verb string) error {
  args := []string{ self.conf.Bin(self.conf.Dmsetup), "message", pool_dm + "-tpool", "0", verb }
  _, err := self.runner.Run(ctx, args)
  return err
}

func (self *thinDeltaTracker) ChangedBlocks(
    ctx context.Context, vg string, from string, to string) (int64, []int64, error) {
  pair, err := self.findPair(ctx, vg, from, to)
  if err != nil { return 0, nil, err }
  pool_dm := DmName(vg, pair.pool.Name)

  if err = self.metadataSnap(ctx, pool_dm, "reserve_metadata_snap"); err != nil {
    return 0, nil, fmt.Errorf("%w: %v", types.ErrDiffBackend, err)
  }
  defer func() {
    rel_err := self.metadataSnap(context.WithoutCancel(ctx), pool_dm, "release_metadata_snap")
    if rel_err != nil { util.Errorf("could not release metadata snap of %s: %v", pool_dm, rel_err) }
  }()

  args := []string{
    self.conf.Bin(self.conf.ThinDelta), "-m",
    "--snap1", strconv.FormatInt(pair.from.ThinId, 10),
    "--snap2", strconv.FormatInt(pair.to.ThinId, 10),
    fmt.Sprintf("/dev/mapper/%s_tmeta", pool_dm),
  }
  out, err := self.runner.Run(ctx, args)
  if err != nil { return 0, nil, fmt.Errorf("%w: %v", types.ErrDiffBackend, err) }

  block_sectors, blocks, err := ParseThinDelta(bytes.NewReader(out))
  if err != nil { return 0, nil, err }
  chunk := pair.pool.ChunkSizeBytes
  if block_sectors > 0 { chunk = block_sectors * SectorSize }
  if chunk <= 0 {
    return 0, nil, fmt.Errorf("%w: unknown chunk size for pool %s", types.ErrDiffBackend, pair.pool.Name)
  }
  util.Debugf("thin_delta %s -> %s: %d blocks of %d bytes", from, to, len(blocks), chunk)
  return chunk, blocks, nil
}

func attrInt64(el xml.StartElement, name string) (int64, error) {
  for _,attr := range el.Attr {
    if attr.Name.Local != name { continue }
    return strconv.ParseInt(attr.Value, 10, 64)
  }
  return 0, fmt.Errorf("<%s> missing attribute '%s'", el.Name.Local, name)
}

// Parses the xml output of `thin_delta`:
//   <superblock data_block_size="128"><diff left="1" right="2">
//     <same begin="0" length="2"/><different begin="2" length="1"/>
//   </diff></superblock>
// Returns the data block size in sectors (0 if absent) and the expanded block indices
// of the `different`, `left_only` and `right_only` ranges.
func ParseThinDelta(input io.Reader) (int64, []int64, error) {
  var block_sectors int64
  var blocks []int64
  decoder := xml.NewDecoder(input)
  for {
    tok, err := decoder.Token()
    if errors.Is(err, io.EOF) { break }
    if err != nil { return 0, nil, fmt.Errorf("%w: thin_delta output: %v", types.ErrDiffBackend, err) }

    el, ok := tok.(xml.StartElement)
    if !ok { continue }
    switch el.Name.Local {
      case "superblock":
        if size, err := attrInt64(el, "data_block_size"); err == nil { block_sectors = size }
      case "different", "left_only", "right_only":
        begin, err := attrInt64(el, "begin")
        if err != nil { return 0, nil, fmt.Errorf("%w: %v", types.ErrDiffBackend, err) }
        length, err := attrInt64(el, "length")
        if err != nil { return 0, nil, fmt.Errorf("%w: %v", types.ErrDiffBackend, err) }
        if begin < 0 || length < 0 {
          return 0, nil, fmt.Errorf("%w: bad range %d+%d", types.ErrDiffBackend, begin, length)
        }
        for idx := begin; idx < begin + length; idx += 1 { blocks = append(blocks, idx) }
    }
  }
  return block_sectors, blocks, nil
}
