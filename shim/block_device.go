package shim

import (
  "errors"
  "fmt"
  "math"
  "unsafe"

  "lvm_sendrcv/types"
  "lvm_sendrcv/util"

  "golang.org/x/sys/unix"
)

// Buffer address, length and offsets must be multiples of this for O_DIRECT.
const DirectIoAlign = 4096

var ErrOffsetOverflow = errors.New("chunk_offset_overflows_int64")

// Returns `index * chunk_size` in bytes, failing instead of wrapping around.
func ChunkOffset(index int64, chunk_size int64) (int64, error) {
  if index < 0 || chunk_size <= 0 {
    return 0, fmt.Errorf("%w: index=%d chunk=%d", ErrOffsetOverflow, index, chunk_size)
  }
  if index > math.MaxInt64 / chunk_size {
    return 0, fmt.Errorf("%w: index=%d chunk=%d", ErrOffsetOverflow, index, chunk_size)
  }
  return index * chunk_size, nil
}

// Returns a slice of `size` bytes whose first byte is aligned for direct I/O.
func AlignedBuffer(size int) []byte {
  raw := make([]byte, size + DirectIoAlign)
  shift := 0
  if rem := int(uintptr(unsafe.Pointer(&raw[0])) & (DirectIoAlign - 1)); rem != 0 {
    shift = DirectIoAlign - rem
  }
  return raw[shift : shift + size : shift + size]
}

func CanUseDirectIo(chunk_size int64) bool {
  return chunk_size > 0 && chunk_size % DirectIoAlign == 0
}

// Positioned I/O on a block device (or a regular file in tests).
// Offsets are always explicit, the file position is never used.
type BlockDevice struct {
  path   string
  fd     int
  direct bool
  block  bool
  size   int64
}

// If `direct` but the underlying filesystem refuses O_DIRECT,
// falls back to synchronous writes (O_DSYNC).
func OpenBlockDevice(path string, writable bool, direct bool) (*BlockDevice, error) {
  flags := unix.O_RDONLY | unix.O_CLOEXEC
  if writable { flags = unix.O_RDWR | unix.O_CLOEXEC }
  dev := &BlockDevice{ path: path, fd: -1, direct: direct, }

  var err error
  if direct {
    dev.fd, err = unix.Open(path, flags | unix.O_DIRECT, 0)
    if errors.Is(err, unix.EINVAL) {
      util.Warnf("%s does not support O_DIRECT, using O_DSYNC", path)
      dev.direct = false
      direct = false
    }
  }
  if !direct {
    if writable { flags |= unix.O_DSYNC }
    dev.fd, err = unix.Open(path, flags, 0)
  }
  if err != nil { return nil, fmt.Errorf("open %s: %w", path, err) }

  if err = dev.readSize(); err != nil {
    dev.Close()
    return nil, err
  }
  return dev, nil
}

func (self *BlockDevice) readSize() error {
  var stat unix.Stat_t
  if err := unix.Fstat(self.fd, &stat); err != nil {
    return fmt.Errorf("fstat %s: %w", self.path, err)
  }
  if stat.Mode & unix.S_IFMT != unix.S_IFBLK {
    self.size = stat.Size
    return nil
  }
  self.block = true
  var size uint64
  _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(self.fd), unix.BLKGETSIZE64,
                              uintptr(unsafe.Pointer(&size)))
  if errno != 0 { return fmt.Errorf("BLKGETSIZE64 %s: %w", self.path, errno) }
  if size > math.MaxInt64 { return fmt.Errorf("%s: size %d overflows", self.path, size) }
  self.size = int64(size)
  return nil
}

func (self *BlockDevice) Path() string { return self.path }
func (self *BlockDevice) Size() int64 { return self.size }
func (self *BlockDevice) IsBlockDevice() bool { return self.block }
func (self *BlockDevice) IsDirect() bool { return self.direct }

// Reads exactly `len(buf)` bytes at `off`, retrying partial reads.
// Reaching the end of the device before that is an error.
func (self *BlockDevice) ReadExactAt(buf []byte, off int64) error {
  done := 0
  for done < len(buf) {
    cnt, err := unix.Pread(self.fd, buf[done:], off + int64(done))
    if errors.Is(err, unix.EINTR) { continue }
    if err != nil { return fmt.Errorf("pread %s@%d: %w", self.path, off, err) }
    if cnt == 0 {
      return fmt.Errorf("%w: short read %s@%d: %d/%d",
                        types.ErrPartialWrite, self.path, off, done, len(buf))
    }
    done += cnt
  }
  return nil
}

// Writes `buf` at `off` in a single call, a short write is fatal.
func (self *BlockDevice) WriteExactAt(buf []byte, off int64) error {
  for {
    cnt, err := unix.Pwrite(self.fd, buf, off)
    if errors.Is(err, unix.EINTR) { continue }
    if err != nil {
      return fmt.Errorf("%w: pwrite %s@%d: %v", types.ErrPartialWrite, self.path, off, err)
    }
    if cnt != len(buf) {
      return fmt.Errorf("%w: short write %s@%d: %d/%d",
                        types.ErrPartialWrite, self.path, off, cnt, len(buf))
    }
    return nil
  }
}

func (self *BlockDevice) Sync() error {
  if err := unix.Fsync(self.fd); err != nil {
    return fmt.Errorf("fsync %s: %w", self.path, err)
  }
  return nil
}

func (self *BlockDevice) Close() error {
  if self.fd < 0 { return nil }
  err := unix.Close(self.fd)
  self.fd = -1
  return err
}
