package util

import (
  "fmt"
  "time"

  "lvm_sendrcv/types"
)

const DummyVg = "volg"
const DummyLv = "thin_volume"
const DummyPool = "pool0"
const DummyTarget = "/dev/vgreplica/thinv_replica"
const DummyChunk = int64(4096)

func DummyVolume() *types.Volume {
  return &types.Volume{
    Vg: DummyVg,
    Lv: DummyLv,
    Pool: DummyPool,
    DevicePath: fmt.Sprintf("/dev/%s/%s", DummyVg, DummyLv),
    SizeBytes: 16 * DummyChunk,
    PoolChunkSizeBytes: DummyChunk,
  }
}

func DummyTime(day int) time.Time {
  return time.Date(2024, time.January, day, 0, 0, 0, 0, time.UTC)
}

func DummySnapshot(name string, ts time.Time) *types.Snapshot {
  return &types.Snapshot{
    Name: name,
    Vg: DummyVg,
    Origin: DummyLv,
    CreatedAt: ts,
  }
}

func DummyLogicalVolumes() []*types.LogicalVolume {
  return []*types.LogicalVolume{
    &types.LogicalVolume{
      Name: DummyPool,
      Vg: DummyVg,
      Attr: "twi-aotz--",
      SizeBytes: 1024 * DummyChunk,
      ChunkSizeBytes: DummyChunk,
    },
    &types.LogicalVolume{
      Name: DummyLv,
      Vg: DummyVg,
      Pool: DummyPool,
      Attr: "Vwi-aotz--",
      SizeBytes: 16 * DummyChunk,
      ThinId: 1,
    },
  }
}

func LoadTestConf() *Config {
  return &Config{
    Log: LogConf{ Level: "debug", },
    Lvm: LvmConf{
      BinDir: "/sbin",
      ThinDelta: "/usr/sbin/thin_delta",
      Dmsetup: "/sbin/dmsetup",
      CmdTimeout: time.Minute,
    },
    Sources: []SourceConf{
      SourceConf{
        Name: "src",
        Vg: DummyVg,
        Lv: DummyLv,
        TargetPath: DummyTarget,
        Destination: "dst",
      },
    },
    Destinations: []DestinationConf{
      DestinationConf{
        Name: "dst",
        Type: DestExec,
        Command: []string{"thinsendrcv", "receive"},
      },
    },
    Receiver: ReceiverConf{
      AllowedTargets: []string{"/dev/vgreplica/*"},
    },
  }
}
