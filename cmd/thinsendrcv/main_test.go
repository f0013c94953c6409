package main

import (
  "errors"
  "testing"

  "lvm_sendrcv/util"
)

func TestResolveSource_Configured(t *testing.T) {
  conf := util.LoadTestConf()
  name, err := resolveSource(conf, &sourceOpts{ Source: "src", })
  if err != nil { t.Fatalf("resolveSource: %v", err) }
  util.EqualsOrFailTest(t, "Bad source", name, "src")
  util.EqualsOrFailTest(t, "Config should not change", len(conf.Sources), 1)
}

func TestResolveSource_AdHoc(t *testing.T) {
  conf := util.LoadTestConf()
  opts := &sourceOpts{
    Vg: "vg0", Lv: "data", To: "/dev/vgbackup/data",
    Exec: "ssh backup thinsendrcv receive",
  }
  name, err := resolveSource(conf, opts)
  if err != nil { t.Fatalf("resolveSource: %v", err) }
  src, err := conf.SourceByName(name)
  if err != nil { t.Fatalf("SourceByName: %v", err) }
  expect := util.SourceConf{
    Name: AdHocSource, Vg: "vg0", Lv: "data", TargetPath: "/dev/vgbackup/data", Destination: AdHocDestination,
  }
  util.EqualsOrFailTest(t, "Bad source", *src, expect)
  dst, err := conf.DestinationByName(AdHocDestination)
  if err != nil { t.Fatalf("DestinationByName: %v", err) }
  util.EqualsOrFailTest(t, "Bad command", dst.Command, []string{"ssh", "backup", "thinsendrcv", "receive"})
}

func TestResolveSource_Bad(t *testing.T) {
  bad_opts := []*sourceOpts{
    &sourceOpts{},
    &sourceOpts{ Source: "src", Vg: "vg0", },
    &sourceOpts{ Vg: "vg0", Lv: "data", },
    &sourceOpts{ Vg: "vg0", Lv: "data", To: "/dev/x/y", Destination: "nowhere", },
    &sourceOpts{ Vg: "vg0", Lv: "data", To: "/dev/x/y", Destination: "dst", Exec: "cat", },
  }
  for _,opts := range bad_opts {
    _, err := resolveSource(util.LoadTestConf(), opts)
    if !errors.Is(err, util.ErrBadConfig) { t.Errorf("%+v: expected ErrBadConfig, got %v", opts, err) }
  }
}
