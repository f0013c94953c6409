package mocks

import (
  "testing"
)

func TestAddSnapshot_DistinctThinIds(t *testing.T) {
  driver := NewLvmDriver()
  first := driver.AddSnapshot("thin_volume_a", false)
  second := driver.AddSnapshot("thin_volume_b", true)
  var id int64 = first.ThinId
  if id <= 0 || second.ThinId != id + 1 {
    t.Errorf("thin ids should be allocated in sequence: %d %d", first.ThinId, second.ThinId)
  }
}
