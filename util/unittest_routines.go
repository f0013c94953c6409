package util

import (
  "encoding/json"
  "fmt"
  "math/rand"
  "os"
  fpmod "path/filepath"
  "strings"
  "testing"
)

func asJsonStrings(val interface{}, expected interface{}) (string, string) {
  var val_str, expected_str []byte
  var val_err, expected_err error
  val_str, val_err = json.MarshalIndent(val, "", "  ")
  expected_str, expected_err = json.MarshalIndent(expected, "", "  ")
  if val_err != nil || expected_err != nil {
    Fatalf("cannot marshal to json string: %v%v, %v/%v", val, val_err, expected, expected_err)
  }
  return string(val_str), string(expected_str)
}

func truncate(str string, max_len int) string {
  if len(str) <= max_len { return str }
  return str[:max_len] + "..."
}

func fmtAssertMsg(err_msg string, got string, expected string) string {
  const max_len = 1024
  return fmt.Sprintf("%s:\ngot: %s\n !=\nexp: %s\n",
                     err_msg, truncate(got, max_len), truncate(expected, max_len))
}

func EqualsOrDieTest(t *testing.T, err_msg string, val interface{}, expected interface{}) {
  t.Helper()
  val_str, expected_str := asJsonStrings(val, expected)
  if strings.Compare(val_str, expected_str) != 0 {
    t.Fatal(fmtAssertMsg(err_msg, val_str, expected_str))
  }
}

// Returns 0 if equal
func EqualsOrFailTest(t *testing.T, err_msg string, val interface{}, expected interface{}) int {
  t.Helper()
  val_str, expected_str := asJsonStrings(val, expected)
  comp_res := strings.Compare(val_str, expected_str)
  if comp_res != 0 {
    t.Error(fmtAssertMsg(err_msg, val_str, expected_str))
    return comp_res
  }
  return 0
}

func GenerateRandomData(size int) []byte {
  buffer := make([]byte, size)
  _, err := rand.Read(buffer)
  if err != nil { Fatalf("rand failed: %v", err) }
  return buffer
}

// Creates a regular file standing in for a block device.
// If `content` is nil the file is sparse and reads as zeros.
func CreateTestDevice(t *testing.T, name string, size int64, content []byte) string {
  t.Helper()
  path := fpmod.Join(t.TempDir(), name)
  f, err := os.Create(path)
  if err != nil { t.Fatalf("create %s: %v", path, err) }
  defer f.Close()
  if content != nil {
    if _,err = f.Write(content); err != nil { t.Fatalf("write %s: %v", path, err) }
  }
  if err = f.Truncate(size); err != nil { t.Fatalf("truncate %s: %v", path, err) }
  return path
}

func ReadTestDevice(t *testing.T, path string) []byte {
  t.Helper()
  data, err := os.ReadFile(path)
  if err != nil { t.Fatalf("read %s: %v", path, err) }
  return data
}
