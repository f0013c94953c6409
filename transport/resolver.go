package transport

import (
  "fmt"
  "path/filepath"

  "lvm_sendrcv/types"
)

// Writes wherever the header says.
func AnyTarget(target_path string) (string, error) {
  if err := checkCleanPath(target_path); err != nil { return "", err }
  return target_path, nil
}

// Ignores the header and always writes to `path`.
func FixedTarget(path string) types.TargetResolver {
  return func(string) (string, error) { return path, nil }
}

// Accepts the header target only if it matches one of the glob `patterns`.
// No patterns means every target is refused.
func AllowedTargets(patterns []string) types.TargetResolver {
  return func(target_path string) (string, error) {
    if err := checkCleanPath(target_path); err != nil { return "", err }
    for _,pattern := range patterns {
      match, err := filepath.Match(pattern, target_path)
      if err != nil { return "", fmt.Errorf("%w: bad pattern %q: %v", types.ErrTargetNotAllowed, pattern, err) }
      if match { return target_path, nil }
    }
    return "", fmt.Errorf("%w: %s", types.ErrTargetNotAllowed, target_path)
  }
}

// Rejects relative paths and `..` tricks that would escape a glob like `/dev/vg/*`.
func checkCleanPath(target_path string) error {
  if !filepath.IsAbs(target_path) || filepath.Clean(target_path) != target_path {
    return fmt.Errorf("%w: not a clean absolute path: %q", types.ErrTargetNotAllowed, target_path)
  }
  return nil
}
