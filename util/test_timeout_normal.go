//go:build !race && !delve

package util

import "time"

// https://stackoverflow.com/questions/44944959/how-can-i-check-if-the-race-detector-is-enabled-at-runtime
const TestTimeout  = 5 * time.Second
const SmallTimeout = 20 * time.Millisecond
const MedTimeout   = 100 * time.Millisecond
const LargeTimeout = 1 * time.Second
const RaceDetectorOn = false
