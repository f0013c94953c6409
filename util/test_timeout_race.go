//go:build race

package util

import "time"

// https://stackoverflow.com/questions/44944959/how-can-i-check-if-the-race-detector-is-enabled-at-runtime
const TestTimeout  = 30 * time.Second
const SmallTimeout = 200 * time.Millisecond
const MedTimeout   = 1 * time.Second
const LargeTimeout = 10 * time.Second
const RaceDetectorOn = true
