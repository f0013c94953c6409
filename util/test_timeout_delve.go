//go:build !race && delve

package util

import "time"

const TestTimeout  = 10 * time.Hour
const SmallTimeout = 10 * time.Hour
const MedTimeout   = 10 * time.Hour
const LargeTimeout = 10 * time.Hour
const RaceDetectorOn = false
