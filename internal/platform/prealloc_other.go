//go:build !linux

package platform

import "os"

// Preallocate does nothing outside Linux.
func Preallocate(_ *os.File, _ int64) {}
