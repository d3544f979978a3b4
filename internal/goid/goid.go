// Package goid identifies the calling goroutine.
package goid

import (
	"runtime"
)

// ID returns the ID of the calling goroutine, parsed from the header line
// of its stack trace, or 0 if the header could not be parsed.
func ID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
