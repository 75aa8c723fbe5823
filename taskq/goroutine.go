package taskq

import (
	"runtime"
	"strconv"
	"strings"
)

// CurrentGoroutineID returns the runtime id of the calling goroutine, parsed
// from the first line of its stack trace ("goroutine N [running]:"). Used
// only for affinity checks; returns 0 if the header cannot be parsed.
func CurrentGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	header := strings.TrimPrefix(string(buf[:n]), "goroutine ")
	i := strings.IndexByte(header, ' ')
	if i < 0 {
		return 0
	}
	id, err := strconv.ParseUint(header[:i], 10, 64)
	if err != nil {
		return 0
	}
	return id
}
