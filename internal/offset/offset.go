// Package offset tracks the monotonic row position of one ingest channel.
package offset

import "strconv"

// Window is a half-open row range [Start, End) handed to a channel with
// each append.
type Window struct {
	Start int64
	End   int64
}

// Len reports the number of rows the window covers.
func (w Window) Len() int64 { return w.End - w.Start }

// StartToken returns the decimal token for Start.
func (w Window) StartToken() string { return strconv.FormatInt(w.Start, 10) }

// EndToken returns the decimal token for End.
func (w Window) EndToken() string { return strconv.FormatInt(w.End, 10) }

// Counter hands out contiguous windows. It is owned by a single poller and
// is not safe for concurrent use.
type Counter struct {
	next int64
}

// Next reserves n rows and returns their window. The counter always
// advances, so a window is never handed out twice.
func (c *Counter) Next(n int) Window {
	w := Window{Start: c.next, End: c.next + int64(n)}
	c.next = w.End
	return w
}

// Position returns the start of the next window.
func (c *Counter) Position() int64 { return c.next }
