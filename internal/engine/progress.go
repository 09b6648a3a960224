package engine

import (
	"io"
	"sync"

	"github.com/austindbirch/harbor_upload/internal/upload"
)

// progressTracker reports upload percentages for one task. Percentages only ever
// increase, so a retried attempt stays quiet until it passes the previous high mark.
type progressTracker struct {
	taskID string
	obs    upload.Observer

	mu      sync.Mutex
	last    int
	stopped bool
}

func (p *progressTracker) wrap(r io.ReadCloser, total int64) io.ReadCloser {
	if total <= 0 {
		return r
	}
	return &countingReader{ReadCloser: r, total: total, tracker: p}
}

func (p *progressTracker) report(percent int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || percent <= p.last {
		return
	}
	p.last = percent
	p.obs.Progress(p.taskID, percent)
}

type countingReader struct {
	io.ReadCloser
	total   int64
	read    int64
	tracker *progressTracker
}

func (c *countingReader) Read(b []byte) (int, error) {
	n, err := c.ReadCloser.Read(b)
	if n > 0 {
		c.read += int64(n)
		percent := int(c.read * 100 / c.total)
		if percent > 100 {
			percent = 100
		}
		c.tracker.report(percent)
	}
	return n, err
}

// stop silences the tracker; the transport may still be draining the body after the
// response arrived, and progress must not trail the terminal callback.
func (p *progressTracker) stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
}
