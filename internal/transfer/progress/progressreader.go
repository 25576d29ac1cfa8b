package progress

import (
	"io"
	"time"
)

// Reader wraps an io.Reader and reports progress via a callback at byte
// intervals. Each report carries the instantaneous rate in bytes per second,
// measured since the previous report.
type Reader struct {
	reader       io.Reader
	total        int64
	onProgress   func(rate int64, transferred int64, total int64)
	interval     int64 // bytes between reports
	transferred  int64
	sinceReport  int64
	lastReportAt time.Time
}

func NewReader(r io.Reader, total int64, interval int64, cb func(rate int64, transferred int64, total int64)) *Reader {
	return &Reader{
		reader:       r,
		total:        total,
		onProgress:   cb,
		interval:     interval,
		lastReportAt: time.Now(),
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.transferred += int64(n)
		pr.sinceReport += int64(n)

		if pr.sinceReport >= pr.interval {
			pr.report()
		}
	}

	return n, err
}

// Transferred returns the cumulative byte count read so far.
func (pr *Reader) Transferred() int64 {
	return pr.transferred
}

// Flush emits a final report. It always fires, so observers see zero-length
// transfers complete.
func (pr *Reader) Flush() {
	pr.report()
}

func (pr *Reader) report() {
	elapsed := time.Since(pr.lastReportAt)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}

	rate := int64(float64(pr.sinceReport) / elapsed.Seconds())
	pr.onProgress(rate, pr.transferred, pr.total)

	pr.sinceReport = 0
	pr.lastReportAt = time.Now()
}
