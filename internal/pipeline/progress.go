package pipeline

import (
	"io"
	"time"

	"github.com/cryophile/cryophile/internal/clog"
)

// progressReader wraps an io.Reader, periodically logging bytes read and
// throughput at debug level. It moves from a fixed byte-count trigger to
// a clog.Logger-backed, time-interval one, since a long-running backup
// of a slow source should still report progress even if it never crosses
// the next byte threshold.
type progressReader struct {
	r      io.Reader
	label  string
	log    *clog.Logger
	period time.Duration

	start     time.Time
	lastEmit  time.Time
	readBytes int64
}

func newProgressReader(r io.Reader, label string, log *clog.Logger) *progressReader {
	return &progressReader{r: r, label: label, log: log, period: 30 * time.Second}
}

func (p *progressReader) Read(buf []byte) (int, error) {
	if p.start.IsZero() {
		p.start = time.Now()
		p.lastEmit = p.start
	}

	n, err := p.r.Read(buf)
	p.readBytes += int64(n)
	p.log.Trace("%s: read %d bytes (%s total)", p.label, n, clog.FmtBytes(p.readBytes))

	if now := time.Now(); now.Sub(p.lastEmit) >= p.period {
		p.report(now)
		p.lastEmit = now
	}
	if err == io.EOF {
		p.report(time.Now())
	}
	return n, err
}

func (p *progressReader) report(now time.Time) {
	elapsed := now.Sub(p.start).Seconds()
	var rate int64
	if elapsed > 0 {
		rate = int64(float64(p.readBytes) / elapsed)
	}
	p.log.Debug("%s: %s read [%s/s]", p.label, clog.FmtBytes(p.readBytes), clog.FmtBytes(rate))
}
