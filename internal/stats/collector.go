package stats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const ringSize = 60

// Collector tracks replication statistics using lock-free atomic counters.
type Collector struct {
	eventsApplied atomic.Int64
	eventsIgnored atomic.Int64
	eventsFailed  atomic.Int64
	dirsyncs      atomic.Int64
	filesCopied   atomic.Int64
	filesSkipped  atomic.Int64
	filesFailed   atomic.Int64
	deleted       atomic.Int64
	bytesLogical  atomic.Int64 // bytes placed into destination files
	bytesWire     atomic.Int64 // payload bytes that crossed the connection
	bytesLocal    atomic.Int64 // bytes satisfied from the existing local copy
	procNanos     atomic.Int64
	startTime     time.Time

	// Ring buffer, written only by Tick.
	mu           sync.Mutex
	throughput   [ringSize]int64 // logical bytes delta per second
	eventsPerSec [ringSize]int64
	ringIdx      int
	ringCount    int // how many samples have been written (capped at ringSize)
	lastBytes    int64
	lastEvents   int64
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	EventsApplied int64
	EventsIgnored int64
	EventsFailed  int64
	Dirsyncs      int64
	FilesCopied   int64
	FilesSkipped  int64
	FilesFailed   int64
	Deleted       int64
	BytesLogical  int64
	BytesWire     int64
	BytesLocal    int64
	ProcTime      time.Duration
	Elapsed       time.Duration
}

func (c *Collector) AddEventsApplied(n int64) { c.eventsApplied.Add(n) }
func (c *Collector) AddEventsIgnored(n int64) { c.eventsIgnored.Add(n) }
func (c *Collector) AddEventsFailed(n int64)  { c.eventsFailed.Add(n) }
func (c *Collector) AddDirsyncs(n int64)      { c.dirsyncs.Add(n) }
func (c *Collector) AddFilesCopied(n int64)   { c.filesCopied.Add(n) }
func (c *Collector) AddFilesSkipped(n int64)  { c.filesSkipped.Add(n) }
func (c *Collector) AddFilesFailed(n int64)   { c.filesFailed.Add(n) }
func (c *Collector) AddDeleted(n int64)       { c.deleted.Add(n) }
func (c *Collector) AddBytesLogical(n int64)  { c.bytesLogical.Add(n) }
func (c *Collector) AddBytesWire(n int64)     { c.bytesWire.Add(n) }
func (c *Collector) AddBytesLocal(n int64)    { c.bytesLocal.Add(n) }

// AddProcTime accumulates time spent applying events and running dirsyncs.
func (c *Collector) AddProcTime(d time.Duration) { c.procNanos.Add(int64(d)) }

// Snapshot returns a point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		EventsApplied: c.eventsApplied.Load(),
		EventsIgnored: c.eventsIgnored.Load(),
		EventsFailed:  c.eventsFailed.Load(),
		Dirsyncs:      c.dirsyncs.Load(),
		FilesCopied:   c.filesCopied.Load(),
		FilesSkipped:  c.filesSkipped.Load(),
		FilesFailed:   c.filesFailed.Load(),
		Deleted:       c.deleted.Load(),
		BytesLogical:  c.bytesLogical.Load(),
		BytesWire:     c.bytesWire.Load(),
		BytesLocal:    c.bytesLocal.Load(),
		ProcTime:      time.Duration(c.procNanos.Load()),
		Elapsed:       c.Elapsed(),
	}
}

// Tick snapshots byte/event deltas into the ring buffer. Called once per second.
func (c *Collector) Tick() {
	currentBytes := c.bytesLogical.Load()
	currentEvents := c.eventsApplied.Load()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.throughput[c.ringIdx] = currentBytes - c.lastBytes
	c.eventsPerSec[c.ringIdx] = currentEvents - c.lastEvents
	c.lastBytes = currentBytes
	c.lastEvents = currentEvents

	c.ringIdx = (c.ringIdx + 1) % ringSize
	if c.ringCount < ringSize {
		c.ringCount++
	}
}

// RollingSpeed returns average bytes/sec over the last n seconds of samples.
func (c *Collector) RollingSpeed(seconds int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollingAvg(c.throughput[:], seconds)
}

// RollingEventsPerSec returns average events/sec over the last n seconds.
func (c *Collector) RollingEventsPerSec(seconds int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollingAvg(c.eventsPerSec[:], seconds)
}

func (c *Collector) rollingAvg(buf []int64, n int) float64 {
	count := min(n, c.ringCount)
	if count == 0 {
		return 0
	}
	var sum int64
	for i := range count {
		idx := (c.ringIdx - 1 - i + ringSize) % ringSize
		sum += buf[idx]
	}
	return float64(sum) / float64(count)
}

// Elapsed returns time since collector creation.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

// Saved returns the fraction of logical bytes that did not cross the wire.
func (s Snapshot) Saved() float64 {
	if s.BytesLogical <= 0 || s.BytesWire >= s.BytesLogical {
		return 0
	}
	return 1 - float64(s.BytesWire)/float64(s.BytesLogical)
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"events=%d ignored=%d failed=%d dirsyncs=%d copied=%d skipped=%d deleted=%d bytes=%d wire=%d",
		s.EventsApplied, s.EventsIgnored, s.EventsFailed, s.Dirsyncs,
		s.FilesCopied, s.FilesSkipped, s.Deleted, s.BytesLogical, s.BytesWire,
	)
}

// FormatBytes returns a human-readable byte count.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

// FormatRate formats a bytes-per-second rate as a human-readable string.
func FormatRate(bytesPerSec float64) string {
	if bytesPerSec <= 0 {
		return "0 B/s"
	}
	return FormatBytes(int64(bytesPerSec)) + "/s"
}
