// Package sysstats samples host resource usage (CPU, memory, disks, load
// averages) from procfs and publishes periodic SystemSnapshot values.
package sysstats

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ceymail/ceymail-mc/internal/broadcast"
	"github.com/ceymail/ceymail-mc/internal/model"
)

const defaultSettleDelay = 200 * time.Millisecond

// Collector produces SystemSnapshots. CPU usage is derived from the
// delta between consecutive /proc/stat samples, so the first snapshot of
// a fresh collector reports zero CPU.
type Collector struct {
	hub         *broadcast.Hub[model.SystemSnapshot]
	procRoot    string
	settleDelay time.Duration

	mu   sync.Mutex
	prev *cpuSample

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewCollector(subscriberBuffer int) *Collector {
	if subscriberBuffer <= 0 {
		subscriberBuffer = model.DefaultSubscriberBuffer
	}
	return &Collector{
		hub:         broadcast.NewHub[model.SystemSnapshot](subscriberBuffer),
		procRoot:    "/proc",
		settleDelay: defaultSettleDelay,
	}
}

func (c *Collector) Subscribe() *broadcast.Subscriber[model.SystemSnapshot] {
	return c.hub.Subscribe()
}

// Start samples immediately, then on every interval tick. Successive
// ticks reuse the previous CPU sample, so usage reflects activity since
// the last tick.
func (c *Collector) Start(ctx context.Context, interval time.Duration) {
	c.startOnce.Do(func() {
		ctx, c.cancel = context.WithCancel(ctx)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for {
				c.hub.Publish(c.sample())
				select {
				case <-ctx.Done():
					return
				case <-time.After(interval):
				}
			}
		}()
		log.Printf("sysstats: collector started, interval %s", interval)
	})
}

func (c *Collector) Stop() {
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.wg.Wait()
		c.hub.Close()
	})
}

// CollectOnce implements model.StatsSampler. It takes two CPU samples a
// short settle apart so one-off queries still get a meaningful usage
// figure, without disturbing the periodic sampler's own delta state.
func (c *Collector) CollectOnce() model.SystemSnapshot {
	first, firstErr := readCPUSample(c.procRoot)
	if firstErr == nil {
		time.Sleep(c.settleDelay)
	}
	second, secondErr := readCPUSample(c.procRoot)

	var prev *cpuSample
	if firstErr == nil && secondErr == nil {
		prev = &first
	}
	return c.snapshot(prev, second)
}

// sample advances the persistent delta state used by the periodic loop.
func (c *Collector) sample() model.SystemSnapshot {
	cur, err := readCPUSample(c.procRoot)
	if err != nil {
		log.Printf("sysstats: read cpu: %v", err)
		return c.snapshot(nil, cpuSample{})
	}

	c.mu.Lock()
	prev := c.prev
	c.prev = &cur
	c.mu.Unlock()

	return c.snapshot(prev, cur)
}

func (c *Collector) snapshot(prev *cpuSample, cur cpuSample) model.SystemSnapshot {
	cpu := model.CPUStats{PerCore: make([]float64, len(cur.cores))}
	if prev != nil {
		cpu.UsagePercent = usagePercent(prev.agg, cur.agg)
		for i := range cur.cores {
			if i < len(prev.cores) {
				cpu.PerCore[i] = usagePercent(prev.cores[i], cur.cores[i])
			}
		}
	}

	snap := model.SystemSnapshot{
		Timestamp: time.Now(),
		CPU:       cpu,
		Disks:     readDisks(c.procRoot),
	}
	if mem, err := readMemory(c.procRoot); err == nil {
		snap.Memory = mem
	}
	if load, err := readLoadAvg(c.procRoot); err == nil {
		snap.LoadAvg = load
	}
	return snap
}
