package sysstats

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/ceymail/ceymail-mc/internal/model"
)

type cpuTimes struct {
	total uint64
	idle  uint64
}

// cpuSample holds one reading of the aggregate and per-core counters
// from /proc/stat. Usage percentages come from deltas between samples.
type cpuSample struct {
	agg   cpuTimes
	cores []cpuTimes
}

func parseCPULine(fields []string) (cpuTimes, error) {
	var t cpuTimes
	if len(fields) < 5 {
		return t, errors.New("short cpu line")
	}
	vals := make([]uint64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return t, err
		}
		vals = append(vals, v)
		t.total += v
	}
	// idle + iowait
	t.idle = vals[3]
	if len(vals) > 4 {
		t.idle += vals[4]
	}
	return t, nil
}

func readCPUSample(procRoot string) (cpuSample, error) {
	f, err := os.Open(filepath.Join(procRoot, "stat"))
	if err != nil {
		return cpuSample{}, err
	}
	defer f.Close()

	var sample cpuSample
	seenAgg := false
	s := bufio.NewScanner(f)
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) == 0 || !strings.HasPrefix(fields[0], "cpu") {
			continue
		}
		t, err := parseCPULine(fields[1:])
		if err != nil {
			continue
		}
		if fields[0] == "cpu" {
			sample.agg = t
			seenAgg = true
		} else {
			sample.cores = append(sample.cores, t)
		}
	}
	if err := s.Err(); err != nil {
		return cpuSample{}, err
	}
	if !seenAgg {
		return cpuSample{}, errors.New("cpu line not found")
	}
	return sample, nil
}

func usagePercent(prev, cur cpuTimes) float64 {
	if cur.total <= prev.total || cur.idle < prev.idle {
		return 0
	}
	deltaTotal := cur.total - prev.total
	deltaIdle := cur.idle - prev.idle
	return 100 * (1 - float64(deltaIdle)/float64(deltaTotal))
}

func readMemory(procRoot string) (model.MemoryStats, error) {
	f, err := os.Open(filepath.Join(procRoot, "meminfo"))
	if err != nil {
		return model.MemoryStats{}, err
	}
	defer f.Close()

	var total, available, swapTotal, swapFree uint64
	s := bufio.NewScanner(f)
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v * 1024
		case "MemAvailable:":
			available = v * 1024
		case "SwapTotal:":
			swapTotal = v * 1024
		case "SwapFree:":
			swapFree = v * 1024
		}
	}
	if total == 0 {
		return model.MemoryStats{}, errors.New("meminfo parse failed")
	}
	return model.MemoryStats{
		Total:     total,
		Used:      total - available,
		Available: available,
		SwapTotal: swapTotal,
		SwapUsed:  swapTotal - swapFree,
	}, nil
}

func readLoadAvg(procRoot string) (model.LoadAverages, error) {
	b, err := os.ReadFile(filepath.Join(procRoot, "loadavg"))
	if err != nil {
		return model.LoadAverages{}, err
	}
	parts := strings.Fields(string(b))
	if len(parts) < 3 {
		return model.LoadAverages{}, errors.New("invalid loadavg")
	}
	l1, _ := strconv.ParseFloat(parts[0], 64)
	l5, _ := strconv.ParseFloat(parts[1], 64)
	l15, _ := strconv.ParseFloat(parts[2], 64)
	return model.LoadAverages{One: l1, Five: l5, Fifteen: l15}, nil
}

// readDisks reports usage for every real (device-backed) filesystem in
// the mounts table. Pseudo filesystems and duplicate mount points are
// skipped, as are mounts statfs cannot reach.
func readDisks(procRoot string) []model.DiskStats {
	f, err := os.Open(filepath.Join(procRoot, "mounts"))
	if err != nil {
		return nil
	}
	defer f.Close()

	var disks []model.DiskStats
	seen := make(map[string]bool)
	s := bufio.NewScanner(f)
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) < 2 || !strings.HasPrefix(fields[0], "/dev/") {
			continue
		}
		mount := fields[1]
		if seen[mount] {
			continue
		}
		seen[mount] = true

		var st syscall.Statfs_t
		if err := syscall.Statfs(mount, &st); err != nil {
			continue
		}
		total := st.Blocks * uint64(st.Bsize)
		avail := st.Bavail * uint64(st.Bsize)
		disks = append(disks, model.DiskStats{
			MountPoint: mount,
			Total:      total,
			Used:       total - avail,
			Available:  avail,
		})
	}
	return disks
}
