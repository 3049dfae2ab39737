package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/ceymail/ceymail-mc/internal/model"
)

func (a *app) status(args []string) error {
	flags := flag.NewFlagSet("status", flag.ExitOnError)
	flags.Parse(args)

	st, err := a.client.GetState()
	if err != nil {
		return err
	}
	if done, err := a.emitJSON(st); done {
		return err
	}

	active := 0
	for _, svc := range st.Services {
		if svc.Active {
			active++
		}
	}
	fmt.Printf("Services:  %d/%d active\n", active, len(st.Services))

	if q := st.LatestQueue; q != nil {
		fmt.Printf("Queue:     %d messages (%d active, %d deferred, %d hold, %d bounce)\n",
			q.Total, q.Active, q.Deferred, q.Hold, q.Bounce)
	} else {
		fmt.Printf("Queue:     no sample yet\n")
	}

	if s := st.LatestStats; s != nil {
		fmt.Printf("CPU:       %.1f%%\n", s.CPU.UsagePercent)
		fmt.Printf("Memory:    %s / %s\n", formatBytes(s.Memory.Used), formatBytes(s.Memory.Total))
		fmt.Printf("Load:      %.2f %.2f %.2f\n", s.LoadAvg.One, s.LoadAvg.Five, s.LoadAvg.Fifteen)
	} else {
		fmt.Printf("Host:      no sample yet\n")
	}

	fmt.Printf("Logs:      %d recent entries\n", len(st.RecentLogs))
	if !st.LastUpdated.IsZero() {
		fmt.Printf("Updated:   %s\n", st.LastUpdated.Format(time.RFC3339))
	}
	return nil
}

func (a *app) logs(args []string) error {
	flags := flag.NewFlagSet("logs", flag.ExitOnError)
	limit := flags.Int("n", 50, "number of entries")
	level := flags.String("level", "", "filter by level (debug|info|warning|error)")
	source := flags.String("source", "", "filter by source service")
	flags.Parse(args)

	entries, err := a.client.RecentLogs(*limit, *level, *source)
	if err != nil {
		return err
	}
	if done, err := a.emitJSON(entries); done {
		return err
	}
	printLogEntries(entries)
	return nil
}

func (a *app) tail(args []string) error {
	flags := flag.NewFlagSet("tail", flag.ExitOnError)
	path := flags.String("path", model.DefaultMailLogPath, "log file to read")
	lines := flags.Int("n", 100, "number of lines")
	flags.Parse(args)

	entries, err := a.client.TailLog(*path, *lines)
	if err != nil {
		return err
	}
	if done, err := a.emitJSON(entries); done {
		return err
	}
	printLogEntries(entries)
	return nil
}

func (a *app) queue(args []string) error {
	flags := flag.NewFlagSet("queue", flag.ExitOnError)
	flags.Parse(args)

	snap, err := a.client.QueueSnapshot()
	if err != nil {
		return err
	}
	if done, err := a.emitJSON(snap); done {
		return err
	}

	fmt.Printf("Active:    %d\n", snap.Active)
	fmt.Printf("Deferred:  %d\n", snap.Deferred)
	fmt.Printf("Hold:      %d\n", snap.Hold)
	fmt.Printf("Bounce:    %d\n", snap.Bounce)
	fmt.Printf("Total:     %d\n", snap.Total)
	return nil
}

func (a *app) stats(args []string) error {
	flags := flag.NewFlagSet("stats", flag.ExitOnError)
	flags.Parse(args)

	snap, err := a.client.SystemSnapshot()
	if err != nil {
		return err
	}
	if done, err := a.emitJSON(snap); done {
		return err
	}

	fmt.Printf("CPU:       %.1f%%", snap.CPU.UsagePercent)
	if len(snap.CPU.PerCore) > 0 {
		fmt.Printf("  (")
		for i, core := range snap.CPU.PerCore {
			if i > 0 {
				fmt.Printf(" ")
			}
			fmt.Printf("%.0f", core)
		}
		fmt.Printf(")")
	}
	fmt.Println()

	fmt.Printf("Memory:    %s / %s (%s available)\n",
		formatBytes(snap.Memory.Used), formatBytes(snap.Memory.Total), formatBytes(snap.Memory.Available))
	if snap.Memory.SwapTotal > 0 {
		fmt.Printf("Swap:      %s / %s\n", formatBytes(snap.Memory.SwapUsed), formatBytes(snap.Memory.SwapTotal))
	}
	fmt.Printf("Load:      %.2f %.2f %.2f\n", snap.LoadAvg.One, snap.LoadAvg.Five, snap.LoadAvg.Fifteen)

	for _, d := range snap.Disks {
		fmt.Printf("Disk:      %-12s %s / %s\n", d.MountPoint, formatBytes(d.Used), formatBytes(d.Total))
	}
	return nil
}

func (a *app) services(args []string) error {
	flags := flag.NewFlagSet("services", flag.ExitOnError)
	flags.Parse(args)

	list, err := a.client.ListServices()
	if err != nil {
		return err
	}
	if done, err := a.emitJSON(list); done {
		return err
	}

	for _, svc := range list {
		printServiceState(svc)
	}
	return nil
}

func printServiceState(svc model.ServiceState) {
	marker := " "
	if svc.Active {
		marker = "*"
	}
	line := fmt.Sprintf("%s %-18s %-20s", marker, svc.Name, svc.Status)
	if svc.PID > 0 {
		line += fmt.Sprintf("  pid %-7d", svc.PID)
	}
	if svc.MemoryBytes > 0 {
		line += fmt.Sprintf("  %-10s", formatBytes(svc.MemoryBytes))
	}
	if svc.UptimeSeconds > 0 {
		line += "  up " + formatUptime(svc.UptimeSeconds)
	}
	fmt.Println(line)
}

func printLogEntries(entries []model.LogEntry) {
	if len(entries) == 0 {
		fmt.Println("(no entries)")
		return
	}
	for _, e := range entries {
		ts := "-"
		if !e.Timestamp.IsZero() {
			ts = e.Timestamp.Format("Jan 02 15:04:05")
		}
		fmt.Printf("%s  %-7s %s: %s\n", ts, e.Level, e.Source, e.Message)
	}
}

func formatBytes(bytes uint64) string {
	if bytes < 1024 {
		return fmt.Sprintf("%d B", bytes)
	} else if bytes < 1024*1024 {
		return fmt.Sprintf("%.1f KB", float64(bytes)/1024)
	} else if bytes < 1024*1024*1024 {
		return fmt.Sprintf("%.1f MB", float64(bytes)/(1024*1024))
	} else {
		return fmt.Sprintf("%.1f GB", float64(bytes)/(1024*1024*1024))
	}
}

func formatUptime(seconds uint64) string {
	d := time.Duration(seconds) * time.Second
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%.1fm", d.Minutes())
	} else if d < 24*time.Hour {
		return fmt.Sprintf("%.1fh", d.Hours())
	}
	return fmt.Sprintf("%.1fd", d.Hours()/24)
}
