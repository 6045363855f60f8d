// Package clean sweeps stale artifacts out of the download cache on a
// schedule.
package clean

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"nuclight.org/mediafetch-bot/pkg/logger"
)

type Cleaner struct {
	Log      logger.Logger
	CacheDir string
	TTL      time.Duration

	cron *cron.Cron
}

// Start schedules the sweep. The schedule is a standard cron expression.
func (c *Cleaner) Start(schedule string) error {
	c.cron = cron.New()

	_, err := c.cron.AddFunc(schedule, c.sweep)
	if err != nil {
		return fmt.Errorf("scheduling cache sweep: %w", err)
	}

	c.cron.Start()
	c.Log.Info("cache cleaner started", "schedule", schedule, "ttl", c.TTL)

	return nil
}

func (c *Cleaner) Stop() {
	if c.cron != nil {
		<-c.cron.Stop().Done()
	}
}

func (c *Cleaner) sweep() {
	removed, err := c.Sweep(time.Now())
	if err != nil {
		c.Log.Error("sweeping cache", "error", err)
		return
	}

	if removed > 0 {
		c.Log.Info("cache swept", "removed", removed)
	}
}

// Sweep removes cached files whose modification time is older than TTL
// relative to now. Partial downloads are left for their owners.
func (c *Cleaner) Sweep(now time.Time) (int, error) {
	entries, err := os.ReadDir(c.CacheDir)
	if err != nil {
		return 0, fmt.Errorf("reading cache dir: %w", err)
	}

	deadline := now.Add(-c.TTL)

	var removed int
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) == ".part" {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		if info.ModTime().After(deadline) {
			continue
		}

		path := filepath.Join(c.CacheDir, entry.Name())
		if err := os.Remove(path); err != nil {
			c.Log.Warn("removing stale artifact", "path", path, "error", err)
			continue
		}

		removed++
	}

	return removed, nil
}
