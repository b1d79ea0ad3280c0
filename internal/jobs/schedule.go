package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"casework-pipeline/internal/jobtypes"
	"casework-pipeline/internal/models"
)

// ScheduleOptions tune a recurring submission.
type ScheduleOptions struct {
	// Key distinguishes several schedules of the same job, typically one per office.
	Key      string
	Timezone string
}

// Schedule persists a recurring submission of name and registers it with the
// running scheduler. Re-scheduling the same (name, key) replaces it.
func (c *Client) Schedule(ctx context.Context, name jobtypes.Name, expr string, payload any, opts ScheduleOptions) error {
	if err := c.checkQueue(name); err != nil {
		return err
	}
	if def, _ := jobtypes.Lookup(name); def.Terminal {
		return fmt.Errorf("%w: %s cannot be scheduled", ErrUnknownJob, name)
	}
	if opts.Timezone == "" {
		opts.Timezone = "UTC"
	}
	if _, err := parseSchedule(expr, opts.Timezone); err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s schedule payload: %w", name, err)
	}
	s := models.Schedule{
		Name:      string(name),
		Key:       opts.Key,
		Cron:      expr,
		Timezone:  opts.Timezone,
		Payload:   raw,
		UpdatedAt: c.now(),
	}
	if err := c.store.UpsertSchedule(ctx, s); err != nil {
		return fmt.Errorf("save schedule %s: %w", name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cron != nil {
		return c.registerCronLocked(s)
	}
	return nil
}

// Unschedule removes a recurring submission.
func (c *Client) Unschedule(ctx context.Context, name jobtypes.Name, key string) error {
	removed, err := c.store.DeleteSchedule(ctx, string(name), key)
	if err != nil {
		return fmt.Errorf("delete schedule %s: %w", name, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	id := scheduleID(string(name), key)
	if entry, ok := c.entries[id]; ok {
		c.cron.Remove(entry)
		delete(c.entries, id)
	}
	if !removed {
		c.log.Debug("unschedule: nothing stored", "job", name, "key", key)
	}
	return nil
}

func (c *Client) registerCronLocked(s models.Schedule) error {
	sched, err := parseSchedule(s.Cron, s.Timezone)
	if err != nil {
		return err
	}
	id := scheduleID(s.Name, s.Key)
	if entry, ok := c.entries[id]; ok {
		c.cron.Remove(entry)
	}
	c.entries[id] = c.cron.Schedule(sched, cron.FuncJob(func() { c.fire(s) }))
	return nil
}

// fire submits one tick. Every worker process runs the same schedules, so the
// tick time is part of the singleton key and only one submission wins.
func (c *Client) fire(s models.Schedule) {
	tick := c.now().Truncate(time.Minute)
	key := "schedule:" + scheduleID(s.Name, s.Key) + ":" + strconv.FormatInt(tick.Unix(), 10)
	id, err := c.Send(c.runCtx, jobtypes.Name(s.Name), s.Payload, SendOptions{SingletonKey: key})
	if err != nil {
		c.log.Error("scheduled submission failed", "job", s.Name, "key", s.Key, "error", err)
		return
	}
	if id != "" {
		c.log.Debug("scheduled job submitted", "job", s.Name, "key", s.Key, "job_id", id)
	}
}

func scheduleID(name, key string) string {
	if key == "" {
		return name
	}
	return name + "/" + key
}

func parseSchedule(expr, tz string) (cron.Schedule, error) {
	if _, err := time.LoadLocation(tz); err != nil {
		return nil, fmt.Errorf("schedule timezone %q: %w", tz, err)
	}
	sched, err := cron.ParseStandard("CRON_TZ=" + tz + " " + expr)
	if err != nil {
		return nil, fmt.Errorf("cron expression %q: %w", expr, err)
	}
	return sched, nil
}
