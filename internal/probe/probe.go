// Package probe runs the fixed battery of shell commands that derives the
// normalized metrics record from a remote Unix host.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hostlens/hostlens/internal/metrics"
)

// Runner executes one command over a live remote session. Satisfied by
// *remote.Session.
type Runner interface {
	Execute(ctx context.Context, command string) (string, error)
}

// The five probe commands form a fixed protocol with the remote shell
// environment. Hosts lacking these conventional tools fail every poll;
// that is an accepted platform constraint (Unix-like hosts only).
const (
	cmdCPUIdle = `vmstat 1 2 | tail -1 | awk '{print $15}'`
	cmdMemory  = `free -m | awk 'NR==2{print $3" "$2}'`
	cmdDisk    = `df -k / | awk 'NR==2{printf "%.1f %.1f", $3/1048576, $2/1048576}'`
	cmdUptime  = `awk '{print $1}' /proc/uptime`
	cmdLoadAvg = `awk '{print $1", "$2", "$3}' /proc/loadavg`
)

type probeSpec struct {
	name    string
	command string
	apply   func(output string, rec *metrics.Record) error
}

// battery is the ordered probe list; order is part of the protocol
var battery = []probeSpec{
	{
		name:    "cpu",
		command: cmdCPUIdle,
		apply: func(out string, rec *metrics.Record) error {
			idle, err := parseSingleFloat(out)
			if err != nil {
				return err
			}
			if idle < 0 || idle > 100 {
				return fmt.Errorf("idle percentage %.2f out of range", idle)
			}
			rec.CPUPercent = 100 - idle
			return nil
		},
	},
	{
		name:    "memory",
		command: cmdMemory,
		apply: func(out string, rec *metrics.Record) error {
			used, total, err := parseIntPair(out)
			if err != nil {
				return err
			}
			rec.Memory = metrics.Memory{UsedMiB: used, TotalMiB: total}
			return nil
		},
	},
	{
		name:    "disk",
		command: cmdDisk,
		apply: func(out string, rec *metrics.Record) error {
			used, total, err := parseFloatPair(out)
			if err != nil {
				return err
			}
			rec.Disk = metrics.Disk{UsedGiB: used, TotalGiB: total}
			return nil
		},
	},
	{
		name:    "uptime",
		command: cmdUptime,
		apply: func(out string, rec *metrics.Record) error {
			secs, err := parseSingleFloat(out)
			if err != nil {
				return err
			}
			rec.UptimeSeconds = secs
			return nil
		},
	},
	{
		name:    "loadavg",
		command: cmdLoadAvg,
		apply: func(out string, rec *metrics.Record) error {
			l1, l5, l15, err := parseFloatTriple(out)
			if err != nil {
				return err
			}
			rec.Load1, rec.Load5, rec.Load15 = l1, l5, l15
			return nil
		},
	},
}

// Collect runs the battery strictly sequentially and returns a fully
// populated record, or a ProbeError if any single probe fails to execute
// or parse. No partially populated record is ever returned.
func Collect(ctx context.Context, runner Runner, logger *slog.Logger) (*metrics.Record, error) {
	rec := &metrics.Record{}
	start := time.Now()

	for _, p := range battery {
		out, err := runner.Execute(ctx, p.command)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return nil, &Error{Kind: KindTimeout, Probe: p.name, Err: err}
			}
			return nil, &Error{Kind: KindCommand, Probe: p.name, Err: err}
		}

		if err := p.apply(out, rec); err != nil {
			return nil, &Error{
				Kind:  KindParseFailure,
				Probe: p.name,
				Err:   fmt.Errorf("output %q: %w", truncate(out, 80), err),
			}
		}
	}

	rec.CollectedAt = time.Now()

	logger.Debug("probe battery complete",
		"duration_ms", time.Since(start).Milliseconds(),
		"cpu_percent", rec.CPUPercent,
	)

	return rec, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
