// Package metrics holds the normalized per-target snapshot and the store
// that keeps it refreshed.
package metrics

import "time"

// Memory is the used/total pair in MiB reported by the memory probe
type Memory struct {
	UsedMiB  int64 `json:"used_mib"`
	TotalMiB int64 `json:"total_mib"`
}

// UsedPercent derives the memory usage percentage, 0 when total is unknown
func (m Memory) UsedPercent() float64 {
	if m.TotalMiB <= 0 {
		return 0
	}
	return float64(m.UsedMiB) / float64(m.TotalMiB) * 100
}

// Disk is the used/total pair in GiB for the root filesystem
type Disk struct {
	UsedGiB  float64 `json:"used_gib"`
	TotalGiB float64 `json:"total_gib"`
}

// UsedPercent derives the disk usage percentage, 0 when total is unknown
func (d Disk) UsedPercent() float64 {
	if d.TotalGiB <= 0 {
		return 0
	}
	return d.UsedGiB / d.TotalGiB * 100
}

// Record is one normalized metrics snapshot for a target. A record is
// recreated wholesale every poll cycle and is immutable once published;
// every numeric field is a valid parsed number or the whole cycle was
// rejected before a record existed.
type Record struct {
	CPUPercent    float64 `json:"cpu_percent"`
	Memory        Memory  `json:"memory"`
	Disk          Disk    `json:"disk"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Load1         float64 `json:"load1"`
	Load5         float64 `json:"load5"`
	Load15        float64 `json:"load15"`

	// Secondary holds supplementary time-series values when the optional
	// query source responded; absent (nil) when it was unavailable.
	Secondary map[string]float64 `json:"secondary,omitempty"`

	CollectedAt time.Time `json:"collected_at"`
}

// Clone returns a copy with its own secondary map, so published records
// can be handed to readers without sharing mutable state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	dup := *r
	if r.Secondary != nil {
		dup.Secondary = make(map[string]float64, len(r.Secondary))
		for k, v := range r.Secondary {
			dup.Secondary[k] = v
		}
	}
	return &dup
}
