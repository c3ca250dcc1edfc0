// Package heat implements the pure, deterministic scoring functions used
// for admission and demotion decisions: heat(record, now), AdmitToMemory,
// AdmitToDisk, and DemoteCandidate. None of these functions touch the
// network, disk, or any mutable shared state — they are given the fields
// they need and return a value, which keeps internal/metaindex and
// pkg/tiercache trivially testable without constructing a whole cache.
//
// © 2025 tiercache authors. MIT License.
package heat

import (
	"math"
	"time"
)

// Config bundles every heat/admission tunable. All fields have package
// defaults applied by DefaultConfig.
type Config struct {
	HalfLife          time.Duration // heat_half_life_seconds, default 12h
	FreqCap           uint64        // heat_freq_cap, default 10
	Alpha             float64       // heat_alpha, default 0.4
	AdmitMemory       float64       // heat_admit_memory, default 0.2
	DemoteThreshold   float64       // heat_demote, default 0.1
	IdleGrace         time.Duration // idle_grace_seconds, default 300
	MemoryMaxItem     int64         // memory_max_item_bytes, default 16 MiB
	DiskMinItem       int64         // disk_min_item_bytes, default 0
	DiskMaxItem       int64         // disk_max_item_bytes, default 512 MiB
}

// DefaultConfig returns the package defaults.
func DefaultConfig() Config {
	return Config{
		HalfLife:        12 * time.Hour,
		FreqCap:         10,
		Alpha:           0.4,
		AdmitMemory:     0.2,
		DemoteThreshold: 0.1,
		IdleGrace:       5 * time.Minute,
		MemoryMaxItem:   16 << 20,
		DiskMinItem:     0,
		DiskMaxItem:     512 << 20,
	}
}

// Record is the subset of a MetadataRecord the heat functions need. It is
// deliberately minimal and duplicated here (rather than importing
// internal/metaindex) to keep this package leaf-level and dependency-free:
// HeatModel depends on nothing else in the module.
type Record struct {
	LastAccessed time.Time
	AccessCount  uint64
}

// Recency computes 2^(-age/half_life). age must be >= 0; negative ages (a
// clock that moved backwards) are clamped to zero age, i.e. maximum
// recency, rather than producing a score above 1.0 or NaN.
func Recency(age time.Duration, halfLife time.Duration) float64 {
	if age < 0 {
		age = 0
	}
	if halfLife <= 0 {
		halfLife = DefaultConfig().HalfLife
	}
	exponent := -float64(age) / float64(halfLife)
	return math.Exp2(exponent)
}

// Frequency computes min(n, N_max) / N_max.
func Frequency(n uint64, freqCap uint64) float64 {
	if freqCap == 0 {
		freqCap = DefaultConfig().FreqCap
	}
	if n > freqCap {
		n = freqCap
	}
	return float64(n) / float64(freqCap)
}

// Score computes heat(record, now) = alpha*recency + (1-alpha)*frequency,
// clamped to [0, 1] to absorb floating point overshoot at the boundaries.
func Score(rec Record, now time.Time, cfg Config) float32 {
	age := now.Sub(rec.LastAccessed)
	r := Recency(age, cfg.HalfLife)
	f := Frequency(rec.AccessCount, cfg.FreqCap)
	h := cfg.Alpha*r + (1-cfg.Alpha)*f
	if h < 0 {
		h = 0
	}
	if h > 1 {
		h = 1
	}
	return float32(h)
}

// AdmitToMemory implements admit_to_memory(size, heat): size must fit under
// memory_max_item_bytes, and either the heat score clears the admission
// threshold or the caller reports free budget (hasFreeBudget).
func AdmitToMemory(size int64, heatScore float32, hasFreeBudget bool, cfg Config) bool {
	if size > cfg.MemoryMaxItem {
		return false
	}
	return float64(heatScore) >= cfg.AdmitMemory || hasFreeBudget
}

// AdmitToDisk implements admit_to_disk(size): size bounded between
// disk_min_item_bytes and disk_max_item_bytes inclusive.
func AdmitToDisk(size int64, cfg Config) bool {
	return size >= cfg.DiskMinItem && size <= cfg.DiskMaxItem
}

// DemoteCandidate implements demote_candidate(heat, age): true once heat has
// fallen below heat_demote AND the entry has been idle at least idle_grace.
func DemoteCandidate(heatScore float32, age time.Duration, cfg Config) bool {
	return float64(heatScore) < cfg.DemoteThreshold && age >= cfg.IdleGrace
}
