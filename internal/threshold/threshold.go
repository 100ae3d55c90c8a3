// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package threshold implements the adaptive-threshold controller (spec
// §4.8): a sliding window of execution records drives periodic updates to
// the suggestion threshold used to gate speculative and suggested tool
// execution.
package threshold

import (
	"sync"

	"github.com/Casys-AI/casys-pml-sub012/internal/metrics"
)

// Mode is how an execution was authorized.
type Mode string

const (
	ModeSpeculative Mode = "speculative"
	ModeSuggestion  Mode = "suggestion"
	ModeExplicit    Mode = "explicit"
)

// Record is one completed execution's outcome, as fed to the controller
// after every tool call (spec §3 "Execution record").
type Record struct {
	Confidence      float64
	Mode            Mode
	Success         bool
	UserAccepted    bool
	ExecutionTimeMS int64
}

// updateEvery re-evaluates the threshold once the window has accumulated
// this many new records, but only once it holds at least minWindowForUpdate.
const (
	updateEvery         = 10
	minWindowForUpdate  = 20
	learningRate        = 0.05
	falsePositiveCutoff = 0.20
	falseNegativeCutoff = 0.30
	confidenceSlack     = 0.1
)

// Controller owns the suggestion threshold and the window of records that
// drives it. Explicit threshold is fixed unless reconfigured (spec §4.8),
// so it has no update path here.
type Controller struct {
	mu                 sync.Mutex
	windowSize         int
	min, max           float64
	explicitThreshold  float64
	suggestionThreshold float64
	records            []Record
	sinceLastUpdate    int
}

// New builds a Controller with the given window size and threshold bounds,
// starting at the documented default suggestionThreshold of 0.70.
func New(windowSize int, min, max, explicitThreshold float64) *Controller {
	c := &Controller{
		windowSize:          windowSize,
		min:                 min,
		max:                 max,
		explicitThreshold:   explicitThreshold,
		suggestionThreshold: 0.70,
	}
	metrics.SuggestionThreshold.Set(c.suggestionThreshold)
	return c
}

// SuggestionThreshold returns the current live suggestion threshold.
func (c *Controller) SuggestionThreshold() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suggestionThreshold
}

// ExplicitThreshold returns the fixed explicit-mode threshold.
func (c *Controller) ExplicitThreshold() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.explicitThreshold
}

// Record appends a completed execution to the sliding window, evicting the
// oldest entry once windowSize is exceeded, and triggers a threshold update
// every updateEvery records once the window holds at least minWindowForUpdate.
func (c *Controller) Record(r Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.records = append(c.records, r)
	if len(c.records) > c.windowSize {
		c.records = c.records[len(c.records)-c.windowSize:]
	}

	c.sinceLastUpdate++
	if c.sinceLastUpdate >= updateEvery && len(c.records) >= minWindowForUpdate {
		c.update()
		c.sinceLastUpdate = 0
	}
}

// update applies the FPR/FNR-driven rule from spec §4.8. Caller must hold c.mu.
func (c *Controller) update() {
	fpr := c.falsePositiveRate()
	fnr := c.falseNegativeRate()

	switch {
	case fpr > falsePositiveCutoff:
		c.suggestionThreshold = clamp(c.suggestionThreshold+learningRate*fpr, c.min, c.max)
	case fnr > falseNegativeCutoff:
		c.suggestionThreshold = clamp(c.suggestionThreshold-learningRate*fnr, c.min, c.max)
	}
	metrics.SuggestionThreshold.Set(c.suggestionThreshold)
}

// falsePositiveRate is the fraction of speculative executions that failed.
func (c *Controller) falsePositiveRate() float64 {
	var total, failed int
	for _, r := range c.records {
		if r.Mode != ModeSpeculative {
			continue
		}
		total++
		if !r.Success {
			failed++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(failed) / float64(total)
}

// falseNegativeRate is the fraction of suggestions accepted whose confidence
// was already at or above (threshold - slack) — i.e. the controller was
// being too conservative and should have suggested more aggressively.
func (c *Controller) falseNegativeRate() float64 {
	cutoff := c.suggestionThreshold - confidenceSlack
	var total, missed int
	for _, r := range c.records {
		if r.Mode != ModeSuggestion {
			continue
		}
		total++
		if r.UserAccepted && r.Confidence >= cutoff {
			missed++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(missed) / float64(total)
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
