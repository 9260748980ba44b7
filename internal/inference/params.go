// Package inference derives correlations, routines and anomaly flags from a window of graph states.
package inference

import (
	"time"
)

// Params tune the analyses. Zero fields fall back to DefaultParams.
type Params struct {
	CorrelationThreshold time.Duration
	MinSupport           int
	WasteThreshold       time.Duration
	OutlierZ             float64
	OutlierMinSamples    int
	Location             *time.Location
}

func DefaultParams() Params {
	return Params{
		CorrelationThreshold: 300 * time.Second,
		MinSupport:           5,
		WasteThreshold:       30 * time.Minute,
		OutlierZ:             3,
		OutlierMinSamples:    10,
		Location:             time.UTC,
	}
}

func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.CorrelationThreshold <= 0 {
		p.CorrelationThreshold = d.CorrelationThreshold
	}
	if p.MinSupport <= 0 {
		p.MinSupport = d.MinSupport
	}
	if p.WasteThreshold <= 0 {
		p.WasteThreshold = d.WasteThreshold
	}
	if p.OutlierZ <= 0 {
		p.OutlierZ = d.OutlierZ
	}
	if p.OutlierMinSamples <= 1 {
		p.OutlierMinSamples = d.OutlierMinSamples
	}
	if p.Location == nil {
		p.Location = d.Location
	}
	return p
}

// Period is a named trailing span such as "last 7 days".
type Period struct {
	Name   string
	Length time.Duration
}

// At returns the window [now-Length, now).
func (p Period) At(now time.Time) Window {
	now = now.UTC()
	return Window{Name: p.Name, From: now.Add(-p.Length), To: now}
}

// Window is the half-open interval [From, To) an analysis covers.
type Window struct {
	Name string    `json:"name"`
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}
