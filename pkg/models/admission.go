package models

import "time"

// TierBucket is a fixed-window request counter for one caller tier.
type TierBucket struct {
	Tier        string        `json:"tier"`
	Limit       int           `json:"limit"`
	Window      time.Duration `json:"window"`
	WindowStart time.Time     `json:"window_start"`
	Count       int           `json:"count"`
}

// TierStatus shows current usage of a tier's window.
type TierStatus struct {
	Tier        string    `json:"tier"`
	Limit       int       `json:"limit"`
	WindowMs    int64     `json:"window_ms"`
	WindowStart time.Time `json:"window_start"`
	Used        int       `json:"used"`
	Remaining   int       `json:"remaining"`
}
