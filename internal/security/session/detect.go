// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"strings"

	"github.com/Dinopit/DinoAirPublic-sub006/internal/config"
	"github.com/Dinopit/DinoAirPublic-sub006/internal/store"
	"github.com/Dinopit/DinoAirPublic-sub006/internal/util"
)

// Detector flags requests whose client fingerprint diverges from the one
// recorded at session creation. Flags are advisory; detection never
// invalidates a session.
type Detector struct {
	cfg config.DetectionConfig
}

// NewDetector creates a detector with the given thresholds.
func NewDetector(cfg config.DetectionConfig) *Detector {
	return &Detector{cfg: cfg}
}

// Check compares a request's address and user agent against the session's
// recorded values. An IP change flags immediately; otherwise user agents
// are compared by edit-distance similarity, with a coarse length and
// substring heuristic for strings too short to score meaningfully.
func (d *Detector) Check(sess *store.Session, ipAddress, userAgent string) (bool, string) {
	if ipAddress != "" && sess.IPAddress != "" && ipAddress != sess.IPAddress {
		return true, "ip address changed"
	}

	if userAgent == "" || sess.UserAgent == "" {
		return false, ""
	}
	if userAgent == sess.UserAgent {
		return false, ""
	}

	if len(userAgent) < d.cfg.UAMinLength || len(sess.UserAgent) < d.cfg.UAMinLength {
		// Too short for edit distance to mean anything.
		if d.coarseUADistinct(sess.UserAgent, userAgent) {
			return true, "user agent changed"
		}
		return false, ""
	}

	if util.Similarity(sess.UserAgent, userAgent) < d.cfg.UASimilarityThreshold {
		return true, "user agent changed"
	}
	return false, ""
}

// coarseUADistinct is the fallback comparison for degenerate user agents:
// distinct if the lengths diverge past the configured delta and neither
// string contains the other.
func (d *Detector) coarseUADistinct(recorded, current string) bool {
	delta := len(recorded) - len(current)
	if delta < 0 {
		delta = -delta
	}
	if delta <= d.cfg.UALengthDeltaMax {
		return false
	}
	if strings.Contains(recorded, current) || strings.Contains(current, recorded) {
		return false
	}
	return true
}
