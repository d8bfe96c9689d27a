package difficulty

import (
	"sync"
	"time"
)

const (
	maxShareWindowSize = 100
	maxShareWindowAge  = 10 * time.Minute
)

// VardiffConfig tunes the adaptive local retargeter that fills in for
// a Miner Session with no fixed diff override configured.
type VardiffConfig struct {
	Enabled       bool `json:"enabled"`
	TargetSeconds int  `json:"target_seconds"`
	MinDiff       int  `json:"min_diff"`
	MaxDiff       int  `json:"max_diff"`
	AdjustEveryMs int  `json:"adjust_every_ms"`
}

// sessionStats tracks per-session share timing used to retarget that
// session's locally presented difficulty.
type sessionStats struct {
	mu                sync.Mutex
	lastAdjustTime    time.Time
	shareWindow       []shareEntry
	currentDifficulty float64
	lastShareTime     time.Time
	sharesPerSecond   float64
	retargetInterval  time.Duration
}

type shareEntry struct {
	timestamp  time.Time
	accepted   bool
	difficulty float64
}

// Vardiff tracks share rates per session key and retargets the
// difficulty each session's jobs should be locally rewritten to. It
// never engages for a session that has a fixed diff override; the
// caller (internal/miner) is responsible for checking that first.
type Vardiff struct {
	cfg VardiffConfig

	mu       sync.RWMutex
	sessions map[string]*sessionStats
}

// NewVardiff creates a retargeter. A disabled config makes every
// method a no-op, so callers can construct one unconditionally.
func NewVardiff(cfg VardiffConfig) *Vardiff {
	return &Vardiff{cfg: cfg, sessions: make(map[string]*sessionStats)}
}

// AddSession begins tracking a session, returning its initial difficulty.
func (v *Vardiff) AddSession(key string) float64 {
	if !v.cfg.Enabled {
		return float64(v.cfg.MinDiff)
	}
	stats := &sessionStats{
		currentDifficulty: float64(v.cfg.MinDiff),
		lastAdjustTime:    time.Now(),
		lastShareTime:     time.Now(),
		retargetInterval:  time.Duration(v.cfg.AdjustEveryMs) * time.Millisecond,
		shareWindow:       make([]shareEntry, 0, maxShareWindowSize),
	}
	v.mu.Lock()
	v.sessions[key] = stats
	v.mu.Unlock()
	return stats.currentDifficulty
}

// RemoveSession stops tracking a session, e.g. on Miner close.
func (v *Vardiff) RemoveSession(key string) {
	v.mu.Lock()
	delete(v.sessions, key)
	v.mu.Unlock()
}

// RecordShare records a share submission outcome for rate tracking.
func (v *Vardiff) RecordShare(key string, accepted bool, difficulty float64) {
	if !v.cfg.Enabled {
		return
	}
	v.mu.RLock()
	stats, ok := v.sessions[key]
	v.mu.RUnlock()
	if !ok {
		return
	}

	stats.mu.Lock()
	defer stats.mu.Unlock()

	stats.shareWindow = append(stats.shareWindow, shareEntry{
		timestamp:  time.Now(),
		accepted:   accepted,
		difficulty: difficulty,
	})

	maxAge := stats.retargetInterval * 2
	if maxAge > maxShareWindowAge {
		maxAge = maxShareWindowAge
	}
	cutoff := time.Now().Add(-maxAge)
	for i, share := range stats.shareWindow {
		if share.timestamp.After(cutoff) {
			stats.shareWindow = stats.shareWindow[i:]
			break
		}
	}
	if len(stats.shareWindow) > maxShareWindowSize {
		stats.shareWindow = stats.shareWindow[len(stats.shareWindow)-maxShareWindowSize:]
	}

	if accepted {
		stats.lastShareTime = time.Now()
	}
	calculateSharesPerSecond(stats)
}

func calculateSharesPerSecond(stats *sessionStats) {
	if len(stats.shareWindow) < 2 {
		stats.sharesPerSecond = 0
		return
	}
	accepted := 0
	for _, share := range stats.shareWindow {
		if share.accepted {
			accepted++
		}
	}
	start := stats.shareWindow[0].timestamp
	end := stats.shareWindow[len(stats.shareWindow)-1].timestamp
	if d := end.Sub(start).Seconds(); d > 0 {
		stats.sharesPerSecond = float64(accepted) / d
	}
}

// AdjustAll retargets every tracked session whose retarget interval
// has elapsed. Intended to be called from a ticker loop.
func (v *Vardiff) AdjustAll() {
	if !v.cfg.Enabled {
		return
	}
	v.mu.RLock()
	keys := make([]string, 0, len(v.sessions))
	for k := range v.sessions {
		keys = append(keys, k)
	}
	v.mu.RUnlock()

	for _, k := range keys {
		v.adjustOne(k)
	}
}

func (v *Vardiff) adjustOne(key string) {
	v.mu.RLock()
	stats, ok := v.sessions[key]
	v.mu.RUnlock()
	if !ok {
		return
	}

	stats.mu.Lock()
	defer stats.mu.Unlock()

	now := time.Now()
	if now.Sub(stats.lastAdjustTime) < stats.retargetInterval {
		return
	}

	newDiff := calculateNewDifficulty(v.cfg, stats)
	if newDiff < float64(v.cfg.MinDiff) {
		newDiff = float64(v.cfg.MinDiff)
	} else if newDiff > float64(v.cfg.MaxDiff) {
		newDiff = float64(v.cfg.MaxDiff)
	}

	ratio := newDiff / stats.currentDifficulty
	if ratio < 0.9 || ratio > 1.1 {
		stats.currentDifficulty = newDiff
		stats.lastAdjustTime = now
	}
}

func calculateNewDifficulty(cfg VardiffConfig, stats *sessionStats) float64 {
	if stats.sharesPerSecond == 0 {
		return stats.currentDifficulty * 0.5
	}
	target := 1 / float64(cfg.TargetSeconds)
	switch {
	case stats.sharesPerSecond > target*1.2:
		return stats.currentDifficulty * 1.2
	case stats.sharesPerSecond < target*0.8:
		return stats.currentDifficulty * 0.8
	default:
		return stats.currentDifficulty
	}
}

// CurrentDifficulty returns the session's presently retargeted
// difficulty, or 0 if the session isn't tracked (vardiff disabled or
// unknown key).
func (v *Vardiff) CurrentDifficulty(key string) float64 {
	v.mu.RLock()
	stats, ok := v.sessions[key]
	v.mu.RUnlock()
	if !ok {
		return 0
	}
	stats.mu.Lock()
	defer stats.mu.Unlock()
	return stats.currentDifficulty
}
