package worker

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"time"

	"github.com/wisbric/nightowl/internal/apperr"
	"github.com/wisbric/nightowl/internal/store"
)

const (
	heartbeatFreshnessWindow = 300 * time.Second
	heartbeatStateTTL        = 24 * time.Hour
	maxPointsPerSecond       = 10.0
	regionChangeMinInterval  = 3600 * time.Second
)

var sanitizePattern = regexp.MustCompile(`^[A-Za-z0-9 _.\-@]{0,100}$`)

// Earnings is a worker's projected payout at the time of a heartbeat.
type Earnings struct {
	Points          int64   `json:"points"`
	EstimatedUSD    float64 `json:"estimatedUSD"`
	EstimatedCrypto float64 `json:"estimatedCrypto"`
}

// Location is a worker's self-reported geography.
type Location struct {
	Continent string `json:"continent"`
	Country   string `json:"country"`
	City      string `json:"city"`
	Region    string `json:"region"`
}

// Heartbeat is the message a worker publishes to the worker_heartbeat
// fanout exchange (§4.3, §6).
type Heartbeat struct {
	WorkerID            string   `json:"workerId"`
	Region              string   `json:"region"`
	Version             string   `json:"version"`
	LastSeen            int64    `json:"lastSeen"`
	ChecksCompleted     int64    `json:"checksCompleted"`
	TotalPoints         int64    `json:"totalPoints"`
	CurrentPeriodPoints int64    `json:"currentPeriodPoints"`
	Earnings            Earnings `json:"earnings"`
	Location            Location `json:"location"`
	Timestamp           int64    `json:"timestamp"`
	Signature           string   `json:"signature,omitempty"`
}

// State is the previous-heartbeat snapshot stored under
// worker:state:<workerId> (§4.5), used to evaluate gates 3-5 of the next
// heartbeat.
type State struct {
	WorkerID            string   `json:"workerId"`
	Region              string   `json:"region"`
	Version             string   `json:"version"`
	LastSeen            int64    `json:"lastSeen"`
	ChecksCompleted     int64    `json:"checksCompleted"`
	TotalPoints         int64    `json:"totalPoints"`
	CurrentPeriodPoints int64    `json:"currentPeriodPoints"`
	Earnings            Earnings `json:"earnings"`
	Location            Location `json:"location"`
	Timestamp           int64    `json:"timestamp"`
}

// Verifier enforces the five anti-fraud gates on an incoming heartbeat
// (§4.3) and, on acceptance, stores the new previous state. Rejections are
// an apperr.KindIntegrity error — the scheduler's heartbeat listener drops
// these silently rather than responding to the worker (fraud signal, §7).
type Verifier struct {
	kv               store.Store
	logger           *slog.Logger
	requireSignature bool
}

// NewVerifier builds a Verifier. requireSignature enforces gate 1 even for
// workers with no registered public key (§9 design note).
func NewVerifier(kv store.Store, logger *slog.Logger, requireSignature bool) *Verifier {
	return &Verifier{kv: kv, logger: logger, requireSignature: requireSignature}
}

// Verify runs the five gates in order against hb, given the worker's
// registered public key (may be empty). On acceptance it persists the new
// State and returns it.
func (v *Verifier) Verify(ctx context.Context, hb Heartbeat, publicKey string) (*State, error) {
	if err := v.checkSignature(hb, publicKey); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	hbTime := time.UnixMilli(hb.Timestamp)
	if d := now.Sub(hbTime); d > heartbeatFreshnessWindow || d < -heartbeatFreshnessWindow {
		return nil, apperr.New(apperr.KindIntegrity, "heartbeat timestamp out of freshness window")
	}

	prev, err := v.previousState(ctx, hb.WorkerID)
	if err != nil {
		return nil, err
	}

	if prev != nil {
		if hb.TotalPoints < prev.TotalPoints || hb.ChecksCompleted < prev.ChecksCompleted {
			return nil, apperr.New(apperr.KindIntegrity, "invalid points progression")
		}

		elapsedSec := float64(hb.Timestamp-prev.Timestamp) / 1000
		if elapsedSec > 0 {
			rate := float64(hb.TotalPoints-prev.TotalPoints) / elapsedSec
			if rate > maxPointsPerSecond {
				return nil, apperr.New(apperr.KindIntegrity, "implausible points accrual rate")
			}
		}

		// Gate 5 (geographic stability) flags rather than rejects.
		if hb.Region != prev.Region && hbTime.Sub(time.UnixMilli(prev.Timestamp)) < regionChangeMinInterval {
			v.logger.Warn("worker region changed faster than geographic stability window",
				"workerId", hb.WorkerID, "from", prev.Region, "to", hb.Region)
		}
	}

	sanitize(&hb)

	state := &State{
		WorkerID: hb.WorkerID, Region: hb.Region, Version: hb.Version,
		LastSeen: hb.LastSeen, ChecksCompleted: hb.ChecksCompleted,
		TotalPoints: hb.TotalPoints, CurrentPeriodPoints: hb.CurrentPeriodPoints,
		Earnings: hb.Earnings, Location: hb.Location, Timestamp: hb.Timestamp,
	}
	b, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshaling worker state: %w", err)
	}
	if err := v.kv.PutTTL(ctx, store.WorkerStateKey(hb.WorkerID), b, heartbeatStateTTL); err != nil {
		return nil, fmt.Errorf("storing worker state: %w", err)
	}
	if err := v.kv.HashSet(ctx, store.WorkersHeartbeatKey, hb.WorkerID, b); err != nil {
		return nil, fmt.Errorf("updating heartbeat hash: %w", err)
	}
	return state, nil
}

func (v *Verifier) checkSignature(hb Heartbeat, publicKey string) error {
	if publicKey == "" {
		if v.requireSignature {
			return apperr.New(apperr.KindIntegrity, "signature required but worker has no registered public key")
		}
		return nil
	}
	if hb.Signature == "" {
		return apperr.New(apperr.KindIntegrity, "missing signature for registered worker")
	}

	unsigned := hb
	unsigned.Signature = ""
	canonical, err := json.Marshal(unsigned)
	if err != nil {
		return fmt.Errorf("canonicalizing heartbeat: %w", err)
	}
	sum := sha256.Sum256(append(canonical, []byte(publicKey)...))
	expected := fmt.Sprintf("%x", sum)
	if expected != hb.Signature {
		return apperr.New(apperr.KindIntegrity, "signature verification failed")
	}
	return nil
}

func (v *Verifier) previousState(ctx context.Context, workerID string) (*State, error) {
	b, err := v.kv.Get(ctx, store.WorkerStateKey(workerID))
	if err != nil {
		if err == store.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("loading previous worker state: %w", err)
	}
	var s State
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("unmarshaling previous worker state: %w", err)
	}
	return &s, nil
}

func sanitize(hb *Heartbeat) {
	hb.Region = sanitizeField(hb.Region)
	hb.Version = sanitizeField(hb.Version)
	hb.Location.Continent = sanitizeField(hb.Location.Continent)
	hb.Location.Country = sanitizeField(hb.Location.Country)
	hb.Location.City = sanitizeField(hb.Location.City)
	hb.Location.Region = sanitizeField(hb.Location.Region)
}

func sanitizeField(s string) string {
	if len(s) > 100 {
		s = s[:100]
	}
	if sanitizePattern.MatchString(s) {
		return s
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if sanitizePattern.MatchString(string(r)) {
			out = append(out, r)
		}
	}
	return string(out)
}

// AnomalySweep computes the mean and standard deviation of totalPoints
// across every worker with heartbeat state and returns the ids of workers
// more than 3 standard deviations from the mean (§4.3).
func AnomalySweep(ctx context.Context, kv store.Store) ([]string, error) {
	all, err := kv.HashGetAll(ctx, store.WorkersHeartbeatKey)
	if err != nil {
		return nil, fmt.Errorf("listing worker heartbeats: %w", err)
	}
	if len(all) < 2 {
		return nil, nil
	}

	points := make(map[string]float64, len(all))
	var sum float64
	for id, b := range all {
		var s State
		if err := json.Unmarshal(b, &s); err != nil {
			continue
		}
		points[id] = float64(s.TotalPoints)
		sum += points[id]
	}
	n := float64(len(points))
	mean := sum / n

	var variance float64
	for _, p := range points {
		variance += (p - mean) * (p - mean)
	}
	stddev := math.Sqrt(variance / n)
	if stddev == 0 {
		return nil, nil
	}

	var anomalous []string
	for id, p := range points {
		if math.Abs(p-mean) > 3*stddev {
			anomalous = append(anomalous, id)
		}
	}
	return anomalous, nil
}
