// Package probe defines the wire envelopes exchanged between the scheduler
// and the worker fleet (§6): the command a scheduler publishes to request a
// check, the result a worker publishes back, and the per-service-type
// config bag each command carries.
package probe

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Type enumerates the service kinds a worker knows how to probe.
type Type string

const (
	TypeWeb       Type = "web"
	TypeTCP       Type = "tcp"
	TypePing      Type = "ping"
	TypeGitHub    Type = "github"
	TypeUptimeAPI Type = "uptime-api"
	TypeKeyword   Type = "keyword"
	TypeHeartbeat Type = "heartbeat"
	TypePort      Type = "port"
)

// Status is a probe outcome classification.
type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
)

// Command is the envelope a scheduler publishes to worker_commands with
// routing key check_service_once[.<region>] (§4.1).
type Command struct {
	Command string      `json:"command"`
	Data    CommandData `json:"data"`
	// Timestamp is unix millis. Workers discard commands older than a fixed
	// 60s; the cutoff does not depend on the service's check interval.
	Timestamp int64 `json:"timestamp"`
}

// CommandData is the payload of a Command.
type CommandData struct {
	ServiceID string         `json:"serviceId"`
	NestID    string         `json:"nestId"`
	Type      Type           `json:"type"`
	Target    string         `json:"target"`
	Config    map[string]any `json:"config,omitempty"`
	Regions   []string       `json:"regions,omitempty"`
	CacheKey  string         `json:"cacheKey"`
}

// Result is the envelope a worker publishes to monitoring_results with
// routing key check_completed (§4.4, §6).
type Result struct {
	ServiceID    string `json:"serviceId"`
	NestID       string `json:"nestId"`
	CacheKey     string `json:"cacheKey"`
	WorkerID     string `json:"workerId"`
	Region       string `json:"region"`
	Status       Status `json:"status"`
	ResponseTime *int   `json:"responseTime,omitempty"`
	Error        string `json:"error,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

// WebConfig is the type-specific config bag for TypeWeb and TypeKeyword
// services — an HTTP(S) request plus optional expected-content match.
type WebConfig struct {
	Method          string            `json:"method,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	ExpectedStatus  int               `json:"expectedStatus,omitempty"`
	KeywordMatch    string            `json:"keywordMatch,omitempty"`
	FollowRedirects bool              `json:"followRedirects,omitempty"`
}

// TCPConfig is the config bag for TypeTCP and TypePort.
type TCPConfig struct {
	Port           int  `json:"port"`
	ExpectBannerRE string `json:"expectBannerRegex,omitempty"`
}

// PingConfig is the config bag for TypePing.
type PingConfig struct {
	PacketCount int `json:"packetCount,omitempty"`
}

// UptimeAPIConfig is the config bag for TypeUptimeAPI — target exposes its
// own status JSON which the worker interprets via JSONPath.
type UptimeAPIConfig struct {
	StatusPath string `json:"statusPath"`
	UpValue    string `json:"upValue"`
}

// CanonicalCacheKey computes the deduplication cache key (§4.1): the hex
// SHA-256 of the canonical JSON of {target, type, method, headers}. Two
// services that
// would issue byte-identical probes within the dedup window share one
// outbound publish.
func CanonicalCacheKey(target string, typ Type, method string, headers map[string]string) string {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	orderedHeaders := make([]([2]string), 0, len(keys))
	for _, k := range keys {
		orderedHeaders = append(orderedHeaders, [2]string{k, headers[k]})
	}

	canonical := struct {
		Target  string        `json:"target"`
		Type    Type          `json:"type"`
		Method  string        `json:"method"`
		Headers [][2]string   `json:"headers"`
	}{
		Target:  target,
		Type:    typ,
		Method:  method,
		Headers: orderedHeaders,
	}

	b, err := json.Marshal(canonical)
	if err != nil {
		// Marshaling a struct of strings/slices cannot fail; fall back to a
		// deterministic non-empty key rather than panicking on a probe path.
		return fmt.Sprintf("%s:%s", typ, target)
	}

	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
