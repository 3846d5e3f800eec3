package worker

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/wisbric/nightowl/pkg/probe"
)

const defaultProbeTimeout = 10 * time.Second

// Executor runs probe commands against their targets and produces results
// (§4.1 "Probe command", §6). Its HTTP transport is grounded on the same
// connection-reuse/TLS-handling shape used for in-cluster service checks:
// a dedicated Transport with bounded idle connections rather than
// http.DefaultClient.
type Executor struct {
	region     string
	workerID   string
	httpClient *http.Client
	dialer     *net.Dialer
}

// NewExecutor builds an Executor for workerID running in region.
func NewExecutor(workerID, region string) *Executor {
	transport := &http.Transport{
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		Proxy:                 http.ProxyFromEnvironment,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &Executor{
		region:     region,
		workerID:   workerID,
		httpClient: &http.Client{Timeout: defaultProbeTimeout, Transport: transport},
		dialer:     &net.Dialer{Timeout: defaultProbeTimeout},
	}
}

// Execute runs a single probe command and returns its result, never
// returning an error — every failure mode is represented as a
// probe.StatusDown/Degraded result so the caller always has something to
// publish (§4.1 "Failure semantics").
func (e *Executor) Execute(ctx context.Context, cmd probe.Command) probe.Result {
	ctx, cancel := context.WithTimeout(ctx, defaultProbeTimeout)
	defer cancel()

	start := time.Now()
	status, errMsg := e.run(ctx, cmd.Data)
	elapsed := int(time.Since(start).Milliseconds())

	result := probe.Result{
		ServiceID: cmd.Data.ServiceID,
		NestID:    cmd.Data.NestID,
		CacheKey:  cmd.Data.CacheKey,
		WorkerID:  e.workerID,
		Region:    e.region,
		Status:    status,
		Error:     errMsg,
		Timestamp: time.Now().UnixMilli(),
	}
	if status != probe.StatusDown || errMsg == "" {
		result.ResponseTime = &elapsed
	}
	return result
}

func (e *Executor) run(ctx context.Context, data probe.CommandData) (probe.Status, string) {
	switch data.Type {
	case probe.TypeWeb, probe.TypeGitHub, probe.TypeKeyword:
		return e.probeHTTP(ctx, data)
	case probe.TypeUptimeAPI:
		return e.probeUptimeAPI(ctx, data)
	case probe.TypeTCP, probe.TypePort:
		return e.probeTCP(ctx, data)
	case probe.TypePing:
		return e.probePing(ctx, data)
	case probe.TypeHeartbeat:
		return e.probeHTTP(ctx, data)
	default:
		return probe.StatusDown, fmt.Sprintf("unknown service type %q", data.Type)
	}
}

func (e *Executor) probeHTTP(ctx context.Context, data probe.CommandData) (probe.Status, string) {
	method, _ := data.Config["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, data.Target, nil)
	if err != nil {
		return probe.StatusDown, fmt.Sprintf("building request: %v", err)
	}
	if headers, ok := data.Config["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return probe.StatusDown, err.Error()
	}
	defer resp.Body.Close()

	expected := 200
	if v, ok := data.Config["expectedStatus"].(float64); ok && v > 0 {
		expected = int(v)
	}
	if resp.StatusCode != expected {
		return probe.StatusDown, fmt.Sprintf("unexpected status %d (want %d)", resp.StatusCode, expected)
	}

	if keyword, ok := data.Config["keywordMatch"].(string); ok && keyword != "" {
		buf := make([]byte, 64*1024)
		n, _ := resp.Body.Read(buf)
		if !strings.Contains(string(buf[:n]), keyword) {
			return probe.StatusDegraded, fmt.Sprintf("keyword %q not found in response", keyword)
		}
	}
	return probe.StatusUp, ""
}

func (e *Executor) probeUptimeAPI(ctx context.Context, data probe.CommandData) (probe.Status, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, data.Target, nil)
	if err != nil {
		return probe.StatusDown, fmt.Sprintf("building request: %v", err)
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return probe.StatusDown, err.Error()
	}
	defer resp.Body.Close()

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return probe.StatusDown, fmt.Sprintf("decoding status payload: %v", err)
	}

	statusPath, _ := data.Config["statusPath"].(string)
	upValue, _ := data.Config["upValue"].(string)
	if statusPath == "" {
		return probe.StatusUp, ""
	}
	got, _ := payload[statusPath].(string)
	if upValue != "" && got != upValue {
		return probe.StatusDown, fmt.Sprintf("status field %q = %q, want %q", statusPath, got, upValue)
	}
	return probe.StatusUp, ""
}

func (e *Executor) probeTCP(ctx context.Context, data probe.CommandData) (probe.Status, string) {
	conn, err := e.dialer.DialContext(ctx, "tcp", data.Target)
	if err != nil {
		return probe.StatusDown, err.Error()
	}
	_ = conn.Close()
	return probe.StatusUp, ""
}

// probePing uses a TCP dial rather than raw ICMP: unprivileged ICMP sockets
// require platform-specific setup the worker process cannot assume across
// its deployment targets, so a TCP reachability check stands in for a
// ping-type service here.
func (e *Executor) probePing(ctx context.Context, data probe.CommandData) (probe.Status, string) {
	return e.probeTCP(ctx, data)
}

// RunAll executes every command in cmds concurrently and returns their
// results in completion order, grounded on the parallel fan-out pattern
// used by in-process service checkers; results are collected under a mutex.
func (e *Executor) RunAll(ctx context.Context, cmds []probe.Command) []probe.Result {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make([]probe.Result, 0, len(cmds))
	)
	wg.Add(len(cmds))
	for _, cmd := range cmds {
		cmd := cmd
		go func() {
			defer wg.Done()
			res := e.Execute(ctx, cmd)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}
