// Package audit implements the async, buffered audit log writer (§3, §6
// `audit:<auditId>`): every mutating API call is recorded against the
// calling nest, independent of the storage backend behind it.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/nightowl/internal/auth"
	"github.com/wisbric/nightowl/internal/store"
)

// Entry represents a single audit log entry.
type Entry struct {
	ID         uuid.UUID       `json:"id"`
	NestID     uuid.UUID       `json:"nestId"`
	UserID     uuid.UUID       `json:"userId,omitempty"`
	Action     string          `json:"action"`
	Resource   string          `json:"resource"`
	ResourceID string          `json:"resourceId,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	IPAddress  string          `json:"ipAddress,omitempty"`
	UserAgent  string          `json:"userAgent,omitempty"`
	At         time.Time       `json:"at"`
}

// Writer is an async, buffered audit log writer (§4.5 "scheduler:services"
// pattern of separating hot-path writes from request latency): entries are
// sent to an internal channel and flushed by a background goroutine.
type Writer struct {
	kv      store.Store
	logger  *slog.Logger
	entries chan Entry
	wg      sync.WaitGroup
}

const bufferSize = 256

// NewWriter creates an audit Writer. Call Start to begin processing entries.
func NewWriter(kv store.Store, logger *slog.Logger) *Writer {
	return &Writer{
		kv:      kv,
		logger:  logger,
		entries: make(chan Entry, bufferSize),
	}
}

// Start begins the background goroutine that persists audit entries.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for all pending entries to be flushed.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues an audit entry for async writing. It never blocks the
// caller; if the buffer is full the entry is dropped and a warning logged.
func (w *Writer) Log(entry Entry) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	select {
	case w.entries <- entry:
	default:
		w.logger.Warn("audit log buffer full, dropping entry",
			"action", entry.Action, "resource", entry.Resource)
	}
}

// LogFromRequest extracts identity, IP, and user agent from the request
// context, then enqueues the entry.
func (w *Writer) LogFromRequest(r *http.Request, action, resource, resourceID string, detail json.RawMessage) {
	entry := Entry{
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		Detail:     detail,
	}

	if id := auth.FromContext(r.Context()); id != nil {
		entry.NestID = id.NestID
		entry.UserID = id.UserID
	}
	entry.IPAddress = clientIP(r)
	entry.UserAgent = r.Header.Get("User-Agent")

	w.Log(entry)
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				return
			}
			w.persist(ctx, entry)
		case <-ctx.Done():
			for {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						return
					}
					w.persist(context.Background(), entry)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) persist(ctx context.Context, entry Entry) {
	if entry.NestID == uuid.Nil {
		w.logger.Warn("audit entry without nest id, dropping", "action", entry.Action, "resource", entry.Resource)
		return
	}
	b, err := json.Marshal(entry)
	if err != nil {
		w.logger.Error("marshaling audit entry", "error", err)
		return
	}
	if err := w.kv.Put(ctx, store.AuditKey(entry.ID.String()), b); err != nil {
		w.logger.Error("persisting audit entry", "error", err, "action", entry.Action, "resource", entry.Resource)
		return
	}
	indexKey := fmt.Sprintf("nest:%s:audit", entry.NestID)
	if err := w.kv.SortedSetAdd(ctx, indexKey, float64(entry.At.UnixMilli()), entry.ID.String()); err != nil {
		w.logger.Error("indexing audit entry", "error", err, "action", entry.Action)
	}
}

// List returns a nest's audit entries newest-first, paginated by offset.
func List(ctx context.Context, kv store.Store, nestID string, offset, limit int) ([]Entry, int, error) {
	indexKey := fmt.Sprintf("nest:%s:audit", nestID)
	all, err := kv.SortedSetRange(ctx, indexKey, 0, -1)
	if err != nil {
		return nil, 0, fmt.Errorf("listing audit index: %w", err)
	}
	total := len(all)

	// SortedSetRange returns ascending score (oldest first); reverse for
	// newest-first, then apply the page window.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	if offset >= len(all) {
		return []Entry{}, total, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	page := all[offset:end]

	out := make([]Entry, 0, len(page))
	for _, id := range page {
		b, err := kv.Get(ctx, store.AuditKey(id))
		if err != nil {
			if err == store.ErrNotFound {
				continue
			}
			return nil, 0, err
		}
		var entry Entry
		if err := json.Unmarshal(b, &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, total, nil
}

// clientIP extracts the client IP, preferring X-Forwarded-For/X-Real-IP
// over RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		if addr, err := netip.ParseAddr(strings.TrimSpace(parts[0])); err == nil {
			return addr.String()
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if addr, err := netip.ParseAddr(strings.TrimSpace(xri)); err == nil {
			return addr.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, _ := netip.ParseAddr(host)
	return addr.String()
}
