package provider

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/erg0nix/ctxbudget/internal/config"
	"github.com/erg0nix/ctxbudget/internal/core"
)

const (
	trafficRequest  = "request"
	trafficResponse = "response"
	trafficFailure  = "failure"
)

// TrafficRecord is one line of the provider traffic log.
type TrafficRecord struct {
	At        time.Time      `json:"at"`
	RequestID core.RequestID `json:"request_id"`
	Kind      string         `json:"kind"`
	Profile   string         `json:"profile,omitempty"`
	Model     string         `json:"model,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Response  *Response      `json:"response,omitempty"`
	ElapsedMS int64          `json:"elapsed_ms,omitempty"`
	Status    int            `json:"status,omitempty"`
	Body      string         `json:"body,omitempty"`
}

// trafficLog appends generation traffic to provider_<date>.jsonl
// under dir. A nil *trafficLog records nothing.
type trafficLog struct {
	dir       string
	requests  bool
	responses bool
	logger    *slog.Logger

	mu       sync.Mutex
	warnedAt time.Time
}

func newTrafficLog(debug config.DebugConfig, logger *slog.Logger) *trafficLog {
	if !debug.LogRequests && !debug.LogResponses {
		return nil
	}
	return &trafficLog{
		dir:       debug.LogDirectory,
		requests:  debug.LogRequests,
		responses: debug.LogResponses,
		logger:    logger,
	}
}

func (t *trafficLog) request(id core.RequestID, profile Profile, payload map[string]any) {
	if t == nil || !t.requests {
		return
	}
	t.logger.Debug("provider request", "request_id", id, "profile", profile.Name)
	t.append(TrafficRecord{RequestID: id, Kind: trafficRequest, Profile: profile.Name, Model: profile.Model, Payload: payload})
}

func (t *trafficLog) response(id core.RequestID, response Response, elapsed time.Duration) {
	if t == nil || !t.responses {
		return
	}
	t.append(TrafficRecord{RequestID: id, Kind: trafficResponse, Response: &response, ElapsedMS: elapsed.Milliseconds()})
}

// failure is recorded whenever logging is on, whichever direction is enabled.
func (t *trafficLog) failure(id core.RequestID, status int, body []byte, payload map[string]any) {
	if t == nil {
		return
	}
	t.logger.Error("provider request failed", "request_id", id, "status_code", status, "body", string(body))
	t.append(TrafficRecord{RequestID: id, Kind: trafficFailure, Status: status, Body: string(body), Payload: payload})
}

func (t *trafficLog) path(at time.Time) string {
	return filepath.Join(t.dir, "provider_"+at.Format(time.DateOnly)+".jsonl")
}

func (t *trafficLog) append(rec TrafficRecord) {
	if t.dir == "" {
		return
	}
	rec.At = time.Now().UTC()

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.write(rec); err != nil {
		// Warn at most once a minute.
		if time.Since(t.warnedAt) > time.Minute {
			t.warnedAt = time.Now()
			t.logger.Warn("provider traffic log write failed", "dir", t.dir, "error", err)
		}
	}
}

func (t *trafficLog) write(rec TrafficRecord) error {
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return err
	}

	f, err := os.OpenFile(t.path(rec.At), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	if err := json.NewEncoder(f).Encode(rec); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode %s record: %w", rec.Kind, err)
	}
	return f.Close()
}
