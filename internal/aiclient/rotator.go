package aiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	huberrors "intelligence-hub/internal/errors"
	"intelligence-hub/internal/logging"
)

// ErrKeysExhausted reports a pool with no usable key left.
var ErrKeysExhausted = errors.New("aiclient: all keys exhausted")

// keyState is the per-key record persisted between runs.
type keyState struct {
	Exhausted bool      `json:"exhausted"`
	Balance   float64   `json:"balance"`
	CheckedAt time.Time `json:"checked_at,omitempty"`
}

// keyRecord is the rotation state file layout.
type keyRecord struct {
	Active string              `json:"active"`
	Keys   map[string]keyState `json:"keys"`
}

// RotatorOptions wires a KeyRotator.
type RotatorOptions struct {
	// Threshold is the balance floor. A key probing below it retires.
	Threshold float64
	// BaseURL locates the provider account endpoint.
	BaseURL string
	// Proxy routes probes the same way the chat calls go.
	Proxy  string
	Logger logging.Logger
	Ledger *Ledger
	// Owner is the client name recorded with key states.
	Owner string
	// Probe overrides the account endpoint query. Tests use it; the
	// default asks BaseURL plus /user/info.
	Probe func(ctx context.Context, key string) (float64, error)
}

// KeyRotator feeds a TokenRotatingClient from a key pool file, one key
// per line. The active key retires when the provider rejects it or its
// balance probes below the threshold; rotation state survives restarts
// in the record file.
type KeyRotator struct {
	recordFile string
	threshold  float64
	owner      string
	logger     logging.Logger
	ledger     *Ledger
	probe      func(ctx context.Context, key string) (float64, error)

	mu     sync.Mutex
	keys   []string
	record keyRecord
}

// NewKeyRotator loads the key pool and any previous rotation state.
func NewKeyRotator(keysFile, recordFile string, opts RotatorOptions) (*KeyRotator, error) {
	keys, err := readKeyLines(keysFile)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("key file %s holds no keys", keysFile)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	probe := opts.Probe
	if probe == nil {
		httpc := http.DefaultClient
		if opts.Proxy != "" {
			parsed, err := url.Parse(opts.Proxy)
			if err != nil {
				return nil, fmt.Errorf("parse proxy url: %w", err)
			}
			httpc = &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(parsed)}}
		}
		base := opts.BaseURL
		probe = func(ctx context.Context, key string) (float64, error) {
			return ProbeBalance(ctx, httpc, base, key)
		}
	}

	r := &KeyRotator{
		recordFile: recordFile,
		threshold:  opts.Threshold,
		owner:      opts.Owner,
		logger:     logger.WithComponent("rotator"),
		ledger:     opts.Ledger,
		probe:      probe,
		keys:       keys,
		record:     keyRecord{Keys: map[string]keyState{}},
	}
	if err := r.loadRecord(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.promoteLocked()
	r.mu.Unlock()
	return r, nil
}

// readKeyLines parses the pool file, skipping blanks and comments.
func readKeyLines(path string) ([]string, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	var keys []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keys = append(keys, line)
	}
	return keys, nil
}

// loadRecord merges the persisted state, dropping keys that left the
// pool file.
func (r *KeyRotator) loadRecord() error {
	if r.recordFile == "" {
		return nil
	}
	data, err := os.ReadFile(r.recordFile) // #nosec G304 -- operator-supplied path
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read key record: %w", err)
	}
	var rec keyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("parse key record %s: %w", r.recordFile, err)
	}
	if rec.Keys == nil {
		rec.Keys = map[string]keyState{}
	}
	known := make(map[string]bool, len(r.keys))
	for _, k := range r.keys {
		known[k] = true
	}
	for k := range rec.Keys {
		if !known[k] {
			delete(rec.Keys, k)
		}
	}
	if rec.Active != "" && !known[rec.Active] {
		rec.Active = ""
	}
	r.record = rec
	return nil
}

// Token returns the active key.
func (r *KeyRotator) Token(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.promoteLocked()
	if r.record.Active == "" {
		return "", ErrKeysExhausted
	}
	return r.record.Active, nil
}

// ReportBadKey retires a rejected key and promotes the next one.
func (r *KeyRotator) ReportBadKey(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.record.Keys[key]
	st.Exhausted = true
	st.CheckedAt = time.Now()
	r.record.Keys[key] = st
	if r.record.Active == key {
		r.record.Active = ""
	}
	r.promoteLocked()
	r.persistLocked()
	r.journalLocked(key, st)
}

// Balance probes the active key, rotating past keys that fall below the
// threshold. When every key is exhausted it re-probes the pool so a
// recharged account comes back by itself.
func (r *KeyRotator) Balance(ctx context.Context) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.promoteLocked()
	if r.record.Active == "" {
		r.reviveLocked(ctx)
	}
	for r.record.Active != "" {
		key := r.record.Active
		balance, err := r.probe(ctx, key)
		if err != nil {
			if aiErr, ok := huberrors.AsAIError(err); ok && aiErr.AuthFailure() {
				r.retireLocked(key, 0)
				continue
			}
			return 0, fmt.Errorf("probe key %s: %w", tokenHint(key), err)
		}
		st := r.record.Keys[key]
		st.Balance = balance
		st.CheckedAt = time.Now()
		if balance >= r.threshold {
			r.record.Keys[key] = st
			r.persistLocked()
			r.journalLocked(key, st)
			return balance, nil
		}
		r.logger.Info("Key drained, rotating",
			"key", tokenHint(key), "balance", balance, "threshold", r.threshold)
		r.retireLocked(key, balance)
	}
	r.persistLocked()
	return 0, ErrKeysExhausted
}

// retireLocked marks a key exhausted and promotes the next one.
func (r *KeyRotator) retireLocked(key string, balance float64) {
	st := r.record.Keys[key]
	st.Exhausted = true
	st.Balance = balance
	st.CheckedAt = time.Now()
	r.record.Keys[key] = st
	if r.record.Active == key {
		r.record.Active = ""
	}
	r.journalLocked(key, st)
	r.promoteLocked()
}

// reviveLocked re-probes exhausted keys, resurrecting any that now
// clear the threshold.
func (r *KeyRotator) reviveLocked(ctx context.Context) {
	for _, key := range r.keys {
		st := r.record.Keys[key]
		if !st.Exhausted {
			continue
		}
		balance, err := r.probe(ctx, key)
		if err != nil || balance < r.threshold {
			continue
		}
		st.Exhausted = false
		st.Balance = balance
		st.CheckedAt = time.Now()
		r.record.Keys[key] = st
		r.logger.Info("Key recharged, back in the pool",
			"key", tokenHint(key), "balance", balance)
		r.journalLocked(key, st)
	}
	r.promoteLocked()
}

// promoteLocked ensures a usable active key when one exists.
func (r *KeyRotator) promoteLocked() {
	if r.record.Active != "" && !r.record.Keys[r.record.Active].Exhausted {
		return
	}
	r.record.Active = ""
	for _, key := range r.keys {
		if !r.record.Keys[key].Exhausted {
			r.record.Active = key
			return
		}
	}
}

// persistLocked writes the record file. Rotation still works when the
// write fails; state is just lost on restart.
func (r *KeyRotator) persistLocked() {
	if r.recordFile == "" {
		return
	}
	data, err := json.MarshalIndent(&r.record, "", "  ")
	if err != nil {
		r.logger.Warn("Key record not serializable", "error", err)
		return
	}
	if err := os.WriteFile(r.recordFile, data, 0o600); err != nil {
		r.logger.Warn("Key record not persisted", "file", r.recordFile, "error", err)
	}
}

// journalLocked mirrors a key state into the sqlite ledger.
func (r *KeyRotator) journalLocked(key string, st keyState) {
	if r.ledger == nil {
		return
	}
	stateName := "active"
	if st.Exhausted {
		stateName = "exhausted"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.ledger.RecordKeyState(ctx, r.owner, tokenHint(key), stateName, st.Balance); err != nil {
		r.logger.Warn("Key state not journaled", "error", err)
	}
}
