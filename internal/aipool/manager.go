// Package aipool manages the AI client roster and leases clients to
// the analysis workers, balancing cost tier, load and group limits.
package aipool

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"intelligence-hub/internal/aiclient"
	huberrors "intelligence-hub/internal/errors"
	"intelligence-hub/internal/logging"
)

// Lease wait tuning. Callers that find no client poll rather than
// queue, so a released client goes to whoever asks next.
var (
	acquireWait   = time.Second
	acquireJitter = 500 * time.Millisecond
)

// waitLogEvery caps the noise of a starved caller to one line per ten
// attempts.
const waitLogEvery = 10

// defaultMonitorPeriod paces the balance poller when the configuration
// does not say otherwise.
const defaultMonitorPeriod = 5 * time.Minute

// Constraints narrows a lease search.
type Constraints struct {
	// Owner tags the lease in logs and the usage ledger.
	Owner string
	// Group pins the lease to one provider group.
	Group string
	// ExcludeExpensive skips the expensive tier.
	ExcludeExpensive bool
}

// Lease is one granted client acquisition.
type Lease struct {
	Client aiclient.Client
	Owner  string

	mgr   *Manager
	start time.Time
	once  sync.Once
}

// entry pairs a client with its pool bookkeeping.
type entry struct {
	client  aiclient.Client
	lastUse time.Time
}

// Manager holds the registered clients and hands out leases.
type Manager struct {
	logger logging.Logger
	ledger *aiclient.Ledger

	mu          sync.Mutex
	entries     map[string]*entry
	order       []*entry
	groupLimits map[string]int

	monitorMu sync.Mutex
	monitorOn bool
}

// NewManager creates an empty pool. The ledger is optional; without it
// usage is not journaled.
func NewManager(logger logging.Logger, ledger *aiclient.Ledger) *Manager {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return &Manager{
		logger:      logger.WithComponent("aipool"),
		ledger:      ledger,
		entries:     map[string]*entry{},
		groupLimits: map[string]int{},
	}
}

// RegisterClient adds a client to the roster. Names must be unique.
func (m *Manager) RegisterClient(c aiclient.Client) error {
	if c == nil {
		return errors.New("aipool: nil client")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[c.Name()]; ok {
		return fmt.Errorf("aipool: client %q already registered", c.Name())
	}
	e := &entry{client: c}
	m.entries[c.Name()] = e
	m.order = append(m.order, e)
	m.logger.Info("AI client registered",
		"client", c.Name(), "group", c.Group(), "priority", c.Priority().String())
	return nil
}

// SetGroupLimit caps the concurrent leases of one provider group. A
// zero or negative limit removes the cap.
func (m *Manager) SetGroupLimit(group string, limit int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		delete(m.groupLimits, group)
		return
	}
	m.groupLimits[group] = limit
}

// Clients returns a snapshot of the roster in registration order.
func (m *Manager) Clients() []aiclient.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]aiclient.Client, 0, len(m.order))
	for _, e := range m.order {
		out = append(out, e.client)
	}
	return out
}

// Acquire leases a client, waiting with a jittered delay until one
// qualifies or the context ends. There is no queue; contention resolves
// by polling.
func (m *Manager) Acquire(ctx context.Context, cons Constraints) (*Lease, error) {
	attempts := 0
	for {
		if lease := m.tryAcquire(cons); lease != nil {
			return lease, nil
		}
		attempts++
		if attempts%waitLogEvery == 0 {
			m.logger.Warn("Still waiting for an AI client",
				"owner", cons.Owner, "attempts", attempts)
		}
		wait := acquireWait + time.Duration(rand.Int63n(int64(acquireJitter)))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// TryAcquire attempts a single lease without waiting.
func (m *Manager) TryAcquire(cons Constraints) (*Lease, bool) {
	lease := m.tryAcquire(cons)
	return lease, lease != nil
}

func (m *Manager) tryAcquire(cons Constraints) *Lease {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *entry
	for _, e := range m.order {
		c := e.client
		if cons.Group != "" && c.Group() != cons.Group {
			continue
		}
		if cons.ExcludeExpensive && c.Priority() == aiclient.PriorityExpensive {
			continue
		}
		if !c.Available() {
			continue
		}
		if limit, ok := m.groupLimits[c.Group()]; ok && m.groupLoadLocked(c.Group()) >= limit {
			continue
		}
		if best == nil || leaseOrder(e, best) {
			best = e
		}
	}
	if best == nil {
		return nil
	}
	best.client.BeginLease()
	m.logger.Debug("AI client leased",
		"client", best.client.Name(), "owner", cons.Owner, "in_flight", best.client.InFlight())
	return &Lease{Client: best.client, Owner: cons.Owner, mgr: m, start: time.Now()}
}

// groupLoadLocked derives the group's in-flight count from its members,
// so release bookkeeping cannot drift.
func (m *Manager) groupLoadLocked(group string) int {
	total := 0
	for _, e := range m.order {
		if e.client.Group() == group {
			total += e.client.InFlight()
		}
	}
	return total
}

// leaseOrder reports whether a beats b for the next lease: cheaper
// tier, then least in-flight, then least recently used, then name.
func leaseOrder(a, b *entry) bool {
	if a.client.Priority() != b.client.Priority() {
		return a.client.Priority() < b.client.Priority()
	}
	if a.client.InFlight() != b.client.InFlight() {
		return a.client.InFlight() < b.client.InFlight()
	}
	if !a.lastUse.Equal(b.lastUse) {
		return a.lastUse.Before(b.lastUse)
	}
	return a.client.Name() < b.client.Name()
}

// Release returns the lease and journals the call. Passing the response
// and error of the chat call fills the usage row; both may be nil.
// Releasing twice is harmless.
func (l *Lease) Release(resp *aiclient.Response, callErr error) {
	l.once.Do(func() {
		l.mgr.release(l, resp, callErr)
	})
}

func (m *Manager) release(l *Lease, resp *aiclient.Response, callErr error) {
	m.mu.Lock()
	l.Client.EndLease()
	if e, ok := m.entries[l.Client.Name()]; ok {
		e.lastUse = time.Now()
	}
	m.mu.Unlock()

	if m.ledger == nil {
		return
	}
	rec := aiclient.UsageRecord{
		Client:   l.Client.Name(),
		Model:    l.Client.Model(),
		Owner:    l.Owner,
		Outcome:  usageOutcome(callErr),
		Duration: time.Since(l.start),
	}
	if resp != nil {
		if resp.Model != "" {
			rec.Model = resp.Model
		}
		rec.Usage = resp.Usage
		rec.Duration = resp.Duration
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.ledger.RecordUsage(ctx, rec); err != nil {
		m.logger.Warn("Usage not journaled", "client", rec.Client, "error", err)
	}
}

// usageOutcome renders the ledger outcome of a finished call.
func usageOutcome(err error) string {
	if err == nil {
		return "success"
	}
	if code := huberrors.APIErrorCode(err); code != "" {
		return code
	}
	return "ERROR"
}

// StartMonitoring spawns the background balance poller. It probes every
// client, including parked ones, so a recharged or rotated account
// returns to the roster without manual help.
func (m *Manager) StartMonitoring(ctx context.Context, period time.Duration) {
	m.monitorMu.Lock()
	defer m.monitorMu.Unlock()
	if m.monitorOn {
		return
	}
	m.monitorOn = true
	if period <= 0 {
		period = defaultMonitorPeriod
	}
	go m.monitor(ctx, period)
}

func (m *Manager) monitor(ctx context.Context, period time.Duration) {
	m.logger.Info("Balance monitoring started", "period", period.String())
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Balance monitoring stopped")
			return
		case <-ticker.C:
			m.pollBalances(ctx)
		}
	}
}

func (m *Manager) pollBalances(ctx context.Context) {
	for _, c := range m.Clients() {
		balance, err := c.CheckBalance(ctx)
		if errors.Is(err, aiclient.ErrNoBalanceProbe) {
			continue
		}
		if err != nil {
			m.logger.Warn("Balance probe failed", "client", c.Name(), "error", err)
			continue
		}
		c.UpdateBalance(balance)
		m.logger.Debug("Balance updated", "client", c.Name(), "balance", balance)
	}
}

// ClientStatus is one roster row of the statistics snapshot.
type ClientStatus struct {
	Name      string    `json:"name"`
	Model     string    `json:"model"`
	Group     string    `json:"group"`
	Priority  string    `json:"priority"`
	Available bool      `json:"available"`
	InFlight  int       `json:"in_flight"`
	Balance   float64   `json:"balance"`
	LastUse   time.Time `json:"last_use,omitempty"`
}

// Snapshot reports the roster state for status displays.
func (m *Manager) Snapshot() []ClientStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ClientStatus, 0, len(m.order))
	for _, e := range m.order {
		c := e.client
		out = append(out, ClientStatus{
			Name:      c.Name(),
			Model:     c.Model(),
			Group:     c.Group(),
			Priority:  c.Priority().String(),
			Available: c.Available(),
			InFlight:  c.InFlight(),
			Balance:   c.Balance(),
			LastUse:   e.lastUse,
		})
	}
	return out
}
