// Package persistence owns the process-wide storage mode: it probes the
// relational backend, demotes to the file-backed contingency store on
// connection-class failures, and promotes back once the database answers.
package persistence

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/lib/pq"

	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/pkg/logger"
)

// Mode selects which backend is authoritative for reads and writes.
type Mode int32

const (
	// ModeRelational routes traffic to the database.
	ModeRelational Mode = iota
	// ModeFileBacked routes traffic to the local JSON document store.
	ModeFileBacked
)

func (m Mode) String() string {
	if m == ModeFileBacked {
		return "file"
	}
	return "relational"
}

// Health is a point-in-time snapshot for the /health endpoint.
type Health struct {
	Mode      string    `json:"mode"`
	LastError string    `json:"last_error,omitempty"`
	LastCheck time.Time `json:"last_check"`
}

// Controller is the single source of truth for the current mode. The mode
// flag is atomic with respect to concurrent requests; no request observes a
// half-updated mode.
type Controller struct {
	db          *sql.DB
	interval    time.Duration
	pingTimeout time.Duration
	log         *logger.Logger

	mode atomic.Int32

	// OnModeSwitch, when set before Run, is invoked on every mode
	// transition. Used to feed the metrics counter.
	OnModeSwitch func()

	mu        sync.Mutex
	lastErr   string
	lastCheck time.Time
}

// NewController builds a controller. A nil db pins the mode to file-backed.
func NewController(db *sql.DB, interval, pingTimeout time.Duration, log *logger.Logger) *Controller {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if pingTimeout <= 0 {
		pingTimeout = 3 * time.Second
	}
	c := &Controller{db: db, interval: interval, pingTimeout: pingTimeout, log: log}
	if db == nil {
		c.mode.Store(int32(ModeFileBacked))
	}
	return c
}

// Mode returns the currently active backend mode.
func (c *Controller) Mode() Mode {
	return Mode(c.mode.Load())
}

// Probe pings the relational backend once and adjusts the mode. Returns
// whether the database answered and, when it did not, the reason.
func (c *Controller) Probe(ctx context.Context) (bool, string) {
	if c.db == nil {
		c.note("relational backend not configured")
		return false, "relational backend not configured"
	}

	pingCtx, cancel := context.WithTimeout(ctx, c.pingTimeout)
	defer cancel()
	if err := c.db.PingContext(pingCtx); err != nil {
		c.demote(err)
		return false, err.Error()
	}

	c.promote()
	return true, ""
}

// Run probes on a fixed interval until the context is cancelled. The first
// probe fires immediately.
func (c *Controller) Run(ctx context.Context) {
	c.Probe(ctx)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Probe(ctx)
		}
	}
}

// ReportFailure must be called with every error the relational backend
// returns from a data operation. Connection-class errors flip the mode to
// file-backed immediately; semantic errors (constraint violations, bad
// queries) do not.
func (c *Controller) ReportFailure(err error) {
	if err == nil || !IsConnectionError(err) {
		return
	}
	c.demote(err)
}

// Health reports the current mode and last probe outcome.
func (c *Controller) Health() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Health{
		Mode:      c.Mode().String(),
		LastError: c.lastErr,
		LastCheck: c.lastCheck,
	}
}

func (c *Controller) demote(err error) {
	prev := Mode(c.mode.Swap(int32(ModeFileBacked)))
	c.mu.Lock()
	c.lastErr = err.Error()
	c.lastCheck = time.Now().UTC()
	c.mu.Unlock()
	if prev != ModeFileBacked {
		if c.log != nil {
			c.log.WithError(err).Warn("relational backend unreachable; switching to file-backed store")
		}
		if c.OnModeSwitch != nil {
			c.OnModeSwitch()
		}
	}
}

func (c *Controller) promote() {
	prev := Mode(c.mode.Swap(int32(ModeRelational)))
	c.mu.Lock()
	c.lastErr = ""
	c.lastCheck = time.Now().UTC()
	c.mu.Unlock()
	if prev != ModeRelational {
		if c.log != nil {
			c.log.Info("relational backend reachable again; switching back")
		}
		if c.OnModeSwitch != nil {
			c.OnModeSwitch()
		}
	}
}

func (c *Controller) note(reason string) {
	c.mu.Lock()
	c.lastErr = reason
	c.lastCheck = time.Now().UTC()
	c.mu.Unlock()
}

// Postgres error classes that indicate the server itself is unavailable
// rather than the statement being wrong.
var connectionErrorClasses = map[string]bool{
	"08": true, // connection exception
	"53": true, // insufficient resources
	"57": true, // operator intervention (shutdown, crash)
	"58": true, // system error
}

// IsConnectionError classifies an error as connection-class: timeouts,
// refused/reset connections, closed server connections, and database
// unavailability codes. Constraint violations and malformed queries are not
// connection errors.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		if len(code) >= 2 && connectionErrorClasses[code[:2]] {
			return true
		}
	}
	return false
}
