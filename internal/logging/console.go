package logging

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fatih/color"

	"intelligence-hub/pkg/types"
)

// StatsConsole renders the hub counter snapshot on the console and mirrors
// it to the log, emitting only when the snapshot changed since the last
// call. The display loop in cmd/server drives it on a fixed interval.
type StatsConsole struct {
	mu     sync.Mutex
	last   string
	out    io.Writer
	logger Logger

	queueColor    *color.Color
	archivedColor *color.Color
	errorColor    *color.Color
}

// NewStatsConsole creates a console bound to stdout and the given logger.
func NewStatsConsole(logger Logger) *StatsConsole {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	return &StatsConsole{
		out:           os.Stdout,
		logger:        logger,
		queueColor:    color.New(color.FgYellow),
		archivedColor: color.New(color.FgGreen),
		errorColor:    color.New(color.FgRed),
	}
}

// SetOutput redirects the console, primarily for tests.
func (c *StatsConsole) SetOutput(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = w
}

// Show prints and logs the snapshot when it differs from the previous one.
// Returns true when something was emitted.
func (c *StatsConsole) Show(stats types.Statistics) bool {
	line := formatStats(stats)

	c.mu.Lock()
	defer c.mu.Unlock()
	if line == c.last {
		return false
	}
	c.last = line

	fmt.Fprintf(c.out, "%s | %s | %s\n",
		c.queueColor.Sprintf("queued %d+%d", stats.WaitingProcess, stats.UnarchivedQueue),
		c.archivedColor.Sprintf("archived %d dropped %d", stats.Archived, stats.Dropped),
		c.errorColor.Sprintf("errors %d", stats.Error),
	)
	c.logger.Info("Hub queue size: " + line)
	return true
}

func formatStats(stats types.Statistics) string {
	return fmt.Sprintf(
		"{waiting_process: %d, unarchived_queue: %d, post_process: %d, archived: %d, dropped: %d, error: %d, conversation_warning: %d, conversation_error: %d, conversation_total: %d}",
		stats.WaitingProcess, stats.UnarchivedQueue, stats.PostProcess,
		stats.Archived, stats.Dropped, stats.Error,
		stats.ConversationWarning, stats.ConversationError, stats.ConversationTotal,
	)
}
