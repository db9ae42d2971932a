package persistence

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/pkg/logger"
)

func TestIsConnectionError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"bad conn", driver.ErrBadConn, true},
		{"wrapped bad conn", fmt.Errorf("exec: %w", driver.ErrBadConn), true},
		{"deadline", context.DeadlineExceeded, true},
		{"refused", syscall.ECONNREFUSED, true},
		{"reset", syscall.ECONNRESET, true},
		{"pq connection failure", &pq.Error{Code: "08006"}, true},
		{"pq cannot connect now", &pq.Error{Code: "57P03"}, true},
		{"pq too many connections", &pq.Error{Code: "53300"}, true},
		{"pq unique violation", &pq.Error{Code: "23505"}, false},
		{"pq undefined table", &pq.Error{Code: "42P01"}, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsConnectionError(tc.err))
		})
	}
}

func TestNilDBPinsFileMode(t *testing.T) {
	c := NewController(nil, time.Second, time.Second, logger.Discard())
	assert.Equal(t, ModeFileBacked, c.Mode())

	ok, reason := c.Probe(context.Background())
	assert.False(t, ok)
	assert.NotEmpty(t, reason)
	assert.Equal(t, ModeFileBacked, c.Mode())
}

func TestProbeDemotesAndPromotes(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	c := NewController(db, time.Second, time.Second, logger.Discard())
	switches := 0
	c.OnModeSwitch = func() { switches++ }
	require.Equal(t, ModeRelational, c.Mode())

	mock.ExpectPing().WillReturnError(driver.ErrBadConn)
	ok, _ := c.Probe(context.Background())
	assert.False(t, ok)
	assert.Equal(t, ModeFileBacked, c.Mode())
	assert.Equal(t, 1, switches)

	st := c.Health()
	assert.Equal(t, "file", st.Mode)
	assert.NotEmpty(t, st.LastError)

	mock.ExpectPing()
	ok, _ = c.Probe(context.Background())
	assert.True(t, ok)
	assert.Equal(t, ModeRelational, c.Mode())
	assert.Equal(t, 2, switches)
	assert.Empty(t, c.Health().LastError)

	// A second successful probe is not a transition.
	mock.ExpectPing()
	c.Probe(context.Background())
	assert.Equal(t, 2, switches)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReportFailureClassifies(t *testing.T) {
	db, _, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	c := NewController(db, time.Second, time.Second, logger.Discard())

	// Semantic errors never flip the mode.
	c.ReportFailure(&pq.Error{Code: "23505"})
	assert.Equal(t, ModeRelational, c.Mode())

	c.ReportFailure(nil)
	assert.Equal(t, ModeRelational, c.Mode())

	// Connection-class errors demote immediately.
	c.ReportFailure(&pq.Error{Code: "08006"})
	assert.Equal(t, ModeFileBacked, c.Mode())
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "relational", ModeRelational.String())
	assert.Equal(t, "file", ModeFileBacked.String())
}
