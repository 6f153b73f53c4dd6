package rdb

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.rdbstore.dev/core/dialect"
	"go.rdbstore.dev/core/metrics"
)

// connectionHandler hands out connections of a *sql.DB. Each acquired
// connection is initialized per the Dialect, and binds statement
// placeholders in the Dialect's style.
type connectionHandler struct {
	db      *sql.DB
	dialect *dialect.Dialect
}

// readWrite returns a connection whose statements run within a transaction,
// begun lazily with the first statement, which must be committed.
func (h *connectionHandler) readWrite(ctx context.Context) (*connection, error) {
	return h.acquire(ctx, false)
}

// readOnly returns a connection whose statements auto-commit.
func (h *connectionHandler) readOnly(ctx context.Context) (*connection, error) {
	return h.acquire(ctx, true)
}

func (h *connectionHandler) acquire(ctx context.Context, readOnly bool) (*connection, error) {
	var conn, err = h.db.Conn(ctx)
	if err != nil {
		return nil, errors.WithMessage(err, "acquiring connection")
	}
	if init := h.dialect.InitStatement; init != "" {
		if _, err = conn.ExecContext(ctx, init); err != nil {
			_ = conn.Close()
			return nil, errors.WithMessagef(err, "initializing connection (%s)", init)
		}
	}
	return &connection{
		conn:     conn,
		dialect:  h.dialect,
		readOnly: readOnly,
	}, nil
}

// connection is an acquired *sql.Conn, and its current transaction (if any).
// A connection is not safe for concurrent use.
type connection struct {
	conn     *sql.Conn
	tx       *sql.Tx
	dialect  *dialect.Dialect
	readOnly bool
}

type execQueryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func (c *connection) target(ctx context.Context) (execQueryer, error) {
	if c.readOnly {
		return c.conn, nil
	} else if c.tx == nil {
		var err error
		if c.tx, err = c.conn.BeginTx(ctx, nil); err != nil {
			return nil, errors.WithMessage(err, "beginning transaction")
		}
	}
	return c.tx, nil
}

// exec runs statement |query|, labeled |kind| in metrics, with |args|.
func (c *connection) exec(ctx context.Context, kind, query string, args ...interface{}) (sql.Result, error) {
	var t, err = c.target(ctx)
	if err != nil {
		return nil, err
	}
	var started = time.Now()
	result, err := t.ExecContext(ctx, c.dialect.Rebind(query), args...)
	observe(kind, started, err)
	return result, err
}

// query runs statement |query|, labeled |kind| in metrics, with |args|.
func (c *connection) query(ctx context.Context, kind, query string, args ...interface{}) (*sql.Rows, error) {
	var t, err = c.target(ctx)
	if err != nil {
		return nil, err
	}
	var started = time.Now()
	rows, err := t.QueryContext(ctx, c.dialect.Rebind(query), args...)
	observe(kind, started, err)
	return rows, err
}

// commit the current transaction, if there is one.
func (c *connection) commit() error {
	if c.tx == nil {
		return nil
	}
	var err = c.tx.Commit()
	c.tx = nil
	return err
}

// rollback the current transaction, if there is one. The connection remains
// usable, and a following statement begins a new transaction.
func (c *connection) rollback() {
	if c.tx == nil {
		return
	}
	if err := c.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		log.WithField("err", err).Debug("rollback failed")
	}
	c.tx = nil
}

// close rolls back an uncommitted transaction and releases the connection.
func (c *connection) close() {
	if c == nil {
		return
	}
	c.rollback()
	if err := c.conn.Close(); err != nil {
		log.WithField("err", err).Debug("releasing connection failed")
	}
}

func observe(kind string, started time.Time, err error) {
	var status = metrics.Ok
	if err != nil {
		status = metrics.Fail
	}
	metrics.StatementDuration.WithLabelValues(kind, status).Observe(time.Since(started).Seconds())
}
