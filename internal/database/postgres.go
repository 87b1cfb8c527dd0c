// internal/database/postgres.go
package database

import (
	"context"
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/FairForge/poolgate/internal/config"
	"github.com/FairForge/poolgate/internal/pool"
)

// Replicas replay WAL asynchronously; when the replay timestamp is null the
// server is not a replica and reports zero lag.
const lagQuery = `SELECT COALESCE(EXTRACT(EPOCH FROM (now() - pg_last_xact_replay_timestamp())), 0)::float8`

// Dialer opens single driver-level connections to one Postgres endpoint.
// The pool manages their lifecycle; database/sql's own pooling is bypassed
// on purpose.
type Dialer struct {
	connector driver.Connector
}

// NewDialer builds a dialer from an endpoint config.
func NewDialer(ep config.Endpoint) (*Dialer, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		ep.Host, ep.Port, ep.User, ep.Password(), ep.Database, ep.SSLMode)

	connector, err := pq.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("database: build connector for %s:%d: %w", ep.Host, ep.Port, err)
	}
	return &Dialer{connector: connector}, nil
}

// Dial implements pool.Dialer.
func (d *Dialer) Dial(ctx context.Context) (pool.Conn, error) {
	conn, err := d.connector.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("database: connect: %w", err)
	}
	return &pgConn{conn: conn}, nil
}

// pgConn adapts a driver.Conn to pool.Conn and adds the lag probe.
type pgConn struct {
	conn driver.Conn
}

func (c *pgConn) Ping(ctx context.Context) error {
	pinger, ok := c.conn.(driver.Pinger)
	if !ok {
		return fmt.Errorf("database: driver does not support ping")
	}
	return pinger.Ping(ctx)
}

func (c *pgConn) Close() error {
	return c.conn.Close()
}

// ReplicationLag measures how far behind the primary this endpoint is.
func (c *pgConn) ReplicationLag(ctx context.Context) (time.Duration, error) {
	q, ok := c.conn.(driver.QueryerContext)
	if !ok {
		return 0, fmt.Errorf("database: driver does not support queries")
	}

	rows, err := q.QueryContext(ctx, lagQuery, nil)
	if err != nil {
		return 0, fmt.Errorf("database: lag query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	dest := make([]driver.Value, 1)
	if err := rows.Next(dest); err != nil {
		return 0, fmt.Errorf("database: lag query returned no rows: %w", err)
	}
	seconds, ok := dest[0].(float64)
	if !ok {
		return 0, fmt.Errorf("database: unexpected lag value %T", dest[0])
	}
	if seconds < 0 {
		seconds = 0
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// ReplicationLag is the health.LagFunc for Postgres pools.
func ReplicationLag(ctx context.Context, conn pool.Conn) (time.Duration, error) {
	pc, ok := conn.(*pgConn)
	if !ok {
		return 0, fmt.Errorf("database: connection is %T, not a postgres connection", conn)
	}
	return pc.ReplicationLag(ctx)
}
