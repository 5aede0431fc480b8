package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ChannelOutbound carries outbound.message events between processes.
const ChannelOutbound = "madoguchi_outbound"

// maxNotifyPayload is Postgres's limit on a NOTIFY payload, in bytes.
const maxNotifyPayload = 8000

var (
	// ErrNoNotifyConn is returned by Listen and WaitForNotification when the
	// DB was opened without a notify DSN.
	ErrNoNotifyConn = errors.New("storage: notify connection not configured")

	// ErrPayloadTooLarge is returned by Notify for payloads Postgres would
	// reject.
	ErrPayloadTooLarge = errors.New("storage: notify payload too large")
)

// Listen subscribes the notify connection to channel. A connection that
// has been closed, for example by a server restart, is replaced first, so a
// caller recovering from WaitForNotification errors only needs to Listen
// again.
func (db *DB) Listen(ctx context.Context, channel string) error {
	conn, err := db.listenConn(ctx)
	if err != nil {
		return err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

func (db *DB) listenConn(ctx context.Context) (*pgx.Conn, error) {
	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()
	if db.notifyCfg == nil {
		return nil, ErrNoNotifyConn
	}
	if db.notifyConn != nil && !db.notifyConn.IsClosed() {
		return db.notifyConn, nil
	}
	conn, err := pgx.ConnectConfig(ctx, db.notifyCfg.Copy())
	if err != nil {
		return nil, fmt.Errorf("storage: reconnect notify: %w", err)
	}
	if db.notifyConn != nil {
		db.logger.Info("storage: notify connection re-established")
	}
	db.notifyConn = conn
	return conn, nil
}

// WaitForNotification blocks until a notification arrives on a listened
// channel and returns its channel and payload.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	db.notifyMu.Lock()
	conn := db.notifyConn
	db.notifyMu.Unlock()
	if conn == nil {
		return "", "", ErrNoNotifyConn
	}
	n, err := conn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return n.Channel, n.Payload, nil
}

// Notify publishes payload on channel through the pool, so it works with or
// without a listen connection.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	if len(payload) >= maxNotifyPayload {
		return fmt.Errorf("%w: %d bytes on %s", ErrPayloadTooLarge, len(payload), channel)
	}
	if _, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}
