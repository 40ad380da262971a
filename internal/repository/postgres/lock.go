package postgres

import (
	"commerce-assistant/internal/logger"
	"commerce-assistant/internal/repository/db"
	"context"
	"database/sql/driver"
	"time"

	"github.com/sirupsen/logrus"
)

var _ db.ConversationLocker = (*PostgresDB)(nil)

// lockNamespace is the first key of the two-key advisory lock, keeping
// conversation locks apart from any other advisory lock user
const lockNamespace = 7301

// LockConversation takes a session advisory lock keyed by the conversation
// id on a dedicated connection. The lock lives until release or until the
// connection drops.
func (p *PostgresDB) LockConversation(ctx context.Context, conversationID string) (func(), error) {
	conn, err := p.conn.Conn(ctx)
	if err != nil {
		return nil, wrap("LockConversation", err)
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1, hashtext($2))`, lockNamespace, conversationID); err != nil {
		conn.Close()
		return nil, wrap("LockConversation", err)
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1, hashtext($2))`, lockNamespace, conversationID); err != nil {
			logger.Degraded(logger.ForComponent("postgres").WithFields(logrus.Fields{
				"conversation": conversationID,
			}), "advisory_unlock", wrap("LockConversation", err))
			// drop the session so the server releases the lock
			_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		}
		conn.Close()
	}, nil
}
