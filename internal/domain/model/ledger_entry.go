package model

import "time"

// LedgerEntry is one row of the messages_sent ledger: a durable record that
// a result with this content hash has already been published for the given
// source and type. Rows are inserted on first successful publish, deleted by
// the retention sweeper, and never updated.
type LedgerEntry struct {
	Hash      string    `db:"hash"`
	Source    string    `db:"source"`
	Type      string    `db:"type"`
	Schema    string    `db:"schema"`
	MessageID string    `db:"message_id"`
	CreatedAt time.Time `db:"created_at"`
}
