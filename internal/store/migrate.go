package store

import (
	"fmt"
	"strings"
)

// columnInfo mirrors one row of PRAGMA table_info
type columnInfo struct {
	CID     int     `db:"cid"`
	Name    string  `db:"name"`
	Type    string  `db:"type"`
	NotNull int     `db:"notnull"`
	Default *string `db:"dflt_value"`
	PK      int     `db:"pk"`
}

// migrateLegacy rebuilds the messages table if it still uses the original
// layout (INTEGER id, no conversation_id column). The rebuild copies every
// row with the id re-typed to TEXT, verifies row-count parity between old
// and new tables, and only then swaps them. Any failure rolls the whole
// transaction back and leaves the original table untouched.
func (s *Store) migrateLegacy() error {
	columns, err := s.tableColumns("messages")
	if err != nil {
		return err
	}
	if len(columns) == 0 {
		// Fresh database, nothing to migrate
		return nil
	}

	if !isLegacyLayout(columns) {
		return nil
	}

	s.logger.Warn("Legacy message table layout detected, rebuilding")

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin migration transaction: %w", err)
	}
	defer tx.Rollback()

	create := `
		CREATE TABLE messages_v2 (
		    id TEXT PRIMARY KEY,
		    conversation_id TEXT NOT NULL DEFAULT '',
		    received_at TEXT NOT NULL,
		    ingested_at TEXT NOT NULL,
		    sender TEXT NOT NULL,
		    recipients TEXT NOT NULL,
		    cc TEXT,
		    subject TEXT NOT NULL DEFAULT '',
		    tags TEXT NOT NULL DEFAULT '[]',
		    body TEXT NOT NULL DEFAULT ''
		)
	`
	if _, err := tx.Exec(create); err != nil {
		return fmt.Errorf("failed to create replacement table: %w", err)
	}

	// Older builds may predate the conversation_id column entirely
	conversationExpr := "''"
	if hasColumn(columns, "conversation_id") {
		conversationExpr = "conversation_id"
	}

	copyStmt := fmt.Sprintf(`
		INSERT INTO messages_v2 (id, conversation_id, received_at, ingested_at, sender, recipients, cc, subject, tags, body)
		SELECT CAST(id AS TEXT), %s, received_at, ingested_at, sender, recipients, cc, subject, tags, body
		FROM messages
	`, conversationExpr)
	if _, err := tx.Exec(copyStmt); err != nil {
		return fmt.Errorf("failed to copy rows: %w", err)
	}

	// Row-count parity check before committing to the new layout
	var oldCount, newCount int
	if err := tx.QueryRow("SELECT COUNT(*) FROM messages").Scan(&oldCount); err != nil {
		return fmt.Errorf("failed to count original rows: %w", err)
	}
	if err := tx.QueryRow("SELECT COUNT(*) FROM messages_v2").Scan(&newCount); err != nil {
		return fmt.Errorf("failed to count migrated rows: %w", err)
	}
	if oldCount != newCount {
		return fmt.Errorf("migration row count mismatch: %d original, %d migrated", oldCount, newCount)
	}

	if _, err := tx.Exec("DROP TABLE messages"); err != nil {
		return fmt.Errorf("failed to drop legacy table: %w", err)
	}
	if _, err := tx.Exec("ALTER TABLE messages_v2 RENAME TO messages"); err != nil {
		return fmt.Errorf("failed to rename replacement table: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	s.logger.WithField("rows", newCount).Info("Migrated legacy message table")
	return nil
}

// tableColumns returns the column descriptions for a table, or an empty
// slice if the table does not exist
func (s *Store) tableColumns(table string) ([]columnInfo, error) {
	var columns []columnInfo
	rows, err := s.db.Queryx(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var col columnInfo
		if err := rows.StructScan(&col); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		columns = append(columns, col)
	}

	return columns, rows.Err()
}

// isLegacyLayout reports whether the column set matches the pre-rebuild
// layout: a numeric id column or a missing conversation_id column
func isLegacyLayout(columns []columnInfo) bool {
	hasConversation := false
	numericID := false

	for _, col := range columns {
		switch col.Name {
		case "conversation_id":
			hasConversation = true
		case "id":
			if strings.EqualFold(col.Type, "INTEGER") {
				numericID = true
			}
		}
	}

	return numericID || !hasConversation
}

// hasColumn reports whether a column with the given name exists
func hasColumn(columns []columnInfo, name string) bool {
	for _, col := range columns {
		if col.Name == name {
			return true
		}
	}
	return false
}
