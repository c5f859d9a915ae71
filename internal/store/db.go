// Package store is the encrypted contact cache: one SQLite file holding the
// contacts table and the sync cursor.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/setu/internal/cryptox"
	"github.com/matheus3301/setu/internal/errs"
	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection for contacts.db. Payloads and the cursor
// tokens are sealed with the sealer before they reach disk.
type DB struct {
	*sql.DB
	sealer *cryptox.Sealer
	now    func() time.Time

	// writeMu serializes write transactions so page applies and live lookup
	// upserts queue up instead of failing SQLite lock upgrades.
	writeMu sync.Mutex
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string, sealer *cryptox.Sealer) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("%w: open db: %v", errs.ErrStorage, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping db: %v", errs.ErrStorage, err)
	}
	return &DB{DB: db, sealer: sealer, now: time.Now}, nil
}

func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return storageErr("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit", err)
	}
	return nil
}

// nextSeq bumps the store-wide change sequence. It only ever grows, so it
// doubles as the collection ctag and as the revision part of etags.
func nextSeq(ctx context.Context, tx *sql.Tx) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx,
		`UPDATE sync_state SET change_seq = change_seq + 1 WHERE id = 1 RETURNING change_seq`).Scan(&seq)
	if err != nil {
		return 0, storageErr("bump change_seq", err)
	}
	return seq, nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", errs.ErrStorage, op, err)
}
