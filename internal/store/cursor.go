package store

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

var cursorAAD = []byte("sync_state/cursor")

// Cursor is the persisted position of the sync engine.
//
// SyncToken is the token every request of the current listing is made with;
// it is empty during a full listing. PageToken is set while a listing is in
// progress. Generation numbers full listings; rows seen by the current one
// carry it, which is how the closing sweep finds rows that disappeared.
type Cursor struct {
	SyncToken  string
	PageToken  string
	Generation int64
	LastSyncAt time.Time
}

// FullListing reports whether requests under this cursor list everything.
func (c Cursor) FullListing() bool { return c.SyncToken == "" }

// InProgress reports whether a listing was interrupted between pages.
func (c Cursor) InProgress() bool { return c.PageToken != "" }

type cursorTokens struct {
	SyncToken string `json:"sync_token,omitempty"`
	PageToken string `json:"page_token,omitempty"`
}

// Page is one remote page worth of changes plus the cursor to persist with it.
type Page struct {
	Upserts []Record
	Deletes []string
	Cursor  Cursor
	// Sweep tombstones every live row whose generation differs from
	// Cursor.Generation. Set on the last page of a full listing.
	Sweep bool
}

// PageResult counts what ApplyPage did.
type PageResult struct {
	Upserted  int
	Unchanged int
	Deleted   int
	Swept     int
}

// GetCursor returns the stored cursor. A fresh database yields the zero
// cursor, which forces a full listing.
func (db *DB) GetCursor(ctx context.Context) (Cursor, error) {
	var (
		sealed   []byte
		c        Cursor
		lastSync int64
	)
	err := db.QueryRowContext(ctx,
		`SELECT cursor, generation, last_sync_at FROM sync_state WHERE id = 1`).
		Scan(&sealed, &c.Generation, &lastSync)
	if err != nil {
		return Cursor{}, storageErr("read cursor", err)
	}
	if lastSync > 0 {
		c.LastSyncAt = time.UnixMilli(lastSync)
	}
	if len(sealed) == 0 {
		return c, nil
	}

	plain, err := db.sealer.Open(sealed, cursorAAD)
	if err != nil {
		return Cursor{}, storageErr("open cursor", err)
	}
	var t cursorTokens
	if err := json.Unmarshal(plain, &t); err != nil {
		return Cursor{}, storageErr("decode cursor", err)
	}
	c.SyncToken, c.PageToken = t.SyncToken, t.PageToken
	return c, nil
}

// ApplyPage writes the page's upserts, deletes, the optional sweep and the
// new cursor in one transaction. Either all of it lands or none of it.
func (db *DB) ApplyPage(ctx context.Context, p Page) (PageResult, error) {
	var res PageResult
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		for _, r := range p.Upserts {
			changed, err := db.upsertTx(ctx, tx, r, p.Cursor.Generation)
			if err != nil {
				return err
			}
			if changed {
				res.Upserted++
			} else {
				res.Unchanged++
			}
		}
		for _, id := range p.Deletes {
			deleted, err := db.markDeletedTx(ctx, tx, id)
			if err != nil {
				return err
			}
			if deleted {
				res.Deleted++
			}
		}
		if p.Sweep {
			n, err := db.sweepTx(ctx, tx, p.Cursor.Generation)
			if err != nil {
				return err
			}
			res.Swept = n
		}
		return db.setCursorTx(ctx, tx, p.Cursor)
	})
	if err != nil {
		return PageResult{}, err
	}
	return res, nil
}

func (db *DB) sweepTx(ctx context.Context, tx *sql.Tx, gen int64) (int, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT resource_id FROM contacts WHERE deleted = 0 AND sync_gen != ?`, gen)
	if err != nil {
		return 0, storageErr("sweep scan", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, storageErr("sweep scan", err)
		}
		stale = append(stale, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, storageErr("sweep scan", err)
	}

	for _, id := range stale {
		if _, err := db.markDeletedTx(ctx, tx, id); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

func (db *DB) setCursorTx(ctx context.Context, tx *sql.Tx, c Cursor) error {
	plain, err := json.Marshal(cursorTokens{SyncToken: c.SyncToken, PageToken: c.PageToken})
	if err != nil {
		return err
	}
	sealed, err := db.sealer.Seal(plain, cursorAAD)
	if err != nil {
		return storageErr("seal cursor", err)
	}
	var lastSync int64
	if !c.LastSyncAt.IsZero() {
		lastSync = c.LastSyncAt.UnixMilli()
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE sync_state SET cursor = ?, generation = ?, last_sync_at = ? WHERE id = 1`,
		sealed, c.Generation, lastSync)
	if err != nil {
		return storageErr("write cursor", err)
	}
	return nil
}

// CTag returns the collection tag: the change sequence, which grows on every
// content change, tombstone included.
func (db *DB) CTag(ctx context.Context) (string, error) {
	var seq int64
	if err := db.QueryRowContext(ctx, `SELECT change_seq FROM sync_state WHERE id = 1`).Scan(&seq); err != nil {
		return "", storageErr("read change_seq", err)
	}
	return strconv.FormatInt(seq, 10), nil
}
