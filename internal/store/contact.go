package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/matheus3301/setu/internal/errs"
)

// Record is a rendered contact ready to be cached.
type Record struct {
	ResourceID  string
	VCard       []byte
	DisplayName string
	Phones      []string
}

// Contact is a cached, decrypted contact.
type Contact struct {
	ResourceID  string
	ETag        string
	VCard       []byte
	DisplayName string
	Phones      []string // digits only
	UpdatedAt   time.Time
}

// Entry is the listing view of a contact; it needs no decryption.
type Entry struct {
	ResourceID string
	ETag       string
	UpdatedAt  time.Time
}

// payload is the sealed part of a contact row.
type payload struct {
	VCard       string   `json:"vcard"`
	DisplayName string   `json:"name,omitempty"`
	Phones      []string `json:"phones,omitempty"`
}

// Upsert writes one record outside a page transaction. It is the path live
// lookups take; new rows join the current sync generation.
func (db *DB) Upsert(ctx context.Context, r Record) (changed bool, err error) {
	err = db.withTx(ctx, func(tx *sql.Tx) error {
		var gen int64
		if err := tx.QueryRowContext(ctx, `SELECT generation FROM sync_state WHERE id = 1`).Scan(&gen); err != nil {
			return storageErr("read generation", err)
		}
		changed, err = db.upsertTx(ctx, tx, r, gen)
		return err
	})
	return changed, err
}

// MarkDeleted tombstones a contact. Unknown or already deleted ids are a no-op.
func (db *DB) MarkDeleted(ctx context.Context, resourceID string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := db.markDeletedTx(ctx, tx, resourceID)
		return err
	})
}

// upsertTx inserts or updates one row. Content is compared by keyed
// fingerprint: an identical record only refreshes the sync generation and
// keeps its etag, anything else takes a fresh etag from the change sequence.
func (db *DB) upsertTx(ctx context.Context, tx *sql.Tx, r Record, gen int64) (bool, error) {
	if r.ResourceID == "" {
		return false, fmt.Errorf("%w: record without resource id", errs.ErrMalformedInput)
	}
	fp := db.sealer.Fingerprint(r.VCard)

	var (
		oldFP   string
		deleted bool
	)
	err := tx.QueryRowContext(ctx,
		`SELECT fingerprint, deleted FROM contacts WHERE resource_id = ?`, r.ResourceID).Scan(&oldFP, &deleted)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return false, storageErr("read contact", err)
	case oldFP == fp && !deleted:
		if _, err := tx.ExecContext(ctx,
			`UPDATE contacts SET sync_gen = ? WHERE resource_id = ?`, gen, r.ResourceID); err != nil {
			return false, storageErr("touch contact", err)
		}
		return false, nil
	}

	sealed, err := db.seal(r)
	if err != nil {
		return false, err
	}
	seq, err := nextSeq(ctx, tx)
	if err != nil {
		return false, err
	}
	etag := fmt.Sprintf("%d-%s", seq, fp[:16])

	_, err = tx.ExecContext(ctx, `
		INSERT INTO contacts (resource_id, etag, revision, fingerprint, payload, updated_at, deleted, deleted_at, sync_gen)
		VALUES (?, ?, ?, ?, ?, ?, 0, NULL, ?)
		ON CONFLICT(resource_id) DO UPDATE SET
			etag = excluded.etag,
			revision = excluded.revision,
			fingerprint = excluded.fingerprint,
			payload = excluded.payload,
			updated_at = excluded.updated_at,
			deleted = 0,
			deleted_at = NULL,
			sync_gen = excluded.sync_gen`,
		r.ResourceID, etag, seq, fp, sealed, db.now().UnixMilli(), gen)
	if err != nil {
		return false, storageErr("upsert contact", err)
	}
	return true, nil
}

func (db *DB) markDeletedTx(ctx context.Context, tx *sql.Tx, resourceID string) (bool, error) {
	var deleted bool
	err := tx.QueryRowContext(ctx,
		`SELECT deleted FROM contacts WHERE resource_id = ?`, resourceID).Scan(&deleted)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && deleted) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("read contact", err)
	}

	seq, err := nextSeq(ctx, tx)
	if err != nil {
		return false, err
	}
	now := db.now().UnixMilli()
	// The payload is dropped; a tombstone only keeps what listings need.
	_, err = tx.ExecContext(ctx, `
		UPDATE contacts SET deleted = 1, deleted_at = ?, updated_at = ?, revision = ?,
			etag = ?, fingerprint = '', payload = X''
		WHERE resource_id = ?`,
		now, now, seq, fmt.Sprintf("%d-deleted", seq), resourceID)
	if err != nil {
		return false, storageErr("tombstone contact", err)
	}
	return true, nil
}

// Get returns a live contact. Tombstoned and unknown ids are errs.ErrNotFound.
func (db *DB) Get(ctx context.Context, resourceID string) (*Contact, error) {
	var (
		c       Contact
		sealed  []byte
		updated int64
	)
	err := db.QueryRowContext(ctx, `
		SELECT resource_id, etag, payload, updated_at FROM contacts
		WHERE resource_id = ? AND deleted = 0`, resourceID).
		Scan(&c.ResourceID, &c.ETag, &sealed, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get contact", err)
	}
	if err := db.open(&c, sealed); err != nil {
		return nil, err
	}
	c.UpdatedAt = time.UnixMilli(updated)
	return &c, nil
}

// List returns every live contact ordered by resource id.
func (db *DB) List(ctx context.Context) ([]Contact, error) {
	return db.scanContacts(ctx, func(*Contact) bool { return true })
}

// Index lists resource ids and etags of live contacts without decrypting.
func (db *DB) Index(ctx context.Context) ([]Entry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT resource_id, etag, updated_at FROM contacts
		WHERE deleted = 0 ORDER BY resource_id`)
	if err != nil {
		return nil, storageErr("list contacts", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			updated int64
		)
		if err := rows.Scan(&e.ResourceID, &e.ETag, &updated); err != nil {
			return nil, storageErr("scan contact", err)
		}
		e.UpdatedAt = time.UnixMilli(updated)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list contacts", err)
	}
	return out, nil
}

// FindByPhoneContains returns live contacts having a phone number whose
// digits contain the digits of query. Payloads are encrypted, so this is a
// linear scan. A query without digits matches nothing.
func (db *DB) FindByPhoneContains(ctx context.Context, query string) ([]Contact, error) {
	digits := NormalizeDigits(query)
	if digits == "" {
		return nil, nil
	}
	return db.scanContacts(ctx, func(c *Contact) bool {
		for _, p := range c.Phones {
			if strings.Contains(p, digits) {
				return true
			}
		}
		return false
	})
}

// Count returns the number of live contacts.
func (db *DB) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM contacts WHERE deleted = 0`).Scan(&n); err != nil {
		return 0, storageErr("count contacts", err)
	}
	return n, nil
}

// Compact physically removes tombstones older than olderThan and returns how
// many were removed.
func (db *DB) Compact(ctx context.Context, olderThan time.Time) (int64, error) {
	var n int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM contacts WHERE deleted = 1 AND deleted_at < ?`, olderThan.UnixMilli())
		if err != nil {
			return storageErr("compact", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

func (db *DB) scanContacts(ctx context.Context, keep func(*Contact) bool) ([]Contact, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT resource_id, etag, payload, updated_at FROM contacts
		WHERE deleted = 0 ORDER BY resource_id`)
	if err != nil {
		return nil, storageErr("list contacts", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Contact
	for rows.Next() {
		var (
			c       Contact
			sealed  []byte
			updated int64
		)
		if err := rows.Scan(&c.ResourceID, &c.ETag, &sealed, &updated); err != nil {
			return nil, storageErr("scan contact", err)
		}
		if err := db.open(&c, sealed); err != nil {
			return nil, err
		}
		c.UpdatedAt = time.UnixMilli(updated)
		if keep(&c) {
			out = append(out, c)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list contacts", err)
	}
	return out, nil
}

func (db *DB) seal(r Record) ([]byte, error) {
	phones := make([]string, 0, len(r.Phones))
	for _, p := range r.Phones {
		if d := NormalizeDigits(p); d != "" {
			phones = append(phones, d)
		}
	}
	plain, err := json.Marshal(payload{VCard: string(r.VCard), DisplayName: r.DisplayName, Phones: phones})
	if err != nil {
		return nil, err
	}
	sealed, err := db.sealer.Seal(plain, []byte(r.ResourceID))
	if err != nil {
		return nil, storageErr("seal payload", err)
	}
	return sealed, nil
}

func (db *DB) open(c *Contact, sealed []byte) error {
	plain, err := db.sealer.Open(sealed, []byte(c.ResourceID))
	if err != nil {
		return storageErr("open payload of "+c.ResourceID, err)
	}
	var p payload
	if err := json.Unmarshal(plain, &p); err != nil {
		return storageErr("decode payload of "+c.ResourceID, err)
	}
	c.VCard = []byte(p.VCard)
	c.DisplayName = p.DisplayName
	c.Phones = p.Phones
	return nil
}

// NormalizeDigits keeps only ASCII digits.
func NormalizeDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
