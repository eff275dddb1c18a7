// Package verifydb keeps a history of verification results in a bstore database.
package verifydb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/mjl-/bstore"

	"github.com/mjl-/mailverify/buildinfo"
	"github.com/mjl-/mailverify/dns"
	"github.com/mjl-/mailverify/mlog"
	"github.com/mjl-/mailverify/verify"
)

// Record is a stored verification result.
type Record struct {
	ID        int64
	Time      time.Time `bstore:"default now"`
	Recipient string    `bstore:"index"` // Normalized, see NormalizeAddress.
	Domain    string    `bstore:"index"` // Lower-case ASCII domain of recipient, or empty for syntax failures.
	Sender    string
	Valid     bool
	Failure   string
	Host      string
	Code      int
	Line      string
	Error     string
	Duration  time.Duration
}

// DB is an opened history database.
type DB struct {
	db  *bstore.DB
	log mlog.Log
}

// Filename is the name of the database file within the data directory.
const Filename = "verify.db"

// Open opens or creates the history database in dataDir.
func Open(ctx context.Context, elog *slog.Logger, dataDir string) (*DB, error) {
	log := mlog.New("verifydb", elog)
	p := filepath.Join(dataDir, Filename)
	if err := os.MkdirAll(filepath.Dir(p), 0770); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	db, err := bstore.Open(ctx, p, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660, RegisterLogger: buildinfo.RegisterLogger(p, log.Logger)}, Record{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	log.Debug("opened history database", slog.String("path", p))
	return &DB{db, log}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// NormalizeAddress returns address with its local part in NFC form and its
// domain in lower-case ASCII. Addresses without a valid domain are only
// NFC-normalized, and the returned domain is empty.
func NormalizeAddress(address string) (normalized, domain string) {
	address = norm.NFC.String(strings.TrimSpace(address))
	i := strings.LastIndexByte(address, '@')
	if i < 0 {
		return address, ""
	}
	d, err := dns.ParseDomain(address[i+1:])
	if err != nil {
		return address, ""
	}
	return address[:i+1] + d.ASCII, d.ASCII
}

// Add stores the result of verifying recipient with sender.
func (d *DB) Add(ctx context.Context, recipient, sender string, r verify.Result) (Record, error) {
	rcpt, domain := NormalizeAddress(recipient)
	record := Record{
		Time:      time.Now(),
		Recipient: rcpt,
		Domain:    domain,
		Sender:    sender,
		Valid:     r.Valid,
		Failure:   string(r.Failure),
		Host:      r.Host,
		Code:      r.Code,
		Line:      r.Line,
		Duration:  r.Duration,
	}
	if r.Err != nil {
		record.Error = r.Err.Error()
	}
	if err := d.db.Insert(ctx, &record); err != nil {
		return Record{}, fmt.Errorf("inserting record: %w", err)
	}
	d.log.Debug("stored verification result", slog.Int64("id", record.ID), slog.String("recipient", rcpt))
	return record, nil
}

// ErrLimit is returned by List for a negative limit.
var ErrLimit = errors.New("limit must not be negative")

// List returns records, newest first. If recipient is not empty, only records
// for that address are returned. A limit of 0 returns all matching records.
func (d *DB) List(ctx context.Context, recipient string, limit int) ([]Record, error) {
	if limit < 0 {
		return nil, ErrLimit
	}
	var l []Record
	err := d.db.Read(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[Record](tx)
		if recipient != "" {
			rcpt, _ := NormalizeAddress(recipient)
			q.FilterNonzero(Record{Recipient: rcpt})
		}
		q.SortDesc("ID")
		if limit > 0 {
			q.Limit(limit)
		}
		var err error
		l, err = q.List()
		return err
	})
	return l, err
}

// Get returns the record by ID.
func (d *DB) Get(ctx context.Context, id int64) (Record, error) {
	r := Record{ID: id}
	err := d.db.Get(ctx, &r)
	return r, err
}
