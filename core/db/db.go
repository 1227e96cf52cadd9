// Package db provides a wrapper around the sqlite record store.
//
// It is intended to provide application specific commands for the scheduled
// jobs.  Query semantics live here so everything above it can be tested
// against fakes.
package db

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// The Database interface allows us to create test doubles that don't need
// to write to a real database.
type Database interface {
	LoadRecurringSales() (Scanner, error)
	LoadSale(reference string) (Scanner, error)
	LoadCredentials(uid int64) (Scanner, error)
	LoadUsers(startID, endID int64) (Scanner, error)
	NextUserID() (int64, error)
	LoadLedger() (Scanner, error)
	LoadBlocks(blockRef int64) (Scanner, error)
	BlockID() (int64, error)
	LoadDataset(name string) ([]byte, error)
	OpenTransaction() (Transaction, error)
}

// Scanner for mocking
type Scanner interface {
	Next() bool
	Scan(v ...any) error
	NextResultSet() bool
}

type DB struct {
	db *sql.DB
}

func Open(dbFile string) (*DB, error) {
	db, err := sql.Open("sqlite", dbFile)
	if err != nil {
		return nil, err
	}
	return &DB{
		db: db,
	}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

const saleColumns = `reference, purchaseReference, buyerUID, sellerUID, item,
	recurringPrice, rebillFrequency, payableDate, COALESCE(cancelledTS, 0)`

// Returns every sale record of the recurring type, cancelled or not.  The
// billing sweep filters on cancellation itself so that the check happens
// as close to processing as possible.
func (d *DB) LoadRecurringSales() (Scanner, error) {
	return d.db.Query(`SELECT ` + saleColumns + ` FROM sales WHERE type = 'recurring';`)
}

// Returns the sale record for the given reference.  It is expected that
// this returns either 0 or 1 row.
func (d *DB) LoadSale(reference string) (Scanner, error) {
	return d.db.Query(`SELECT `+saleColumns+` FROM sales WHERE reference = ?;`, reference)
}

// Returns the credential fields needed to address a user on the transfer
// API and by email.
func (d *DB) LoadCredentials(uid int64) (Scanner, error) {
	return d.db.Query(`SELECT uid, email, name FROM users WHERE uid = ?;`, uid)
}

// Returns the full profile rows for users with startID <= uid <= endID.
func (d *DB) LoadUsers(startID, endID int64) (Scanner, error) {
	return d.db.Query(`
	SELECT uid, email, name, confirmed, suspended, noNewsletter, campaign, source
	FROM users
	WHERE uid BETWEEN ? AND ?
	ORDER BY uid;`, startID, endID)
}

// NextUserID returns the id the next signup would be assigned.
func (d *DB) NextUserID() (int64, error) {
	var next int64
	err := d.db.QueryRow(`SELECT COALESCE(MAX(uid), 0) + 1 FROM users;`).Scan(&next)
	return next, err
}

func (d *DB) LoadLedger() (Scanner, error) {
	return d.db.Query(`SELECT uid, balance FROM ledger ORDER BY uid;`)
}

// Returns (blockID, data) rows for one chain bucket in block order.  data
// is NULL for pruned blocks.
func (d *DB) LoadBlocks(blockRef int64) (Scanner, error) {
	return d.db.Query(`SELECT blockID, data FROM blocks WHERE blockRef = ? ORDER BY blockID;`, blockRef)
}

func (d *DB) BlockID() (int64, error) {
	var id int64
	err := d.db.QueryRow(`SELECT blockID FROM chain WHERE id = 0;`).Scan(&id)
	return id, err
}

func (d *DB) LoadDataset(name string) ([]byte, error) {
	var data []byte
	err := d.db.QueryRow(`SELECT data FROM datasets WHERE name = ?;`, name).Scan(&data)
	return data, err
}

func (d *DB) OpenTransaction() (Transaction, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

// Again, the interface is for test doubles.
type Transaction interface {
	Commit() error
	WriteSalePayableDate(reference string, payable time.Time) error
	WritePurchasePayableDate(reference string, payable time.Time) error
	WriteSaleCancelled(reference string, cancelled time.Time) error
	WritePurchaseCancelled(reference string, cancelled time.Time) error
	WriteDailyStats(ts time.Time, data []byte) error
	WriteDataset(name string, data []byte) error
}

type Tx struct {
	tx *sql.Tx
}

func (t *Tx) Commit() error {
	return t.tx.Commit()
}

func (t *Tx) WriteSalePayableDate(reference string, payable time.Time) error {
	_, err := t.tx.Exec(`UPDATE sales SET payableDate = ? WHERE reference = ?;`, payable.UnixMilli(), reference)
	return err
}

func (t *Tx) WritePurchasePayableDate(reference string, payable time.Time) error {
	_, err := t.tx.Exec(`UPDATE purchases SET payableDate = ? WHERE reference = ?;`, payable.UnixMilli(), reference)
	return err
}

func (t *Tx) WriteSaleCancelled(reference string, cancelled time.Time) error {
	_, err := t.tx.Exec(`UPDATE sales SET cancelledTS = ? WHERE reference = ?;`, cancelled.UnixMilli(), reference)
	return err
}

func (t *Tx) WritePurchaseCancelled(reference string, cancelled time.Time) error {
	_, err := t.tx.Exec(`UPDATE purchases SET cancelledTS = ? WHERE reference = ?;`, cancelled.UnixMilli(), reference)
	return err
}

func (t *Tx) WriteDailyStats(ts time.Time, data []byte) error {
	_, err := t.tx.Exec(`INSERT INTO dailyStats (ts, data) VALUES (?, ?);`, ts.UnixMilli(), data)
	return err
}

func (t *Tx) WriteDataset(name string, data []byte) error {
	_, err := t.tx.Exec(`
	INSERT INTO datasets (name, data) VALUES (?, ?)
	ON CONFLICT (name) DO UPDATE SET data = excluded.data;`, name, data)
	return err
}
