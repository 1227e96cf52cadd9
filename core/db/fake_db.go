package db

import (
	"database/sql"
	"fmt"
	"time"
)

// Row shapes for seeding the fake.  Fields mirror the column order of the
// real queries.

type FakeSale struct {
	Reference         string
	PurchaseReference string
	BuyerUID          int64
	SellerUID         int64
	Type              string
	Item              string
	RecurringPrice    float64
	RebillFrequency   string
	PayableDate       int64 // unix milliseconds
	CancelledTS       int64 // unix milliseconds, 0 while active
}

type FakeUser struct {
	UID          int64
	Email        string
	Name         string
	Confirmed    bool
	Suspended    bool
	NoNewsletter bool
	Campaign     string
	Source       string
}

type FakeBlock struct {
	ID   int64
	Data sql.NullString
}

type saleScanner struct {
	sales []FakeSale
	index int
}

func (s *saleScanner) Next() bool {
	s.index++
	return s.index < len(s.sales)
}

func (s *saleScanner) NextResultSet() bool { return true }

func (s *saleScanner) Scan(v ...any) error {
	row := s.sales[s.index]
	*v[0].(*string) = row.Reference
	*v[1].(*string) = row.PurchaseReference
	*v[2].(*int64) = row.BuyerUID
	*v[3].(*int64) = row.SellerUID
	*v[4].(*string) = row.Item
	*v[5].(*float64) = row.RecurringPrice
	*v[6].(*string) = row.RebillFrequency
	*v[7].(*int64) = row.PayableDate
	*v[8].(*int64) = row.CancelledTS
	return nil
}

type credentialsScanner struct {
	users []FakeUser
	index int
}

func (s *credentialsScanner) Next() bool {
	s.index++
	return s.index < len(s.users)
}

func (s *credentialsScanner) NextResultSet() bool { return true }

func (s *credentialsScanner) Scan(v ...any) error {
	row := s.users[s.index]
	*v[0].(*int64) = row.UID
	*v[1].(*string) = row.Email
	*v[2].(*string) = row.Name
	return nil
}

type userScanner struct {
	users []FakeUser
	index int
}

func (s *userScanner) Next() bool {
	s.index++
	return s.index < len(s.users)
}

func (s *userScanner) NextResultSet() bool { return true }

func (s *userScanner) Scan(v ...any) error {
	row := s.users[s.index]
	*v[0].(*int64) = row.UID
	*v[1].(*string) = row.Email
	*v[2].(*string) = row.Name
	*v[3].(*bool) = row.Confirmed
	*v[4].(*bool) = row.Suspended
	*v[5].(*bool) = row.NoNewsletter
	*v[6].(*string) = row.Campaign
	*v[7].(*string) = row.Source
	return nil
}

type ledgerScanner struct {
	uids     []int64
	balances []float64
	index    int
}

func (s *ledgerScanner) Next() bool {
	s.index++
	return s.index < len(s.uids)
}

func (s *ledgerScanner) NextResultSet() bool { return true }

func (s *ledgerScanner) Scan(v ...any) error {
	*v[0].(*int64) = s.uids[s.index]
	*v[1].(*float64) = s.balances[s.index]
	return nil
}

type blockScanner struct {
	blocks []FakeBlock
	index  int
}

func (s *blockScanner) Next() bool {
	s.index++
	return s.index < len(s.blocks)
}

func (s *blockScanner) NextResultSet() bool { return true }

func (s *blockScanner) Scan(v ...any) error {
	row := s.blocks[s.index]
	*v[0].(*int64) = row.ID
	*v[1].(*sql.NullString) = row.Data
	return nil
}

// FakeDB implements the Database interface in memory and records every
// write so tests can assert on them.
type FakeDB struct {
	Sales    []FakeSale
	Users    []FakeUser
	Ledger   map[int64]float64
	Blocks   map[int64][]FakeBlock // keyed by blockRef
	Datasets map[string][]byte
	Head     int64 // current chain head blockID

	// Recorded writes, keyed by record reference where applicable.
	SaleDates       map[string]int64
	PurchaseDates   map[string]int64
	SaleCancels     map[string]int64
	PurchaseCancels map[string]int64
	DailyStats      [][]byte
	DatasetWrites   map[string][]byte
	Commits         int
}

func Fake() *FakeDB {
	return &FakeDB{
		Ledger:          map[int64]float64{},
		Blocks:          map[int64][]FakeBlock{},
		Datasets:        map[string][]byte{},
		SaleDates:       map[string]int64{},
		PurchaseDates:   map[string]int64{},
		SaleCancels:     map[string]int64{},
		PurchaseCancels: map[string]int64{},
		DatasetWrites:   map[string][]byte{},
	}
}

func (f *FakeDB) LoadRecurringSales() (Scanner, error) {
	recurring := make([]FakeSale, 0, len(f.Sales))
	for _, s := range f.Sales {
		if s.Type == "recurring" {
			recurring = append(recurring, s)
		}
	}
	return &saleScanner{sales: recurring, index: -1}, nil
}

func (f *FakeDB) LoadSale(reference string) (Scanner, error) {
	for _, s := range f.Sales {
		if s.Reference == reference {
			// Cancellations recorded during the test are visible on
			// re-read, like they would be in the real store.
			if ts, ok := f.SaleCancels[reference]; ok && s.CancelledTS == 0 {
				s.CancelledTS = ts
			}
			return &saleScanner{sales: []FakeSale{s}, index: -1}, nil
		}
	}
	return &saleScanner{sales: nil, index: -1}, nil
}

func (f *FakeDB) LoadCredentials(uid int64) (Scanner, error) {
	for _, u := range f.Users {
		if u.UID == uid {
			return &credentialsScanner{users: []FakeUser{u}, index: -1}, nil
		}
	}
	return &credentialsScanner{users: nil, index: -1}, nil
}

func (f *FakeDB) LoadUsers(startID, endID int64) (Scanner, error) {
	users := make([]FakeUser, 0, len(f.Users))
	for _, u := range f.Users {
		if u.UID >= startID && u.UID <= endID {
			users = append(users, u)
		}
	}
	return &userScanner{users: users, index: -1}, nil
}

func (f *FakeDB) NextUserID() (int64, error) {
	var maxID int64
	for _, u := range f.Users {
		if u.UID > maxID {
			maxID = u.UID
		}
	}
	return maxID + 1, nil
}

func (f *FakeDB) LoadLedger() (Scanner, error) {
	s := &ledgerScanner{index: -1}
	for uid, balance := range f.Ledger {
		s.uids = append(s.uids, uid)
		s.balances = append(s.balances, balance)
	}
	return s, nil
}

func (f *FakeDB) LoadBlocks(blockRef int64) (Scanner, error) {
	return &blockScanner{blocks: f.Blocks[blockRef], index: -1}, nil
}

func (f *FakeDB) BlockID() (int64, error) {
	return f.Head, nil
}

func (f *FakeDB) LoadDataset(name string) ([]byte, error) {
	data, ok := f.Datasets[name]
	if !ok {
		return nil, fmt.Errorf("no dataset named %q", name)
	}
	return data, nil
}

func (f *FakeDB) OpenTransaction() (Transaction, error) {
	return &fakeTx{db: f}, nil
}

type fakeTx struct {
	db *FakeDB
}

func (t *fakeTx) Commit() error {
	t.db.Commits++
	return nil
}

func (t *fakeTx) WriteSalePayableDate(reference string, payable time.Time) error {
	t.db.SaleDates[reference] = payable.UnixMilli()
	return nil
}

func (t *fakeTx) WritePurchasePayableDate(reference string, payable time.Time) error {
	t.db.PurchaseDates[reference] = payable.UnixMilli()
	return nil
}

func (t *fakeTx) WriteSaleCancelled(reference string, cancelled time.Time) error {
	t.db.SaleCancels[reference] = cancelled.UnixMilli()
	return nil
}

func (t *fakeTx) WritePurchaseCancelled(reference string, cancelled time.Time) error {
	t.db.PurchaseCancels[reference] = cancelled.UnixMilli()
	return nil
}

func (t *fakeTx) WriteDailyStats(ts time.Time, data []byte) error {
	t.db.DailyStats = append(t.db.DailyStats, data)
	return nil
}

func (t *fakeTx) WriteDataset(name string, data []byte) error {
	t.db.DatasetWrites[name] = data
	return nil
}
