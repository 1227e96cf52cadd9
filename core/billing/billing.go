// Package billing implements the recurring subscription billing engine.
//
// Once a day, shortly after midday, the engine sweeps every recurring sale
// record.  Subscriptions falling due within 24 hours are debited through
// the transfer API; those due the day after get a warning email.  Attempts
// within one sweep are staggered 30 seconds apart so the same funds source
// is never debited twice under load.  A failed debit is terminal: the
// subscription is cancelled rather than retried against a failing payment
// source.
package billing

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"schedule/core"
	"schedule/core/db"
	"schedule/notify"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sweeps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "billing_sweeps_total",
		Help: "Number of midday subscription sweeps run",
	})
	attempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "billing_attempts_total",
		Help: "Number of billing attempts processed",
	})
	renewals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "billing_renewals_total",
		Help: "Number of subscriptions renewed",
	})
	cancellations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "billing_cancellations_total",
		Help: "Number of subscriptions cancelled after a failed debit",
	})
	dueNotices = promauto.NewCounter(prometheus.CounterOpts{
		Name: "billing_due_notices_total",
		Help: "Number of due-tomorrow notices sent",
	})
	frequencyErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "billing_frequency_errors_total",
		Help: "Number of renewals skipped over an unrecognized rebill frequency",
	})
)

// Stagger is the spacing between two billing attempts in one sweep.  It
// must stay larger than one end-to-end attempt, because this spacing is
// the only thing preventing concurrent debits of the same funds source.
const Stagger = 30 * time.Second

// Sale is the scheduler's view of a recurring sale record.
type Sale struct {
	Reference         string
	PurchaseReference string
	BuyerUID          int64
	SellerUID         int64
	Item              string
	RecurringPrice    float64
	RebillFrequency   string
	PayableDate       time.Time
	CancelledTS       time.Time // zero while the subscription is active
}

func (s *Sale) Cancelled() bool {
	return !s.CancelledTS.IsZero()
}

func scanSale(row db.Scanner) (*Sale, error) {
	s := &Sale{}
	var payable, cancelled int64
	if err := row.Scan(&s.Reference, &s.PurchaseReference, &s.BuyerUID, &s.SellerUID,
		&s.Item, &s.RecurringPrice, &s.RebillFrequency, &payable, &cancelled); err != nil {
		return nil, err
	}
	s.PayableDate = time.UnixMilli(payable)
	if cancelled != 0 {
		s.CancelledTS = time.UnixMilli(cancelled)
	}
	return s, nil
}

// Credentials identify an account on the transfer API and by email.
type Credentials struct {
	UID   int64
	Email string
	Name  string
}

func loadCredentials(d db.Database, uid int64) (*Credentials, error) {
	rows, err := d.LoadCredentials(uid)
	if err != nil {
		return nil, err
	}
	// Drain the result set so its read statement is released; the store
	// rejects writes ("database is locked") while a read is still open.
	var c *Credentials
	for rows.Next() {
		got := &Credentials{}
		if err := rows.Scan(&got.UID, &got.Email, &got.Name); err != nil {
			return nil, err
		}
		c = got
	}
	if c == nil {
		return nil, fmt.Errorf("no credentials for uid %d", uid)
	}
	return c, nil
}

// TransferExecutor moves funds between two accounts.  It returns the raw
// JSON result from the transfer API; anything that does not decode to
// success 1 counts as a failed debit.
type TransferExecutor interface {
	Transfer(buyer, seller *Credentials, amount float64, memo string, isLoan bool) ([]byte, error)
}

type transferResult struct {
	Success int `json:"success"`
}

// Engine runs the midday sweep.  It implements core.Job.
type Engine struct {
	db       db.Database
	clock    core.Clock
	transfer TransferExecutor
	mailer   notify.Mailer
}

func NewEngine(d db.Database, clock core.Clock, transfer TransferExecutor, mailer notify.Mailer) *Engine {
	return &Engine{
		db:       d,
		clock:    clock,
		transfer: transfer,
		mailer:   mailer,
	}
}

func (e *Engine) ID() string {
	return "subscriptions"
}

func (e *Engine) At() core.TimeOfDay {
	return core.TimeOfDay{Hour: 12}
}

// Run performs one sweep: bucket every active recurring sale into due-now
// and due-tomorrow, schedule staggered attempts for the former and send a
// single notice for the latter.
func (e *Engine) Run() error {
	sweeps.Inc()
	now := e.clock.Now()
	rows, err := e.db.LoadRecurringSales()
	if err != nil {
		return err
	}
	var sales []*Sale
	for rows.Next() {
		s, err := scanSale(rows)
		if err != nil {
			slog.Warn(fmt.Sprintf("error loading sale record: %v", err))
			continue
		}
		sales = append(sales, s)
	}
	p := buildPlan(now, sales)
	slog.Info(fmt.Sprintf("subscription sweep: %d due, %d due tomorrow", len(p.due), len(p.dueSoon)))
	for _, a := range p.due {
		go e.attemptAfter(a.sale.Reference, a.delay)
	}
	for _, s := range p.dueSoon {
		e.sendDueNotice(s)
	}
	return nil
}

type attempt struct {
	sale  *Sale
	delay time.Duration
}

type plan struct {
	due     []attempt
	dueSoon []*Sale
}

// buildPlan buckets sales by their payable date.  The first attempt is
// scheduled 1ms out and each later one 30s after the previous, so within a
// sweep only one subscription is ever in flight at a time.  Daily
// subscriptions get no due-tomorrow notice: they would receive one every
// single day.
func buildPlan(now time.Time, sales []*Sale) plan {
	var p plan
	delay := time.Millisecond
	for _, s := range sales {
		if s.Cancelled() {
			continue
		}
		switch {
		case s.PayableDate.Before(now.Add(24 * time.Hour)):
			p.due = append(p.due, attempt{sale: s, delay: delay})
			delay += Stagger
		case s.PayableDate.Before(now.Add(48*time.Hour)) && s.RebillFrequency != FreqDaily:
			p.dueSoon = append(p.dueSoon, s)
		}
	}
	return p
}

func (e *Engine) attemptAfter(reference string, delay time.Duration) {
	<-e.clock.After(delay)
	if err := e.Process(reference); err != nil {
		slog.Error(fmt.Sprintf("error processing subscription ref %s: %v", reference, err))
	}
}

// Process runs one billing attempt.  The outcome is a terminal transition
// for this cycle: either the payable date advances one rebill period, or
// the subscription is cancelled.
func (e *Engine) Process(reference string) error {
	attempts.Inc()
	rows, err := e.db.LoadSale(reference)
	if err != nil {
		return err
	}
	// Drained to completion, not read once: the renew/cancel writes below
	// fail with a locked database while this result set is open.
	var sale *Sale
	for rows.Next() {
		s, err := scanSale(rows)
		if err != nil {
			return err
		}
		sale = s
	}
	if sale == nil {
		return fmt.Errorf("sale %s not found", reference)
	}
	// A cancellation may have landed between the sweep and this attempt.
	if sale.Cancelled() {
		return nil
	}
	buyer, err := loadCredentials(e.db, sale.BuyerUID)
	if err != nil {
		return err
	}
	seller, err := loadCredentials(e.db, sale.SellerUID)
	if err != nil {
		return err
	}
	result, err := e.transfer.Transfer(buyer, seller, sale.RecurringPrice, "Subscription: "+sale.Item, false)
	if err != nil {
		slog.Warn(fmt.Sprintf("transfer for subscription ref %s failed: %v", sale.Reference, err))
		return e.cancel(sale)
	}
	var res transferResult
	if err := json.Unmarshal(result, &res); err != nil {
		slog.Warn(fmt.Sprintf("unreadable transfer result for subscription ref %s: %v", sale.Reference, err))
		return e.cancel(sale)
	}
	if res.Success != 1 {
		return e.cancel(sale)
	}
	return e.renew(sale)
}

func (e *Engine) renew(sale *Sale) error {
	next, err := NextPayableDate(sale.RebillFrequency, e.clock.Now())
	if err != nil {
		frequencyErrors.Inc()
		return fmt.Errorf("sale %s: %w", sale.Reference, err)
	}
	tx, err := e.db.OpenTransaction()
	if err != nil {
		return err
	}
	if err := tx.WriteSalePayableDate(sale.Reference, next); err != nil {
		return err
	}
	if err := tx.WritePurchasePayableDate(sale.PurchaseReference, next); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	renewals.Inc()
	slog.Info(fmt.Sprintf("processed subscription ref %s, next payable %s", sale.Reference, next.Format(time.RFC3339)))
	return nil
}

// cancel sets the cancellation timestamp on both linked records and sends
// one notice each to buyer and seller.  There is no retry path: repeated
// debit attempts against a failing payment source cost more than the
// occasional transiently-failed subscription.
func (e *Engine) cancel(sale *Sale) error {
	now := e.clock.Now()
	tx, err := e.db.OpenTransaction()
	if err != nil {
		return err
	}
	if err := tx.WriteSaleCancelled(sale.Reference, now); err != nil {
		return err
	}
	if err := tx.WritePurchaseCancelled(sale.PurchaseReference, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	cancellations.Inc()
	slog.Info(fmt.Sprintf("cancelled subscription ref %s", sale.Reference))
	body := fmt.Sprintf("Subscription reference: %s has now been cancelled due to insufficient funds or a failed transaction. Please log in to the platform for further details.", sale.Reference)
	e.notifyUser(sale.SellerUID, "Subscription Cancellation", body)
	e.notifyUser(sale.BuyerUID, "Subscription Cancellation", body)
	return nil
}

// sendDueNotice warns a buyer their subscription is due tomorrow.  No
// state changes and no record of the notice is kept, so a re-run of the
// sweep would send it again (accepted at-least-once semantics).
func (e *Engine) sendDueNotice(sale *Sale) {
	buyer, err := loadCredentials(e.db, sale.BuyerUID)
	if err != nil {
		slog.Warn(fmt.Sprintf("could not resolve buyer for due notice on ref %s: %v", sale.Reference, err))
		return
	}
	body := fmt.Sprintf("Please note your subscription reference: %s is due tomorrow.<br><br>Your account will be debited %v<br><br>You can cancel this contract at any time by logging in to the panel", sale.Reference, sale.RecurringPrice)
	if err := e.mailer.Send(buyer.Email, "Subscription Due", body); err != nil {
		slog.Warn(fmt.Sprintf("error sending due notice for ref %s: %v", sale.Reference, err))
		return
	}
	dueNotices.Inc()
}

func (e *Engine) notifyUser(uid int64, subject, body string) {
	c, err := loadCredentials(e.db, uid)
	if err != nil {
		slog.Warn(fmt.Sprintf("could not resolve uid %d for notice: %v", uid, err))
		return
	}
	if err := e.mailer.Send(c.Email, subject, body); err != nil {
		slog.Warn(fmt.Sprintf("error sending notice to uid %d: %v", uid, err))
	}
}
