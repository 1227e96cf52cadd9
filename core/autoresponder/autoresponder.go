// Package autoresponder implements the evening welcome email sweep: once a
// day, shortly after 5pm, recent signups that are confirmed, in good
// standing and subscribed to mail get the next message of the welcome
// series.
package autoresponder

import (
	"fmt"
	"log/slog"
	"strings"

	"schedule/core"
	"schedule/core/db"
	"schedule/notify"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var welcomesSent = promauto.NewCounter(prometheus.CounterOpts{
	Name: "autoresponder_welcomes_total",
	Help: "Number of welcome series emails sent",
})

// signupWindow is how far back from the newest user id the sweep reaches.
// It needs to comfortably cover two weeks of signups.
const signupWindow = 30000

// User is the profile view the sweep needs.
type User struct {
	UID          int64
	Email        string
	Name         string
	Confirmed    bool
	Suspended    bool
	NoNewsletter bool
	Campaign     string
	Source       string
}

func scanUser(row db.Scanner) (*User, error) {
	u := &User{}
	if err := row.Scan(&u.UID, &u.Email, &u.Name, &u.Confirmed, &u.Suspended,
		&u.NoNewsletter, &u.Campaign, &u.Source); err != nil {
		return nil, err
	}
	return u, nil
}

// Sweep implements core.Job.
type Sweep struct {
	db     db.Database
	mailer notify.Mailer
}

func NewSweep(d db.Database, mailer notify.Mailer) *Sweep {
	return &Sweep{
		db:     d,
		mailer: mailer,
	}
}

func (s *Sweep) ID() string {
	return "autoresponder"
}

func (s *Sweep) At() core.TimeOfDay {
	return core.TimeOfDay{Hour: 17}
}

func (s *Sweep) Run() error {
	endID, err := s.db.NextUserID()
	if err != nil {
		return err
	}
	startID := endID - signupWindow
	if startID < 0 {
		startID = 0
	}
	rows, err := s.db.LoadUsers(startID, endID)
	if err != nil {
		return err
	}
	users := make(map[int64]*User)
	var order []int64
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			slog.Warn(fmt.Sprintf("error loading user: %v", err))
			continue
		}
		users[u.UID] = u
		order = append(order, u.UID)
	}
	var sent int
	for _, uid := range order {
		u := users[uid]
		if !eligible(u, users) {
			continue
		}
		if err := s.mailer.Send(u.Email, "Welcome to the platform", welcomeBody(u)); err != nil {
			slog.Warn(fmt.Sprintf("error sending welcome mail to uid %d: %v", u.UID, err))
			continue
		}
		welcomesSent.Inc()
		sent++
	}
	slog.Info(fmt.Sprintf("autoresponder sweep sent %d welcome emails", sent))
	return nil
}

// eligible applies the standing checks.  Referral signups are skipped when
// their referring affiliate is unknown or has been suspended, which weeds
// out bot-driven signup farms.
func eligible(u *User, users map[int64]*User) bool {
	if !u.Confirmed || u.Suspended || u.NoNewsletter {
		return false
	}
	if u.Source == "referral" {
		ref, ok := users[affiliateID(u.Campaign)]
		if !ok || ref.Suspended {
			return false
		}
	}
	return true
}

// affiliateID extracts the numeric affiliate id from a campaign tag like
// "aff8231".  Returns 0 when the tag carries no digits.
func affiliateID(campaign string) int64 {
	var id int64
	var found bool
	for _, r := range strings.TrimSpace(campaign) {
		if r >= '0' && r <= '9' {
			id = id*10 + int64(r-'0')
			found = true
		}
	}
	if !found {
		return 0
	}
	return id
}

func welcomeBody(u *User) string {
	name := u.Name
	if name == "" {
		name = "there"
	}
	return fmt.Sprintf("Hi %s,<br><br>Thanks for confirming your account. Log in to the panel to set up your first transfer and see your balance.<br><br>You can unsubscribe from these emails at any time in your account settings.", name)
}
