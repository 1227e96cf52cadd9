package autoresponder

import (
	"fmt"
	"testing"

	"schedule/core/db"
)

type fakeMailer struct {
	sent []string
}

func (f *fakeMailer) Send(to, subject, html string) error {
	f.sent = append(f.sent, fmt.Sprintf("%s|%s", to, subject))
	return nil
}

func TestSweepFiltersUsers(t *testing.T) {
	d := db.Fake()
	d.Users = []db.FakeUser{
		{UID: 10, Email: "ok@example.com", Confirmed: true},
		{UID: 11, Email: "unconfirmed@example.com"},
		{UID: 12, Email: "suspended@example.com", Confirmed: true, Suspended: true},
		{UID: 13, Email: "nomail@example.com", Confirmed: true, NoNewsletter: true},
		// Referred by 10, who is in good standing.
		{UID: 14, Email: "referred@example.com", Confirmed: true, Source: "referral", Campaign: "aff10"},
		// Referred by the suspended 12.
		{UID: 15, Email: "botfarm@example.com", Confirmed: true, Source: "referral", Campaign: "aff12"},
		// Referred by nobody we know.
		{UID: 16, Email: "orphan@example.com", Confirmed: true, Source: "referral", Campaign: "organic"},
	}
	mailer := &fakeMailer{}
	s := NewSweep(d, mailer)

	if err := s.Run(); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	want := []string{
		"ok@example.com|Welcome to the platform",
		"referred@example.com|Welcome to the platform",
	}
	if len(mailer.sent) != len(want) {
		t.Fatalf("sent = %v, want %v", mailer.sent, want)
	}
	for i := range want {
		if mailer.sent[i] != want[i] {
			t.Errorf("sent[%d] = %s, want %s", i, mailer.sent[i], want[i])
		}
	}
}

func TestAffiliateID(t *testing.T) {
	cases := []struct {
		campaign string
		want     int64
	}{
		{"aff8231", 8231},
		{"8231", 8231},
		{"a8b2c31", 8231},
		{"organic", 0},
		{"", 0},
	}
	for _, c := range cases {
		if got := affiliateID(c.campaign); got != c.want {
			t.Errorf("affiliateID(%q) = %d, want %d", c.campaign, got, c.want)
		}
	}
}
