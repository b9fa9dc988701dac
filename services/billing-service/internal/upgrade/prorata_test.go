package upgrade

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestProRata(t *testing.T) {
	minimum := d("5.00")
	cases := []struct {
		name    string
		current string
		next    string
		days    int
		want    string
	}{
		{"half cycle", "50.00", "100.00", 15, "25.00"},
		{"full cycle", "50.00", "100.00", 30, "50.00"},
		{"below minimum", "99.00", "100.00", 10, "5.00"},
		{"zero days", "50.00", "100.00", 0, "5.00"},
		{"negative days clamp", "50.00", "100.00", -4, "5.00"},
		{"rounds to cents", "49.90", "89.90", 7, "9.33"},
	}
	for _, tc := range cases {
		got := ProRata(d(tc.current), d(tc.next), tc.days, minimum)
		if !got.Equal(d(tc.want)) {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got.StringFixed(2))
		}
	}
}

func TestDaysUntil(t *testing.T) {
	sp, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	due := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	if got := DaysUntil(time.Date(2026, 6, 16, 12, 0, 0, 0, time.UTC), due, time.UTC); got != 15 {
		t.Fatalf("expected 15 days, got %d", got)
	}
	// 02:00 UTC on June 16 is still June 15 in Sao Paulo.
	if got := DaysUntil(time.Date(2026, 6, 16, 2, 0, 0, 0, time.UTC), due, sp); got != 16 {
		t.Fatalf("expected 16 days in Sao Paulo, got %d", got)
	}
	if got := DaysUntil(time.Date(2026, 7, 3, 12, 0, 0, 0, time.UTC), due, time.UTC); got != -2 {
		t.Fatalf("expected -2 days, got %d", got)
	}
}
