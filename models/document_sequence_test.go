package models

import "testing"

func TestFormatBackOrderNumber(t *testing.T) {
	cases := []struct {
		year int
		seq  int64
		want string
	}{
		{2026, 1, "BO-2026-000001"},
		{2026, 7, "BO-2026-000007"},
		{2027, 123456, "BO-2027-123456"},
		{2027, 1234567, "BO-2027-1234567"},
	}
	for _, c := range cases {
		if got := FormatBackOrderNumber(c.year, c.seq); got != c.want {
			t.Errorf("FormatBackOrderNumber(%d, %d) = %q, want %q", c.year, c.seq, got, c.want)
		}
	}
}

func TestFormatCartonNumber(t *testing.T) {
	cases := []struct {
		shipmentNumber string
		seq            int64
		want           string
	}{
		{"SH-2026-000004", 1, "SH-2026-000004-C01"},
		{"SH-2026-000004", 12, "SH-2026-000004-C12"},
		{"SH-2026-000004", 101, "SH-2026-000004-C101"},
	}
	for _, c := range cases {
		if got := FormatCartonNumber(c.shipmentNumber, c.seq); got != c.want {
			t.Errorf("FormatCartonNumber(%q, %d) = %q, want %q", c.shipmentNumber, c.seq, got, c.want)
		}
	}
	if a, b := cartonSequenceKey(7), cartonSequenceKey(8); a == b {
		t.Errorf("carton counters for different shipments share key %q", a)
	}
}

func TestParseBackOrderPriority(t *testing.T) {
	for _, s := range []string{"Low", "Medium", "High", "Urgent", "Critical"} {
		if _, err := ParseBackOrderPriority(s); err != nil {
			t.Fatalf("ParseBackOrderPriority(%q): %v", s, err)
		}
	}
	if _, err := ParseBackOrderPriority("Blocker"); err == nil {
		t.Fatal("unknown priority must be rejected")
	}
}

func TestBackOrderPriorityRank(t *testing.T) {
	ordered := []BackOrderPriority{
		BackOrderPriorityCritical,
		BackOrderPriorityUrgent,
		BackOrderPriorityHigh,
		BackOrderPriorityMedium,
		BackOrderPriorityLow,
	}
	for i := 1; i < len(ordered); i++ {
		if ordered[i-1].rank() <= ordered[i].rank() {
			t.Errorf("%s.rank() = %d, must exceed %s.rank() = %d",
				ordered[i-1], ordered[i-1].rank(), ordered[i], ordered[i].rank())
		}
	}
	if got := BackOrderPriority("Blocker").rank(); got != 0 {
		t.Errorf("unknown priority rank = %d, want 0", got)
	}
}

func TestAutoFulfillScanOrder(t *testing.T) {
	// Oldest first within a priority, urgent between high and critical.
	open := []BackOrder{
		{ID: 1, Priority: BackOrderPriorityLow},
		{ID: 2, Priority: BackOrderPriorityUrgent},
		{ID: 3, Priority: BackOrderPriorityCritical},
		{ID: 4, Priority: BackOrderPriorityUrgent},
		{ID: 5, Priority: BackOrderPriorityHigh},
	}
	sortBackOrdersForScan(open)
	want := []int{3, 2, 4, 5, 1}
	for i, bo := range open {
		if bo.ID != want[i] {
			t.Fatalf("scan order position %d = back-order %d, want %d", i, bo.ID, want[i])
		}
	}
}
