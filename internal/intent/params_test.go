package intent

import "testing"

func TestExtractDate(t *testing.T) {
	cases := map[string]string{
		"completed on 2/21/2025?":          "2025-02-21",
		"orders from 2025-02-21":           "2025-02-21",
		"sales on February 21, 2025":       "2025-02-21",
		"sales on Feb 3rd 2025":            "2025-02-03",
		"orders on 2/30/2025":              "",
		"orders last week":                 "",
		"table 12/4 seats, year 2025 ends": "",
	}
	for in, want := range cases {
		if got := ExtractDate(in); got != want {
			t.Errorf("ExtractDate(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExtractTimePeriod(t *testing.T) {
	cases := map[string]string{
		"how many orders yesterday":       "yesterday",
		"revenue last week?":              "last week",
		"refunds this month":              "this month",
		"orders on 1/5/2025 or yesterday": "2025-01-05",
		"all orders":                      "",
	}
	for in, want := range cases {
		if got := ExtractTimePeriod(in); got != want {
			t.Errorf("ExtractTimePeriod(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExtractStatus(t *testing.T) {
	cases := map[string]string{
		"How many orders were completed": "completed",
		"canceled orders":                "cancelled",
		"Refunded ones":                  "refunded",
		"all orders":                     "",
	}
	for in, want := range cases {
		if got := ExtractStatus(in); got != want {
			t.Errorf("ExtractStatus(%q) = %q, want %q", in, got, want)
		}
	}
}
