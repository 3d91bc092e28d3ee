package validation

import "testing"

func TestIsValidMetric(t *testing.T) {
	tests := []struct {
		metric string
		want   bool
	}{
		{"delivery_count", true},
		{"safety_score", true},
		{"efficiency_score", true},
		{"average_speed", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsValidMetric(tt.metric); got != tt.want {
			t.Errorf("IsValidMetric(%q) = %v, want %v", tt.metric, got, tt.want)
		}
	}
}

func TestIsValidWagerKind(t *testing.T) {
	tests := []struct {
		kind string
		want bool
	}{
		{"points", true},
		{"money", true},
		{"crypto", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsValidWagerKind(tt.kind); got != tt.want {
			t.Errorf("IsValidWagerKind(%q) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestNormalizePlate(t *testing.T) {
	tests := []struct {
		plate string
		want  string
	}{
		{"a123bc", "A123BC"},
		{"A 123 BC", "A123BC"},
		{"ab", ""},
		{"A123-BC", ""},
		{"", ""},
	}

	for _, tt := range tests {
		if got := NormalizePlate(tt.plate); got != tt.want {
			t.Errorf("NormalizePlate(%q) = %q, want %q", tt.plate, got, tt.want)
		}
	}
}

func TestParseDay(t *testing.T) {
	day, err := ParseDay("2024-01-03")
	if err != nil {
		t.Fatalf("ParseDay error: %v", err)
	}
	if day.Year() != 2024 || day.Month() != 1 || day.Day() != 3 {
		t.Fatalf("unexpected day: %v", day)
	}

	if _, err := ParseDay("03.01.2024"); err == nil {
		t.Fatalf("expected error for wrong format")
	}
}

func TestIsValidChannelCounts(t *testing.T) {
	tests := []struct {
		name     string
		channels map[string]int64
		want     bool
	}{
		{"ok", map[string]int64{"marketplace": 5, "courier": 0}, true},
		{"empty", map[string]int64{}, false},
		{"negative count", map[string]int64{"marketplace": -1}, false},
		{"blank channel", map[string]int64{" ": 1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidChannelCounts(tt.channels); got != tt.want {
				t.Fatalf("IsValidChannelCounts = %v, want %v", got, tt.want)
			}
		})
	}
}
