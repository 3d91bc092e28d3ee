package scoring

import (
	"errors"
	"testing"
	"time"

	"github.com/ndiyarov/fastrack-ranking/internal/model"
)

func day(s string) time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestScore_DeliveryCount(t *testing.T) {
	tests := []struct {
		name       string
		deliveries []model.DeliveryDay
		from       string
		to         string
		want       int64
	}{
		{
			name: "sums records inside the window",
			deliveries: []model.DeliveryDay{
				{Day: day("2024-01-01"), Channels: map[string]int64{"marketplace": 5}},
				{Day: day("2024-01-03"), Channels: map[string]int64{"marketplace": 2}},
			},
			from: "2024-01-01",
			to:   "2024-01-03",
			want: 7,
		},
		{
			name: "window is inclusive on both ends",
			deliveries: []model.DeliveryDay{
				{Day: day("2024-01-01"), Channels: map[string]int64{"marketplace": 1}},
				{Day: day("2024-01-05"), Channels: map[string]int64{"marketplace": 1}},
			},
			from: "2024-01-01",
			to:   "2024-01-05",
			want: 2,
		},
		{
			name: "records outside the window do not contribute",
			deliveries: []model.DeliveryDay{
				{Day: day("2023-12-31"), Channels: map[string]int64{"marketplace": 100}},
				{Day: day("2024-01-02"), Channels: map[string]int64{"marketplace": 3}},
				{Day: day("2024-01-06"), Channels: map[string]int64{"marketplace": 100}},
			},
			from: "2024-01-01",
			to:   "2024-01-05",
			want: 3,
		},
		{
			name: "channels of one day are summed",
			deliveries: []model.DeliveryDay{
				{Day: day("2024-01-02"), Channels: map[string]int64{"marketplace": 4, "courier": 6}},
			},
			from: "2024-01-01",
			to:   "2024-01-03",
			want: 10,
		},
		{
			name:       "empty history scores zero",
			deliveries: nil,
			from:       "2024-01-01",
			to:         "2024-01-31",
			want:       0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &model.Driver{Kind: model.DriverKindActive, Deliveries: tt.deliveries}

			iv, err := NewInterval(day(tt.from), day(tt.to))
			if err != nil {
				t.Fatalf("NewInterval error: %v", err)
			}

			got, err := Score(d, model.MetricDeliveryCount, iv)
			if err != nil {
				t.Fatalf("Score error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Score = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestScore_TruncatesTimestampsToDay(t *testing.T) {
	// Запись с временем в конце последнего дня интервала всё равно считается.
	late, err := time.Parse(time.RFC3339, "2024-01-03T23:59:59Z")
	if err != nil {
		t.Fatalf("parse time: %v", err)
	}

	d := &model.Driver{
		Kind: model.DriverKindActive,
		Deliveries: []model.DeliveryDay{
			{Day: late, Channels: map[string]int64{"marketplace": 4}},
		},
	}

	iv, err := NewInterval(day("2024-01-01"), day("2024-01-03"))
	if err != nil {
		t.Fatalf("NewInterval error: %v", err)
	}

	got, err := Score(d, model.MetricDeliveryCount, iv)
	if err != nil {
		t.Fatalf("Score error: %v", err)
	}
	if got != 4 {
		t.Fatalf("Score = %d, want 4", got)
	}
}

func TestScore_SnapshotMetricsIgnoreInterval(t *testing.T) {
	d := &model.Driver{
		Kind:            model.DriverKindActive,
		SafetyScore:     87,
		EfficiencyScore: 64,
		Deliveries: []model.DeliveryDay{
			{Day: day("2024-01-02"), Channels: map[string]int64{"marketplace": 50}},
		},
	}

	iv, err := NewInterval(day("2030-01-01"), day("2030-01-02"))
	if err != nil {
		t.Fatalf("NewInterval error: %v", err)
	}

	safety, err := Score(d, model.MetricSafetyScore, iv)
	if err != nil {
		t.Fatalf("Score error: %v", err)
	}
	if safety != 87 {
		t.Fatalf("safety score = %d, want 87", safety)
	}

	efficiency, err := Score(d, model.MetricEfficiencyScore, iv)
	if err != nil {
		t.Fatalf("Score error: %v", err)
	}
	if efficiency != 64 {
		t.Fatalf("efficiency score = %d, want 64", efficiency)
	}
}

func TestNewInterval_RejectsInvertedInterval(t *testing.T) {
	_, err := NewInterval(day("2024-01-05"), day("2024-01-01"))
	if !errors.Is(err, ErrInvalidInterval) {
		t.Fatalf("expected ErrInvalidInterval, got %v", err)
	}
}

func TestScore_RejectsInvertedInterval(t *testing.T) {
	d := &model.Driver{Kind: model.DriverKindActive}
	iv := Interval{From: day("2024-01-05"), To: day("2024-01-01")}

	_, err := Score(d, model.MetricDeliveryCount, iv)
	if !errors.Is(err, ErrInvalidInterval) {
		t.Fatalf("expected ErrInvalidInterval, got %v", err)
	}
}

func TestScore_UnknownMetric(t *testing.T) {
	d := &model.Driver{Kind: model.DriverKindActive}

	iv, err := NewInterval(day("2024-01-01"), day("2024-01-02"))
	if err != nil {
		t.Fatalf("NewInterval error: %v", err)
	}

	_, err = Score(d, model.Metric("average_speed"), iv)
	if !errors.Is(err, ErrUnknownMetric) {
		t.Fatalf("expected ErrUnknownMetric, got %v", err)
	}
}
