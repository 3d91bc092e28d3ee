package settlement

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ndiyarov/fastrack-ranking/internal/model"
	"github.com/ndiyarov/fastrack-ranking/internal/scoring"
)

func day(s string) time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return t
}

func driverWithDeliveries(name string, counts map[string]int64) model.Driver {
	deliveries := make([]model.DeliveryDay, 0, len(counts))
	for d, n := range counts {
		deliveries = append(deliveries, model.DeliveryDay{
			Day:      day(d),
			Channels: map[string]int64{"marketplace": n},
		})
	}
	return model.Driver{
		ID:         uuid.New(),
		Name:       name,
		Kind:       model.DriverKindActive,
		Deliveries: deliveries,
	}
}

func TestResolveChallenges_DecisiveWinner(t *testing.T) {
	// Пример из постановки: A набирает 7, B набирает 10, побеждает B.
	a := driverWithDeliveries("A", map[string]int64{"2024-01-01": 5, "2024-01-03": 2})
	b := driverWithDeliveries("B", map[string]int64{"2024-01-02": 10})

	ch := model.Challenge{
		ID:           uuid.New(),
		ChallengerID: a.ID,
		OpponentID:   b.ID,
		Metric:       model.MetricDeliveryCount,
		Kind:         model.WagerPoints,
		Amount:       50,
		StartAt:      day("2024-01-01"),
		EndAt:        day("2024-01-03"),
		Status:       model.ChallengeStatusActive,
	}

	now := day("2024-01-04")
	outcomes, skipped, err := ResolveChallenges(now, []model.Challenge{ch}, []model.Driver{a, b})
	if err != nil {
		t.Fatalf("ResolveChallenges error: %v", err)
	}
	if len(skipped) != 0 {
		t.Fatalf("unexpected skipped challenges: %+v", skipped)
	}
	if len(outcomes) != 1 {
		t.Fatalf("got %d outcomes, want 1", len(outcomes))
	}

	out := outcomes[0]
	if out.Draw {
		t.Fatalf("expected decisive outcome, got draw")
	}
	if out.Challenge.Status != model.ChallengeStatusCompleted {
		t.Fatalf("status = %s, want completed", out.Challenge.Status)
	}
	if out.Challenge.WinnerID == nil || *out.Challenge.WinnerID != b.ID {
		t.Fatalf("winner = %v, want %s", out.Challenge.WinnerID, b.ID)
	}

	if len(out.Changes) != 2 {
		t.Fatalf("got %d balance changes, want 2", len(out.Changes))
	}
	for _, c := range out.Changes {
		if c.Kind != model.WagerPoints {
			t.Fatalf("change kind = %s, want points", c.Kind)
		}
		switch c.DriverID {
		case b.ID:
			if c.Delta != 50 {
				t.Fatalf("winner delta = %d, want 50", c.Delta)
			}
		case a.ID:
			if c.Delta != -50 {
				t.Fatalf("loser delta = %d, want -50", c.Delta)
			}
		default:
			t.Fatalf("balance change for unknown driver %s", c.DriverID)
		}
	}

	if len(out.Notifications) != 2 {
		t.Fatalf("got %d notifications, want 2", len(out.Notifications))
	}
}

func TestResolveChallenges_EqualScoresProduceDraw(t *testing.T) {
	a := driverWithDeliveries("A", map[string]int64{"2024-01-01": 4})
	b := driverWithDeliveries("B", map[string]int64{"2024-01-02": 4})

	ch := model.Challenge{
		ID:           uuid.New(),
		ChallengerID: a.ID,
		OpponentID:   b.ID,
		Metric:       model.MetricDeliveryCount,
		Kind:         model.WagerMoney,
		Amount:       10000,
		StartAt:      day("2024-01-01"),
		EndAt:        day("2024-01-03"),
		Status:       model.ChallengeStatusActive,
	}

	outcomes, _, err := ResolveChallenges(day("2024-01-04"), []model.Challenge{ch}, []model.Driver{a, b})
	if err != nil {
		t.Fatalf("ResolveChallenges error: %v", err)
	}
	if len(outcomes) != 1 {
		t.Fatalf("got %d outcomes, want 1", len(outcomes))
	}

	out := outcomes[0]
	if !out.Draw {
		t.Fatalf("expected draw")
	}
	if out.Challenge.WinnerID != nil {
		t.Fatalf("winner must be unset for a draw, got %s", *out.Challenge.WinnerID)
	}
	if len(out.Changes) != 0 {
		t.Fatalf("draw must not move funds, got %+v", out.Changes)
	}
	if len(out.Notifications) != 2 {
		t.Fatalf("both participants must be notified about the draw, got %d", len(out.Notifications))
	}
}

func TestResolveChallenges_OnlyExpiredActiveAreCandidates(t *testing.T) {
	a := driverWithDeliveries("A", nil)
	b := driverWithDeliveries("B", nil)

	mk := func(status model.ChallengeStatus, end time.Time) model.Challenge {
		return model.Challenge{
			ID:           uuid.New(),
			ChallengerID: a.ID,
			OpponentID:   b.ID,
			Metric:       model.MetricDeliveryCount,
			Kind:         model.WagerPoints,
			Amount:       1,
			StartAt:      day("2024-01-01"),
			EndAt:        end,
			Status:       status,
		}
	}

	now := day("2024-01-10")
	challenges := []model.Challenge{
		mk(model.ChallengeStatusPending, day("2024-01-02")),
		mk(model.ChallengeStatusDeclined, day("2024-01-02")),
		mk(model.ChallengeStatusCompleted, day("2024-01-02")),
		mk(model.ChallengeStatusCancelled, day("2024-01-02")),
		// Активный, но срок ещё не вышел: EndAt == now не считается истёкшим.
		mk(model.ChallengeStatusActive, now),
		mk(model.ChallengeStatusActive, day("2024-01-12")),
	}

	outcomes, skipped, err := ResolveChallenges(now, challenges, []model.Driver{a, b})
	if err != nil {
		t.Fatalf("ResolveChallenges error: %v", err)
	}
	if len(outcomes) != 0 {
		t.Fatalf("no challenge should settle, got %d outcomes", len(outcomes))
	}
	if len(skipped) != 0 {
		t.Fatalf("no challenge should be skipped, got %d", len(skipped))
	}
}

func TestResolveChallenges_MissingParticipantSkipsItemOnly(t *testing.T) {
	a := driverWithDeliveries("A", map[string]int64{"2024-01-01": 1})
	b := driverWithDeliveries("B", nil)
	ghost := uuid.New()

	stuck := model.Challenge{
		ID:           uuid.New(),
		ChallengerID: a.ID,
		OpponentID:   ghost,
		Metric:       model.MetricDeliveryCount,
		Kind:         model.WagerPoints,
		Amount:       5,
		StartAt:      day("2024-01-01"),
		EndAt:        day("2024-01-02"),
		Status:       model.ChallengeStatusActive,
	}
	settleable := model.Challenge{
		ID:           uuid.New(),
		ChallengerID: a.ID,
		OpponentID:   b.ID,
		Metric:       model.MetricDeliveryCount,
		Kind:         model.WagerPoints,
		Amount:       5,
		StartAt:      day("2024-01-01"),
		EndAt:        day("2024-01-02"),
		Status:       model.ChallengeStatusActive,
	}

	outcomes, skipped, err := ResolveChallenges(day("2024-01-05"),
		[]model.Challenge{stuck, settleable}, []model.Driver{a, b})
	if err != nil {
		t.Fatalf("ResolveChallenges error: %v", err)
	}

	if len(skipped) != 1 || skipped[0].Challenge.ID != stuck.ID {
		t.Fatalf("expected exactly the stuck challenge skipped, got %+v", skipped)
	}
	if skipped[0].Reason != SkipOpponentMissing {
		t.Fatalf("skip reason = %q, want %q", skipped[0].Reason, SkipOpponentMissing)
	}
	if len(outcomes) != 1 || outcomes[0].Challenge.ID != settleable.ID {
		t.Fatalf("the rest of the batch must settle, got %+v", outcomes)
	}
}

func TestResolveChallenges_UnassignedVehicleIsNotACompetitor(t *testing.T) {
	a := driverWithDeliveries("A", map[string]int64{"2024-01-01": 1})
	vehicle := model.Driver{
		ID:           uuid.New(),
		Name:         "Свободная машина",
		Kind:         model.DriverKindUnassignedVehicle,
		VehiclePlate: "A123BC",
	}

	ch := model.Challenge{
		ID:           uuid.New(),
		ChallengerID: a.ID,
		OpponentID:   vehicle.ID,
		Metric:       model.MetricDeliveryCount,
		Kind:         model.WagerPoints,
		Amount:       5,
		StartAt:      day("2024-01-01"),
		EndAt:        day("2024-01-02"),
		Status:       model.ChallengeStatusActive,
	}

	outcomes, skipped, err := ResolveChallenges(day("2024-01-05"),
		[]model.Challenge{ch}, []model.Driver{a, vehicle})
	if err != nil {
		t.Fatalf("ResolveChallenges error: %v", err)
	}
	if len(outcomes) != 0 {
		t.Fatalf("challenge against a vehicle placeholder must not settle")
	}
	if len(skipped) != 1 {
		t.Fatalf("expected the challenge to be skipped, got %d", len(skipped))
	}
}

func TestResolveChallenges_WagerCurrencyOnly(t *testing.T) {
	a := driverWithDeliveries("A", map[string]int64{"2024-01-01": 9})
	b := driverWithDeliveries("B", map[string]int64{"2024-01-01": 1})

	ch := model.Challenge{
		ID:           uuid.New(),
		ChallengerID: a.ID,
		OpponentID:   b.ID,
		Metric:       model.MetricDeliveryCount,
		Kind:         model.WagerMoney,
		Amount:       25000,
		StartAt:      day("2024-01-01"),
		EndAt:        day("2024-01-02"),
		Status:       model.ChallengeStatusActive,
	}

	outcomes, _, err := ResolveChallenges(day("2024-01-03"), []model.Challenge{ch}, []model.Driver{a, b})
	if err != nil {
		t.Fatalf("ResolveChallenges error: %v", err)
	}
	if len(outcomes) != 1 {
		t.Fatalf("got %d outcomes, want 1", len(outcomes))
	}

	for _, c := range outcomes[0].Changes {
		if c.Kind != model.WagerMoney {
			t.Fatalf("change touches %s balance, wager was money", c.Kind)
		}
	}
}

func TestRank_StableOnTies(t *testing.T) {
	first := driverWithDeliveries("first", map[string]int64{"2024-01-01": 40})
	second := driverWithDeliveries("second", map[string]int64{"2024-01-02": 40})
	third := driverWithDeliveries("third", map[string]int64{"2024-01-01": 55})

	iv, err := scoring.NewInterval(day("2024-01-01"), day("2024-01-05"))
	if err != nil {
		t.Fatalf("NewInterval error: %v", err)
	}

	ranked, err := Rank([]model.Driver{first, second, third}, model.MetricDeliveryCount, iv)
	if err != nil {
		t.Fatalf("Rank error: %v", err)
	}

	if len(ranked) != 3 {
		t.Fatalf("got %d ranked drivers, want 3", len(ranked))
	}
	if ranked[0].Driver.ID != third.ID {
		t.Fatalf("top driver = %s, want third", ranked[0].Driver.Name)
	}
	// При равном счёте выше тот, кто раньше во входном порядке.
	if ranked[1].Driver.ID != first.ID || ranked[2].Driver.ID != second.ID {
		t.Fatalf("tie order broken: got %s then %s, want first then second",
			ranked[1].Driver.Name, ranked[2].Driver.Name)
	}
}

func TestRank_DropsUnassignedVehicles(t *testing.T) {
	d := driverWithDeliveries("driver", map[string]int64{"2024-01-01": 1})
	vehicle := model.Driver{ID: uuid.New(), Kind: model.DriverKindUnassignedVehicle}

	iv, err := scoring.NewInterval(day("2024-01-01"), day("2024-01-02"))
	if err != nil {
		t.Fatalf("NewInterval error: %v", err)
	}

	ranked, err := Rank([]model.Driver{vehicle, d}, model.MetricDeliveryCount, iv)
	if err != nil {
		t.Fatalf("Rank error: %v", err)
	}
	if len(ranked) != 1 || ranked[0].Driver.ID != d.ID {
		t.Fatalf("vehicle placeholder must not be ranked, got %+v", ranked)
	}
}

func TestPlanPayout_TieGoesToFirstEnrolled(t *testing.T) {
	// Оба набрали 40: приз получает записавшийся первым.
	first := driverWithDeliveries("first", map[string]int64{"2024-01-01": 40})
	second := driverWithDeliveries("second", map[string]int64{"2024-01-02": 40})

	iv, err := scoring.NewInterval(day("2024-01-01"), day("2024-01-05"))
	if err != nil {
		t.Fatalf("NewInterval error: %v", err)
	}
	ranked, err := Rank([]model.Driver{first, second}, model.MetricDeliveryCount, iv)
	if err != nil {
		t.Fatalf("Rank error: %v", err)
	}

	c := model.Competition{
		ID:           uuid.New(),
		Name:         "Январский спринт",
		Metric:       model.MetricDeliveryCount,
		RewardKind:   model.WagerPoints,
		RewardAmount: 100,
		StartAt:      day("2024-01-01"),
		EndAt:        day("2024-01-05"),
	}

	plan, err := PlanPayout(day("2024-01-06"), c, ranked)
	if err != nil {
		t.Fatalf("PlanPayout error: %v", err)
	}
	if plan.WinnerID != first.ID {
		t.Fatalf("winner = %s, want first enrolled", plan.WinnerID)
	}
	if plan.Change.Kind != model.WagerPoints || plan.Change.Delta != 100 {
		t.Fatalf("unexpected reward change: %+v", plan.Change)
	}
}

func TestPlanPayout_Preconditions(t *testing.T) {
	winner := driverWithDeliveries("winner", nil)
	ranked := []Ranked{{Driver: &winner, Score: 10}}

	base := model.Competition{
		ID:           uuid.New(),
		RewardKind:   model.WagerMoney,
		RewardAmount: 50000,
		StartAt:      day("2024-01-01"),
		EndAt:        day("2024-01-10"),
	}

	tests := []struct {
		name    string
		now     time.Time
		mutate  func(*model.Competition)
		ranked  []Ranked
		wantErr error
	}{
		{
			name:    "before end date",
			now:     day("2024-01-05"),
			ranked:  ranked,
			wantErr: ErrCompetitionNotFinished,
		},
		{
			name:    "end date not yet strictly passed",
			now:     day("2024-01-10"),
			ranked:  ranked,
			wantErr: ErrCompetitionNotFinished,
		},
		{
			name:    "already paid out",
			now:     day("2024-01-11"),
			mutate:  func(c *model.Competition) { c.PaidOut = true },
			ranked:  ranked,
			wantErr: ErrAlreadyPaidOut,
		},
		{
			name:    "no eligible drivers",
			now:     day("2024-01-11"),
			ranked:  nil,
			wantErr: ErrNoEligibleDrivers,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			if tt.mutate != nil {
				tt.mutate(&c)
			}

			plan, err := PlanPayout(tt.now, c, tt.ranked)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if plan != nil {
				t.Fatalf("plan must be nil on precondition failure")
			}
		})
	}
}
