// Package settlement содержит чистую логику подведения итогов состязаний:
// определение победителя вызова, ранжирование участников соревнования и
// план выплаты приза. Пакет не пишет в хранилище — он лишь вычисляет,
// какие изменения должны быть применены.
package settlement

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ndiyarov/fastrack-ranking/internal/model"
	"github.com/ndiyarov/fastrack-ranking/internal/scoring"
)

var (
	// ErrCompetitionNotFinished возвращается при попытке выплатить приз до
	// окончания соревнования.
	ErrCompetitionNotFinished = errors.New("competition not finished yet")
	// ErrAlreadyPaidOut возвращается, если приз уже был выплачен.
	ErrAlreadyPaidOut = errors.New("competition already paid out")
	// ErrNoEligibleDrivers возвращается, если в соревновании нет ни одного
	// допущенного участника.
	ErrNoEligibleDrivers = errors.New("no eligible drivers")
)

// Названия причин пропуска вызова при расчёте.
const (
	SkipChallengerMissing = "challenger missing or unassigned vehicle"
	SkipOpponentMissing   = "opponent missing or unassigned vehicle"
)

// Outcome — результат расчёта одного вызова: завершённый вызов, изменения
// балансов (пусто при ничьей) и уведомления обоим участникам.
type Outcome struct {
	Challenge     model.Challenge
	Draw          bool
	Changes       []model.BalanceChange
	Notifications []model.Notification
}

// Skipped — вызов, расчёт которого пропущен. Вызов остаётся активным и
// будет кандидатом при следующем проходе; снять его может администратор.
type Skipped struct {
	Challenge model.Challenge
	Reason    string
}

// ResolveChallenges подводит итоги всех активных вызовов, чьё время вышло.
//
// Кандидат — вызов в статусе active, у которого EndAt строго раньше now;
// остальные вызовы не трогаются. Вызов с отсутствующим участником или с
// участником-заглушкой свободной машины пропускается, не прерывая пакет.
// Счёт строго больше — победа; равный счёт — ничья без перевода ставки.
func ResolveChallenges(now time.Time, challenges []model.Challenge, drivers []model.Driver) ([]Outcome, []Skipped, error) {
	byID := make(map[uuid.UUID]*model.Driver, len(drivers))
	for i := range drivers {
		byID[drivers[i].ID] = &drivers[i]
	}

	var outcomes []Outcome
	var skipped []Skipped

	for _, ch := range challenges {
		if ch.Status != model.ChallengeStatusActive || !ch.EndAt.Before(now) {
			continue
		}

		challenger, ok := competitor(byID, ch.ChallengerID)
		if !ok {
			skipped = append(skipped, Skipped{Challenge: ch, Reason: SkipChallengerMissing})
			continue
		}
		opponent, ok := competitor(byID, ch.OpponentID)
		if !ok {
			skipped = append(skipped, Skipped{Challenge: ch, Reason: SkipOpponentMissing})
			continue
		}

		iv, err := scoring.NewInterval(ch.StartAt, ch.EndAt)
		if err != nil {
			return nil, nil, fmt.Errorf("challenge %s: %w", ch.ID, err)
		}

		challengerScore, err := scoring.Score(challenger, ch.Metric, iv)
		if err != nil {
			return nil, nil, fmt.Errorf("challenge %s: %w", ch.ID, err)
		}
		opponentScore, err := scoring.Score(opponent, ch.Metric, iv)
		if err != nil {
			return nil, nil, fmt.Errorf("challenge %s: %w", ch.ID, err)
		}

		outcomes = append(outcomes, decide(ch, challenger, challengerScore, opponent, opponentScore))
	}

	return outcomes, skipped, nil
}

// competitor возвращает водителя, допущенного к состязаниям.
func competitor(byID map[uuid.UUID]*model.Driver, id uuid.UUID) (*model.Driver, bool) {
	d, ok := byID[id]
	if !ok {
		return nil, false
	}
	p, ok := d.AsParticipant().(model.ActiveDriver)
	if !ok {
		return nil, false
	}
	return p.Driver, true
}

func decide(ch model.Challenge, challenger *model.Driver, challengerScore int64, opponent *model.Driver, opponentScore int64) Outcome {
	completed := ch
	completed.Status = model.ChallengeStatusCompleted

	if challengerScore == opponentScore {
		completed.WinnerID = nil
		body := fmt.Sprintf("Вызов завершился вничью со счётом %d:%d, ставка осталась при своих.",
			challengerScore, opponentScore)
		return Outcome{
			Challenge: completed,
			Draw:      true,
			Notifications: []model.Notification{
				challengeNote(ch, challenger.ID, "Ничья", body),
				challengeNote(ch, opponent.ID, "Ничья", body),
			},
		}
	}

	winner, loser := challenger, opponent
	winnerScore, loserScore := challengerScore, opponentScore
	if opponentScore > challengerScore {
		winner, loser = opponent, challenger
		winnerScore, loserScore = opponentScore, challengerScore
	}

	winnerID := winner.ID
	completed.WinnerID = &winnerID

	return Outcome{
		Challenge: completed,
		Changes: []model.BalanceChange{
			{DriverID: winner.ID, Kind: ch.Kind, Delta: ch.Amount},
			{DriverID: loser.ID, Kind: ch.Kind, Delta: -ch.Amount},
		},
		Notifications: []model.Notification{
			challengeNote(ch, winner.ID, "Победа в вызове",
				fmt.Sprintf("Вы победили со счётом %d:%d и забрали ставку у %s.", winnerScore, loserScore, loser.Name)),
			challengeNote(ch, loser.ID, "Поражение в вызове",
				fmt.Sprintf("Вы проиграли со счётом %d:%d, ставка ушла %s.", loserScore, winnerScore, winner.Name)),
		},
	}
}

func challengeNote(ch model.Challenge, driverID uuid.UUID, title, body string) model.Notification {
	return model.Notification{
		ID:       uuid.New(),
		DriverID: driverID,
		Title:    title,
		Body:     body,
		Link:     "/challenges/" + ch.ID.String(),
	}
}

// Ranked — участник соревнования с вычисленным счётом.
type Ranked struct {
	Driver *model.Driver
	Score  int64
}

// Rank вычисляет счёт каждого допущенного участника и сортирует по убыванию.
// Сортировка устойчивая: при равном счёте выше стоит тот, кто раньше во
// входном порядке — для соревнований это порядок записи участников.
// Заглушки свободных машин отбрасываются.
func Rank(drivers []model.Driver, metric model.Metric, iv scoring.Interval) ([]Ranked, error) {
	ranked := make([]Ranked, 0, len(drivers))
	for i := range drivers {
		d, ok := drivers[i].AsParticipant().(model.ActiveDriver)
		if !ok {
			continue
		}
		s, err := scoring.Score(d.Driver, metric, iv)
		if err != nil {
			return nil, fmt.Errorf("rank driver %s: %w", d.Driver.ID, err)
		}
		ranked = append(ranked, Ranked{Driver: d.Driver, Score: s})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})

	return ranked, nil
}

// PayoutPlan — план выплаты приза лучшему участнику соревнования.
type PayoutPlan struct {
	CompetitionID uuid.UUID
	WinnerID      uuid.UUID
	Change        model.BalanceChange
	Notification  model.Notification
}

// PlanPayout проверяет предусловия выплаты и строит план: приз получает
// единственный лучший по счёту участник. Никаких изменений состояния план
// не вносит; при нарушении предусловия возвращается ошибка без плана.
func PlanPayout(now time.Time, c model.Competition, ranked []Ranked) (*PayoutPlan, error) {
	if c.PaidOut {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyPaidOut, c.ID)
	}
	if !c.EndAt.Before(now) {
		return nil, fmt.Errorf("%w: %s ends at %s", ErrCompetitionNotFinished, c.ID, c.EndAt.Format(time.RFC3339))
	}
	if len(ranked) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoEligibleDrivers, c.ID)
	}

	top := ranked[0]

	return &PayoutPlan{
		CompetitionID: c.ID,
		WinnerID:      top.Driver.ID,
		Change: model.BalanceChange{
			DriverID: top.Driver.ID,
			Kind:     c.RewardKind,
			Delta:    c.RewardAmount,
		},
		Notification: model.Notification{
			ID:       uuid.New(),
			DriverID: top.Driver.ID,
			Title:    "Приз за соревнование",
			Body:     fmt.Sprintf("Вы заняли первое место в соревновании «%s» со счётом %d.", c.Name, top.Score),
			Link:     "/competitions/" + c.ID.String(),
		},
	}, nil
}
