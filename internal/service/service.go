// Package service реализует бизнес-логику сервиса Fastrack Ranking.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/ndiyarov/fastrack-ranking/internal/events"
	"github.com/ndiyarov/fastrack-ranking/internal/model"
	"github.com/ndiyarov/fastrack-ranking/internal/repository"
	"github.com/ndiyarov/fastrack-ranking/internal/scoring"
	"github.com/ndiyarov/fastrack-ranking/internal/settlement"
)

// Имя, под которым запись уволившегося водителя остаётся в списке машин.
const unassignedVehicleName = "Свободная машина"

// ErrInvalidCredentials возвращается при неверном логине или пароле.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrSelfChallenge возвращается при попытке вызвать самого себя.
	ErrSelfChallenge = errors.New("cannot challenge yourself")
	// ErrOpponentInvalid возвращается, если соперник не является действующим водителем.
	ErrOpponentInvalid = errors.New("opponent is not an active driver")
	// ErrWagerNotPositive возвращается для неположительной ставки или приза.
	ErrWagerNotPositive = errors.New("wager amount must be positive")
	// ErrInvalidWindow возвращается для окна состязания нулевой или отрицательной длины.
	ErrInvalidWindow = errors.New("contest window must have positive duration")
	// ErrEnrollmentClosed возвращается при записи в соревнование после его старта.
	ErrEnrollmentClosed = errors.New("enrollment is closed")
	// ErrNotCompetitor возвращается, если запись не допущена к состязаниям.
	ErrNotCompetitor = errors.New("record is not an active driver")
	// ErrTeamNotEligible возвращается, если команда водителя не допущена к соревнованию.
	ErrTeamNotEligible = errors.New("team is not eligible for this competition")
	// ErrNotAdmin возвращается, если выплату запросил не администратор.
	ErrNotAdmin = errors.New("actor is not an administrator")
	// ErrStatOutOfRange возвращается для оценки вне диапазона 0–100.
	ErrStatOutOfRange = errors.New("score must be between 0 and 100")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error

	CreateDriver(ctx context.Context, d *model.Driver) error
	GetDriverByLogin(ctx context.Context, login string) (*model.Driver, error)
	GetDriver(ctx context.Context, id uuid.UUID) (*model.Driver, error)
	ListDrivers(ctx context.Context) ([]model.Driver, error)
	ListDriversWithDeliveries(ctx context.Context) ([]model.Driver, error)
	UpsertDelivery(ctx context.Context, driverID uuid.UUID, day time.Time, channels map[string]int64) error
	UpdateDriverStats(ctx context.Context, id uuid.UUID, safety, efficiency int) error
	AssignDriverTeam(ctx context.Context, id uuid.UUID, teamID *uuid.UUID) error
	RetireDriver(ctx context.Context, id uuid.UUID, placeholderName string) error

	CreateTeam(ctx context.Context, t *model.Team) error
	ListTeams(ctx context.Context) ([]model.Team, error)

	CreateChallenge(ctx context.Context, ch *model.Challenge) error
	GetChallenge(ctx context.Context, id uuid.UUID) (*model.Challenge, error)
	ListChallengesByDriver(ctx context.Context, driverID uuid.UUID) ([]model.Challenge, error)
	ListExpiredActiveChallenges(ctx context.Context, now time.Time) ([]model.Challenge, error)
	AcceptChallenge(ctx context.Context, id, opponentID uuid.UUID, now time.Time) error
	DeclineChallenge(ctx context.Context, id, opponentID uuid.UUID) error
	CancelChallenge(ctx context.Context, id uuid.UUID) error
	SettleChallenge(ctx context.Context, ch model.Challenge, changes []model.BalanceChange, notes []model.Notification) error

	CreateCompetition(ctx context.Context, c *model.Competition) error
	GetCompetition(ctx context.Context, id uuid.UUID) (*model.Competition, error)
	ListCompetitions(ctx context.Context) ([]model.Competition, error)
	EnrollDriver(ctx context.Context, competitionID, driverID uuid.UUID, costPoints int64) error
	ListEntrants(ctx context.Context, competitionID uuid.UUID) ([]uuid.UUID, error)
	PayOutCompetition(ctx context.Context, competitionID uuid.UUID, change model.BalanceChange, note model.Notification) error

	ListNotifications(ctx context.Context, driverID uuid.UUID) ([]model.Notification, error)
	MarkNotificationRead(ctx context.Context, driverID, noteID uuid.UUID) error
}

// Notifier доставляет уведомление подключённому водителю в реальном времени.
type Notifier interface {
	Notify(driverID uuid.UUID, n model.Notification)
}

// EventPublisher публикует события расчётов во внешнюю шину.
type EventPublisher interface {
	Publish(ctx context.Context, key string, payload any) error
}

// Service содержит бизнес-логику сервиса Fastrack Ranking.
type Service struct {
	repo      Repository
	logger    *zap.Logger
	notifier  Notifier
	publisher EventPublisher
}

// NewService создаёт новый сервис. Notifier и publisher необязательны:
// без них расчёты выполняются, но мгновенная доставка и события не работают.
func NewService(repo Repository, logger *zap.Logger, notifier Notifier, publisher EventPublisher) *Service {
	return &Service{
		repo:      repo,
		logger:    logger,
		notifier:  notifier,
		publisher: publisher,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterDriver регистрирует нового водителя.
func (s *Service) RegisterDriver(ctx context.Context, login, password, name string) (*model.Driver, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	d := &model.Driver{
		ID:           uuid.New(),
		Login:        login,
		PasswordHash: hash,
		Name:         name,
		Kind:         model.DriverKindActive,
	}

	if err := s.repo.CreateDriver(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// AuthenticateDriver проверяет логин и пароль и возвращает водителя.
// Записи свободных машин (уволившиеся водители) войти не могут.
func (s *Service) AuthenticateDriver(ctx context.Context, login, password string) (*model.Driver, error) {
	d, err := s.repo.GetDriverByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, repository.ErrDriverNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if d.Kind != model.DriverKindActive || len(d.PasswordHash) == 0 {
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword(d.PasswordHash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return d, nil
}

// GetDriver возвращает водителя по идентификатору.
func (s *Service) GetDriver(ctx context.Context, id uuid.UUID) (*model.Driver, error) {
	return s.repo.GetDriver(ctx, id)
}

// ListDrivers возвращает все записи водителей и свободных машин.
func (s *Service) ListDrivers(ctx context.Context) ([]model.Driver, error) {
	return s.repo.ListDrivers(ctx)
}

// LogDelivery записывает доставки водителя за день. Повторная запись за ту же
// дату заменяет предыдущую.
func (s *Service) LogDelivery(ctx context.Context, driverID uuid.UUID, day time.Time, channels map[string]int64) error {
	return s.repo.UpsertDelivery(ctx, driverID, day, channels)
}

// Leaderboard строит общий рейтинг действующих водителей по метрике за интервал.
func (s *Service) Leaderboard(ctx context.Context, metric model.Metric, from, to time.Time) ([]settlement.Ranked, error) {
	iv, err := scoring.NewInterval(from, to)
	if err != nil {
		return nil, err
	}

	drivers, err := s.repo.ListDriversWithDeliveries(ctx)
	if err != nil {
		return nil, err
	}

	return settlement.Rank(drivers, metric, iv)
}

// CreateChallenge создаёт вызов в статусе pending. Окно действия назначается
// от текущего момента; при принятии вызова оно будет сброшено заново.
func (s *Service) CreateChallenge(ctx context.Context, challengerID, opponentID uuid.UUID, metric model.Metric, kind model.WagerKind, amount int64, duration time.Duration) (*model.Challenge, error) {
	if amount <= 0 {
		return nil, ErrWagerNotPositive
	}
	if duration <= 0 {
		return nil, ErrInvalidWindow
	}
	if challengerID == opponentID {
		return nil, ErrSelfChallenge
	}

	opponent, err := s.repo.GetDriver(ctx, opponentID)
	if err != nil {
		if errors.Is(err, repository.ErrDriverNotFound) {
			return nil, ErrOpponentInvalid
		}
		return nil, err
	}
	if _, ok := opponent.AsParticipant().(model.ActiveDriver); !ok {
		return nil, ErrOpponentInvalid
	}

	now := time.Now()
	ch := &model.Challenge{
		ID:           uuid.New(),
		ChallengerID: challengerID,
		OpponentID:   opponentID,
		Metric:       metric,
		Kind:         kind,
		Amount:       amount,
		StartAt:      now,
		EndAt:        now.Add(duration),
		Status:       model.ChallengeStatusPending,
	}

	if err := s.repo.CreateChallenge(ctx, ch); err != nil {
		return nil, err
	}

	if s.notifier != nil {
		s.notifier.Notify(opponentID, model.Notification{
			ID:        uuid.New(),
			DriverID:  opponentID,
			Title:     "Новый вызов",
			Body:      "Вам брошен вызов — примите или отклоните его.",
			Link:      "/challenges/" + ch.ID.String(),
			CreatedAt: now,
		})
	}

	return ch, nil
}

// AcceptChallenge принимает вызов от имени соперника.
func (s *Service) AcceptChallenge(ctx context.Context, driverID, challengeID uuid.UUID) error {
	return s.repo.AcceptChallenge(ctx, challengeID, driverID, time.Now())
}

// DeclineChallenge отклоняет вызов от имени соперника.
func (s *Service) DeclineChallenge(ctx context.Context, driverID, challengeID uuid.UUID) error {
	return s.repo.DeclineChallenge(ctx, challengeID, driverID)
}

// CancelChallenge снимает застрявший активный вызов. Административная операция.
func (s *Service) CancelChallenge(ctx context.Context, challengeID uuid.UUID) error {
	return s.repo.CancelChallenge(ctx, challengeID)
}

// GetChallenge возвращает вызов по идентификатору.
func (s *Service) GetChallenge(ctx context.Context, id uuid.UUID) (*model.Challenge, error) {
	return s.repo.GetChallenge(ctx, id)
}

// MyChallenges возвращает вызовы водителя, предварительно подведя итоги
// просроченных. Расчёт ленивый: он выполняется при каждом чтении списка,
// отдельного планировщика для корректности не требуется.
func (s *Service) MyChallenges(ctx context.Context, driverID uuid.UUID) ([]model.Challenge, error) {
	challenges, err := s.repo.ListChallengesByDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}

	settledAny, err := s.settleExpired(ctx, challenges)
	if err != nil {
		return nil, err
	}

	if settledAny {
		challenges, err = s.repo.ListChallengesByDriver(ctx, driverID)
		if err != nil {
			return nil, err
		}
	}

	return challenges, nil
}

// SweepExpiredChallenges подводит итоги всех просроченных активных вызовов.
// Используется фоновым обходом; безопасно выполняется параллельно с ленивыми
// расчётами — проигравший гонку проход просто не применяет свой результат.
func (s *Service) SweepExpiredChallenges(ctx context.Context) error {
	challenges, err := s.repo.ListExpiredActiveChallenges(ctx, time.Now())
	if err != nil {
		return err
	}
	if len(challenges) == 0 {
		return nil
	}

	_, err = s.settleExpired(ctx, challenges)
	return err
}

// settleExpired подводит итоги просроченных активных вызовов из списка и
// сообщает, был ли применён хотя бы один итог.
func (s *Service) settleExpired(ctx context.Context, challenges []model.Challenge) (bool, error) {
	now := time.Now()

	expired := false
	for _, ch := range challenges {
		if ch.Status == model.ChallengeStatusActive && ch.EndAt.Before(now) {
			expired = true
			break
		}
	}
	if !expired {
		return false, nil
	}

	drivers, err := s.repo.ListDriversWithDeliveries(ctx)
	if err != nil {
		return false, err
	}

	outcomes, skipped, err := settlement.ResolveChallenges(now, challenges, drivers)
	if err != nil {
		return false, err
	}

	for _, sk := range skipped {
		s.logger.Warn("challenge stuck, participant missing",
			zap.String("challengeID", sk.Challenge.ID.String()),
			zap.String("reason", sk.Reason),
		)
	}

	settledAny := false
	for _, out := range outcomes {
		err := s.repo.SettleChallenge(ctx, out.Challenge, out.Changes, out.Notifications)
		if errors.Is(err, repository.ErrAlreadySettled) {
			// Итог уже подведён параллельным проходом: свой результат отбрасываем.
			s.logger.Debug("challenge already settled elsewhere",
				zap.String("challengeID", out.Challenge.ID.String()))
			continue
		}
		if err != nil {
			return settledAny, fmt.Errorf("settle challenge %s: %w", out.Challenge.ID, err)
		}

		settledAny = true
		s.announceOutcome(ctx, out)
	}

	return settledAny, nil
}

// announceOutcome рассылает уведомления и публикует событие уже после того,
// как итог надёжно сохранён.
func (s *Service) announceOutcome(ctx context.Context, out settlement.Outcome) {
	if s.notifier != nil {
		for _, n := range out.Notifications {
			s.notifier.Notify(n.DriverID, n)
		}
	}

	if s.publisher != nil {
		payload := events.ChallengeSettled{
			ChallengeID:  out.Challenge.ID.String(),
			ChallengerID: out.Challenge.ChallengerID.String(),
			OpponentID:   out.Challenge.OpponentID.String(),
			Draw:         out.Draw,
			WagerKind:    string(out.Challenge.Kind),
			WagerAmount:  out.Challenge.Amount,
		}
		if out.Challenge.WinnerID != nil {
			payload.WinnerID = out.Challenge.WinnerID.String()
		}

		if err := s.publisher.Publish(ctx, events.KeyChallengeSettled, payload); err != nil {
			s.logger.Error("publish settlement event", zap.Error(err),
				zap.String("challengeID", out.Challenge.ID.String()))
		}
	}
}

// StartExpirySweeps запускает фоновый обход просроченных вызовов.
func (s *Service) StartExpirySweeps(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.SweepExpiredChallenges(ctx); err != nil {
					s.logger.Error("expiry sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

// CreateTeam создаёт команду.
func (s *Service) CreateTeam(ctx context.Context, name string) (*model.Team, error) {
	t := &model.Team{ID: uuid.New(), Name: name}
	if err := s.repo.CreateTeam(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// ListTeams возвращает все команды.
func (s *Service) ListTeams(ctx context.Context) ([]model.Team, error) {
	return s.repo.ListTeams(ctx)
}

// ProvisionDriver создаёт водителя от имени администратора.
func (s *Service) ProvisionDriver(ctx context.Context, login, password, name, plate string, teamID *uuid.UUID, isAdmin bool) (*model.Driver, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	d := &model.Driver{
		ID:           uuid.New(),
		Login:        login,
		PasswordHash: hash,
		Name:         name,
		Kind:         model.DriverKindActive,
		VehiclePlate: plate,
		TeamID:       teamID,
		IsAdmin:      isAdmin,
	}

	if err := s.repo.CreateDriver(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// RetireDriver переводит запись водителя в заглушку свободной машины.
func (s *Service) RetireDriver(ctx context.Context, id uuid.UUID) error {
	return s.repo.RetireDriver(ctx, id, unassignedVehicleName)
}

// SetDriverStats обновляет моментальные оценки безопасности и эффективности.
func (s *Service) SetDriverStats(ctx context.Context, id uuid.UUID, safety, efficiency int) error {
	if safety < 0 || safety > 100 || efficiency < 0 || efficiency > 100 {
		return ErrStatOutOfRange
	}
	return s.repo.UpdateDriverStats(ctx, id, safety, efficiency)
}

// AssignTeam закрепляет водителя за командой (nil — убрать из команды).
func (s *Service) AssignTeam(ctx context.Context, driverID uuid.UUID, teamID *uuid.UUID) error {
	return s.repo.AssignDriverTeam(ctx, driverID, teamID)
}

// CreateCompetition создаёт соревнование.
func (s *Service) CreateCompetition(ctx context.Context, c *model.Competition) (*model.Competition, error) {
	if c.RewardAmount <= 0 {
		return nil, ErrWagerNotPositive
	}
	if !c.EndAt.After(c.StartAt) {
		return nil, ErrInvalidWindow
	}
	if c.EntryCostPoints < 0 {
		return nil, ErrWagerNotPositive
	}

	c.ID = uuid.New()
	c.PaidOut = false

	if err := s.repo.CreateCompetition(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ListCompetitions возвращает все соревнования.
func (s *Service) ListCompetitions(ctx context.Context) ([]model.Competition, error) {
	return s.repo.ListCompetitions(ctx)
}

// GetCompetition возвращает соревнование по идентификатору.
func (s *Service) GetCompetition(ctx context.Context, id uuid.UUID) (*model.Competition, error) {
	return s.repo.GetCompetition(ctx, id)
}

// EnrollInCompetition записывает водителя в соревнование до его старта,
// списывая взнос в баллах.
func (s *Service) EnrollInCompetition(ctx context.Context, competitionID, driverID uuid.UUID) error {
	c, err := s.repo.GetCompetition(ctx, competitionID)
	if err != nil {
		return err
	}

	if !time.Now().Before(c.StartAt) {
		return ErrEnrollmentClosed
	}

	d, err := s.repo.GetDriver(ctx, driverID)
	if err != nil {
		return err
	}
	if _, ok := d.AsParticipant().(model.ActiveDriver); !ok {
		return ErrNotCompetitor
	}
	if !c.EligibleTeam(d.TeamID) {
		return ErrTeamNotEligible
	}

	return s.repo.EnrollDriver(ctx, competitionID, driverID, c.EntryCostPoints)
}

// CompetitionLeaderboard строит текущий рейтинг участников соревнования.
// Участники ранжируются по счёту за окно соревнования; при равенстве выше
// тот, кто записался раньше.
func (s *Service) CompetitionLeaderboard(ctx context.Context, competitionID uuid.UUID) ([]settlement.Ranked, error) {
	c, err := s.repo.GetCompetition(ctx, competitionID)
	if err != nil {
		return nil, err
	}

	entrants, err := s.repo.ListEntrants(ctx, competitionID)
	if err != nil {
		return nil, err
	}
	if len(entrants) == 0 {
		return nil, nil
	}

	drivers, err := s.repo.ListDriversWithDeliveries(ctx)
	if err != nil {
		return nil, err
	}

	byID := make(map[uuid.UUID]model.Driver, len(drivers))
	for _, d := range drivers {
		byID[d.ID] = d
	}

	// Порядок записи сохраняется: он определяет победителя при равном счёте.
	ordered := make([]model.Driver, 0, len(entrants))
	for _, id := range entrants {
		if d, ok := byID[id]; ok {
			ordered = append(ordered, d)
		}
	}

	iv, err := scoring.NewInterval(c.StartAt, c.EndAt)
	if err != nil {
		return nil, err
	}

	return settlement.Rank(ordered, c.Metric, iv)
}

// PayOutCompetition выплачивает приз соревнования. Операция доступна только
// администратору, выполняется не раньше окончания соревнования и не более
// одного раза.
func (s *Service) PayOutCompetition(ctx context.Context, competitionID, actorID uuid.UUID) (*model.Competition, error) {
	actor, err := s.repo.GetDriver(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin {
		return nil, ErrNotAdmin
	}

	c, err := s.repo.GetCompetition(ctx, competitionID)
	if err != nil {
		return nil, err
	}

	ranked, err := s.CompetitionLeaderboard(ctx, competitionID)
	if err != nil {
		return nil, err
	}

	plan, err := settlement.PlanPayout(time.Now(), *c, ranked)
	if err != nil {
		return nil, err
	}

	err = s.repo.PayOutCompetition(ctx, competitionID, plan.Change, plan.Notification)
	if errors.Is(err, repository.ErrAlreadyPaidOut) {
		return nil, settlement.ErrAlreadyPaidOut
	}
	if err != nil {
		return nil, err
	}

	if s.notifier != nil {
		s.notifier.Notify(plan.WinnerID, plan.Notification)
	}
	if s.publisher != nil {
		payload := events.CompetitionPaid{
			CompetitionID: competitionID.String(),
			WinnerID:      plan.WinnerID.String(),
			RewardKind:    string(c.RewardKind),
			RewardAmount:  c.RewardAmount,
		}
		if err := s.publisher.Publish(ctx, events.KeyCompetitionPaid, payload); err != nil {
			s.logger.Error("publish payout event", zap.Error(err),
				zap.String("competitionID", competitionID.String()))
		}
	}

	c.PaidOut = true
	return c, nil
}

// ListNotifications возвращает уведомления водителя от новых к старым.
func (s *Service) ListNotifications(ctx context.Context, driverID uuid.UUID) ([]model.Notification, error) {
	return s.repo.ListNotifications(ctx, driverID)
}

// MarkNotificationRead помечает уведомление прочитанным.
func (s *Service) MarkNotificationRead(ctx context.Context, driverID, noteID uuid.UUID) error {
	return s.repo.MarkNotificationRead(ctx, driverID, noteID)
}
