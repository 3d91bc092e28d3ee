// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/ndiyarov/fastrack-ranking/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrLoginTaken возвращается при попытке создать водителя с занятым логином.
var (
	ErrLoginTaken = errors.New("login already taken")
	// ErrDriverNotFound возвращается, если водитель не найден.
	ErrDriverNotFound = errors.New("driver not found")
	// ErrVehicleRecord возвращается при операции, неприменимой к записи
	// свободной машины.
	ErrVehicleRecord = errors.New("record is an unassigned vehicle")
	// ErrChallengeNotFound возвращается, если вызов не найден.
	ErrChallengeNotFound = errors.New("challenge not found")
	// ErrChallengeNotPending возвращается, если вызов нельзя принять или
	// отклонить: он не в статусе pending либо адресован другому водителю.
	ErrChallengeNotPending = errors.New("challenge is not pending for this driver")
	// ErrChallengeNotActive возвращается при попытке снять неактивный вызов.
	ErrChallengeNotActive = errors.New("challenge is not active")
	// ErrAlreadySettled возвращается, если итог вызова уже подведён другим
	// проходом. Для вызывающей стороны это штатная ситуация гонки.
	ErrAlreadySettled = errors.New("challenge already settled")
	// ErrCompetitionNotFound возвращается, если соревнование не найдено.
	ErrCompetitionNotFound = errors.New("competition not found")
	// ErrAlreadyPaidOut возвращается, если приз соревнования уже выплачен.
	ErrAlreadyPaidOut = errors.New("competition already paid out")
	// ErrAlreadyEnrolled возвращается при повторной записи в соревнование.
	ErrAlreadyEnrolled = errors.New("driver already enrolled")
	// ErrInsufficientPoints возвращается, если баллов не хватает на взнос.
	ErrInsufficientPoints = errors.New("insufficient points")
	// ErrNotificationNotFound возвращается, если уведомление не найдено.
	ErrNotificationNotFound = errors.New("notification not found")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure и Deadlock;
		// с переподключением pgxpool справляется сам.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		// Если это не pg-ошибка, но сетевая
		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

const driverColumns = `id, login, password_hash, name, kind, vehicle_plate, team_id,
	 points, money_cents, safety_score, efficiency_score, is_admin, created_at`

func scanDriver(row pgx.Row) (*model.Driver, error) {
	var d model.Driver
	err := row.Scan(&d.ID, &d.Login, &d.PasswordHash, &d.Name, &d.Kind, &d.VehiclePlate,
		&d.TeamID, &d.Points, &d.MoneyCents, &d.SafetyScore, &d.EfficiencyScore,
		&d.IsAdmin, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// CreateDriver сохраняет нового водителя.
func (r *PostgresRepository) CreateDriver(ctx context.Context, d *model.Driver) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO drivers (id, login, password_hash, name, kind, vehicle_plate, team_id, is_admin)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.Login, d.PasswordHash, d.Name, string(d.Kind), d.VehiclePlate, d.TeamID, d.IsAdmin,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrLoginTaken, d.Login)
		}
		return fmt.Errorf("create driver: %w", err)
	}
	return nil
}

// GetDriverByLogin возвращает водителя по логину.
func (r *PostgresRepository) GetDriverByLogin(ctx context.Context, login string) (*model.Driver, error) {
	d, err := scanDriver(r.pool.QueryRow(ctx,
		`SELECT `+driverColumns+` FROM drivers WHERE login = $1`, login))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDriverNotFound
		}
		return nil, fmt.Errorf("get driver by login: %w", err)
	}
	return d, nil
}

// GetDriver возвращает водителя по идентификатору без истории доставок.
func (r *PostgresRepository) GetDriver(ctx context.Context, id uuid.UUID) (*model.Driver, error) {
	d, err := scanDriver(r.pool.QueryRow(ctx,
		`SELECT `+driverColumns+` FROM drivers WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDriverNotFound
		}
		return nil, fmt.Errorf("get driver: %w", err)
	}
	return d, nil
}

// ListDrivers возвращает все записи водителей и свободных машин.
func (r *PostgresRepository) ListDrivers(ctx context.Context) ([]model.Driver, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+driverColumns+` FROM drivers ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("select drivers: %w", err)
	}
	defer rows.Close()

	var drivers []model.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, fmt.Errorf("scan driver: %w", err)
		}
		drivers = append(drivers, *d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return drivers, nil
}

// ListDriversWithDeliveries возвращает всех водителей вместе с их записями
// доставок по дням. Используется расчётами и рейтингами.
func (r *PostgresRepository) ListDriversWithDeliveries(ctx context.Context) ([]model.Driver, error) {
	drivers, err := r.ListDrivers(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT driver_id, day, channels FROM deliveries ORDER BY driver_id, day`)
	if err != nil {
		return nil, fmt.Errorf("select deliveries: %w", err)
	}
	defer rows.Close()

	byDriver := make(map[uuid.UUID][]model.DeliveryDay)
	for rows.Next() {
		var (
			driverID uuid.UUID
			day      time.Time
			channels map[string]int64
		)
		if err := rows.Scan(&driverID, &day, &channels); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		byDriver[driverID] = append(byDriver[driverID], model.DeliveryDay{Day: day, Channels: channels})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	for i := range drivers {
		drivers[i].Deliveries = byDriver[drivers[i].ID]
	}

	return drivers, nil
}

// UpsertDelivery записывает доставки водителя за день. Повторная запись за ту
// же дату заменяет предыдущую: не более одной записи на календарный день.
func (r *PostgresRepository) UpsertDelivery(ctx context.Context, driverID uuid.UUID, day time.Time, channels map[string]int64) error {
	var total int64
	for _, n := range channels {
		total += n
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO deliveries (driver_id, day, channels, total) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (driver_id, day) DO UPDATE SET channels = EXCLUDED.channels, total = EXCLUDED.total`,
		driverID, day, channels, total,
	)
	if err != nil {
		return fmt.Errorf("upsert delivery: %w", err)
	}
	return nil
}

// UpdateDriverStats обновляет моментальные оценки водителя.
func (r *PostgresRepository) UpdateDriverStats(ctx context.Context, id uuid.UUID, safety, efficiency int) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE drivers SET safety_score = $2, efficiency_score = $3 WHERE id = $1`,
		id, safety, efficiency,
	)
	if err != nil {
		return fmt.Errorf("update driver stats: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDriverNotFound
	}
	return nil
}

// AssignDriverTeam закрепляет водителя за командой (nil — убрать из команды).
func (r *PostgresRepository) AssignDriverTeam(ctx context.Context, id uuid.UUID, teamID *uuid.UUID) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE drivers SET team_id = $2 WHERE id = $1 AND kind = 'driver'`,
		id, teamID,
	)
	if err != nil {
		return fmt.Errorf("assign driver team: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDriverNotFound
	}
	return nil
}

// RetireDriver переводит запись водителя в заглушку свободной машины: номер
// машины сохраняется, вход в систему и участие в состязаниях прекращаются.
// Запись, уже представляющая свободную машину, повторно не обрабатывается.
func (r *PostgresRepository) RetireDriver(ctx context.Context, id uuid.UUID, placeholderName string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE drivers
		 SET kind = 'unassigned_vehicle', name = $2, password_hash = NULL, team_id = NULL, is_admin = FALSE
		 WHERE id = $1 AND kind = 'driver'`,
		id, placeholderName,
	)
	if err != nil {
		return fmt.Errorf("retire driver: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	if _, err := r.GetDriver(ctx, id); err != nil {
		return err
	}
	return ErrVehicleRecord
}

// CreateTeam создаёт команду.
func (r *PostgresRepository) CreateTeam(ctx context.Context, t *model.Team) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO teams (id, name) VALUES ($1, $2)`, t.ID, t.Name)
	if err != nil {
		return fmt.Errorf("create team: %w", err)
	}
	return nil
}

// ListTeams возвращает все команды.
func (r *PostgresRepository) ListTeams(ctx context.Context) ([]model.Team, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, created_at FROM teams ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("select teams: %w", err)
	}
	defer rows.Close()

	var teams []model.Team
	for rows.Next() {
		var t model.Team
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan team: %w", err)
		}
		teams = append(teams, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return teams, nil
}

const challengeColumns = `id, challenger_id, opponent_id, metric, wager_kind, wager_amount,
	 start_at, end_at, status, winner_id, created_at`

func scanChallenge(row pgx.Row) (*model.Challenge, error) {
	var ch model.Challenge
	err := row.Scan(&ch.ID, &ch.ChallengerID, &ch.OpponentID, &ch.Metric, &ch.Kind,
		&ch.Amount, &ch.StartAt, &ch.EndAt, &ch.Status, &ch.WinnerID, &ch.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// CreateChallenge сохраняет новый вызов.
func (r *PostgresRepository) CreateChallenge(ctx context.Context, ch *model.Challenge) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO challenges (id, challenger_id, opponent_id, metric, wager_kind, wager_amount, start_at, end_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ch.ID, ch.ChallengerID, ch.OpponentID, string(ch.Metric), string(ch.Kind),
		ch.Amount, ch.StartAt, ch.EndAt, string(ch.Status),
	)
	if err != nil {
		return fmt.Errorf("create challenge: %w", err)
	}
	return nil
}

// GetChallenge возвращает вызов по идентификатору.
func (r *PostgresRepository) GetChallenge(ctx context.Context, id uuid.UUID) (*model.Challenge, error) {
	ch, err := scanChallenge(r.pool.QueryRow(ctx,
		`SELECT `+challengeColumns+` FROM challenges WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("get challenge: %w", err)
	}
	return ch, nil
}

// ListChallengesByDriver возвращает вызовы, в которых водитель участвует как
// инициатор или соперник, от новых к старым.
func (r *PostgresRepository) ListChallengesByDriver(ctx context.Context, driverID uuid.UUID) ([]model.Challenge, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+challengeColumns+`
		 FROM challenges
		 WHERE challenger_id = $1 OR opponent_id = $1
		 ORDER BY created_at DESC`,
		driverID,
	)
	if err != nil {
		return nil, fmt.Errorf("select challenges: %w", err)
	}
	defer rows.Close()

	var challenges []model.Challenge
	for rows.Next() {
		ch, err := scanChallenge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan challenge: %w", err)
		}
		challenges = append(challenges, *ch)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return challenges, nil
}

// ListExpiredActiveChallenges возвращает активные вызовы, чьё время вышло.
func (r *PostgresRepository) ListExpiredActiveChallenges(ctx context.Context, now time.Time) ([]model.Challenge, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+challengeColumns+`
		 FROM challenges
		 WHERE status = 'active' AND end_at < $1
		 ORDER BY end_at`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("select expired challenges: %w", err)
	}
	defer rows.Close()

	var challenges []model.Challenge
	for rows.Next() {
		ch, err := scanChallenge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan challenge: %w", err)
		}
		challenges = append(challenges, *ch)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return challenges, nil
}

// AcceptChallenge принимает вызов от имени соперника. Окно действия
// сбрасывается: начало — момент принятия, длительность — исходная.
// Переход выполняется условно, только из статуса pending.
func (r *PostgresRepository) AcceptChallenge(ctx context.Context, id, opponentID uuid.UUID, now time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE challenges
		 SET status = 'active', start_at = $3, end_at = $3 + (end_at - start_at)
		 WHERE id = $1 AND opponent_id = $2 AND status = 'pending'`,
		id, opponentID, now,
	)
	if err != nil {
		return fmt.Errorf("accept challenge: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrChallengeNotPending
	}
	return nil
}

// DeclineChallenge отклоняет вызов от имени соперника.
func (r *PostgresRepository) DeclineChallenge(ctx context.Context, id, opponentID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE challenges SET status = 'declined'
		 WHERE id = $1 AND opponent_id = $2 AND status = 'pending'`,
		id, opponentID,
	)
	if err != nil {
		return fmt.Errorf("decline challenge: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrChallengeNotPending
	}
	return nil
}

// CancelChallenge снимает активный вызов. Административная операция для
// вызовов, застрявших из-за выбывшего участника.
func (r *PostgresRepository) CancelChallenge(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE challenges SET status = 'cancelled' WHERE id = $1 AND status = 'active'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("cancel challenge: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrChallengeNotActive
	}
	return nil
}

// SettleChallenge применяет итог вызова одной транзакцией: условный переход
// active → completed, изменения балансов обоих участников и их уведомления.
// Если переход не сработал (итог уже подведён другим проходом), транзакция
// откатывается и возвращается ErrAlreadySettled — выплат не происходит.
func (r *PostgresRepository) SettleChallenge(ctx context.Context, ch model.Challenge, changes []model.BalanceChange, notes []model.Notification) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		tag, err := tx.Exec(ctx,
			`UPDATE challenges SET status = 'completed', winner_id = $2
			 WHERE id = $1 AND status = 'active'`,
			ch.ID, ch.WinnerID,
		)
		if err != nil {
			return fmt.Errorf("complete challenge: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrAlreadySettled
		}

		for _, c := range changes {
			if err := applyBalanceChange(ctx, tx, c); err != nil {
				return err
			}
		}

		for _, n := range notes {
			if err := insertNotification(ctx, tx, n); err != nil {
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

func applyBalanceChange(ctx context.Context, tx pgx.Tx, c model.BalanceChange) error {
	column := "points"
	if c.Kind == model.WagerMoney {
		column = "money_cents"
	}

	tag, err := tx.Exec(ctx,
		`UPDATE drivers SET `+column+` = `+column+` + $2 WHERE id = $1`,
		c.DriverID, c.Delta,
	)
	if err != nil {
		return fmt.Errorf("apply balance change: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDriverNotFound, c.DriverID)
	}
	return nil
}

func insertNotification(ctx context.Context, tx pgx.Tx, n model.Notification) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO notifications (id, driver_id, title, body, link) VALUES ($1, $2, $3, $4, $5)`,
		n.ID, n.DriverID, n.Title, n.Body, n.Link,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

const competitionColumns = `id, name, description, metric, all_teams, team_ids, entry_cost_points,
	 reward_kind, reward_amount, start_at, end_at, paid_out, created_at`

func scanCompetition(row pgx.Row) (*model.Competition, error) {
	var c model.Competition
	err := row.Scan(&c.ID, &c.Name, &c.Description, &c.Metric, &c.AllTeams, &c.TeamIDs,
		&c.EntryCostPoints, &c.RewardKind, &c.RewardAmount, &c.StartAt, &c.EndAt,
		&c.PaidOut, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateCompetition сохраняет новое соревнование.
func (r *PostgresRepository) CreateCompetition(ctx context.Context, c *model.Competition) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO competitions (id, name, description, metric, all_teams, team_ids, entry_cost_points, reward_kind, reward_amount, start_at, end_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		c.ID, c.Name, c.Description, string(c.Metric), c.AllTeams, c.TeamIDs,
		c.EntryCostPoints, string(c.RewardKind), c.RewardAmount, c.StartAt, c.EndAt,
	)
	if err != nil {
		return fmt.Errorf("create competition: %w", err)
	}
	return nil
}

// GetCompetition возвращает соревнование по идентификатору.
func (r *PostgresRepository) GetCompetition(ctx context.Context, id uuid.UUID) (*model.Competition, error) {
	c, err := scanCompetition(r.pool.QueryRow(ctx,
		`SELECT `+competitionColumns+` FROM competitions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCompetitionNotFound
		}
		return nil, fmt.Errorf("get competition: %w", err)
	}
	return c, nil
}

// ListCompetitions возвращает все соревнования от новых к старым.
func (r *PostgresRepository) ListCompetitions(ctx context.Context) ([]model.Competition, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+competitionColumns+` FROM competitions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("select competitions: %w", err)
	}
	defer rows.Close()

	var competitions []model.Competition
	for rows.Next() {
		c, err := scanCompetition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan competition: %w", err)
		}
		competitions = append(competitions, *c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return competitions, nil
}

// EnrollDriver записывает водителя в соревнование, списывая взнос в баллах.
// Строка водителя блокируется, чтобы параллельные записи не увели баланс
// ниже взноса.
func (r *PostgresRepository) EnrollDriver(ctx context.Context, competitionID, driverID uuid.UUID, costPoints int64) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var points int64
		err = tx.QueryRow(ctx,
			`SELECT points FROM drivers WHERE id = $1 FOR UPDATE`, driverID,
		).Scan(&points)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrDriverNotFound
			}
			return fmt.Errorf("lock driver for update: %w", err)
		}

		if points < costPoints {
			return ErrInsufficientPoints
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO competition_entries (competition_id, driver_id) VALUES ($1, $2)`,
			competitionID, driverID,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				return ErrAlreadyEnrolled
			}
			return fmt.Errorf("insert entry: %w", err)
		}

		if costPoints > 0 {
			_, err = tx.Exec(ctx,
				`UPDATE drivers SET points = points - $2 WHERE id = $1`,
				driverID, costPoints,
			)
			if err != nil {
				return fmt.Errorf("charge entry cost: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// ListEntrants возвращает участников соревнования в порядке записи.
// Этот порядок — правило разрешения ничьей при выплате приза.
func (r *PostgresRepository) ListEntrants(ctx context.Context, competitionID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT driver_id FROM competition_entries WHERE competition_id = $1 ORDER BY enrolled_at`,
		competitionID,
	)
	if err != nil {
		return nil, fmt.Errorf("select entrants: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan entrant: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return ids, nil
}

// PayOutCompetition выплачивает приз одной транзакцией: условный переход
// paid_out FALSE → TRUE, начисление победителю и его уведомление. Если приз
// уже выплачен, возвращается ErrAlreadyPaidOut без каких-либо изменений.
func (r *PostgresRepository) PayOutCompetition(ctx context.Context, competitionID uuid.UUID, change model.BalanceChange, note model.Notification) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		tag, err := tx.Exec(ctx,
			`UPDATE competitions SET paid_out = TRUE WHERE id = $1 AND paid_out = FALSE`,
			competitionID,
		)
		if err != nil {
			return fmt.Errorf("mark paid out: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrAlreadyPaidOut
		}

		if err := applyBalanceChange(ctx, tx, change); err != nil {
			return err
		}
		if err := insertNotification(ctx, tx, note); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// ListNotifications возвращает уведомления водителя от новых к старым.
func (r *PostgresRepository) ListNotifications(ctx context.Context, driverID uuid.UUID) ([]model.Notification, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, driver_id, title, body, link, read, created_at
		 FROM notifications
		 WHERE driver_id = $1
		 ORDER BY created_at DESC`,
		driverID,
	)
	if err != nil {
		return nil, fmt.Errorf("select notifications: %w", err)
	}
	defer rows.Close()

	var notes []model.Notification
	for rows.Next() {
		var n model.Notification
		if err := rows.Scan(&n.ID, &n.DriverID, &n.Title, &n.Body, &n.Link, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notes = append(notes, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return notes, nil
}

// MarkNotificationRead помечает уведомление водителя прочитанным.
func (r *PostgresRepository) MarkNotificationRead(ctx context.Context, driverID, noteID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE notifications SET read = TRUE WHERE id = $1 AND driver_id = $2`,
		noteID, driverID,
	)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotificationNotFound
	}
	return nil
}
