// Package handler содержит HTTP-обработчики API сервиса Fastrack Ranking.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ndiyarov/fastrack-ranking/internal/middleware"
	"github.com/ndiyarov/fastrack-ranking/internal/model"
	"github.com/ndiyarov/fastrack-ranking/internal/qrcode"
	"github.com/ndiyarov/fastrack-ranking/internal/repository"
	"github.com/ndiyarov/fastrack-ranking/internal/service"
	"github.com/ndiyarov/fastrack-ranking/internal/settlement"
	"github.com/ndiyarov/fastrack-ranking/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterDriver(ctx context.Context, login, password, name string) (*model.Driver, error)
	AuthenticateDriver(ctx context.Context, login, password string) (*model.Driver, error)
	GetDriver(ctx context.Context, id uuid.UUID) (*model.Driver, error)
	ListDrivers(ctx context.Context) ([]model.Driver, error)
	LogDelivery(ctx context.Context, driverID uuid.UUID, day time.Time, channels map[string]int64) error
	Leaderboard(ctx context.Context, metric model.Metric, from, to time.Time) ([]settlement.Ranked, error)

	CreateChallenge(ctx context.Context, challengerID, opponentID uuid.UUID, metric model.Metric, kind model.WagerKind, amount int64, duration time.Duration) (*model.Challenge, error)
	GetChallenge(ctx context.Context, id uuid.UUID) (*model.Challenge, error)
	MyChallenges(ctx context.Context, driverID uuid.UUID) ([]model.Challenge, error)
	AcceptChallenge(ctx context.Context, driverID, challengeID uuid.UUID) error
	DeclineChallenge(ctx context.Context, driverID, challengeID uuid.UUID) error
	CancelChallenge(ctx context.Context, challengeID uuid.UUID) error

	CreateTeam(ctx context.Context, name string) (*model.Team, error)
	ListTeams(ctx context.Context) ([]model.Team, error)
	ProvisionDriver(ctx context.Context, login, password, name, plate string, teamID *uuid.UUID, isAdmin bool) (*model.Driver, error)
	RetireDriver(ctx context.Context, id uuid.UUID) error
	SetDriverStats(ctx context.Context, id uuid.UUID, safety, efficiency int) error
	AssignTeam(ctx context.Context, driverID uuid.UUID, teamID *uuid.UUID) error

	CreateCompetition(ctx context.Context, c *model.Competition) (*model.Competition, error)
	ListCompetitions(ctx context.Context) ([]model.Competition, error)
	GetCompetition(ctx context.Context, id uuid.UUID) (*model.Competition, error)
	EnrollInCompetition(ctx context.Context, competitionID, driverID uuid.UUID) error
	CompetitionLeaderboard(ctx context.Context, competitionID uuid.UUID) ([]settlement.Ranked, error)
	PayOutCompetition(ctx context.Context, competitionID, actorID uuid.UUID) (*model.Competition, error)

	ListNotifications(ctx context.Context, driverID uuid.UUID) ([]model.Notification, error)
	MarkNotificationRead(ctx context.Context, driverID, noteID uuid.UUID) error
}

// Handler реализует HTTP-обработчики API сервиса Fastrack Ranking.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	ws             http.HandlerFunc
	publicBaseURL  string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// ws может быть nil, тогда маршрут /ws не регистрируется.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, ws http.HandlerFunc, publicBaseURL string) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		ws:             ws,
		publicBaseURL:  publicBaseURL,
	}
}

// Деньги в API передаются в рублях с копейками, внутри хранятся в копейках.
// Ставки в баллах остаются целыми.
func wagerOut(kind model.WagerKind, amount int64) float64 {
	if kind == model.WagerMoney {
		return float64(amount) / 100
	}
	return float64(amount)
}

func wagerIn(kind model.WagerKind, amount float64) int64 {
	if kind == model.WagerMoney {
		return int64(math.Round(amount * 100))
	}
	return int64(amount)
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	h.writeJSONStatus(w, http.StatusOK, v)
}

func (h *Handler) writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

func urlParamUUID(r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	return id, err == nil
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// Register обрабатывает регистрацию нового водителя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	d, err := h.service.RegisterDriver(r.Context(), req.Login, req.Password, req.Name)
	if err != nil {
		if errors.Is(err, repository.ErrLoginTaken) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register driver error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.issueToken(w, d)
}

// Login выполняет аутентификацию водителя и выдачу токена.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	d, err := h.service.AuthenticateDriver(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login driver error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.issueToken(w, d)
}

func (h *Handler) issueToken(w http.ResponseWriter, d *model.Driver) {
	token, err := h.authMiddleware.IssueToken(d.ID, d.IsAdmin)
	if err != nil {
		h.logger.Error("issue token error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Authorization", "Bearer "+token)
	h.writeJSON(w, tokenResponse{Token: token})
}

type driverResponse struct {
	ID              string  `json:"id"`
	Login           string  `json:"login,omitempty"`
	Name            string  `json:"name"`
	Kind            string  `json:"kind"`
	VehiclePlate    string  `json:"vehicle_plate,omitempty"`
	TeamID          *string `json:"team_id,omitempty"`
	Points          int64   `json:"points"`
	Money           float64 `json:"money"`
	SafetyScore     int     `json:"safety_score"`
	EfficiencyScore int     `json:"efficiency_score"`
	IsAdmin         bool    `json:"is_admin,omitempty"`
}

func toDriverResponse(d *model.Driver) driverResponse {
	resp := driverResponse{
		ID:              d.ID.String(),
		Login:           d.Login,
		Name:            d.Name,
		Kind:            string(d.Kind),
		VehiclePlate:    d.VehiclePlate,
		Points:          d.Points,
		Money:           float64(d.MoneyCents) / 100,
		SafetyScore:     d.SafetyScore,
		EfficiencyScore: d.EfficiencyScore,
		IsAdmin:         d.IsAdmin,
	}
	if d.TeamID != nil {
		id := d.TeamID.String()
		resp.TeamID = &id
	}
	return resp
}

// Me возвращает профиль текущего водителя.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	driverID, ok := middleware.GetDriverIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	d, err := h.service.GetDriver(r.Context(), driverID)
	if err != nil {
		if errors.Is(err, repository.ErrDriverNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get driver error", zap.Error(err), zap.String("driverID", driverID.String()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, toDriverResponse(d))
}

type deliveryRequest struct {
	Day      string           `json:"day"`
	Channels map[string]int64 `json:"channels"`
}

// LogDelivery записывает доставки текущего водителя за день. Повторная запись
// за ту же дату заменяет предыдущую.
func (h *Handler) LogDelivery(w http.ResponseWriter, r *http.Request) {
	driverID, ok := middleware.GetDriverIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req deliveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	day, err := validation.ParseDay(req.Day)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !validation.IsValidChannelCounts(req.Channels) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	if err := h.service.LogDelivery(r.Context(), driverID, day, req.Channels); err != nil {
		h.logger.Error("log delivery error", zap.Error(err), zap.String("driverID", driverID.String()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type rankedResponse struct {
	Position int    `json:"position"`
	DriverID string `json:"driver_id"`
	Name     string `json:"name"`
	Score    int64  `json:"score"`
}

func toRankedResponse(ranked []settlement.Ranked) []rankedResponse {
	resp := make([]rankedResponse, 0, len(ranked))
	for i, entry := range ranked {
		resp = append(resp, rankedResponse{
			Position: i + 1,
			DriverID: entry.Driver.ID.String(),
			Name:     entry.Driver.Name,
			Score:    entry.Score,
		})
	}
	return resp
}

// Leaderboard возвращает общий рейтинг водителей по метрике за интервал дат.
// Параметры запроса: metric, from, to (даты в формате 2006-01-02).
func (h *Handler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	metric := r.URL.Query().Get("metric")
	if !validation.IsValidMetric(metric) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	from, err := validation.ParseDay(r.URL.Query().Get("from"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	to, err := validation.ParseDay(r.URL.Query().Get("to"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	ranked, err := h.service.Leaderboard(r.Context(), model.Metric(metric), from, to)
	if err != nil {
		h.logger.Error("leaderboard error", zap.Error(err), zap.String("metric", metric))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, toRankedResponse(ranked))
}

type challengeRequest struct {
	OpponentID string  `json:"opponent_id"`
	Metric     string  `json:"metric"`
	Kind       string  `json:"kind"`
	Amount     float64 `json:"amount"`
	Duration   string  `json:"duration"`
}

type challengeResponse struct {
	ID           string  `json:"id"`
	ChallengerID string  `json:"challenger_id"`
	OpponentID   string  `json:"opponent_id"`
	Metric       string  `json:"metric"`
	Kind         string  `json:"kind"`
	Amount       float64 `json:"amount"`
	StartAt      string  `json:"start_at"`
	EndAt        string  `json:"end_at"`
	Status       string  `json:"status"`
	WinnerID     *string `json:"winner_id,omitempty"`
}

func toChallengeResponse(ch *model.Challenge) challengeResponse {
	resp := challengeResponse{
		ID:           ch.ID.String(),
		ChallengerID: ch.ChallengerID.String(),
		OpponentID:   ch.OpponentID.String(),
		Metric:       string(ch.Metric),
		Kind:         string(ch.Kind),
		Amount:       wagerOut(ch.Kind, ch.Amount),
		StartAt:      ch.StartAt.Format(time.RFC3339),
		EndAt:        ch.EndAt.Format(time.RFC3339),
		Status:       string(ch.Status),
	}
	if ch.WinnerID != nil {
		id := ch.WinnerID.String()
		resp.WinnerID = &id
	}
	return resp
}

// CreateChallenge создаёт вызов от текущего водителя.
func (h *Handler) CreateChallenge(w http.ResponseWriter, r *http.Request) {
	driverID, ok := middleware.GetDriverIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req challengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	opponentID, err := uuid.Parse(req.OpponentID)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if !validation.IsValidMetric(req.Metric) || !validation.IsValidWagerKind(req.Kind) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}
	duration, err := time.ParseDuration(req.Duration)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	kind := model.WagerKind(req.Kind)
	ch, err := h.service.CreateChallenge(r.Context(), driverID, opponentID,
		model.Metric(req.Metric), kind, wagerIn(kind, req.Amount), duration)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrSelfChallenge),
			errors.Is(err, service.ErrOpponentInvalid),
			errors.Is(err, service.ErrWagerNotPositive),
			errors.Is(err, service.ErrInvalidWindow):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		default:
			h.logger.Error("create challenge error", zap.Error(err), zap.String("driverID", driverID.String()))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSONStatus(w, http.StatusCreated, toChallengeResponse(ch))
}

// MyChallenges возвращает вызовы текущего водителя. Перед ответом подводятся
// итоги просроченных вызовов.
func (h *Handler) MyChallenges(w http.ResponseWriter, r *http.Request) {
	driverID, ok := middleware.GetDriverIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	challenges, err := h.service.MyChallenges(r.Context(), driverID)
	if err != nil {
		h.logger.Error("list challenges error", zap.Error(err), zap.String("driverID", driverID.String()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(challenges) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]challengeResponse, 0, len(challenges))
	for i := range challenges {
		resp = append(resp, toChallengeResponse(&challenges[i]))
	}
	h.writeJSON(w, resp)
}

// getParticipantChallenge достаёт вызов и проверяет, что текущий водитель —
// его участник. Чужие вызовы неотличимы от несуществующих.
func (h *Handler) getParticipantChallenge(w http.ResponseWriter, r *http.Request) (*model.Challenge, uuid.UUID, bool) {
	driverID, ok := middleware.GetDriverIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return nil, uuid.Nil, false
	}

	id, ok := urlParamUUID(r, "challengeID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return nil, uuid.Nil, false
	}

	ch, err := h.service.GetChallenge(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrChallengeNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return nil, uuid.Nil, false
		}
		h.logger.Error("get challenge error", zap.Error(err), zap.String("challengeID", id.String()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return nil, uuid.Nil, false
	}

	if ch.ChallengerID != driverID && ch.OpponentID != driverID {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return nil, uuid.Nil, false
	}

	return ch, driverID, true
}

// GetChallenge возвращает вызов, в котором участвует текущий водитель.
func (h *Handler) GetChallenge(w http.ResponseWriter, r *http.Request) {
	ch, _, ok := h.getParticipantChallenge(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, toChallengeResponse(ch))
}

// AcceptChallenge принимает вызов. Окно состязания начинается с момента принятия.
func (h *Handler) AcceptChallenge(w http.ResponseWriter, r *http.Request) {
	ch, driverID, ok := h.getParticipantChallenge(w, r)
	if !ok {
		return
	}

	if err := h.service.AcceptChallenge(r.Context(), driverID, ch.ID); err != nil {
		if errors.Is(err, repository.ErrChallengeNotPending) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("accept challenge error", zap.Error(err), zap.String("challengeID", ch.ID.String()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// DeclineChallenge отклоняет вызов.
func (h *Handler) DeclineChallenge(w http.ResponseWriter, r *http.Request) {
	ch, driverID, ok := h.getParticipantChallenge(w, r)
	if !ok {
		return
	}

	if err := h.service.DeclineChallenge(r.Context(), driverID, ch.ID); err != nil {
		if errors.Is(err, repository.ErrChallengeNotPending) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("decline challenge error", zap.Error(err), zap.String("challengeID", ch.ID.String()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// ChallengeQR отдаёт PNG с QR-кодом ссылки на вызов, чтобы показать его
// сопернику с экрана телефона.
func (h *Handler) ChallengeQR(w http.ResponseWriter, r *http.Request) {
	ch, _, ok := h.getParticipantChallenge(w, r)
	if !ok {
		return
	}

	png, err := qrcode.Generate(h.publicBaseURL + "/challenges/" + ch.ID.String())
	if err != nil {
		h.logger.Error("generate qr error", zap.Error(err), zap.String("challengeID", ch.ID.String()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	if _, err := w.Write(png); err != nil {
		h.logger.Error("write qr error", zap.Error(err))
	}
}

type competitionRequest struct {
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	Metric          string   `json:"metric"`
	AllTeams        bool     `json:"all_teams"`
	TeamIDs         []string `json:"team_ids"`
	EntryCostPoints int64    `json:"entry_cost_points"`
	RewardKind      string   `json:"reward_kind"`
	RewardAmount    float64  `json:"reward_amount"`
	StartAt         string   `json:"start_at"`
	EndAt           string   `json:"end_at"`
}

type competitionResponse struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	Metric          string   `json:"metric"`
	AllTeams        bool     `json:"all_teams"`
	TeamIDs         []string `json:"team_ids,omitempty"`
	EntryCostPoints int64    `json:"entry_cost_points"`
	RewardKind      string   `json:"reward_kind"`
	RewardAmount    float64  `json:"reward_amount"`
	StartAt         string   `json:"start_at"`
	EndAt           string   `json:"end_at"`
	PaidOut         bool     `json:"paid_out"`
}

func toCompetitionResponse(c *model.Competition) competitionResponse {
	resp := competitionResponse{
		ID:              c.ID.String(),
		Name:            c.Name,
		Description:     c.Description,
		Metric:          string(c.Metric),
		AllTeams:        c.AllTeams,
		EntryCostPoints: c.EntryCostPoints,
		RewardKind:      string(c.RewardKind),
		RewardAmount:    wagerOut(c.RewardKind, c.RewardAmount),
		StartAt:         c.StartAt.Format(time.RFC3339),
		EndAt:           c.EndAt.Format(time.RFC3339),
		PaidOut:         c.PaidOut,
	}
	for _, id := range c.TeamIDs {
		resp.TeamIDs = append(resp.TeamIDs, id.String())
	}
	return resp
}

// CreateCompetition создаёт соревнование. Административная операция.
func (h *Handler) CreateCompetition(w http.ResponseWriter, r *http.Request) {
	var req competitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Name == "" || !validation.IsValidMetric(req.Metric) || !validation.IsValidWagerKind(req.RewardKind) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	startAt, err := time.Parse(time.RFC3339, req.StartAt)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	endAt, err := time.Parse(time.RFC3339, req.EndAt)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	teamIDs := make([]uuid.UUID, 0, len(req.TeamIDs))
	for _, raw := range req.TeamIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		teamIDs = append(teamIDs, id)
	}

	rewardKind := model.WagerKind(req.RewardKind)
	c, err := h.service.CreateCompetition(r.Context(), &model.Competition{
		Name:            req.Name,
		Description:     req.Description,
		Metric:          model.Metric(req.Metric),
		AllTeams:        req.AllTeams,
		TeamIDs:         teamIDs,
		EntryCostPoints: req.EntryCostPoints,
		RewardKind:      rewardKind,
		RewardAmount:    wagerIn(rewardKind, req.RewardAmount),
		StartAt:         startAt,
		EndAt:           endAt,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrWagerNotPositive), errors.Is(err, service.ErrInvalidWindow):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		default:
			h.logger.Error("create competition error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSONStatus(w, http.StatusCreated, toCompetitionResponse(c))
}

// ListCompetitions возвращает все соревнования.
func (h *Handler) ListCompetitions(w http.ResponseWriter, r *http.Request) {
	competitions, err := h.service.ListCompetitions(r.Context())
	if err != nil {
		h.logger.Error("list competitions error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]competitionResponse, 0, len(competitions))
	for i := range competitions {
		resp = append(resp, toCompetitionResponse(&competitions[i]))
	}
	h.writeJSON(w, resp)
}

// GetCompetition возвращает соревнование по идентификатору.
func (h *Handler) GetCompetition(w http.ResponseWriter, r *http.Request) {
	id, ok := urlParamUUID(r, "competitionID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	c, err := h.service.GetCompetition(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrCompetitionNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get competition error", zap.Error(err), zap.String("competitionID", id.String()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, toCompetitionResponse(c))
}

// Enroll записывает текущего водителя в соревнование.
func (h *Handler) Enroll(w http.ResponseWriter, r *http.Request) {
	driverID, ok := middleware.GetDriverIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, ok := urlParamUUID(r, "competitionID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err := h.service.EnrollInCompetition(r.Context(), id, driverID)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, repository.ErrCompetitionNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, repository.ErrInsufficientPoints):
		http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
	case errors.Is(err, repository.ErrAlreadyEnrolled),
		errors.Is(err, service.ErrEnrollmentClosed),
		errors.Is(err, service.ErrTeamNotEligible),
		errors.Is(err, service.ErrNotCompetitor):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	default:
		h.logger.Error("enroll error", zap.Error(err),
			zap.String("competitionID", id.String()), zap.String("driverID", driverID.String()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// CompetitionLeaderboard возвращает текущий рейтинг участников соревнования.
func (h *Handler) CompetitionLeaderboard(w http.ResponseWriter, r *http.Request) {
	id, ok := urlParamUUID(r, "competitionID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	ranked, err := h.service.CompetitionLeaderboard(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrCompetitionNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("competition leaderboard error", zap.Error(err), zap.String("competitionID", id.String()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, toRankedResponse(ranked))
}

// PayOut выплачивает приз соревнования. Административная операция.
func (h *Handler) PayOut(w http.ResponseWriter, r *http.Request) {
	driverID, ok := middleware.GetDriverIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, ok := urlParamUUID(r, "competitionID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	c, err := h.service.PayOutCompetition(r.Context(), id, driverID)
	switch {
	case err == nil:
		h.writeJSON(w, toCompetitionResponse(c))
	case errors.Is(err, repository.ErrCompetitionNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, service.ErrNotAdmin):
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	case errors.Is(err, settlement.ErrCompetitionNotFinished),
		errors.Is(err, settlement.ErrAlreadyPaidOut),
		errors.Is(err, settlement.ErrNoEligibleDrivers):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	default:
		h.logger.Error("payout error", zap.Error(err), zap.String("competitionID", id.String()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

type notificationResponse struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Link      string `json:"link,omitempty"`
	Read      bool   `json:"read"`
	CreatedAt string `json:"created_at"`
}

// MyNotifications возвращает уведомления текущего водителя от новых к старым.
func (h *Handler) MyNotifications(w http.ResponseWriter, r *http.Request) {
	driverID, ok := middleware.GetDriverIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	notes, err := h.service.ListNotifications(r.Context(), driverID)
	if err != nil {
		h.logger.Error("list notifications error", zap.Error(err), zap.String("driverID", driverID.String()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(notes) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]notificationResponse, 0, len(notes))
	for _, n := range notes {
		resp = append(resp, notificationResponse{
			ID:        n.ID.String(),
			Title:     n.Title,
			Body:      n.Body,
			Link:      n.Link,
			Read:      n.Read,
			CreatedAt: n.CreatedAt.Format(time.RFC3339),
		})
	}
	h.writeJSON(w, resp)
}

// ReadNotification помечает уведомление текущего водителя прочитанным.
func (h *Handler) ReadNotification(w http.ResponseWriter, r *http.Request) {
	driverID, ok := middleware.GetDriverIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, ok := urlParamUUID(r, "notificationID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.MarkNotificationRead(r.Context(), driverID, id); err != nil {
		if errors.Is(err, repository.ErrNotificationNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("read notification error", zap.Error(err), zap.String("notificationID", id.String()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type teamRequest struct {
	Name string `json:"name"`
}

type teamResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CreateTeam создаёт команду. Административная операция.
func (h *Handler) CreateTeam(w http.ResponseWriter, r *http.Request) {
	var req teamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	t, err := h.service.CreateTeam(r.Context(), req.Name)
	if err != nil {
		h.logger.Error("create team error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSONStatus(w, http.StatusCreated, teamResponse{ID: t.ID.String(), Name: t.Name})
}

// ListTeams возвращает все команды. Административная операция.
func (h *Handler) ListTeams(w http.ResponseWriter, r *http.Request) {
	teams, err := h.service.ListTeams(r.Context())
	if err != nil {
		h.logger.Error("list teams error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]teamResponse, 0, len(teams))
	for _, t := range teams {
		resp = append(resp, teamResponse{ID: t.ID.String(), Name: t.Name})
	}
	h.writeJSON(w, resp)
}

type provisionRequest struct {
	Login        string `json:"login"`
	Password     string `json:"password"`
	Name         string `json:"name"`
	VehiclePlate string `json:"vehicle_plate"`
	TeamID       string `json:"team_id,omitempty"`
	IsAdmin      bool   `json:"is_admin"`
}

// ProvisionDriver создаёт водителя от имени администратора.
func (h *Handler) ProvisionDriver(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	plate := validation.NormalizePlate(req.VehiclePlate)
	if req.VehiclePlate != "" && plate == "" {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	var teamID *uuid.UUID
	if req.TeamID != "" {
		id, err := uuid.Parse(req.TeamID)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		teamID = &id
	}

	d, err := h.service.ProvisionDriver(r.Context(), req.Login, req.Password, req.Name, plate, teamID, req.IsAdmin)
	if err != nil {
		if errors.Is(err, repository.ErrLoginTaken) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("provision driver error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSONStatus(w, http.StatusCreated, toDriverResponse(d))
}

// ListAllDrivers возвращает все записи, включая свободные машины.
// Административная операция.
func (h *Handler) ListAllDrivers(w http.ResponseWriter, r *http.Request) {
	drivers, err := h.service.ListDrivers(r.Context())
	if err != nil {
		h.logger.Error("list drivers error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]driverResponse, 0, len(drivers))
	for i := range drivers {
		resp = append(resp, toDriverResponse(&drivers[i]))
	}
	h.writeJSON(w, resp)
}

// RetireDriver переводит запись водителя в свободную машину.
// Административная операция.
func (h *Handler) RetireDriver(w http.ResponseWriter, r *http.Request) {
	id, ok := urlParamUUID(r, "driverID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err := h.service.RetireDriver(r.Context(), id)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, repository.ErrDriverNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, repository.ErrVehicleRecord):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	default:
		h.logger.Error("retire driver error", zap.Error(err), zap.String("driverID", id.String()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

type statsRequest struct {
	SafetyScore     int `json:"safety_score"`
	EfficiencyScore int `json:"efficiency_score"`
}

// SetDriverStats обновляет оценки безопасности и эффективности водителя.
// Административная операция.
func (h *Handler) SetDriverStats(w http.ResponseWriter, r *http.Request) {
	id, ok := urlParamUUID(r, "driverID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req statsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err := h.service.SetDriverStats(r.Context(), id, req.SafetyScore, req.EfficiencyScore)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, service.ErrStatOutOfRange):
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
	case errors.Is(err, repository.ErrDriverNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	default:
		h.logger.Error("set driver stats error", zap.Error(err), zap.String("driverID", id.String()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

type assignTeamRequest struct {
	TeamID string `json:"team_id"`
}

// AssignTeam закрепляет водителя за командой. Пустой team_id убирает
// водителя из команды. Административная операция.
func (h *Handler) AssignTeam(w http.ResponseWriter, r *http.Request) {
	id, ok := urlParamUUID(r, "driverID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req assignTeamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var teamID *uuid.UUID
	if req.TeamID != "" {
		parsed, err := uuid.Parse(req.TeamID)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		teamID = &parsed
	}

	err := h.service.AssignTeam(r.Context(), id, teamID)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, repository.ErrDriverNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	default:
		h.logger.Error("assign team error", zap.Error(err), zap.String("driverID", id.String()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// CancelChallenge снимает застрявший активный вызов. Административная операция.
func (h *Handler) CancelChallenge(w http.ResponseWriter, r *http.Request) {
	id, ok := urlParamUUID(r, "challengeID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err := h.service.CancelChallenge(r.Context(), id)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, repository.ErrChallengeNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, repository.ErrChallengeNotActive):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	default:
		h.logger.Error("cancel challenge error", zap.Error(err), zap.String("challengeID", id.String()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
