// Package model содержит доменные сущности сервиса Fastrack Ranking.
package model

import (
	"time"

	"github.com/google/uuid"
)

// DriverKind различает настоящих водителей и записи-заглушки свободных машин.
type DriverKind string

const (
	// DriverKindActive — действующий водитель.
	DriverKindActive DriverKind = "driver"
	// DriverKindUnassignedVehicle — машина без закреплённого водителя.
	// Такая запись хранит номер машины, но не участвует в рейтингах,
	// соревнованиях и вызовах.
	DriverKindUnassignedVehicle DriverKind = "unassigned_vehicle"
)

// Driver представляет водителя автопарка и его соревновательное состояние.
// Балансы (баллы и деньги) могут уходить в минус: проигранная ставка
// списывается без нижней границы.
type Driver struct {
	ID              uuid.UUID
	Login           string
	PasswordHash    []byte
	Name            string
	Kind            DriverKind
	VehiclePlate    string
	TeamID          *uuid.UUID
	Points          int64
	MoneyCents      int64
	SafetyScore     int
	EfficiencyScore int
	IsAdmin         bool
	CreatedAt       time.Time

	// Deliveries — записи доставок по дням, не более одной на календарную
	// дату. Заполняется репозиторием по запросу.
	Deliveries []DeliveryDay
}

// DeliveryDay — доставки водителя за один календарный день с разбивкой
// по каналам (маркетплейс, курьерская сеть и т.п.).
type DeliveryDay struct {
	Day      time.Time
	Channels map[string]int64
}

// Total возвращает суммарное число доставок за день по всем каналам.
func (d DeliveryDay) Total() int64 {
	var sum int64
	for _, n := range d.Channels {
		sum += n
	}
	return sum
}

// Participant — участник состязания. Запись в таблице водителей может
// представлять либо действующего водителя, либо свободную машину; тип не
// позволяет логике расчётов перепутать одно с другим.
type Participant interface {
	participant()
}

// ActiveDriver — водитель, допущенный к состязаниям.
type ActiveDriver struct {
	Driver *Driver
}

// UnassignedVehicle — машина без водителя; в расчётах не участвует.
type UnassignedVehicle struct {
	Plate string
}

func (ActiveDriver) participant()      {}
func (UnassignedVehicle) participant() {}

// AsParticipant классифицирует запись водителя.
func (d *Driver) AsParticipant() Participant {
	if d.Kind == DriverKindUnassignedVehicle {
		return UnassignedVehicle{Plate: d.VehiclePlate}
	}
	return ActiveDriver{Driver: d}
}

// Team — команда водителей. Водители ссылаются на команду по идентификатору,
// каскадного удаления нет.
type Team struct {
	ID        uuid.UUID
	Name      string
	CreatedAt time.Time
}

// Metric — измерение, по которому считается счёт участника.
type Metric string

const (
	// MetricDeliveryCount — число доставок за интервал.
	MetricDeliveryCount Metric = "delivery_count"
	// MetricSafetyScore — текущая оценка безопасности вождения (0–100).
	MetricSafetyScore Metric = "safety_score"
	// MetricEfficiencyScore — текущая оценка эффективности (0–100).
	MetricEfficiencyScore Metric = "efficiency_score"
)

// WagerKind — валюта ставки или награды.
type WagerKind string

const (
	WagerPoints WagerKind = "points"
	WagerMoney  WagerKind = "money"
)

// ChallengeStatus описывает состояние вызова один на один.
type ChallengeStatus string

const (
	ChallengeStatusPending   ChallengeStatus = "pending"
	ChallengeStatusActive    ChallengeStatus = "active"
	ChallengeStatusDeclined  ChallengeStatus = "declined"
	ChallengeStatusCompleted ChallengeStatus = "completed"
	// ChallengeStatusCancelled — вызов снят администратором; применяется к
	// застрявшим вызовам, участник которых уволился.
	ChallengeStatusCancelled ChallengeStatus = "cancelled"
)

// Challenge — вызов один на один со ставкой. Amount хранится в баллах либо
// копейках в зависимости от Kind.
type Challenge struct {
	ID           uuid.UUID
	ChallengerID uuid.UUID
	OpponentID   uuid.UUID
	Metric       Metric
	Kind         WagerKind
	Amount       int64
	StartAt      time.Time
	EndAt        time.Time
	Status       ChallengeStatus
	WinnerID     *uuid.UUID
	CreatedAt    time.Time
}

// Competition — соревнование с записью участников и единственным призом
// лучшему по счёту. RewardAmount хранится в баллах либо копейках в
// зависимости от RewardKind.
type Competition struct {
	ID              uuid.UUID
	Name            string
	Description     string
	Metric          Metric
	AllTeams        bool
	TeamIDs         []uuid.UUID
	EntryCostPoints int64
	RewardKind      WagerKind
	RewardAmount    int64
	StartAt         time.Time
	EndAt           time.Time
	PaidOut         bool
	CreatedAt       time.Time
}

// EligibleTeam сообщает, допущена ли команда к соревнованию.
// Водители без команды допускаются только к соревнованиям для всех команд.
func (c *Competition) EligibleTeam(teamID *uuid.UUID) bool {
	if c.AllTeams {
		return true
	}
	if teamID == nil {
		return false
	}
	for _, id := range c.TeamIDs {
		if id == *teamID {
			return true
		}
	}
	return false
}

// Notification — уведомление водителя. Список читается от новых к старым.
type Notification struct {
	ID        uuid.UUID
	DriverID  uuid.UUID
	Title     string
	Body      string
	Link      string
	Read      bool
	CreatedAt time.Time
}

// BalanceChange — изменение одного баланса водителя в результате расчёта.
// Delta может быть отрицательной.
type BalanceChange struct {
	DriverID uuid.UUID
	Kind     WagerKind
	Delta    int64
}
