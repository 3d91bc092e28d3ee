// Package events публикует события расчётов во внешнюю шину сообщений.
// Доставкой push-уведомлений занимаются внешние потребители; сервис лишь
// сообщает им о свершившихся фактах.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — топик-обменник событий сервиса.
const Exchange = "fastrack.events"

// Ключи маршрутизации публикуемых событий.
const (
	KeyChallengeSettled = "challenge.settled"
	KeyCompetitionPaid  = "competition.paid"
)

// ChallengeSettled — итог вызова подведён.
type ChallengeSettled struct {
	ChallengeID  string `json:"challenge_id"`
	ChallengerID string `json:"challenger_id"`
	OpponentID   string `json:"opponent_id"`
	WinnerID     string `json:"winner_id,omitempty"`
	Draw         bool   `json:"draw"`
	WagerKind    string `json:"wager_kind"`
	WagerAmount  int64  `json:"wager_amount"`
}

// CompetitionPaid — приз соревнования выплачен.
type CompetitionPaid struct {
	CompetitionID string `json:"competition_id"`
	WinnerID      string `json:"winner_id"`
	RewardKind    string `json:"reward_kind"`
	RewardAmount  int64  `json:"reward_amount"`
}

// Publisher инкапсулирует соединение с AMQP-брокером.
type Publisher struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewPublisher подключается к брокеру и объявляет обменник событий.
// Брокер может подниматься одновременно с сервисом, поэтому подключение
// повторяется с нарастающей задержкой.
func NewPublisher(ctx context.Context, url string) (*Publisher, error) {
	var lastErr error
	delay := time.Second

	for attempt := 0; attempt < 5; attempt++ {
		conn, err := amqp.Dial(url)
		if err != nil {
			lastErr = err
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			continue
		}

		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("open channel: %w", err)
		}

		if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("declare exchange: %w", err)
		}

		return &Publisher{conn: conn, ch: ch}, nil
	}

	return nil, fmt.Errorf("dial amqp: %w", lastErr)
}

// Publish отправляет событие с указанным ключом маршрутизации.
func (p *Publisher) Publish(ctx context.Context, key string, payload any) error {
	if p == nil {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	err = p.ch.PublishWithContext(ctx, Exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Close закрывает канал и соединение с брокером.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	if err := p.ch.Close(); err != nil {
		p.conn.Close()
		return fmt.Errorf("close channel: %w", err)
	}
	return p.conn.Close()
}
