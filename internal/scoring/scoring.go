// Package scoring вычисляет счёт водителя по выбранной метрике.
package scoring

import (
	"errors"
	"fmt"
	"time"

	"github.com/ndiyarov/fastrack-ranking/internal/model"
)

// ErrInvalidInterval возвращается для интервала, у которого конец раньше
// начала. Такой интервал — ошибка в коде вызывающей стороны, а не штатная
// ситуация, поэтому счёт не вычисляется.
var ErrInvalidInterval = errors.New("interval end before start")

// ErrUnknownMetric возвращается для метрики, неизвестной движку.
var ErrUnknownMetric = errors.New("unknown metric")

// Interval — закрытый интервал дат [From, To] с точностью до календарного
// дня. Обе границы включаются; время внутри суток игнорируется.
type Interval struct {
	From time.Time
	To   time.Time
}

// NewInterval усекает границы до начала суток и проверяет их порядок.
func NewInterval(from, to time.Time) (Interval, error) {
	iv := Interval{From: startOfDay(from), To: startOfDay(to)}
	if iv.To.Before(iv.From) {
		return Interval{}, fmt.Errorf("%w: [%s, %s]", ErrInvalidInterval,
			iv.From.Format(time.DateOnly), iv.To.Format(time.DateOnly))
	}
	return iv, nil
}

// Contains сообщает, попадает ли день в интервал.
func (iv Interval) Contains(day time.Time) bool {
	d := startOfDay(day)
	return !d.Before(iv.From) && !d.After(iv.To)
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Score возвращает счёт водителя по метрике за интервал.
//
// Для числа доставок суммируются все каналы каждой дневной записи, чей день
// попадает в интервал; пустая история даёт 0. Оценки безопасности и
// эффективности — моментальные снимки, интервал для них игнорируется.
// Функция чистая и не имеет побочных эффектов.
func Score(d *model.Driver, metric model.Metric, iv Interval) (int64, error) {
	if iv.To.Before(iv.From) {
		return 0, fmt.Errorf("%w: [%s, %s]", ErrInvalidInterval,
			iv.From.Format(time.DateOnly), iv.To.Format(time.DateOnly))
	}

	switch metric {
	case model.MetricDeliveryCount:
		var sum int64
		for _, day := range d.Deliveries {
			if iv.Contains(day.Day) {
				sum += day.Total()
			}
		}
		return sum, nil
	case model.MetricSafetyScore:
		return int64(d.SafetyScore), nil
	case model.MetricEfficiencyScore:
		return int64(d.EfficiencyScore), nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownMetric, metric)
	}
}
