// Package validation содержит функции валидации входных данных.
package validation

import (
	"strings"
	"time"
	"unicode"

	"github.com/ndiyarov/fastrack-ranking/internal/model"
)

// ParseDay разбирает календарную дату формата 2006-01-02.
func ParseDay(s string) (time.Time, error) {
	return time.Parse(time.DateOnly, s)
}

// IsValidMetric проверяет, что строка — известная метрика состязаний.
func IsValidMetric(s string) bool {
	switch model.Metric(s) {
	case model.MetricDeliveryCount, model.MetricSafetyScore, model.MetricEfficiencyScore:
		return true
	}
	return false
}

// IsValidWagerKind проверяет, что строка — известная валюта ставки.
func IsValidWagerKind(s string) bool {
	switch model.WagerKind(s) {
	case model.WagerPoints, model.WagerMoney:
		return true
	}
	return false
}

// NormalizePlate приводит номер машины к каноническому виду: верхний регистр
// без пробелов. Пустой результат означает некорректный номер.
func NormalizePlate(s string) string {
	plate := strings.ToUpper(strings.ReplaceAll(s, " ", ""))
	if len(plate) < 4 || len(plate) > 12 {
		return ""
	}
	for _, ch := range plate {
		if !unicode.IsLetter(ch) && !unicode.IsDigit(ch) {
			return ""
		}
	}
	return plate
}

// IsValidChannelCounts проверяет разбивку доставок по каналам: хотя бы один
// канал, названия не пустые, счётчики неотрицательные.
func IsValidChannelCounts(channels map[string]int64) bool {
	if len(channels) == 0 {
		return false
	}
	for name, n := range channels {
		if strings.TrimSpace(name) == "" || n < 0 {
			return false
		}
	}
	return true
}
