// Package qrcode генерирует QR-коды для ссылок-приглашений.
package qrcode

import qr "github.com/skip2/go-qrcode"

// Generate создаёт PNG-изображение QR-кода для указанной ссылки.
func Generate(url string) ([]byte, error) {
	return qr.Encode(url, qr.Medium, 256)
}
