package media

import (
	"encoding/base64"
	"fmt"

	"github.com/skip2/go-qrcode"
)

// QRDataURL renders a pairing code as a PNG data URL
func QRDataURL(code string) (string, error) {
	qr, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("failed to generate QR code: %w", err)
	}
	png, err := qr.PNG(256)
	if err != nil {
		return "", fmt.Errorf("failed to encode QR code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
