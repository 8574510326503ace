// Package qr renders platform login codes as scannable PNG images.
package qr

import (
	"encoding/base64"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// DefaultSize is the rendered image edge length in pixels.
const DefaultSize = 300

// EncodePNG renders code as a PNG image with medium error correction.
func EncodePNG(code string, size int) ([]byte, error) {
	if code == "" {
		return nil, fmt.Errorf("encode qr: empty code")
	}
	if size <= 0 {
		size = DefaultSize
	}
	png, err := qrcode.Encode(code, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return png, nil
}

// EncodeBase64 renders code and returns the PNG as standard base64.
func EncodeBase64(code string) (string, error) {
	png, err := EncodePNG(code, DefaultSize)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(png), nil
}
