package qr

import (
	"errors"

	"github.com/skip2/go-qrcode"
)

// DefaultSize is the rendered PNG edge length in pixels.
const DefaultSize = 256

var ErrEmptyCode = errors.New("ticket code is empty")

// Generator renders the remote-issued ticket codes stored on order items as
// scannable QR PNGs for the reporting surface.
type Generator struct {
	size int
}

func NewGenerator(size int) *Generator {
	if size <= 0 {
		size = DefaultSize
	}
	return &Generator{size: size}
}

// Render encodes a ticket code into a PNG image.
func (g *Generator) Render(code string) ([]byte, error) {
	if code == "" {
		return nil, ErrEmptyCode
	}
	return qrcode.Encode(code, qrcode.Medium, g.size)
}
