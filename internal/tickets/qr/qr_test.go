package qr_test

import (
	"bytes"
	"testing"

	"universe-sync/internal/tickets/qr"
)

var pngMagic = []byte{0x89, 'P', 'N', 'G'}

func TestRenderProducesPNG(t *testing.T) {
	gen := qr.NewGenerator(0)

	img, err := gen.Render("TCK-2fVg81")
	if err != nil {
		t.Fatalf("Failed to render QR code: %v", err)
	}

	if len(img) == 0 {
		t.Error("Rendered QR code is empty")
	}
	if !bytes.HasPrefix(img, pngMagic) {
		t.Error("Rendered QR code is not a PNG")
	}
}

func TestRenderDifferentCodes(t *testing.T) {
	gen := qr.NewGenerator(qr.DefaultSize)

	img1, err := gen.Render("TCK-aaaa")
	if err != nil {
		t.Fatalf("Failed to render first QR code: %v", err)
	}
	img2, err := gen.Render("TCK-bbbb")
	if err != nil {
		t.Fatalf("Failed to render second QR code: %v", err)
	}

	if bytes.Equal(img1, img2) {
		t.Error("QR codes for different ticket codes should be different")
	}
}

func TestRenderDeterministic(t *testing.T) {
	gen := qr.NewGenerator(qr.DefaultSize)

	img1, err := gen.Render("TCK-same")
	if err != nil {
		t.Fatalf("Failed to render QR code: %v", err)
	}
	img2, err := gen.Render("TCK-same")
	if err != nil {
		t.Fatalf("Failed to render QR code: %v", err)
	}

	// The same code always renders the same image.
	if !bytes.Equal(img1, img2) {
		t.Error("QR codes for the same ticket code should be identical")
	}
}

func TestRenderEmptyCode(t *testing.T) {
	gen := qr.NewGenerator(qr.DefaultSize)

	_, err := gen.Render("")
	if err == nil {
		t.Fatal("Expected an error for an empty ticket code")
	}
}
