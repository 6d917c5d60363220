package main

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
)

// TestDecodeArtworkData tests the decodeArtworkData function
func TestDecodeArtworkData(t *testing.T) {
	rawData := pngBytes(t, 10, 10, color.RGBA{255, 0, 0, 255})

	t.Run("raw bytes", func(t *testing.T) {
		img, format, err := decodeArtworkData(rawData)
		assertNoError(t, err)
		if img == nil {
			t.Error("Expected non-nil image")
		}
		assertEqual(t, format, "png", "format")
	})

	t.Run("empty data", func(t *testing.T) {
		_, _, err := decodeArtworkData([]byte{})
		assertError(t, err, "empty data")
	})

	t.Run("invalid data", func(t *testing.T) {
		_, _, err := decodeArtworkData([]byte("not an image"))
		assertError(t, err, "invalid data")
	})
}

// TestNormalizeCover tests how artwork is prepared for the cover slot
func TestNormalizeCover(t *testing.T) {
	t.Run("wide png is scaled and re-encoded", func(t *testing.T) {
		out := normalizeCover(pngBytes(t, 1000, 500, color.RGBA{0, 128, 255, 255}))

		cfg, format, err := image.DecodeConfig(bytes.NewReader(out))
		assertNoError(t, err)
		assertEqual(t, format, "jpeg", "format")
		assertEqual(t, cfg.Width, MaxCoverPixels, "width")
		assertEqual(t, cfg.Height, MaxCoverPixels/2, "height")
	})

	t.Run("small png becomes jpeg at the same size", func(t *testing.T) {
		out := normalizeCover(pngBytes(t, 64, 64, color.RGBA{0, 128, 255, 255}))

		cfg, format, err := image.DecodeConfig(bytes.NewReader(out))
		assertNoError(t, err)
		assertEqual(t, format, "jpeg", "format")
		assertEqual(t, cfg.Width, 64, "width")
	})

	t.Run("small jpeg is kept byte for byte", func(t *testing.T) {
		var buf bytes.Buffer
		err := jpeg.Encode(&buf, generateTestImage(64, 64, color.RGBA{10, 200, 10, 255}), nil)
		assertNoError(t, err)

		out := normalizeCover(buf.Bytes())
		if !bytes.Equal(out, buf.Bytes()) {
			t.Error("Expected small jpeg to be stored unchanged")
		}
	})

	t.Run("undecodable bytes are kept", func(t *testing.T) {
		data := []byte("definitely not an image")
		if !bytes.Equal(normalizeCover(data), data) {
			t.Error("Expected raw bytes to be returned")
		}
	})
}

// TestExtractDominantColor tests the extractDominantColor function
func TestExtractDominantColor(t *testing.T) {
	t.Run("solid color image", func(t *testing.T) {
		img := generateTestImage(100, 100, color.RGBA{255, 0, 0, 255})
		color, err := extractDominantColor(img)
		assertNoError(t, err)
		assertEqual(t, color, "#ff0000", "dominant color")
	})

	t.Run("gradient image", func(t *testing.T) {
		img := generateGradientImage(100, 100,
			color.RGBA{0, 0, 255, 255},
			color.RGBA{0, 255, 0, 255})

		color, err := extractDominantColor(img)
		assertNoError(t, err)

		if !isValidHexColor(color) {
			t.Errorf("Invalid hex color format: %s", color)
		}
	})

	t.Run("small image", func(t *testing.T) {
		img := generateTestImage(5, 5, color.RGBA{128, 128, 255, 255})
		color, err := extractDominantColor(img)
		assertNoError(t, err)

		if !isValidHexColor(color) {
			t.Errorf("Invalid hex color format: %s", color)
		}
	})

	t.Run("nil image", func(t *testing.T) {
		_, err := extractDominantColor(nil)
		assertError(t, err, "nil image")
	})

	t.Run("transparent image", func(t *testing.T) {
		img := generateTestImage(50, 50, color.RGBA{255, 0, 0, 0})
		_, err := extractDominantColor(img)
		// Either a fallback colour or an error is fine
		if err != nil {
			t.Logf("Transparent image returned error (expected): %v", err)
		}
	})
}

func TestAccentFromArtwork(t *testing.T) {
	color, err := accentFromArtwork(pngBytes(t, 40, 40, color.RGBA{255, 0, 0, 255}))
	assertNoError(t, err)
	assertEqual(t, color, "#ff0000", "accent")

	_, err = accentFromArtwork([]byte("nope"))
	assertError(t, err, "undecodable artwork")
}

// BenchmarkExtractDominantColor benchmarks color extraction
func BenchmarkExtractDominantColor(b *testing.B) {
	img := generateTestImage(300, 300, color.RGBA{100, 150, 200, 255})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		extractDominantColor(img)
	}
}

// BenchmarkNormalizeCover benchmarks scaling a large thumbnail
func BenchmarkNormalizeCover(b *testing.B) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, generateTestImage(1200, 1200, color.RGBA{100, 150, 200, 255}), nil); err != nil {
		b.Fatal(err)
	}
	data := buf.Bytes()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		normalizeCover(data)
	}
}
