package main

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"sort"

	"github.com/EdlinOrg/prominentcolor"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/nfnt/resize"
	_ "golang.org/x/image/webp"
)

// MaxCoverPixels is the widest cover written to the slot; larger thumbnails
// are scaled down.
const MaxCoverPixels = 800

const coverJPEGQuality = 90

// decodeArtworkData decodes raw image bytes into an image.Image
func decodeArtworkData(imgData []byte) (image.Image, string, error) {
	if len(imgData) == 0 {
		return nil, "", fmt.Errorf("empty image data")
	}

	img, format, err := image.Decode(bytes.NewReader(imgData))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}

	return img, format, nil
}

// normalizeCover turns decodable artwork into a JPEG no wider than
// MaxCoverPixels. Bytes that do not decode are returned unchanged.
func normalizeCover(data []byte) []byte {
	img, format, err := decodeArtworkData(data)
	if err != nil {
		return data
	}

	width := img.Bounds().Dx()
	if format == "jpeg" && width <= MaxCoverPixels {
		return data
	}
	if width > MaxCoverPixels {
		img = resize.Resize(MaxCoverPixels, 0, img, resize.Lanczos3)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: coverJPEGQuality}); err != nil {
		return data
	}
	return buf.Bytes()
}

// Extract dominant color from image and convert to hex
// Uses a sampling approach to find vibrant, light colors suitable for dark backgrounds
func extractDominantColor(img image.Image) (string, error) {
	if img == nil {
		return "", fmt.Errorf("nil image")
	}

	bounds := img.Bounds()

	// Sample colors from the image by taking every Nth pixel
	colorMap := make(map[uint32]int)
	sampleRate := 5

	for y := bounds.Min.Y; y < bounds.Max.Y; y += sampleRate {
		for x := bounds.Min.X; x < bounds.Max.X; x += sampleRate {
			r, g, b, a := img.At(x, y).RGBA()

			// Skip transparent pixels
			if a < 32768 {
				continue
			}

			rgb := (uint32(r>>8) << 16) | (uint32(g>>8) << 8) | uint32(b>>8)
			colorMap[rgb]++
		}
	}

	type colorScore struct {
		color colorful.Color
		score float64
	}

	var candidates []colorScore

	for rgb, count := range colorMap {
		c := colorful.Color{
			R: float64(uint8(rgb>>16)) / 255.0,
			G: float64(uint8(rgb>>8)) / 255.0,
			B: float64(uint8(rgb)) / 255.0,
		}
		_, saturation, lightness := c.Hsl()

		// Skip colors that are too dark, too light (near-white), or too unsaturated
		if lightness < 0.3 || lightness > 0.85 || saturation < 0.25 {
			continue
		}

		// Prefer vibrant colors that stay readable on a dark terminal
		lightnessScore := lightness
		if lightness > 0.7 {
			lightnessScore = 0.7 - (lightness - 0.7)
		}

		score := (saturation * 2.5) + (lightnessScore * 1.5) + (float64(count) / 1000.0)
		candidates = append(candidates, colorScore{color: c, score: score})
	}

	if len(candidates) == 0 {
		// Fallback: try K-means if our sampling didn't find good colors
		colors, err := prominentcolor.Kmeans(img)
		if err != nil || len(colors) == 0 {
			return "", fmt.Errorf("no suitable colors found")
		}
		c := colors[0]
		return fmt.Sprintf("#%02x%02x%02x", c.Color.R, c.Color.G, c.Color.B), nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].color.Hex() < candidates[j].color.Hex()
	})

	return candidates[0].color.Hex(), nil
}

// accentFromArtwork decodes artwork and picks a border color for the dashboard
func accentFromArtwork(data []byte) (string, error) {
	img, _, err := decodeArtworkData(data)
	if err != nil {
		return "", err
	}
	return extractDominantColor(img)
}
