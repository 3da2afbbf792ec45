package media

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"strings"

	// Registered still-image formats accepted as I2V source images.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

// ErrInvalidImage is returned when a source image cannot be decoded.
var ErrInvalidImage = errors.New("media: invalid image")

// DecodeImage decodes a base64-encoded still image into an RGB24 frame.
// The input may carry an optional data-URI prefix (data:image/...;base64,).
// PNG, JPEG and GIF are accepted.
func DecodeImage(encoded string) (*Frame, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, fmt.Errorf("%w: empty input", ErrInvalidImage)
	}

	// Strip a data-URI scheme prefix if present.
	if strings.HasPrefix(encoded, "data:") {
		idx := strings.Index(encoded, ",")
		if idx < 0 {
			return nil, fmt.Errorf("%w: malformed data URI", ErrInvalidImage)
		}
		encoded = encoded[idx+1:]
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: base64 decode: %v", ErrInvalidImage, err)
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidImage, err)
	}

	return frameFromImage(img), nil
}

// frameFromImage flattens an image into an interleaved RGB24 buffer.
func frameFromImage(img image.Image) *Frame {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	pix := make([]byte, 0, w*h*3)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			pix = append(pix, byte(r>>8), byte(g>>8), byte(b>>8))
		}
	}

	return &Frame{Width: w, Height: h, Pix: pix}
}
