package staging

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/disintegration/imaging"
)

// normalizeSource decodes a room photo, applies EXIF orientation and shrinks it
// so its long edge is at most maxEdge. PNG input stays PNG; everything else is
// re-encoded as JPEG.
func normalizeSource(data []byte, maxEdge int) ([]byte, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("source image is empty")
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", fmt.Errorf("source image could not be decoded: %w", err)
	}

	b := img.Bounds()
	if maxEdge > 0 && (b.Dx() > maxEdge || b.Dy() > maxEdge) {
		img = imaging.Fit(img, maxEdge, maxEdge, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if strings.HasPrefix(http.DetectContentType(data), "image/png") {
		if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
			return nil, "", fmt.Errorf("encode source image: %w", err)
		}
		return buf.Bytes(), "image/png", nil
	}
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return nil, "", fmt.Errorf("encode source image: %w", err)
	}
	return buf.Bytes(), "image/jpeg", nil
}

// LineageKey identifies a version group: the same original reference always
// yields the same key.
func LineageKey(originalRef string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(originalRef)))
	return hex.EncodeToString(sum[:])
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
