package provider

import (
	"bytes"
	"context"
	"crypto/sha256"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"time"

	"golang.org/x/image/draw"

	"virtual-staging/internal/models"
)

const syntheticMaxWidth = 1024

var styleTints = map[models.Style]color.RGBA{
	models.StyleModern:       {R: 90, G: 110, B: 140, A: 255},
	models.StyleScandinavian: {R: 230, G: 225, B: 210, A: 255},
	models.StyleIndustrial:   {R: 95, G: 85, B: 75, A: 255},
	models.StyleMinimalist:   {R: 240, G: 240, B: 240, A: 255},
	models.StyleTraditional:  {R: 140, G: 90, B: 60, A: 255},
	models.StyleCoastal:      {R: 120, G: 180, B: 200, A: 255},
	models.StyleFarmhouse:    {R: 200, G: 170, B: 130, A: 255},
	models.StyleMidCentury:   {R: 200, G: 120, B: 50, A: 255},
	models.StyleLuxury:       {R: 170, G: 140, B: 60, A: 255},
	models.StyleBohemian:     {R: 170, G: 80, B: 110, A: 255},
}

// Synthetic is a local synchronous adapter that renders a deterministic preview
// of the staged room. It needs no credentials and is always healthy, which makes
// it the last resort in the fallback order for development environments.
type Synthetic struct {
	baseline time.Duration
}

func NewSynthetic(baseline time.Duration) *Synthetic {
	if baseline <= 0 {
		baseline = 2 * time.Second
	}
	return &Synthetic{baseline: baseline}
}

func (s *Synthetic) ID() string { return "synthetic" }

func (s *Synthetic) Capabilities() Capabilities { return Capabilities{Sync: true} }

func (s *Synthetic) BaselineDuration() time.Duration { return s.baseline }

func (s *Synthetic) CheckHealth(_ context.Context) Health {
	return Health{Healthy: true, Configured: true, CheckedAt: time.Now().UTC()}
}

func (s *Synthetic) StageImageSync(ctx context.Context, req StageRequest) (SyncResult, error) {
	if err := ctx.Err(); err != nil {
		return SyncResult{Error: err.Error()}, nil
	}
	src, _, err := image.Decode(bytes.NewReader(req.Image))
	if err != nil {
		return SyncResult{Error: "unsupported source image"}, nil
	}
	b := src.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return SyncResult{Error: "invalid image dimensions"}, nil
	}

	width := b.Dx()
	if width > syntheticMaxWidth {
		width = syntheticMaxWidth
	}
	height := int(float64(b.Dy()) * float64(width) / float64(b.Dx()))
	if height == 0 {
		height = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	tint, ok := styleTints[req.Style]
	if !ok {
		tint = color.RGBA{R: 128, G: 128, B: 128, A: 255}
	}
	draw.DrawMask(dst, dst.Bounds(), image.NewUniform(tint), image.Point{}, image.NewUniform(color.Alpha{A: 64}), image.Point{}, draw.Over)

	// Furniture placeholder: a band in the lower third whose shade is derived from the room type.
	sum := sha256.Sum256([]byte(req.RoomType))
	band := image.Rect(width/8, height*2/3, width*7/8, height*2/3+height/6)
	draw.Draw(dst, band, image.NewUniform(color.RGBA{R: sum[0], G: sum[1], B: sum[2], A: 255}), image.Point{}, draw.Over)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return SyncResult{Error: "encode staged image: " + err.Error()}, nil
	}
	return SyncResult{Success: true, ImageData: buf.Bytes(), MIMEType: "image/png"}, nil
}

var _ SyncAdapter = (*Synthetic)(nil)
