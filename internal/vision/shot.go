package vision

import (
	"image"
	"image/color"
	"image/draw"
	"time"

	"github.com/BTreeMap/ScreenPilot/internal/models"
)

// Shot is the grayscale working copy of one captured frame. It is built once
// per tick and shared by every template comparison on that frame.
type Shot struct {
	Gray   *image.Gray
	Width  int
	Height int
	Seq    uint64
	At     time.Time
}

// NewShot converts a captured frame to grayscale.
func NewShot(frame *models.Frame) *Shot {
	return &Shot{
		Gray:   ToGray(frame.Image),
		Width:  frame.Width,
		Height: frame.Height,
		Seq:    frame.Seq,
		At:     frame.CapturedAt,
	}
}

// ShotFromGray wraps an existing grayscale image, used by synthetic-frame
// tests.
func ShotFromGray(g *image.Gray, seq uint64) *Shot {
	b := g.Bounds()
	return &Shot{Gray: g, Width: b.Dx(), Height: b.Dy(), Seq: seq, At: time.Now().UTC()}
}

// ToGray converts any image to an origin-anchored grayscale copy using the
// standard luma weights.
func ToGray(img image.Image) *image.Gray {
	b := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	if src, ok := img.(*image.RGBA); ok {
		for y := 0; y < b.Dy(); y++ {
			i := src.PixOffset(b.Min.X, b.Min.Y+y)
			o := out.PixOffset(0, y)
			for x := 0; x < b.Dx(); x++ {
				r := uint32(src.Pix[i]) * 0x101
				g := uint32(src.Pix[i+1]) * 0x101
				bl := uint32(src.Pix[i+2]) * 0x101
				out.Pix[o] = uint8((19595*r + 38470*g + 7471*bl + 1<<15) >> 24)
				i += 4
				o++
			}
		}
		return out
	}
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			out.Set(x, y, color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)))
		}
	}
	return out
}

// CropRGBA copies a rectangular region out of a captured frame, anchored at
// the origin. Used for OCR region extraction.
func CropRGBA(frame *models.Frame, r models.Rect) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, r.W, r.H))
	draw.Draw(out, out.Bounds(), frame.Image, image.Pt(r.X, r.Y), draw.Src)
	return out
}
