package preview

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/irview/thermstream/pkg/types"
)

// Annotate stamps the sequence number and capture time onto a copy of the
// frame's RGB plane. The frame itself is shared with other consumers and
// is never written to.
func Annotate(f *types.Frame) []byte {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for i := 0; i < f.Width*f.Height; i++ {
		img.Pix[i*4+0] = f.RGB[i*3+0]
		img.Pix[i*4+1] = f.RGB[i*3+1]
		img.Pix[i*4+2] = f.RGB[i*3+2]
		img.Pix[i*4+3] = 0xFF
	}

	label := fmt.Sprintf("#%d %s", f.Seq, f.Timestamp.Format("15:04:05.000"))
	drawText(img, label, 4, 14, color.Black)
	drawText(img, label, 3, 13, color.White)

	out := make([]byte, f.Width*f.Height*3)
	for i := 0; i < f.Width*f.Height; i++ {
		out[i*3+0] = img.Pix[i*4+0]
		out[i*3+1] = img.Pix[i*4+1]
		out[i*3+2] = img.Pix[i*4+2]
	}
	return out
}

func drawText(dst *image.RGBA, s string, x, y int, c color.Color) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}
