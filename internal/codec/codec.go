// Package codec turns one raw dual-plane sensor buffer into a decoded Frame.
// It is pure: no I/O, no state beyond its inputs.
package codec

import (
	"encoding/binary"
	"fmt"
	"image/color"
	"time"

	"github.com/irview/thermstream/pkg/types"
)

// ErrBadFrameLength reports a raw buffer whose length does not match the
// sensor contract. The cycle must be discarded; the stream continues.
var ErrBadFrameLength = fmt.Errorf("codec: raw buffer length mismatch")

// Decode splits a raw capture buffer at its vertical midpoint, converts the
// upper YUY2 plane to RGB24 and reinterprets the lower plane as little-endian
// uint16 temperature codes.
func Decode(raw []byte, seq uint64) (*types.Frame, error) {
	if len(raw) != types.RawFrameSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrBadFrameLength, len(raw), types.RawFrameSize)
	}

	mid := len(raw) / 2
	picture := raw[:mid]
	thermal := raw[mid:]

	f := &types.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     types.SensorWidth,
		Height:    types.PlaneHeight,
	}

	f.YUV = append([]byte(nil), picture...)
	f.RGB = yuy2ToRGB(picture)

	f.Thermal = make([]uint16, len(thermal)/2)
	for i := range f.Thermal {
		f.Thermal[i] = binary.LittleEndian.Uint16(thermal[2*i:])
	}

	return f, nil
}

// yuy2ToRGB converts a packed YUY2 (YUYV 4:2:2) plane to RGB24. Each 4-byte
// group Y0 U Y1 V carries two pixels sharing one chroma pair.
func yuy2ToRGB(yuv []byte) []byte {
	rgb := make([]byte, len(yuv)/2*3)
	o := 0
	for i := 0; i+3 < len(yuv); i += 4 {
		y0, u, y1, v := yuv[i], yuv[i+1], yuv[i+2], yuv[i+3]

		r, g, b := color.YCbCrToRGB(y0, u, v)
		rgb[o], rgb[o+1], rgb[o+2] = r, g, b

		r, g, b = color.YCbCrToRGB(y1, u, v)
		rgb[o+3], rgb[o+4], rgb[o+5] = r, g, b
		o += 6
	}
	return rgb
}
