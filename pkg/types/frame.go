package types

import (
	"encoding/binary"
	"time"
)

// Sensor contract for the P2 Pro module. The capture device reports one
// raw buffer per cycle containing both planes stacked vertically: the top
// half is the pseudo-color image (YUY2, 2 bytes per pixel), the bottom
// half is raw temperature codes (little-endian uint16 per pixel).
const (
	SensorWidth  = 256
	SensorHeight = 384
	SensorFPS    = 25.0

	// PlaneHeight is the height of each decoded plane: half the reported
	// frame height, since the two planes share one buffer.
	PlaneHeight = SensorHeight / 2

	// RawFrameSize is the exact length of one raw capture buffer.
	RawFrameSize = SensorWidth * SensorHeight * 2
)

// Pixel format names as they appear on ffmpeg command lines.
const (
	PixFmtRGB24    = "rgb24"
	PixFmtGray16LE = "gray16le"
	PixFmtYUYV422  = "yuyv422"
)

// Frame is one decoded capture cycle. All three buffers originate from the
// same raw device read and carry the same sequence number. A Frame is
// immutable once constructed; consumers receiving it from a queue must not
// write into its buffers.
type Frame struct {
	Seq       uint64    // Monotonically increasing per source
	Timestamp time.Time // Capture wall-clock time

	Width  int // Plane width in pixels
	Height int // Plane height in pixels (PlaneHeight for the P2 Pro)

	RGB     []byte   // Height x Width x 3, converted pseudo-color image
	YUV     []byte   // Height x Width x 2, source YUY2 plane (diagnostics)
	Thermal []uint16 // Height x Width, raw temperature codes
}

// RGBBytes returns the length one RGB plane occupies on an encoder pipe.
func (f *Frame) RGBBytes() int { return f.Width * f.Height * 3 }

// ThermalBytes returns the length one thermal plane occupies on an encoder
// pipe (2 bytes per sample, little endian).
func (f *Frame) ThermalBytes() int { return f.Width * f.Height * 2 }

// ThermalLE serializes the thermal plane as little-endian bytes, the layout
// a gray16le encoder input expects.
func (f *Frame) ThermalLE() []byte {
	out := make([]byte, len(f.Thermal)*2)
	for i, v := range f.Thermal {
		binary.LittleEndian.PutUint16(out[i*2:], v)
	}
	return out
}
