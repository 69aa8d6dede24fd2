package codec

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/irview/thermstream/pkg/types"
)

func TestDecodeShapes(t *testing.T) {
	raw := make([]byte, types.RawFrameSize)
	frame, err := Decode(raw, 7)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if frame.Seq != 7 {
		t.Fatalf("Seq = %d, want 7", frame.Seq)
	}
	if frame.Width != types.SensorWidth || frame.Height != types.PlaneHeight {
		t.Fatalf("plane dims = %dx%d, want %dx%d", frame.Width, frame.Height, types.SensorWidth, types.PlaneHeight)
	}
	if len(frame.RGB) != frame.Width*frame.Height*3 {
		t.Fatalf("RGB length = %d, want %d", len(frame.RGB), frame.Width*frame.Height*3)
	}
	if len(frame.YUV) != frame.Width*frame.Height*2 {
		t.Fatalf("YUV length = %d, want %d", len(frame.YUV), frame.Width*frame.Height*2)
	}
	if len(frame.Thermal) != frame.Width*frame.Height {
		t.Fatalf("Thermal length = %d, want %d", len(frame.Thermal), frame.Width*frame.Height)
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	for _, n := range []int{0, 1, types.RawFrameSize - 1, types.RawFrameSize + 1} {
		_, err := Decode(make([]byte, n), 0)
		if !errors.Is(err, ErrBadFrameLength) {
			t.Fatalf("Decode(%d bytes) error = %v, want ErrBadFrameLength", n, err)
		}
	}
}

func TestDecodeThermalLittleEndian(t *testing.T) {
	raw := make([]byte, types.RawFrameSize)
	mid := len(raw) / 2
	binary.LittleEndian.PutUint16(raw[mid:], 0x1234)
	binary.LittleEndian.PutUint16(raw[len(raw)-2:], 0xFFFE)

	frame, err := Decode(raw, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if frame.Thermal[0] != 0x1234 {
		t.Fatalf("Thermal[0] = %#x, want 0x1234", frame.Thermal[0])
	}
	if last := frame.Thermal[len(frame.Thermal)-1]; last != 0xFFFE {
		t.Fatalf("Thermal[last] = %#x, want 0xFFFE", last)
	}
}

func TestDecodeColorConversion(t *testing.T) {
	raw := make([]byte, types.RawFrameSize)

	// Pure white in YUY2: Y=235 is near-white in studio range, but the
	// conversion is full range, so Y=255 U=128 V=128 must map to 255,255,255.
	raw[0], raw[1], raw[2], raw[3] = 255, 128, 255, 128

	frame, err := Decode(raw, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	for i := 0; i < 6; i++ {
		if frame.RGB[i] != 255 {
			t.Fatalf("RGB[%d] = %d, want 255 (white)", i, frame.RGB[i])
		}
	}

	// Neutral gray: Y=128 U=128 V=128 -> 128,128,128 for both pixels in
	// the group.
	raw[4], raw[5], raw[6], raw[7] = 128, 128, 128, 128
	frame, err = Decode(raw, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	for i := 6; i < 12; i++ {
		if frame.RGB[i] != 128 {
			t.Fatalf("RGB[%d] = %d, want 128 (gray)", i, frame.RGB[i])
		}
	}
}

func TestDecodeDoesNotAliasInput(t *testing.T) {
	raw := make([]byte, types.RawFrameSize)
	raw[0] = 42
	frame, err := Decode(raw, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	raw[0] = 99
	if frame.YUV[0] != 42 {
		t.Fatalf("YUV aliases the raw buffer; mutation leaked through")
	}
}
