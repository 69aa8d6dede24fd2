package preview

import (
	"bytes"
	"testing"
)

func nal(nalType byte, payload ...byte) []byte {
	out := []byte{0, 0, 0, 1, nalType}
	return append(out, payload...)
}

var (
	testSPS   = nal(0x67, 0xAA, 0xBB)
	testPPS   = nal(0x68, 0xCC)
	testSEI   = nal(0x06, 0x05, 0x01)
	testIDR   = nal(0x65, 0x11, 0x22, 0x33)
	testSlice = nal(0x41, 0x44, 0x55)
)

// stream concatenates NALs into one elementary-stream buffer.
func stream(nals ...[]byte) []byte {
	var out []byte
	for _, n := range nals {
		out = append(out, n...)
	}
	return out
}

func TestSplitterIDRCarriesHeaders(t *testing.T) {
	s := NewSplitter()
	// The trailing slice delimits the IDR; it stays buffered itself.
	units := s.Push(stream(testSPS, testPPS, testIDR, testSlice))

	if len(units) != 1 {
		t.Fatalf("got %d units, want 1", len(units))
	}
	u := units[0]
	if !u.IsIDR {
		t.Error("IDR unit not flagged")
	}
	want := stream(testSPS, testPPS, testIDR)
	if !bytes.Equal(u.Data, want) {
		t.Errorf("unit data = %x, want %x", u.Data, want)
	}
	if !s.HasHeaders() {
		t.Error("headers not cached")
	}
}

func TestSplitterNonIDRSlice(t *testing.T) {
	s := NewSplitter()
	units := s.Push(stream(testSPS, testPPS, testIDR, testSlice, testSlice))

	if len(units) != 2 {
		t.Fatalf("got %d units, want 2", len(units))
	}
	u := units[1]
	if u.IsIDR {
		t.Error("P slice flagged as IDR")
	}
	if !bytes.Equal(u.Data, testSlice) {
		t.Errorf("unit data = %x, want bare slice %x", u.Data, testSlice)
	}
}

func TestSplitterSEIAttachesToSlice(t *testing.T) {
	s := NewSplitter()
	units := s.Push(stream(testSEI, testSlice, testSlice, testSlice))

	if len(units) != 2 {
		t.Fatalf("got %d units, want 2", len(units))
	}
	if want := stream(testSEI, testSlice); !bytes.Equal(units[0].Data, want) {
		t.Errorf("unit data = %x, want %x", units[0].Data, want)
	}
	// The SEI belongs only to the unit it preceded.
	if !bytes.Equal(units[1].Data, testSlice) {
		t.Errorf("second unit data = %x, want %x", units[1].Data, testSlice)
	}
}

func TestSplitterByteAtATime(t *testing.T) {
	s := NewSplitter()
	full := stream(testSPS, testPPS, testIDR, testSlice, testSlice)

	var units []AccessUnit
	for _, b := range full {
		units = append(units, s.Push([]byte{b})...)
	}

	if len(units) != 2 {
		t.Fatalf("got %d units, want 2", len(units))
	}
	if !units[0].IsIDR {
		t.Error("first unit should be IDR")
	}
	if want := stream(testSPS, testPPS, testIDR); !bytes.Equal(units[0].Data, want) {
		t.Errorf("first unit = %x, want %x", units[0].Data, want)
	}
}

func TestSplitterIDRWithoutHeaders(t *testing.T) {
	s := NewSplitter()
	units := s.Push(stream(testIDR, testSlice))

	if len(units) != 1 {
		t.Fatalf("got %d units, want 1", len(units))
	}
	// Nothing to prepend before headers arrive.
	if !bytes.Equal(units[0].Data, testIDR) {
		t.Errorf("unit data = %x, want %x", units[0].Data, testIDR)
	}
}

func TestSplitterThreeByteStartCode(t *testing.T) {
	s := NewSplitter()
	short := append([]byte{0, 0, 1, 0x41}, 0x77)
	units := s.Push(stream(short, testSlice))

	if len(units) != 1 {
		t.Fatalf("got %d units, want 1", len(units))
	}
	if !bytes.Equal(units[0].Data, short) {
		t.Errorf("unit data = %x, want %x", units[0].Data, short)
	}
}

func TestSplitterGarbageBeforeFirstStartCode(t *testing.T) {
	s := NewSplitter()
	units := s.Push(stream([]byte{0xDE, 0xAD, 0xBE, 0xEF}, testSlice, testSlice))

	if len(units) != 1 {
		t.Fatalf("got %d units, want 1", len(units))
	}
	if !bytes.Equal(units[0].Data, testSlice) {
		t.Errorf("unit data = %x, want %x", units[0].Data, testSlice)
	}
}
