// Package preview serves the live view: frames are annotated, pushed
// through a low-latency H.264 encoder, split into access units, and fanned
// out to WebRTC viewers.
package preview

// H.264 NAL unit types the splitter cares about.
const (
	nalTypeSlice = 1
	nalTypeIDR   = 5
	nalTypeSPS   = 7
	nalTypePPS   = 8
)

// AccessUnit is one decodable picture from the elementary stream. IDR
// units always carry the cached SPS/PPS so a viewer joining mid-stream can
// start decoding at the next keyframe.
type AccessUnit struct {
	Data  []byte
	IsIDR bool
}

// Splitter reassembles access units from an Annex-B byte stream arriving
// in arbitrary pipe-read sized pieces. Not safe for concurrent use; one
// goroutine owns it.
type Splitter struct {
	buf     []byte // carry-over: bytes whose NAL is not yet delimited
	pending []byte // non-VCL NALs waiting for their slice

	sps        []byte
	pps        []byte
	hasHeaders bool
}

// NewSplitter creates an empty splitter.
func NewSplitter() *Splitter {
	return &Splitter{}
}

// HasHeaders reports whether SPS and PPS have been seen.
func (s *Splitter) HasHeaders() bool { return s.hasHeaders }

// Push consumes the next piece of the stream and returns the access units
// it completed. A NAL is only complete once the following start code
// arrives, so the last NAL of each piece stays buffered.
func (s *Splitter) Push(data []byte) []AccessUnit {
	s.buf = append(s.buf, data...)

	var units []AccessUnit
	for {
		start, scLen := findStartCode(s.buf, 0)
		if start == -1 {
			// No start code at all; drop garbage before the first one
			// ever seen, otherwise keep waiting.
			if len(s.buf) > 3 {
				s.buf = s.buf[len(s.buf)-3:]
			}
			return units
		}
		next, _ := findStartCode(s.buf, start+scLen)
		if next == -1 {
			// NAL still open. Discard any junk before it.
			if start > 0 {
				s.buf = append(s.buf[:0], s.buf[start:]...)
			}
			return units
		}

		nal := append([]byte(nil), s.buf[start:next]...)
		s.buf = append(s.buf[:0], s.buf[next:]...)

		if u, ok := s.consume(nal, scLen); ok {
			units = append(units, u)
		}
	}
}

// consume routes one complete NAL. Slice NALs close the current access
// unit; everything else accumulates onto it.
func (s *Splitter) consume(nal []byte, scLen int) (AccessUnit, bool) {
	if len(nal) <= scLen {
		return AccessUnit{}, false
	}
	nalType := nal[scLen] & 0x1F

	switch nalType {
	case nalTypeSPS:
		s.sps = nal
		return AccessUnit{}, false
	case nalTypePPS:
		s.pps = nal
		if len(s.sps) > 0 {
			s.hasHeaders = true
		}
		return AccessUnit{}, false
	case nalTypeSlice, nalTypeIDR:
		isIDR := nalType == nalTypeIDR
		var data []byte
		if isIDR && s.hasHeaders {
			data = make([]byte, 0, len(s.sps)+len(s.pps)+len(s.pending)+len(nal))
			data = append(data, s.sps...)
			data = append(data, s.pps...)
		} else {
			data = make([]byte, 0, len(s.pending)+len(nal))
		}
		data = append(data, s.pending...)
		data = append(data, nal...)
		s.pending = s.pending[:0]
		return AccessUnit{Data: data, IsIDR: isIDR}, true
	default:
		s.pending = append(s.pending, nal...)
		return AccessUnit{}, false
	}
}

// findStartCode returns the offset and length of the first Annex-B start
// code at or after from, or (-1, 0).
func findStartCode(data []byte, from int) (int, int) {
	for i := from; i+3 <= len(data); i++ {
		if data[i] != 0 || data[i+1] != 0 {
			continue
		}
		if data[i+2] == 1 {
			return i, 3
		}
		if i+4 <= len(data) && data[i+2] == 0 && data[i+3] == 1 {
			return i, 4
		}
	}
	return -1, 0
}
