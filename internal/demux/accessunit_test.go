package demux

import (
	"bytes"
	"errors"
	"testing"
)

func TestFindStartCodes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		data []byte
		want []int
	}{
		{"empty", nil, nil},
		{"too short", []byte{0, 0, 1}, nil},
		{"exact marker", []byte{0, 0, 0, 1}, []int{0}},
		{"three byte code ignored", []byte{0, 0, 1, 0x26, 0, 0, 1}, nil},
		{"leading zero run", []byte{0, 0, 0, 0, 1, 0x26}, []int{1}},
		{"two markers", []byte{0, 0, 0, 1, 0x40, 0, 0, 0, 1, 0x26}, []int{0, 5}},
		{"marker after garbage", []byte{9, 9, 0, 0, 0, 1, 2}, []int{2}},
		{"adjacent markers", []byte{0, 0, 0, 1, 0, 0, 0, 1, 2}, []int{0, 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := FindStartCodes(tt.data)
			if !equalInts(got, tt.want) {
				t.Errorf("FindStartCodes(%v) = %v, want %v", tt.data, got, tt.want)
			}
		})
	}
}

func TestIsTerminalHeader(t *testing.T) {
	t.Parallel()
	for b := 0; b < 256; b++ {
		want := b == 2 || b == 38
		if got := IsTerminalHeader(byte(b)); got != want {
			t.Errorf("IsTerminalHeader(%d) = %v, want %v", b, got, want)
		}
	}
}

func TestSplitAccessUnits(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		data []byte
		want []AccessUnit
	}{
		{
			name: "empty buffer",
			data: []byte{},
			want: nil,
		},
		{
			name: "no marker",
			data: []byte{1, 2, 3},
			want: nil,
		},
		{
			name: "prefix unit then IDR then trailing",
			data: []byte{0, 0, 0, 1, 25, 0, 0, 0, 1, 38, 0, 0, 0, 1, 2},
			want: []AccessUnit{{0, 10}, {10, 15}},
		},
		{
			name: "single non-terminal unit",
			data: []byte{0, 0, 0, 1, 99, 5, 5},
			want: []AccessUnit{{0, 7}},
		},
		{
			name: "leading garbage dropped",
			data: []byte{7, 7, 0, 0, 0, 1, 2, 0xAA},
			want: []AccessUnit{{2, 8}},
		},
		{
			name: "open group runs to end",
			data: []byte{0, 0, 0, 1, 2, 0xAA, 0, 0, 0, 1, 0x40, 0, 0, 0, 1, 0x42},
			want: []AccessUnit{{0, 6}, {6, 16}},
		},
		{
			name: "parameter sets bundled with IDR",
			data: []byte{
				0, 0, 0, 1, 0x40, 0x01, // VPS
				0, 0, 0, 1, 0x42, 0x01, // SPS
				0, 0, 0, 1, 0x44, 0x01, // PPS
				0, 0, 0, 1, 0x26, 0x01, 0xAF, // IDR_W_RADL
				0, 0, 0, 1, 0x02, 0x01, 0xD0, // TRAIL_R
				0, 0, 0, 1, 0x02, 0x01, 0xD1, // TRAIL_R
			},
			want: []AccessUnit{{0, 25}, {25, 32}, {32, 39}},
		},
		{
			name: "every unit terminal",
			data: []byte{0, 0, 0, 1, 2, 0, 0, 0, 1, 2, 0, 0, 0, 1, 38},
			want: []AccessUnit{{0, 5}, {5, 10}, {10, 15}},
		},
		{
			name: "terminal byte inside payload is not a header",
			data: []byte{0, 0, 0, 1, 0x4E, 2, 38, 0, 0, 0, 1, 2},
			want: []AccessUnit{{0, 12}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := SplitAccessUnits(tt.data)
			if err != nil {
				t.Fatalf("SplitAccessUnits: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d units %v, want %d %v", len(got), got, len(tt.want), tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("unit %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestSplitLiteralFrames(t *testing.T) {
	t.Parallel()
	video := []byte{0, 0, 0, 1, 25, 0, 0, 0, 1, 38, 0, 0, 0, 1, 2}

	frames, err := Split(video)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if want := []byte{0, 0, 0, 1, 25, 0, 0, 0, 1, 38}; !bytes.Equal(frames[0], want) {
		t.Errorf("frame 0 = %v, want %v", frames[0], want)
	}
	if want := []byte{0, 0, 0, 1, 2}; !bytes.Equal(frames[1], want) {
		t.Errorf("frame 1 = %v, want %v", frames[1], want)
	}
}

func TestSplitViewsShareBuffer(t *testing.T) {
	t.Parallel()
	video := []byte{0, 0, 0, 1, 2, 0xAA, 0, 0, 0, 1, 2, 0xBB}

	frames, err := Split(video)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if &frames[1][0] != &video[6] {
		t.Error("frame 1 is not a view into the input buffer")
	}
	if cap(frames[0]) != len(frames[0]) {
		t.Errorf("frame 0 cap = %d, want %d", cap(frames[0]), len(frames[0]))
	}

	// Appending to a view must not clobber the next frame.
	_ = append(frames[0], 0xFF)
	if video[6] != 0 {
		t.Errorf("append through view modified the buffer: video[6] = %#x", video[6])
	}
}

func TestSplitTruncatedMarker(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		data   []byte
		offset int
	}{
		{"bare marker", []byte{0, 0, 0, 1}, 0},
		{"marker at end", []byte{0, 0, 0, 1, 2, 0xAA, 0, 0, 0, 1}, 6},
		{"zero run at end", []byte{0, 0, 0, 1, 99, 0, 0, 0, 0, 1}, 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			units, err := SplitAccessUnits(tt.data)
			if err == nil {
				t.Fatalf("expected error, got units %v", units)
			}
			if units != nil {
				t.Errorf("partial result returned: %v", units)
			}
			if !errors.Is(err, ErrTruncatedMarker) {
				t.Errorf("error %v does not wrap ErrTruncatedMarker", err)
			}
			var mie *MalformedInputError
			if !errors.As(err, &mie) {
				t.Fatalf("error %T is not *MalformedInputError", err)
			}
			if mie.Offset != tt.offset {
				t.Errorf("Offset = %d, want %d", mie.Offset, tt.offset)
			}

			if _, err := Split(tt.data); !errors.Is(err, ErrTruncatedMarker) {
				t.Errorf("Split error = %v, want ErrTruncatedMarker", err)
			}
		})
	}
}

// checkSplitInvariants asserts the structural properties every successful
// split must hold for data.
func checkSplitInvariants(t *testing.T, data []byte, units []AccessUnit) {
	t.Helper()

	offsets := FindStartCodes(data)
	if len(offsets) == 0 {
		if len(units) != 0 {
			t.Fatalf("no start codes but %d units", len(units))
		}
		return
	}
	if len(units) == 0 {
		t.Fatalf("%d start codes but no units", len(offsets))
	}
	if units[0].Start != offsets[0] {
		t.Errorf("first unit starts at %d, first start code at %d", units[0].Start, offsets[0])
	}
	for i := 0; i+1 < len(units); i++ {
		if units[i].End != units[i+1].Start {
			t.Errorf("gap between unit %d (end %d) and unit %d (start %d)", i, units[i].End, i+1, units[i+1].Start)
		}
		if units[i].Len() <= 0 {
			t.Errorf("unit %d is empty: %+v", i, units[i])
		}
	}
	if last := units[len(units)-1]; last.End != len(data) {
		t.Errorf("last unit ends at %d, buffer length %d", last.End, len(data))
	}

	startSet := make(map[int]bool, len(offsets))
	for _, off := range offsets {
		startSet[off] = true
	}
	for i, au := range units {
		if !startSet[au.Start] {
			t.Errorf("unit %d starts at %d, not a start code offset", i, au.Start)
		}
	}

	joined := bytes.Join(Views(data, units), nil)
	if !bytes.Equal(joined, data[offsets[0]:]) {
		t.Error("concatenated units differ from the buffer suffix at the first start code")
	}

	again, err := SplitAccessUnits(joined)
	if err != nil {
		t.Fatalf("re-split: %v", err)
	}
	if len(again) != len(units) {
		t.Fatalf("re-split produced %d units, want %d", len(again), len(units))
	}
	shift := offsets[0]
	for i := range again {
		if again[i].Start+shift != units[i].Start || again[i].End+shift != units[i].End {
			t.Errorf("re-split unit %d = %+v, want %+v shifted by %d", i, again[i], units[i], shift)
		}
	}
}

func TestSplitInvariants(t *testing.T) {
	t.Parallel()
	inputs := [][]byte{
		{0, 0, 0, 1, 25, 0, 0, 0, 1, 38, 0, 0, 0, 1, 2},
		{0, 0, 0, 1, 99, 5, 5},
		{1, 2, 3},
		{0xFF, 0xFE, 0, 0, 0, 1, 0x40, 0, 0, 0, 1, 0x26, 0xAA, 0, 0, 0, 1, 0x02, 0xBB},
		bytes.Repeat([]byte{0, 0, 0, 1, 0x02, 0x01, 0x10}, 50),
		bytes.Repeat([]byte{0, 0, 0, 1, 0x00, 0x01, 0x10}, 20),
	}

	for _, data := range inputs {
		units, err := SplitAccessUnits(data)
		if err != nil {
			t.Fatalf("SplitAccessUnits(%v): %v", data, err)
		}
		checkSplitInvariants(t, data, units)
	}
}

func TestSplitConcurrentReaders(t *testing.T) {
	t.Parallel()
	data := bytes.Repeat([]byte{0, 0, 0, 1, 0x40, 0, 0, 0, 1, 0x26, 0xAA, 0, 0, 0, 1, 0x02, 0xBB}, 64)
	orig := bytes.Clone(data)

	done := make(chan []AccessUnit, 8)
	for i := 0; i < cap(done); i++ {
		go func() {
			units, _ := SplitAccessUnits(data)
			done <- units
		}()
	}
	first := <-done
	for i := 1; i < cap(done); i++ {
		got := <-done
		if len(got) != len(first) {
			t.Fatalf("concurrent split disagreed: %d vs %d units", len(got), len(first))
		}
	}
	if !bytes.Equal(data, orig) {
		t.Error("input buffer was modified")
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
