package segmenter

// Saturation is the absolute raw value at and above which a sample is invalid
const Saturation = 30000

func validSample(v int16) bool {
	x := int32(v)
	if x < 0 {
		x = -x
	}
	return x < Saturation
}

// window is the best trailing window seen for the current depth
type window struct {
	start    int
	validSum int
}

// buffer holds channels × capacity samples with running valid counts
type buffer struct {
	data   [][]int16
	prefix [][]int32
	idx    int
}

func newBuffer(channels, capacity int) *buffer {
	b := &buffer{
		data:   make([][]int16, channels),
		prefix: make([][]int32, channels),
	}
	for i := range b.data {
		b.data[i] = make([]int16, capacity)
		b.prefix[i] = make([]int32, capacity+1)
	}
	return b
}

func (b *buffer) capacity() int {
	if len(b.data) == 0 {
		return 0
	}
	return len(b.data[0])
}

func (b *buffer) full() bool {
	return b.idx >= b.capacity()
}

// append copies rows[ch][from:from+n] into the buffer, truncating at capacity.
// It returns the number of samples stored.
func (b *buffer) append(rows [][]int16, from, n int) int {
	if room := b.capacity() - b.idx; n > room {
		n = room
	}
	for ch, row := range rows {
		dst := b.data[ch][b.idx : b.idx+n]
		copy(dst, row[from:from+n])
		p := b.prefix[ch]
		for i, v := range dst {
			p[b.idx+i+1] = p[b.idx+i]
			if validSample(v) {
				p[b.idx+i+1]++
			}
		}
	}
	b.idx += n
	return n
}

// counts returns the per-channel valid counts of [start, start+length)
func (b *buffer) counts(start, length int) []int {
	out := make([]int, len(b.prefix))
	for ch, p := range b.prefix {
		out[ch] = int(p[start+length] - p[start])
	}
	return out
}

// slice copies [start, start+length) of every channel
func (b *buffer) slice(start, length int) [][]int16 {
	out := make([][]int16, len(b.data))
	for ch, row := range b.data {
		out[ch] = append([]int16(nil), row[start:start+length]...)
	}
	return out
}

func (b *buffer) reset() {
	b.idx = 0
}
