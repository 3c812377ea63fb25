// Package tui provides a Bubble Tea full-screen console for the mythcore master.
package tui

// History keeps the last submitted command lines in a fixed ring, with a
// cursor for Up/Down navigation.
type History struct {
	ring  []string
	start int // index of the oldest entry
	n     int
	// cursor counts back from the newest entry: 0 is not navigating,
	// 1 the newest, n the oldest.
	cursor int
}

// NewHistory creates a history holding at most size lines.
func NewHistory(size int) *History {
	if size < 1 {
		size = 1
	}
	return &History{ring: make([]string, size)}
}

// Len returns the number of stored lines.
func (h *History) Len() int { return h.n }

// at returns the i-th newest line, 1-based.
func (h *History) at(i int) string {
	return h.ring[(h.start+h.n-i)%len(h.ring)]
}

// Push records a line. A repeat of the newest line is not stored twice;
// the oldest line is dropped when the ring is full.
func (h *History) Push(line string) {
	if h.n > 0 && h.at(1) == line {
		return
	}
	if h.n < len(h.ring) {
		h.ring[(h.start+h.n)%len(h.ring)] = line
		h.n++
		return
	}
	h.ring[h.start] = line
	h.start = (h.start + 1) % len(h.ring)
}

// Prev moves to the next older line and returns it. It stays on the
// oldest line; the second result is false when the history is empty.
func (h *History) Prev() (string, bool) {
	if h.n == 0 {
		return "", false
	}
	if h.cursor < h.n {
		h.cursor++
	}
	return h.at(h.cursor), true
}

// Next moves to the next newer line. Moving past the newest line ends the
// navigation and returns false.
func (h *History) Next() (string, bool) {
	if h.cursor <= 1 {
		h.cursor = 0
		return "", false
	}
	h.cursor--
	return h.at(h.cursor), true
}

// ResetCursor ends the navigation.
func (h *History) ResetCursor() {
	h.cursor = 0
}
