package dispatch

import "unicode"

// splitText cuts s into chunks of at most limit runes. A cut prefers the
// last newline, then the last space, inside the window, as long as the chunk
// keeps at least a third of the limit. Chunks concatenate back to s.
func splitText(s string, limit int) []string {
	if s == "" {
		return nil
	}
	rs := []rune(s)
	if limit <= 0 || len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			if cut := lastBreak(rs, start, end, limit/3); cut > 0 {
				end = cut
			}
		}
		out = append(out, string(rs[start:end]))
		start = end
	}
	return out
}

// lastBreak returns the index just past the best break rune in rs[start:end],
// or -1 when none leaves a chunk of at least minLen runes.
func lastBreak(rs []rune, start, end, minLen int) int {
	space := -1
	for i := end - 1; i > start && i-start >= minLen; i-- {
		if rs[i] == '\n' {
			return i + 1
		}
		if space < 0 && unicode.IsSpace(rs[i]) {
			space = i + 1
		}
	}
	return space
}
