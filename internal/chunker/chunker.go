// Package chunker splits long document text into overlapping windows that
// prefer to end on a paragraph boundary.
package chunker

// Chunk is one window of the source text.
type Chunk struct {
	Index int
	Text  string
}

// ClampOverlap bounds overlap to [0, chunkSize-1].
func ClampOverlap(chunkSize, overlap int) int {
	if overlap < 0 {
		return 0
	}
	if chunkSize > 0 && overlap >= chunkSize {
		return chunkSize - 1
	}
	return overlap
}

// Split walks text in windows of chunkSize runes. A window that does not reach
// the end is trimmed after the last newline found past both the window
// midpoint and the overlap; without such a newline the window is cut hard. The cursor then steps back by
// overlap runes so neighbouring chunks share context. Sizes are in runes.
func Split(text string, chunkSize, overlap int) []string {
	chunks := SplitChunks(text, chunkSize, overlap)
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Text
	}
	return out
}

// SplitChunks is Split with sequence indexes attached.
func SplitChunks(text string, chunkSize, overlap int) []Chunk {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if chunkSize <= 0 || len(runes) <= chunkSize {
		return []Chunk{{Index: 0, Text: text}}
	}
	overlap = ClampOverlap(chunkSize, overlap)
	half := chunkSize / 2

	var out []Chunk
	pos := 0
	for pos < len(runes) {
		end := pos + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		window := runes[pos:end]
		if end < len(runes) {
			if cut := lastNewline(window); cut > half && cut >= overlap {
				window = window[:cut+1]
			}
		}
		out = append(out, Chunk{Index: len(out), Text: string(window)})

		next := pos + len(window)
		if next >= len(runes) {
			break
		}
		// Windows are longer than overlap, so this always moves forward.
		if back := next - overlap; back > pos {
			next = back
		}
		pos = next
	}
	return out
}

func lastNewline(window []rune) int {
	for i := len(window) - 1; i >= 0; i-- {
		if window[i] == '\n' {
			return i
		}
	}
	return -1
}
