package platform

import "strings"

// Segment splits text into chunks of at most limit runes. Splits happen at
// word boundaries, long words are split hard, and paragraph breaks are
// kept when adjacent paragraphs share a segment.
func Segment(text string, limit int) []string {
	if limit <= 0 || len([]rune(text)) <= limit {
		return []string{text}
	}

	// Phase one: cut each paragraph into word-boundary chunks.
	var chunks []string
	for _, paragraph := range strings.Split(text, "\n\n") {
		chunks = append(chunks, splitParagraph(paragraph, limit)...)
	}

	// Phase two: pack chunks greedily, re-joining across paragraph breaks
	// when both fit in one segment.
	var segments []string
	current := ""
	for _, c := range chunks {
		switch {
		case current == "":
			current = c
		case len([]rune(current))+2+len([]rune(c)) <= limit:
			current = current + "\n\n" + c
		default:
			segments = append(segments, current)
			current = c
		}
	}
	if current != "" {
		segments = append(segments, current)
	}
	if len(segments) == 0 {
		return []string{""}
	}
	return segments
}

// splitParagraph cuts one paragraph into word-boundary chunks of at most
// limit runes each.
func splitParagraph(paragraph string, limit int) []string {
	words := strings.Fields(paragraph)
	if len(words) == 0 {
		return nil
	}

	var chunks []string
	var current []rune
	for _, word := range words {
		w := []rune(word)

		for len(w) > limit {
			if len(current) > 0 {
				chunks = append(chunks, string(current))
				current = current[:0]
			}
			chunks = append(chunks, string(w[:limit]))
			w = w[limit:]
		}

		need := len(w)
		if len(current) > 0 {
			need++
		}
		if len(current)+need > limit {
			chunks = append(chunks, string(current))
			current = current[:0]
		}
		if len(current) > 0 {
			current = append(current, ' ')
		}
		current = append(current, w...)
	}
	if len(current) > 0 {
		chunks = append(chunks, string(current))
	}
	return chunks
}
