package platform

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSegmentShortTextUntouched(t *testing.T) {
	out := Segment("hello world", 2000)
	assert.Equal(t, []string{"hello world"}, out)
}

func TestSegmentBreaksAtWordBoundary(t *testing.T) {
	out := Segment("alpha beta gamma delta", 11)
	assert.Equal(t, []string{"alpha beta", "gamma delta"}, out)
	for _, s := range out {
		assert.LessOrEqual(t, len([]rune(s)), 11)
	}
}

func TestSegmentNeverSplitsWordsUnlessOversized(t *testing.T) {
	words := strings.Fields(strings.Repeat("example ", 100))
	out := Segment(strings.Join(words, " "), 50)
	for _, s := range out {
		for _, w := range strings.Fields(s) {
			assert.Equal(t, "example", w)
		}
	}
}

func TestSegmentHardSplitsOversizedWord(t *testing.T) {
	long := strings.Repeat("x", 45)
	out := Segment(long, 20)
	assert.Equal(t, []string{strings.Repeat("x", 20), strings.Repeat("x", 20), "xxxxx"}, out)
}

func TestSegmentPreservesParagraphBreaks(t *testing.T) {
	text := "first paragraph here\n\nsecond paragraph here"
	out := Segment(text, 60)
	// Both paragraphs fit one segment and keep the break between them.
	assert.Equal(t, []string{text}, out)
}

func TestSegmentParagraphBreakAcrossSegments(t *testing.T) {
	text := strings.Repeat("aaa ", 10) + "\n\n" + strings.Repeat("bbb ", 10)
	out := Segment(text, 45)
	assert.Len(t, out, 2)
	assert.NotContains(t, out[0], "bbb")
	assert.NotContains(t, out[1], "aaa")
}

func TestSegmentRejoinsSmallParagraphs(t *testing.T) {
	text := "one\n\ntwo\n\nthree"
	out := Segment(text, 14)
	assert.Equal(t, []string{"one\n\ntwo", "three"}, out)
}

func TestSegmentEmpty(t *testing.T) {
	assert.Equal(t, []string{""}, Segment("", 100))
}
