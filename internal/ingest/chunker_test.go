package ingest

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func numberedWords(n int) []string {
	words := make([]string, n)
	for i := range words {
		words[i] = fmt.Sprintf("w%03d", i)
	}
	return words
}

func TestSplitText_Empty(t *testing.T) {
	assert.Empty(t, SplitText("", 512, 128))
	assert.Empty(t, SplitText("   \n\t  ", 512, 128))
}

func TestSplitText_SingleWord(t *testing.T) {
	chunks := SplitText("hello", 512, 128)
	require.Len(t, chunks, 1)
	assert.Equal(t, "hello", chunks[0])
}

func TestSplitText_ShortContentSingleChunk(t *testing.T) {
	words := numberedWords(50)
	chunks := SplitText(strings.Join(words, " "), 512, 128)

	require.Len(t, chunks, 1)
	assert.Equal(t, strings.Join(words, " "), chunks[0])
}

func TestSplitText_WindowsWithOverlap(t *testing.T) {
	words := numberedWords(100)
	chunks := SplitText(strings.Join(words, " "), 64, 16)

	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Join(words[0:64], " "), chunks[0])
	// Second window starts 16 words before the end of the first.
	assert.Equal(t, strings.Join(words[48:100], " "), chunks[1])
}

func TestSplitText_TinyChunkSizeIsFloored(t *testing.T) {
	words := numberedWords(80)
	chunks := SplitText(strings.Join(words, " "), 10, 0)

	require.Len(t, chunks, 2)
	assert.Len(t, strings.Fields(chunks[0]), 64)
	assert.Len(t, strings.Fields(chunks[1]), 16)
}

func TestSplitText_OversizedOverlapIsClamped(t *testing.T) {
	words := numberedWords(100)
	chunks := SplitText(strings.Join(words, " "), 64, 1000)

	// Overlap clamps to half the window (32), so windows start at 0, 32, 64.
	require.Len(t, chunks, 3)
	assert.Equal(t, strings.Join(words[0:64], " "), chunks[0])
	assert.Equal(t, strings.Join(words[32:96], " "), chunks[1])
	assert.Equal(t, strings.Join(words[64:100], " "), chunks[2])
}

func TestSplitText_NegativeOverlapTreatedAsZero(t *testing.T) {
	words := numberedWords(128)
	chunks := SplitText(strings.Join(words, " "), 64, -5)

	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Join(words[0:64], " "), chunks[0])
	assert.Equal(t, strings.Join(words[64:128], " "), chunks[1])
}

func TestSplitText_EveryWordCovered(t *testing.T) {
	words := numberedWords(300)
	chunks := SplitText(strings.Join(words, " "), 64, 16)

	seen := make(map[string]bool)
	for _, chunk := range chunks {
		for _, w := range strings.Fields(chunk) {
			seen[w] = true
		}
	}
	for _, w := range words {
		assert.True(t, seen[w], "word %s missing from chunks", w)
	}
}

func TestSplitText_CollapsesWhitespace(t *testing.T) {
	chunks := SplitText("a\n\nb\tc   d", 512, 0)
	require.Len(t, chunks, 1)
	assert.Equal(t, "a b c d", chunks[0])
}
