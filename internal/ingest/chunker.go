package ingest

import (
	"strings"

	"github.com/archon-ai/knowledge-core/internal/storage"
)

// SplitText splits content into word windows of chunkSize words, with
// overlap words repeated between consecutive windows. Windows never go
// below storage.MinChunkSize words and the overlap never exceeds half a
// window, so the loop always advances.
func SplitText(content string, chunkSize, overlap int) []string {
	words := strings.Fields(content)
	if len(words) == 0 {
		return nil
	}

	size := chunkSize
	if size < storage.MinChunkSize {
		size = storage.MinChunkSize
	}
	ov := overlap
	if ov < 0 {
		ov = 0
	}
	if ov > size/2 {
		ov = size / 2
	}

	var chunks []string
	start := 0
	for start < len(words) {
		end := start + size
		if end > len(words) {
			end = len(words)
		}
		chunk := strings.TrimSpace(strings.Join(words[start:end], " "))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(words) {
			break
		}
		start = end - ov
		if start < 0 {
			start = 0
		}
	}
	return chunks
}
