package ingestion

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleWords(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(words, " ")
}

func TestChunkerValidation(t *testing.T) {
	_, err := NewChunker(0, 0)
	assert.Error(t, err)

	_, err = NewChunker(10, 10)
	assert.Error(t, err)

	_, err = NewChunker(10, -1)
	assert.Error(t, err)

	c, err := NewChunker(10, 0)
	require.NoError(t, err)
	assert.Equal(t, 10, c.Size)
}

func TestSplitEmptyInput(t *testing.T) {
	c, err := NewChunker(100, 20)
	require.NoError(t, err)

	assert.Nil(t, c.Split(""))
	assert.Nil(t, c.Split("   \n\t  "))
}

func TestSplitSingleChunk(t *testing.T) {
	c, err := NewChunker(100, 20)
	require.NoError(t, err)

	chunks := c.Split("the chain rule composes derivatives")
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].SequenceIndex)
	assert.Equal(t, 5, chunks[0].TokenCount)
	assert.Equal(t, "the chain rule composes derivatives", chunks[0].Text)
}

func TestSplitOverlapWindows(t *testing.T) {
	c, err := NewChunker(5, 2)
	require.NoError(t, err)

	chunks := c.Split(sampleWords(10))
	require.Len(t, chunks, 3)

	assert.Equal(t, "w0 w1 w2 w3 w4", chunks[0].Text)
	assert.Equal(t, "w3 w4 w5 w6 w7", chunks[1].Text)
	assert.Equal(t, "w6 w7 w8 w9", chunks[2].Text)

	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.SequenceIndex)
		assert.LessOrEqual(t, chunk.TokenCount, 5)
	}
}

// dropping the first Overlap words of every chunk after the first must
// reconstruct the original token stream exactly
func TestSplitRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		words, size, overlap int
	}{
		{1, 5, 2},
		{5, 5, 2},
		{6, 5, 2},
		{10, 5, 2},
		{97, 10, 3},
		{400, 50, 10},
	} {
		t.Run(fmt.Sprintf("%dw_%ds_%do", tc.words, tc.size, tc.overlap), func(t *testing.T) {
			c, err := NewChunker(tc.size, tc.overlap)
			require.NoError(t, err)

			original := sampleWords(tc.words)
			chunks := c.Split(original)
			require.NotEmpty(t, chunks)

			rebuilt := strings.Fields(chunks[0].Text)
			for _, chunk := range chunks[1:] {
				words := strings.Fields(chunk.Text)
				require.Greater(t, len(words), tc.overlap)
				rebuilt = append(rebuilt, words[tc.overlap:]...)
			}
			assert.Equal(t, original, strings.Join(rebuilt, " "))
		})
	}
}

func TestSplitNormalizesWhitespace(t *testing.T) {
	c, err := NewChunker(10, 2)
	require.NoError(t, err)

	chunks := c.Split("a\n\nb\t c   d")
	require.Len(t, chunks, 1)
	assert.Equal(t, "a b c d", chunks[0].Text)
	assert.Equal(t, 4, chunks[0].TokenCount)
}
