package chat

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"github.com/ragline/ragline/pkg/settings"
)

func TestResolveParams(t *testing.T) {
	t.Parallel()

	vals := settings.Defaults()

	t.Run("defaults without hint", func(t *testing.T) {
		t.Parallel()
		p := resolveParams(vals, 0)
		assert.Equal(t, vals.RetrievalTopK, p.TopK)
		assert.Equal(t, vals.RetrievalMaxCandidates, p.MaxCandidates)
	})

	t.Run("hint narrows top-k", func(t *testing.T) {
		t.Parallel()
		p := resolveParams(vals, 3)
		assert.Equal(t, 3, p.TopK)
	})

	t.Run("hint above candidate pool is ignored", func(t *testing.T) {
		t.Parallel()
		p := resolveParams(vals, vals.RetrievalMaxCandidates+1)
		assert.Equal(t, vals.RetrievalTopK, p.TopK)
	})

	t.Run("negative hint is ignored", func(t *testing.T) {
		t.Parallel()
		p := resolveParams(vals, -1)
		assert.Equal(t, vals.RetrievalTopK, p.TopK)
	})
}

func TestTrimCitations(t *testing.T) {
	t.Parallel()

	t.Run("caps the item count", func(t *testing.T) {
		t.Parallel()
		evidence := make([]Evidence, maxCitations+5)
		for i := range evidence {
			evidence[i] = Evidence{ChunkID: "c", Content: "short"}
		}
		assert.Len(t, trimCitations(evidence), maxCitations)
	})

	t.Run("cuts long previews", func(t *testing.T) {
		t.Parallel()
		evidence := []Evidence{{Content: strings.Repeat("x", maxPreviewLength*2)}}
		out := trimCitations(evidence)
		assert.Len(t, out[0].Content, maxPreviewLength)
	})

	t.Run("cuts on a rune boundary", func(t *testing.T) {
		t.Parallel()
		// 100 three-byte runes; the byte limit lands mid-rune.
		evidence := []Evidence{{Content: strings.Repeat("€", 100)}}
		out := trimCitations(evidence)
		assert.True(t, utf8.ValidString(out[0].Content))
		assert.Equal(t, strings.Repeat("€", 93), out[0].Content)
	})

	t.Run("leaves the input untouched", func(t *testing.T) {
		t.Parallel()
		evidence := []Evidence{{Content: strings.Repeat("x", maxPreviewLength*2)}}
		trimCitations(evidence)
		assert.Len(t, evidence[0].Content, maxPreviewLength*2)
	})

	t.Run("empty input stays empty", func(t *testing.T) {
		t.Parallel()
		assert.Empty(t, trimCitations(nil))
	})
}
