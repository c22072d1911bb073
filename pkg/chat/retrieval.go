package chat

import (
	"context"
	"unicode/utf8"

	"github.com/ragline/ragline/pkg/settings"
)

const (
	maxCitations     = 8
	maxPreviewLength = 280
)

// RetrieveParams are the runtime knobs of one retrieval call.
type RetrieveParams struct {
	TopK          int
	MaxCandidates int
	MinScore      float64
}

// Retriever produces ranked evidence for a query. The knowledge-base
// side (chunking, embedding, index) lives behind this interface.
type Retriever interface {
	Retrieve(ctx context.Context, query string, params RetrieveParams) ([]Evidence, error)
}

// resolveParams merges the per-request top-k hint with the dynamic
// configuration. The hint can narrow but never exceed the configured
// candidate pool.
func resolveParams(vals settings.Values, topKHint int) RetrieveParams {
	p := RetrieveParams{
		TopK:          vals.RetrievalTopK,
		MaxCandidates: vals.RetrievalMaxCandidates,
		MinScore:      vals.RetrievalMinScore,
	}
	if topKHint > 0 && topKHint <= p.MaxCandidates {
		p.TopK = topKHint
	}
	return p
}

// trimCitations bounds the citations event payload: at most
// maxCitations items, previews cut at maxPreviewLength without
// splitting a rune.
func trimCitations(evidence []Evidence) []Evidence {
	if len(evidence) > maxCitations {
		evidence = evidence[:maxCitations]
	}
	out := make([]Evidence, len(evidence))
	for i, ev := range evidence {
		if len(ev.Content) > maxPreviewLength {
			cut := maxPreviewLength
			for cut > 0 && !utf8.RuneStart(ev.Content[cut]) {
				cut--
			}
			ev.Content = ev.Content[:cut]
		}
		out[i] = ev
	}
	return out
}
