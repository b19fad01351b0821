package ingest

import (
	"context"
	"strings"
	"unicode"

	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/schema"
)

const metaKeyPart = "part"

// splitter packs paragraphs into chunks of at most size runes. A paragraph
// longer than size is cut at the last space before the limit.
type splitter struct {
	size int
}

var _ document.Transformer = (*splitter)(nil)

func newSplitter(size int) *splitter {
	return &splitter{size: size}
}

func (s *splitter) Transform(ctx context.Context, src []*schema.Document, _ ...document.TransformerOption) ([]*schema.Document, error) {
	var out []*schema.Document
	for _, doc := range src {
		if doc == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, chunk := range s.split(doc.Content) {
			meta := make(map[string]any, len(doc.MetaData)+1)
			for k, v := range doc.MetaData {
				meta[k] = v
			}
			meta[metaKeyPart] = len(out) + 1
			out = append(out, &schema.Document{Content: chunk, MetaData: meta})
		}
	}
	return out, nil
}

func (s *splitter) split(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var (
		chunks  []string
		current []rune
	)
	flush := func() {
		if c := strings.TrimSpace(string(current)); c != "" {
			chunks = append(chunks, c)
		}
		current = current[:0]
	}

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		runes := []rune(para)
		if len(current) > 0 && len(current)+2+len(runes) > s.size {
			flush()
		}
		for len(runes) > s.size {
			cut := lastSpace(runes[:s.size])
			if cut <= 0 {
				cut = s.size
			}
			current = append(current, runes[:cut]...)
			flush()
			runes = []rune(strings.TrimLeftFunc(string(runes[cut:]), unicode.IsSpace))
		}
		if len(current) > 0 {
			current = append(current, '\n', '\n')
		}
		current = append(current, runes...)
	}
	flush()
	return chunks
}

func lastSpace(runes []rune) int {
	for i := len(runes) - 1; i > 0; i-- {
		if unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return -1
}
