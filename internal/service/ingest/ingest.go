// Package ingest turns uploaded text documents into excerpts small enough to be
// stored and recalled as conversation memory.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"
)

// DefaultExcerptSize is the excerpt length in runes when none is configured.
const DefaultExcerptSize = 1200

var (
	ErrUnsupportedFormat = errors.New("unsupported document format")
	ErrEmptyDocument     = errors.New("document has no text")
)

// Formats lists the accepted file extensions.
var Formats = []string{".txt", ".md", ".csv"}

// Excerpt is one stored piece of a document.
type Excerpt struct {
	Source string
	Part   int
	Parts  int
	Text   string
}

// Content is the text stored as a memory turn. The header keeps the source
// visible when the excerpt is recalled into a prompt.
func (e Excerpt) Content() string {
	return fmt.Sprintf("[document %s, part %d/%d]\n%s", e.Source, e.Part, e.Parts, e.Text)
}

// Extractor parses a document by extension and splits it into excerpts.
type Extractor struct {
	parser   parser.Parser
	splitter document.Transformer
}

// NewExtractor builds an extractor cutting excerpts of at most size runes.
func NewExtractor(size int) (*Extractor, error) {
	if size <= 0 {
		size = DefaultExcerptSize
	}
	text := parser.TextParser{}
	p, err := parser.NewExtParser(context.Background(), &parser.ExtParserConfig{
		Parsers: map[string]parser.Parser{
			".txt": text,
			".md":  text,
			".csv": csvParser{},
		},
		FallbackParser: text,
	})
	if err != nil {
		return nil, fmt.Errorf("build document parser: %w", err)
	}
	return &Extractor{parser: p, splitter: newSplitter(size)}, nil
}

// Extract reads the document called name from r. Unknown extensions are
// rejected before anything is read.
func (x *Extractor) Extract(ctx context.Context, name string, r io.Reader) ([]Excerpt, error) {
	source := filepath.Base(strings.TrimSpace(name))
	if !supported(source) {
		return nil, fmt.Errorf("%w: %q (accepted: %s)", ErrUnsupportedFormat, source, strings.Join(Formats, ", "))
	}

	// Parsers are keyed by lower-case extension.
	ext := filepath.Ext(source)
	uri := strings.TrimSuffix(source, ext) + strings.ToLower(ext)
	docs, err := x.parser.Parse(ctx, r, parser.WithURI(uri))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", source, err)
	}
	chunks, err := x.splitter.Transform(ctx, docs)
	if err != nil {
		return nil, fmt.Errorf("split %s: %w", source, err)
	}

	excerpts := make([]Excerpt, 0, len(chunks))
	for _, chunk := range chunks {
		if text := strings.TrimSpace(chunk.Content); text != "" {
			excerpts = append(excerpts, Excerpt{Source: source, Text: text})
		}
	}
	if len(excerpts) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyDocument, source)
	}
	for i := range excerpts {
		excerpts[i].Part = i + 1
		excerpts[i].Parts = len(excerpts)
	}
	return excerpts, nil
}

func supported(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, f := range Formats {
		if ext == f {
			return true
		}
	}
	return false
}
