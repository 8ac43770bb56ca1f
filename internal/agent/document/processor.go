package document

import (
	"context"
	"image"
)

// Recognition is one engine's reading of a page image.
type Recognition struct {
	Text       string
	Confidence float64 // within [0,1]
}

// Engine converts a page image to text. Implementations hold no pipeline
// policy; fallback and timeouts are decided by the caller.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, img image.Image) (Recognition, error)
	Close() error
}

// Info is what opening a document reveals about it.
type Info struct {
	PageCount int
	Encrypted bool
	Title     string
	Author    string
}

// PageSource gives page-level access to an opened document.
// Page indices are 0-based.
type PageSource interface {
	Info() Info
	PageText(ctx context.Context, index int) (string, error)
	RenderPage(ctx context.Context, index int, dpi int) (image.Image, error)
	Close() error
}

// Opener opens raw document bytes. Failures to open at all are fatal to a run.
type Opener interface {
	Open(ctx context.Context, data []byte, password string) (PageSource, error)
}
