package pdf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"strings"
	"sync"

	"github.com/ledongthuc/pdf"

	"github.com/feichai0017/exam-importer/internal/agent/document"
	"github.com/feichai0017/exam-importer/internal/models"
	"github.com/feichai0017/exam-importer/pkg/logger"
)

var encryptMarker = []byte("/Encrypt")

// Processor opens PDFs for page-level text extraction and rendering.
type Processor struct {
	logger logger.Logger
}

func NewProcessor(log logger.Logger) *Processor {
	return &Processor{logger: log.Named("pdf")}
}

// Document is an opened PDF. Text comes from ledongthuc/pdf, page images
// from pdfcpu.
type Document struct {
	data     []byte
	password string
	info     document.Info
	logger   logger.Logger

	// the ledongthuc reader is not safe for concurrent use
	mu     sync.Mutex
	reader *pdf.Reader

	images *imageIndex
}

var _ document.Opener = (*Processor)(nil)
var _ document.PageSource = (*Document)(nil)

// Open decrypts (when needed) and indexes the document. Every failure is an
// acquisition failure; encryption problems carry ErrPasswordRequired or
// ErrPasswordIncorrect.
func (p *Processor) Open(ctx context.Context, data []byte, password string) (document.PageSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	reader, plain, err := p.open(data, password)
	if err != nil {
		if errors.Is(err, pdf.ErrInvalidPassword) || isWrongPassword(err) {
			if password == "" {
				return nil, models.NewStageError(models.StageAcquisition,
					"document is encrypted: a password is required",
					fmt.Errorf("%w: %w", models.ErrAcquisitionFailed, models.ErrPasswordRequired))
			}
			return nil, models.NewStageError(models.StageAcquisition,
				"document is encrypted: the supplied password is incorrect",
				fmt.Errorf("%w: %w", models.ErrAcquisitionFailed, models.ErrPasswordIncorrect))
		}
		return nil, models.NewStageError(models.StageAcquisition,
			"document could not be opened",
			fmt.Errorf("%w: %v", models.ErrAcquisitionFailed, err))
	}

	doc := &Document{
		data:     plain,
		password: password,
		logger:   p.logger,
		reader:   reader,
		info:     readInfo(reader),
	}
	doc.info.Encrypted = isEncrypted(data)
	doc.images = newImageIndex(plain, password, p.logger)
	return doc, nil
}

// open reads data with the text reader. Encrypted documents it cannot handle,
// and owner passwords it does not check, go through pdfcpu first; the
// returned bytes are what the reader and the image index should work on.
func (p *Processor) open(data []byte, password string) (*pdf.Reader, []byte, error) {
	reader, err := newReader(data, password)
	if err == nil || !isEncrypted(data) {
		return reader, data, err
	}
	if password == "" && errors.Is(err, pdf.ErrInvalidPassword) {
		return nil, nil, err
	}

	p.logger.Debug("Decrypting document with pdfcpu", logger.Error(err))
	plain, derr := decrypt(data, password)
	if derr != nil {
		if isWrongPassword(derr) {
			return nil, nil, derr
		}
		if errors.Is(err, pdf.ErrInvalidPassword) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("%v; decrypt: %w", err, derr)
	}
	reader, err = newReader(plain, "")
	return reader, plain, err
}

// Probe checks that data parses as a PDF without a password. A document
// that needs one is reported as encrypted rather than as corrupt.
func Probe(data []byte) (document.Info, error) {
	reader, err := newReader(data, "")
	if err != nil {
		if errors.Is(err, pdf.ErrInvalidPassword) {
			return document.Info{Encrypted: true}, nil
		}
		if !isEncrypted(data) {
			return document.Info{}, fmt.Errorf("%w: %v", models.ErrCorrupt, err)
		}
		plain, derr := decrypt(data, "")
		if isWrongPassword(derr) {
			return document.Info{Encrypted: true}, nil
		}
		if derr != nil {
			return document.Info{}, fmt.Errorf("%w: %v", models.ErrCorrupt, derr)
		}
		if reader, err = newReader(plain, ""); err != nil {
			return document.Info{}, fmt.Errorf("%w: %v", models.ErrCorrupt, err)
		}
	}
	info := readInfo(reader)
	info.Encrypted = isEncrypted(data)
	if info.PageCount == 0 {
		return info, fmt.Errorf("%w: document has no pages", models.ErrCorrupt)
	}
	return info, nil
}

func newReader(data []byte, password string) (r *pdf.Reader, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r, err = nil, fmt.Errorf("malformed pdf: %v", rec)
		}
	}()

	ra := bytes.NewReader(data)
	tried := false
	return pdf.NewReaderEncrypted(ra, ra.Size(), func() string {
		if tried {
			return ""
		}
		tried = true
		return password
	})
}

func isEncrypted(data []byte) bool {
	return bytes.Contains(data, encryptMarker)
}

func readInfo(r *pdf.Reader) (info document.Info) {
	defer func() {
		if rec := recover(); rec != nil {
			info.Title, info.Author = "", ""
		}
	}()

	info.PageCount = r.NumPage()
	trailer := r.Trailer()
	if trailer.IsNull() {
		return info
	}
	meta := trailer.Key("Info")
	if meta.IsNull() {
		return info
	}
	info.Title = strings.TrimSpace(meta.Key("Title").Text())
	info.Author = strings.TrimSpace(meta.Key("Author").Text())
	return info
}

func (d *Document) Info() document.Info { return d.info }

// PageText returns the directly extractable text of page index.
func (d *Document) PageText(ctx context.Context, index int) (text string, err error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if index < 0 || index >= d.info.PageCount {
		return "", fmt.Errorf("page %d out of range", index)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	defer func() {
		if rec := recover(); rec != nil {
			text, err = "", fmt.Errorf("page %d: malformed content: %v", index, rec)
		}
	}()

	page := d.reader.Page(index + 1)
	if page.V.IsNull() {
		return "", nil
	}
	text, err = page.GetPlainText(nil)
	if err != nil {
		return "", fmt.Errorf("failed to get text from page %d: %w", index, err)
	}
	return text, nil
}

// RenderPage returns the page's scanned image scaled to dpi.
func (d *Document) RenderPage(ctx context.Context, index int, dpi int) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := d.images.decode(index + 1)
	if err != nil {
		return nil, err
	}
	widthPts := d.pageWidth(index)
	return scaleToDPI(img, widthPts, dpi), nil
}

// pageWidth is the MediaBox width in points, 0 when unknown.
func (d *Document) pageWidth(index int) (width float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	defer func() {
		if recover() != nil {
			width = 0
		}
	}()

	node := d.reader.Page(index + 1).V
	for depth := 0; depth < 32 && !node.IsNull(); depth++ {
		box := node.Key("MediaBox")
		if box.Len() == 4 {
			return math.Abs(box.Index(2).Float64() - box.Index(0).Float64())
		}
		node = node.Key("Parent")
	}
	return 0
}

func (d *Document) Close() error {
	d.images.release()
	return nil
}
