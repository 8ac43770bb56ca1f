package pdf

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/feichai0017/exam-importer/pkg/logger"
)

// ErrNoPageImage means the page carries no raster image to recognize.
var ErrNoPageImage = errors.New("page has no image")

// pageImage is the largest raster image found on a page.
type pageImage struct {
	raw      []byte
	fileType string
	width    int
	height   int
}

// imageIndex extracts page images once, on first use.
type imageIndex struct {
	data     []byte
	password string
	logger   logger.Logger

	once   sync.Once
	mu     sync.Mutex
	pages  map[int]*pageImage
	err    error
}

func newImageIndex(data []byte, password string, log logger.Logger) *imageIndex {
	return &imageIndex{data: data, password: password, logger: log}
}

func relaxedConfig(password string) *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	if password != "" {
		conf.UserPW = password
		conf.OwnerPW = password
	}
	return conf
}

func (x *imageIndex) load() {
	// extraction honours the permission bits, decryption does not
	if isEncrypted(x.data) {
		if plain, err := decrypt(x.data, x.password); err == nil {
			x.data = plain
		}
	}
	conf := relaxedConfig(x.password)

	pages := make(map[int]*pageImage)
	extracted, err := extractImages(bytes.NewReader(x.data), conf)
	if err != nil {
		x.err = fmt.Errorf("failed to extract page images: %w", err)
		return
	}

	for _, byObj := range extracted {
		for _, img := range byObj {
			if img.Thumb || img.IsImgMask {
				continue
			}
			cur := pages[img.PageNr]
			if cur != nil && cur.width*cur.height >= img.Width*img.Height {
				continue
			}
			raw, err := io.ReadAll(img)
			if err != nil {
				x.logger.Warn("Failed to read page image",
					logger.Int("page", img.PageNr),
					logger.String("name", img.Name),
					logger.Error(err),
				)
				continue
			}
			pages[img.PageNr] = &pageImage{raw: raw, fileType: img.FileType, width: img.Width, height: img.Height}
		}
	}
	x.pages = pages
}

func extractImages(rs io.ReadSeeker, conf *model.Configuration) (out []map[int]model.Image, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out, err = nil, fmt.Errorf("malformed pdf: %v", rec)
		}
	}()
	return api.ExtractImagesRaw(rs, nil, conf)
}

// decrypt rewrites an encrypted document without its security handler. It
// covers the handlers the text reader cannot, AES-256 (V=5) among them.
// A password that matches neither the user nor the owner password yields
// pdfcpu.ErrWrongPassword.
func decrypt(data []byte, password string) (out []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out, err = nil, fmt.Errorf("malformed pdf: %v", rec)
		}
	}()

	var buf bytes.Buffer
	if err := api.Decrypt(bytes.NewReader(data), &buf, relaxedConfig(password)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func isWrongPassword(err error) bool {
	return errors.Is(err, pdfcpu.ErrWrongPassword)
}

// decode returns the decoded image of a 1-based page number.
func (x *imageIndex) decode(pageNr int) (image.Image, error) {
	x.once.Do(x.load)
	if x.err != nil {
		return nil, x.err
	}

	x.mu.Lock()
	pi := x.pages[pageNr]
	x.mu.Unlock()
	if pi == nil {
		return nil, ErrNoPageImage
	}

	img, err := imaging.Decode(bytes.NewReader(pi.raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s image on page %d: %w", pi.fileType, pageNr, err)
	}
	return img, nil
}

func (x *imageIndex) release() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.pages = nil
}

// scaleToDPI resizes img so that a page widthPts points wide renders at dpi.
// Images within 5% of the target are returned unchanged.
func scaleToDPI(img image.Image, widthPts float64, dpi int) image.Image {
	if widthPts <= 0 || dpi <= 0 {
		return img
	}
	target := int(math.Round(widthPts / 72 * float64(dpi)))
	current := img.Bounds().Dx()
	if target <= 0 || current <= 0 {
		return img
	}
	if math.Abs(float64(target-current))/float64(target) <= 0.05 {
		return img
	}
	return imaging.Resize(img, target, 0, imaging.Lanczos)
}
