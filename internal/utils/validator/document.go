package validator

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/feichai0017/exam-importer/internal/agent/document/pdf"
	"github.com/feichai0017/exam-importer/internal/models"
	"github.com/feichai0017/exam-importer/pkg/logger"
)

const (
	CodeFileTooLarge  = "FILE_TOO_LARGE"
	CodeInvalidFormat = "INVALID_FILE_TYPE"
	CodeCorrupt       = "CORRUPT_FILE"

	pdfMime = "application/pdf"
)

// DocumentValidator checks uploads before any job exists for them.
type DocumentValidator struct {
	logger logger.Logger
	config *ValidatorConfig
}

type ValidatorConfig struct {
	MaxFileSize  int64 // bytes
	MaxPageCount int   // 0 means unlimited
}

// ValidationError carries a stable code and wraps one of the input sentinels.
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	err     error
}

func (e *ValidationError) Error() string { return e.Message }
func (e *ValidationError) Unwrap() error { return e.err }

// FileInfo describes an accepted upload.
type FileInfo struct {
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mimeType"`
	Extension string `json:"extension"`
	Hash      string `json:"hash"`
	PageCount int    `json:"pageCount"`
	Encrypted bool   `json:"encrypted"`
	Title     string `json:"title,omitempty"`
	Author    string `json:"author,omitempty"`
}

// Validated is the handle returned for an accepted upload.
type Validated struct {
	Data []byte
	Info FileInfo
}

func NewDocumentValidator(log logger.Logger, config *ValidatorConfig) *DocumentValidator {
	if config == nil {
		config = &ValidatorConfig{MaxFileSize: 50 * 1024 * 1024}
	}
	return &DocumentValidator{logger: log.Named("validator"), config: config}
}

// Validate reads r fully (bounded by the size limit) and returns the bytes
// if they form a readable PDF. Errors wrap models.ErrTooLarge,
// models.ErrInvalidFormat or models.ErrCorrupt. Encrypted documents pass;
// whether the password opens them is decided at acquisition.
func (v *DocumentValidator) Validate(r io.Reader, filename string) (*Validated, error) {
	data, err := io.ReadAll(io.LimitReader(r, v.config.MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}

	info := FileInfo{
		Filename:  filename,
		Size:      int64(len(data)),
		Extension: strings.ToLower(filepath.Ext(filename)),
	}

	if info.Size > v.config.MaxFileSize {
		return nil, v.reject(info, &ValidationError{
			Code:    CodeFileTooLarge,
			Message: fmt.Sprintf("file size exceeds maximum limit of %d bytes", v.config.MaxFileSize),
			Field:   "size",
			err:     models.ErrTooLarge,
		})
	}

	mt := mimetype.Detect(data)
	info.MimeType = mt.String()
	if len(bytes.TrimSpace(data)) == 0 || !mt.Is(pdfMime) {
		return nil, v.reject(info, &ValidationError{
			Code:    CodeInvalidFormat,
			Message: fmt.Sprintf("expected a PDF document, got %s", mt.String()),
			Field:   "mimeType",
			err:     models.ErrInvalidFormat,
		})
	}
	if info.Extension != ".pdf" {
		v.logger.Warn("PDF uploaded with unexpected extension",
			logger.String("filename", filename),
		)
	}

	probe, err := pdf.Probe(data)
	if err != nil {
		return nil, v.reject(info, &ValidationError{
			Code:    CodeCorrupt,
			Message: "document is structurally unreadable",
			Field:   "content",
			err:     errors.Join(models.ErrCorrupt, err),
		})
	}
	if v.config.MaxPageCount > 0 && probe.PageCount > v.config.MaxPageCount {
		return nil, v.reject(info, &ValidationError{
			Code:    CodeFileTooLarge,
			Message: fmt.Sprintf("document has %d pages, limit is %d", probe.PageCount, v.config.MaxPageCount),
			Field:   "pages",
			err:     models.ErrTooLarge,
		})
	}

	info.PageCount = probe.PageCount
	info.Encrypted = probe.Encrypted
	info.Title = probe.Title
	info.Author = probe.Author
	info.Hash = calculateHash(data)

	return &Validated{Data: data, Info: info}, nil
}

func (v *DocumentValidator) reject(info FileInfo, verr *ValidationError) error {
	v.logger.Info("Upload rejected",
		logger.String("filename", info.Filename),
		logger.Int64("size", info.Size),
		logger.String("code", verr.Code),
		logger.String("reason", verr.Message),
	)
	return verr
}

func calculateHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
