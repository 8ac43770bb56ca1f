package models

import (
	"time"
)

// Classification of a document by text density
type Classification string

const (
	ClassificationText    Classification = "text"
	ClassificationScanned Classification = "scanned"
)

// AcquisitionMethod records how a page's text was obtained
type AcquisitionMethod string

const (
	MethodDirect     AcquisitionMethod = "direct"
	MethodRecognized AcquisitionMethod = "recognized"
)

// Document is one uploaded source PDF.
type Document struct {
	ID             string         `json:"id"`
	Filename       string         `json:"filename"`
	Hash           string         `json:"hash"`
	Size           int64          `json:"size"`
	PageCount      int            `json:"pageCount"`
	Classification Classification `json:"classification,omitempty"`
	LanguageHint   string         `json:"languageHint,omitempty"`
	Encrypted      bool           `json:"encrypted"`
	Title          string         `json:"title,omitempty"`
	Author         string         `json:"author,omitempty"`
	StorageKey     string         `json:"storageKey,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// Page holds the acquired text of one page. Pages are never mutated after creation.
type Page struct {
	Index      int               `json:"index"`
	Text       string            `json:"text"`
	Method     AcquisitionMethod `json:"method"`
	Confidence float64           `json:"confidence"`
	Engine     string            `json:"engine,omitempty"`
	Attention  bool              `json:"attention,omitempty"`
}

// Classify returns a copy of d carrying the classification.
func (d Document) Classify(c Classification) Document {
	d.Classification = c
	return d
}
