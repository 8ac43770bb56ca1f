package handlers

import (
	"github.com/feichai0017/exam-importer/internal/service/importer"
	"github.com/feichai0017/exam-importer/pkg/logger"
)

type Handlers struct {
	Import *ImportHandler
}

func NewHandlers(service importer.Importer, logger logger.Logger) *Handlers {
	return &Handlers{
		Import: NewImportHandler(service, logger),
	}
}
