package controllers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	apperrors "github.com/aihub/medrag/internal/errors"
	"github.com/aihub/medrag/internal/knowledge"
	"github.com/aihub/medrag/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DocumentIngestor 文档入库
type DocumentIngestor interface {
	Ingest(ctx context.Context, files []knowledge.UploadedFile, role, docID string) (*knowledge.IngestReport, error)
}

// DocumentController 管理员上传文档
type DocumentController struct {
	BaseController
	Ingestor     DocumentIngestor
	MaxSize      int64
	AllowedTypes []string
	Logger       *zap.Logger
}

type uploadResponse struct {
	Message       string                 `json:"message"`
	DocID         string                 `json:"doc_id"`
	AccessibleTo  string                 `json:"accessible_to"`
	Files         []knowledge.FileReport `json:"files"`
	TotalChunks   int                    `json:"total_chunks"`
	TotalUpserted int                    `json:"total_upserted"`
}

// Upload POST /upload_docs
func (c *DocumentController) Upload() {
	identity, ok := c.identity()
	if !ok {
		return
	}

	role := strings.ToLower(strings.TrimSpace(c.GetString("role")))
	if !isKnownRole(role) {
		c.JSONAppError(apperrors.NewInvalidInputError("role", "must be one of: "+strings.Join(models.Roles, ", ")))
		return
	}

	docID := strings.TrimSpace(c.GetString("doc_id"))
	if docID == "" {
		docID = uuid.NewString()
	}

	files, appErr := c.readFiles()
	if appErr != nil {
		c.JSONAppError(appErr)
		return
	}

	log := c.logger().With(
		zap.Uint("user_id", identity.UserID),
		zap.String("doc_id", docID),
		zap.String("role", role),
		zap.Int("files", len(files)))
	log.Info("ingesting documents")

	report, err := c.Ingestor.Ingest(c.Ctx.Request.Context(), files, role, docID)
	if err != nil {
		if errors.Is(err, knowledge.ErrNoFiles) || errors.Is(err, knowledge.ErrRoleRequired) {
			c.JSONError(http.StatusBadRequest, err.Error())
			return
		}
		log.Error("document ingestion failed", zap.Error(err))
		c.JSONAppError(apperrors.NewSystemError(apperrors.ErrCodeUploadFailed, "Failed to process documents").WithCause(err))
		return
	}

	names := make([]string, 0, len(report.Files))
	for _, f := range report.Files {
		names = append(names, f.Filename)
	}
	c.JSON(http.StatusOK, uploadResponse{
		Message:       fmt.Sprintf("%s successfully uploaded and embedded", strings.Join(names, ", ")),
		DocID:         report.DocID,
		AccessibleTo:  report.Role,
		Files:         report.Files,
		TotalChunks:   report.TotalChunks,
		TotalUpserted: report.TotalUpserted,
	})
}

// readFiles 收集 files 与 file 两个字段中的上传文件
func (c *DocumentController) readFiles() ([]knowledge.UploadedFile, *apperrors.AppError) {
	if c.Ctx.Request.MultipartForm == nil {
		if err := c.Ctx.Request.ParseMultipartForm(32 << 20); err != nil {
			return nil, apperrors.NewInvalidInputError("files", "multipart form required")
		}
	}

	form := c.Ctx.Request.MultipartForm
	headers := append(append([]*multipart.FileHeader{}, form.File["files"]...), form.File["file"]...)
	if len(headers) == 0 {
		return nil, apperrors.NewInvalidInputError("files", "no files uploaded")
	}

	files := make([]knowledge.UploadedFile, 0, len(headers))
	for _, header := range headers {
		if !c.allowed(header.Filename) {
			return nil, apperrors.NewBusinessError(apperrors.ErrCodeInvalidFileFormat,
				fmt.Sprintf("Unsupported file type: %s", header.Filename))
		}
		if c.MaxSize > 0 && header.Size > c.MaxSize {
			return nil, apperrors.NewBusinessError(apperrors.ErrCodeFileTooLarge,
				fmt.Sprintf("File %s exceeds the %d byte limit", header.Filename, c.MaxSize))
		}

		content, err := readAll(header)
		if err != nil {
			return nil, apperrors.NewSystemError(apperrors.ErrCodeUploadFailed, "Failed to read uploaded file").WithCause(err)
		}
		files = append(files, knowledge.UploadedFile{Filename: header.Filename, Content: content})
	}
	return files, nil
}

func (c *DocumentController) allowed(filename string) bool {
	if len(c.AllowedTypes) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(filename))
	for _, t := range c.AllowedTypes {
		if strings.ToLower(t) == ext {
			return true
		}
	}
	return false
}

func (c *DocumentController) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func readAll(header *multipart.FileHeader) ([]byte, error) {
	f, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func isKnownRole(role string) bool {
	for _, r := range models.Roles {
		if r == role {
			return true
		}
	}
	return false
}
