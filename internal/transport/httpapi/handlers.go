package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/alejandroruanova/settlement-ingestion-service/internal/core/domain"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/core/services/settlement"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/infrastructure/parsers"
	"github.com/alejandroruanova/settlement-ingestion-service/internal/infrastructure/queue"
	apperrors "github.com/alejandroruanova/settlement-ingestion-service/internal/pkg/errors"
)

// multipart parts beyond the file itself
const formOverhead = 1 << 20

type errorBody struct {
	Success   bool                `json:"success"`
	ErrorCode apperrors.ErrorCode `json:"error_code"`
	Message   string              `json:"message"`
}

type queuedBody struct {
	Success   bool   `json:"success"`
	Status    string `json:"status"`
	UploadID  string `json:"upload_id,omitempty"`
	TaskID    string `json:"task_id"`
	StatusURL string `json:"status_url,omitempty"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxFileSize+formOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeError(w, apperrors.FileTooLarge(s.opts.MaxFileSize))
			return
		}
		s.writeError(w, apperrors.BadRequest("request must be multipart/form-data with a file part"))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	part, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, apperrors.BadRequest("missing file part"))
		return
	}
	defer part.Close()

	if header.Size > s.opts.MaxFileSize {
		s.writeError(w, apperrors.FileTooLarge(s.opts.MaxFileSize))
		return
	}

	meta := settlement.Metadata{
		OwnerID:    strings.TrimSpace(r.FormValue("owner_id")),
		UploadedBy: strings.TrimSpace(r.FormValue("uploaded_by")),
	}
	if branch := strings.TrimSpace(r.FormValue("branch_id")); branch != "" {
		meta.BranchID = &branch
	}
	if hint := strings.TrimSpace(r.FormValue("platform")); hint != "" {
		meta.PlatformHint = domain.ParsePlatform(hint)
	}
	if meta.OwnerID == "" {
		s.writeError(w, apperrors.BadRequest("owner_id is required"))
		return
	}

	contentType := header.Header.Get("Content-Type")

	if async, _ := strconv.ParseBool(r.FormValue("async")); async {
		s.enqueueUpload(w, r, part, header.Filename, contentType, meta)
		return
	}

	data, err := io.ReadAll(part)
	if err != nil {
		s.writeError(w, apperrors.BadRequest("failed to read file part"))
		return
	}

	result := s.opts.Processor.ProcessSettlementFile(r.Context(), parsers.File{
		Name:        header.Filename,
		ContentType: contentType,
		Data:        data,
	}, meta)

	s.writeJSON(w, statusForResult(result), result)
}

func (s *Server) enqueueUpload(w http.ResponseWriter, r *http.Request, part io.Reader, fileName, contentType string, meta settlement.Metadata) {
	if s.opts.Queue == nil || s.opts.Uploads == nil {
		s.writeError(w, apperrors.BadRequest("async processing is not enabled"))
		return
	}

	// reject before queueing so the worker never sees an empty upload
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, part); err != nil || buf.Len() == 0 {
		s.writeError(w, apperrors.InvalidFile("file is empty"))
		return
	}

	uploadID := uuid.NewString()
	if _, err := s.opts.Uploads.SaveUpload(r.Context(), uploadID, fileName, &buf); err != nil {
		s.writeError(w, apperrors.InternalWrap(err, "failed to store upload"))
		return
	}

	taskID, err := s.opts.Queue.EnqueueProcess(r.Context(), queue.ProcessPayload{
		UploadID:    uploadID,
		FileName:    fileName,
		ContentType: contentType,
		Metadata:    meta,
	})
	if err != nil {
		if delErr := s.opts.Uploads.DeleteUpload(r.Context(), uploadID); delErr != nil {
			s.logger.Warn("failed to delete orphaned upload",
				slog.String("upload_id", uploadID),
				slog.Any("error", delErr))
		}
		s.writeError(w, apperrors.QueueError(err))
		return
	}

	body := queuedBody{
		Success:  true,
		Status:   "queued",
		UploadID: uploadID,
		TaskID:   taskID,
	}
	if s.opts.Tracker != nil {
		body.StatusURL = "/v1/uploads/" + uploadID
	}
	s.writeJSON(w, http.StatusAccepted, body)
}

func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	if s.opts.Tracker == nil {
		s.writeError(w, apperrors.BadRequest("async processing is not enabled"))
		return
	}

	uploadID := chi.URLParam(r, "id")
	if _, err := uuid.Parse(uploadID); err != nil {
		s.writeError(w, apperrors.BadRequest("invalid upload id"))
		return
	}

	status, err := s.opts.Tracker.UploadStatus(r.Context(), uploadID)
	if errors.Is(err, queue.ErrUploadUnknown) {
		s.writeError(w, apperrors.NotFound("upload not found or its result expired"))
		return
	}
	if err != nil {
		s.writeError(w, apperrors.Wrap(err, apperrors.ErrCodeQueueError, "failed to read upload status", http.StatusServiceUnavailable))
		return
	}

	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}

	status, err := s.opts.Processor.GetProcessingStatus(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		if s.opts.Queue == nil {
			s.writeError(w, apperrors.BadRequest("async processing is not enabled"))
			return
		}
		taskID, err := s.opts.Queue.EnqueueReprocess(r.Context(), queue.ReprocessPayload{SettlementFileID: id})
		if err != nil {
			s.writeError(w, apperrors.QueueError(err))
			return
		}
		s.writeJSON(w, http.StatusAccepted, queuedBody{Success: true, Status: "queued", TaskID: taskID})
		return
	}

	result := s.opts.Processor.ReprocessSettlementFile(r.Context(), id)

	code := http.StatusOK
	if !result.Success {
		code = statusForCode(result.ErrorCode)
	}
	s.writeJSON(w, code, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(s.opts.HealthChecks))
	healthy := true

	for name, check := range s.opts.HealthChecks {
		if err := check(r.Context()); err != nil {
			checks[name] = "down: " + err.Error()
			healthy = false
			continue
		}
		checks[name] = "up"
	}

	code := http.StatusOK
	status := "ok"
	if !healthy {
		code = http.StatusServiceUnavailable
		status = "degraded"
	}

	s.writeJSON(w, code, map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, apperrors.BadRequest("invalid settlement file id"))
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	appErr, ok := apperrors.GetAppError(err)
	if !ok {
		appErr = apperrors.InternalWrap(err, "internal error")
	}
	if appErr.StatusCode >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("code", string(appErr.Code)),
			slog.Any("error", err))
	}

	s.writeJSON(w, appErr.StatusCode, errorBody{
		Success:   false,
		ErrorCode: appErr.Code,
		Message:   appErr.Message,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("failed to encode response", slog.Any("error", err))
	}
}

func statusForResult(result *settlement.ProcessingResult) int {
	switch result.Status {
	case settlement.OutcomeCompleted:
		return http.StatusCreated
	case settlement.OutcomeDuplicate:
		return http.StatusOK
	default:
		return statusForCode(result.ErrorCode)
	}
}

func statusForCode(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrCodeBadRequest, apperrors.ErrCodeInvalidFile:
		return http.StatusBadRequest
	case apperrors.ErrCodeFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case apperrors.ErrCodeUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case apperrors.ErrCodeNotFound, apperrors.ErrCodeRecordNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeConflict, apperrors.ErrCodeReprocessNotAllowed,
		apperrors.ErrCodeLockNotObtained, apperrors.ErrCodeDuplicateFile:
		return http.StatusConflict
	case apperrors.ErrCodeLLMRateLimited:
		return http.StatusTooManyRequests
	case apperrors.ErrCodeLLMRequestFailed, apperrors.ErrCodeLLMInvalidResponse:
		return http.StatusBadGateway
	case apperrors.ErrCodeFileParseError, apperrors.ErrCodeLLMInputTooLarge:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
