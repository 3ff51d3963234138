// Package api exposes the review system over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/zhangjing-777/multimedia-review-new/internal/classify"
	"github.com/zhangjing-777/multimedia-review-new/internal/dispatch"
	"github.com/zhangjing-777/multimedia-review-new/internal/ingest"
	"github.com/zhangjing-777/multimedia-review-new/internal/observability"
	"github.com/zhangjing-777/multimedia-review-new/internal/queue"
	"github.com/zhangjing-777/multimedia-review-new/internal/review"
	"github.com/zhangjing-777/multimedia-review-new/internal/state"
	"github.com/zhangjing-777/multimedia-review-new/internal/status"
	"github.com/zhangjing-777/multimedia-review-new/pkg/reviewapi"
)

// multipart uploads above this stay on disk instead of memory
const multipartMemoryLimit = 32 << 20

type Options struct {
	Store       state.Store
	Status      status.Store
	Coordinator *review.Coordinator
	Dispatcher  *dispatch.Dispatcher
	Ingest      *ingest.Service
	Logger      *logrus.Logger
}

type Server struct {
	store       state.Store
	status      status.Store
	coordinator *review.Coordinator
	dispatcher  *dispatch.Dispatcher
	ingest      *ingest.Service
	log         *logrus.Logger
}

func NewServer(opts Options) (*Server, error) {
	if opts.Store == nil || opts.Status == nil || opts.Coordinator == nil || opts.Dispatcher == nil || opts.Ingest == nil {
		return nil, errors.New("api: store, status, coordinator, dispatcher and ingest are required")
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		store:       opts.Store,
		status:      opts.Status,
		coordinator: opts.Coordinator,
		dispatcher:  opts.Dispatcher,
		ingest:      opts.Ingest,
		log:         log,
	}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/metrics", s.handleMetrics)
	mux.HandleFunc("/v1/metrics/prometheus", s.handleMetricsPrometheus)
	mux.HandleFunc("/v1/tasks", s.handleTasks)
	mux.HandleFunc("/v1/tasks/", s.handleTaskSubresource)
	mux.HandleFunc("/v1/files/", s.handleFileSubresource)
	mux.HandleFunc("/v1/results/", s.handleResultSubresource)
	mux.HandleFunc("/v1/admin/queue/stats", s.handleQueueStats)
	mux.HandleFunc("/v1/admin/queue/dead-letter", s.handleDeadLetters)
	return withTracing(s.withLogging(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.dispatcher.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, observability.Default.Snapshot())
}

func (s *Server) handleMetricsPrometheus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(observability.Default.RenderPrometheus()))
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req reviewapi.CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	task, err := s.coordinator.CreateTask(r.Context(), review.CreateTaskRequest{
		Name:               req.Name,
		Description:        req.Description,
		StrategyType:       req.StrategyType,
		VideoFrameInterval: req.VideoFrameInterval,
		CreatorID:          req.CreatorID,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, taskResponse(task))
}

// handleTaskSubresource routes /v1/tasks/{id}[/action].
func (s *Server) handleTaskSubresource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/tasks/")
	parts := strings.SplitN(rest, "/", 2)
	taskID := parts[0]
	if taskID == "" {
		writeError(w, http.StatusNotFound, "task id is required")
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			s.getTask(w, r, taskID)
		case http.MethodDelete:
			s.deleteTask(w, r, taskID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	case "start":
		s.taskAction(w, r, taskID, s.coordinator.Start)
	case "cancel":
		s.taskAction(w, r, taskID, s.coordinator.Cancel)
	case "recheck":
		s.taskAction(w, r, taskID, s.coordinator.Recheck)
	case "progress":
		s.getTaskProgress(w, r, taskID)
	case "statistics":
		s.getTaskStatistics(w, r, taskID)
	case "files":
		switch r.Method {
		case http.MethodGet:
			s.listTaskFiles(w, r, taskID)
		case http.MethodPost:
			s.uploadTaskFile(w, r, taskID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	default:
		writeError(w, http.StatusNotFound, "unknown task resource")
	}
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request, taskID string) {
	task, ok, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, taskResponse(task))
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request, taskID string) {
	task, ok, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if task.Status == review.TaskProcessing {
		writeError(w, http.StatusConflict, "task is processing")
		return
	}
	if err := s.store.DeleteTask(r.Context(), taskID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, reviewapi.AcceptedResponse{Accepted: true})
}

func (s *Server) taskAction(w http.ResponseWriter, r *http.Request, taskID string, fn func(context.Context, string) error) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := fn(r.Context(), taskID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reviewapi.AcceptedResponse{Accepted: true})
}

func (s *Server) getTaskProgress(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	task, ok, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	resp := reviewapi.TaskProgressResponse{
		TaskID:  taskID,
		Status:  task.Status,
		Percent: task.Progress,
	}
	// The advisory snapshot is fresher than the row while work is moving.
	if p, ok, err := s.status.GetTaskProgress(r.Context(), taskID); err == nil && ok {
		resp.Percent = p.Percent
		resp.Stage = p.Stage
		resp.UpdatedAt = reviewapi.RFC3339OrEmpty(p.UpdatedAt)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getTaskStatistics(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	stats, err := s.coordinator.Statistics(r.Context(), taskID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reviewapi.TaskStatisticsResponse{
		TaskID:         stats.TaskID,
		Status:         stats.Status,
		Progress:       stats.Progress,
		TotalFiles:     stats.TotalFiles,
		ProcessedFiles: stats.ProcessedFiles,
		ViolationFiles: stats.ViolationFiles,
		FilesByStatus:  stats.FilesByStatus,
	})
}

func (s *Server) listTaskFiles(w http.ResponseWriter, r *http.Request, taskID string) {
	if _, ok, err := s.store.GetTask(r.Context(), taskID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	} else if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	files, err := s.store.ListFilesByTask(r.Context(), taskID, strings.TrimSpace(r.URL.Query().Get("status")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]reviewapi.FileResponse, 0, len(files))
	for _, f := range files {
		out = append(out, fileResponse(f))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) uploadTaskFile(w http.ResponseWriter, r *http.Request, taskID string) {
	if err := r.ParseMultipartForm(multipartMemoryLimit); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	f, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer f.Close()

	file, err := s.ingest.Upload(r.Context(), ingest.UploadRequest{
		TaskID:      taskID,
		FileName:    header.Filename,
		Size:        header.Size,
		ContentType: header.Header.Get("Content-Type"),
		Body:        f,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, fileResponse(file))
}

// handleFileSubresource routes /v1/files/{id}[/results].
func (s *Server) handleFileSubresource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/files/")
	parts := strings.SplitN(rest, "/", 2)
	fileID := parts[0]
	if fileID == "" {
		writeError(w, http.StatusNotFound, "file id is required")
		return
	}
	if len(parts) == 2 && parts[1] == "results" {
		s.listFileResults(w, r, fileID)
		return
	}
	if len(parts) == 2 {
		writeError(w, http.StatusNotFound, "unknown file resource")
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.getFile(w, r, fileID)
	case http.MethodDelete:
		if err := s.ingest.Delete(r.Context(), fileID); err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, reviewapi.AcceptedResponse{Accepted: true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) getFile(w http.ResponseWriter, r *http.Request, fileID string) {
	file, ok, err := s.store.GetFile(r.Context(), fileID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	writeJSON(w, http.StatusOK, fileResponse(file))
}

func (s *Server) listFileResults(w http.ResponseWriter, r *http.Request, fileID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok, err := s.store.GetFile(r.Context(), fileID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	} else if !ok {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	results, err := s.store.ListResultsByFile(r.Context(), fileID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]reviewapi.ResultResponse, 0, len(results))
	for _, res := range results {
		out = append(out, resultResponse(res))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleResultSubresource routes /v1/results/{id}/review.
func (s *Server) handleResultSubresource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/results/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] != "review" {
		writeError(w, http.StatusNotFound, "unknown result resource")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req reviewapi.SubmitReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Reviewer) == "" {
		writeError(w, http.StatusBadRequest, "reviewer is required")
		return
	}
	err := s.coordinator.ReviewResult(r.Context(), parts[0], state.ReviewUpdate{
		Reviewer:        req.Reviewer,
		Note:            req.Note,
		VerdictOverride: req.VerdictOverride,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reviewapi.AcceptedResponse{Accepted: true})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	qs, err := s.dispatcher.QueueStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, reviewapi.QueueStatsResponse{
		Pending:       qs.Pending,
		InFlight:      qs.InFlight,
		DeadLetter:    qs.DeadLetter,
		TaskLocks:     qs.TaskLocks,
		FileLocks:     qs.FileLocks,
		WorkersOnline: qs.WorkersOnline,
	})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		refs, err := s.dispatcher.ListDeadLetters(r.Context(), 100)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out := reviewapi.ListDeadLettersResponse{Units: make([]reviewapi.DeadLetterUnit, 0, len(refs))}
		for _, ref := range refs {
			out.Units = append(out.Units, reviewapi.DeadLetterUnit{
				Kind: ref.Kind, TaskID: ref.TaskID, FileID: ref.FileID, FileType: ref.FileType,
			})
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodPost:
		var req reviewapi.RequeueDeadLettersRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		refs := make([]queue.WorkRef, 0, len(req.Units))
		for _, u := range req.Units {
			refs = append(refs, queue.WorkRef{Kind: u.Kind, TaskID: u.TaskID, FileID: u.FileID, FileType: u.FileType})
		}
		requeued, err := s.dispatcher.RequeueDeadLetters(r.Context(), refs)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, reviewapi.RequeueDeadLettersResponse{
			Requested: len(refs),
			Requeued:  requeued,
		})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var (
		invalidState *review.InvalidStateError
		unknown      *classify.UnknownVariantError
		tooLarge     *ingest.FileTooLargeError
	)
	switch {
	case errors.Is(err, review.ErrTaskNotFound),
		errors.Is(err, review.ErrFileNotFound),
		errors.Is(err, review.ErrResultNotFound),
		errors.Is(err, ingest.ErrTaskNotFound),
		errors.Is(err, ingest.ErrFileNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, review.ErrEmptyTask):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ingest.ErrDuplicateFile),
		errors.Is(err, ingest.ErrTaskBusy),
		errors.Is(err, dispatch.ErrAlreadyQueued):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &invalidState):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &unknown):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &tooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func taskResponse(t state.TaskRecord) reviewapi.TaskResponse {
	return reviewapi.TaskResponse{
		TaskID:             t.ID,
		Name:               t.Name,
		Description:        t.Description,
		StrategyType:       t.StrategyType,
		VideoFrameInterval: t.VideoFrameInterval,
		Status:             t.Status,
		Progress:           t.Progress,
		ErrorMessage:       t.ErrorMessage,
		TotalFiles:         t.TotalFiles,
		ProcessedFiles:     t.ProcessedFiles,
		ViolationCount:     t.ViolationCount,
		CreatorID:          t.CreatorID,
		StartedAt:          reviewapi.RFC3339OrEmpty(t.StartedAt),
		CompletedAt:        reviewapi.RFC3339OrEmpty(t.CompletedAt),
		CreatedAt:          reviewapi.RFC3339OrEmpty(t.CreatedAt),
		UpdatedAt:          reviewapi.RFC3339OrEmpty(t.UpdatedAt),
	}
}

func fileResponse(f state.FileRecord) reviewapi.FileResponse {
	return reviewapi.FileResponse{
		FileID:         f.ID,
		TaskID:         f.TaskID,
		OriginalName:   f.OriginalName,
		FileType:       f.FileType,
		FileSize:       f.FileSize,
		ContentHash:    f.ContentHash,
		PageCount:      f.PageCount,
		DurationSec:    f.DurationSec,
		Status:         f.Status,
		Progress:       f.Progress,
		ErrorMessage:   f.ErrorMessage,
		ViolationCount: f.ViolationCount,
		ProcessedAt:    reviewapi.RFC3339OrEmpty(f.ProcessedAt),
		CreatedAt:      reviewapi.RFC3339OrEmpty(f.CreatedAt),
	}
}

func resultResponse(r state.ResultRecord) reviewapi.ResultResponse {
	return reviewapi.ResultResponse{
		ResultID:        r.ID,
		TaskID:          r.TaskID,
		FileID:          r.FileID,
		Verdict:         r.Verdict,
		SourceType:      r.SourceType,
		ConfidenceScore: r.ConfidenceScore,
		Evidence:        r.Evidence,
		EvidenceText:    r.EvidenceText,
		PageNumber:      r.PageNumber,
		TimestampSec:    r.TimestampSec,
		ModelName:       r.ModelName,
		IsReviewed:      r.IsReviewed,
		ReviewedBy:      r.ReviewedBy,
		ReviewNote:      r.ReviewNote,
		ReviewVerdict:   r.ReviewVerdict,
		CreatedAt:       reviewapi.RFC3339OrEmpty(r.CreatedAt),
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, reviewapi.ErrorResponse{Error: msg})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.log.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path}).Debug("http request")
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := observability.StartSpan(r.Context(), "http.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		defer span.End()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		traceID := span.SpanContext().TraceID().String()
		if traceID != "" {
			sw.Header().Set("X-Trace-ID", traceID)
		}
		next.ServeHTTP(sw, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", sw.status))
	})
}
