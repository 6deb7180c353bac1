// Package server exposes the pipeline over a JSON HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/stellarlinkco/prospector/internal/account"
	"github.com/stellarlinkco/prospector/internal/catalog"
	"github.com/stellarlinkco/prospector/internal/config"
	"github.com/stellarlinkco/prospector/internal/cron"
	"github.com/stellarlinkco/prospector/internal/llm"
	"github.com/stellarlinkco/prospector/internal/pipeline"
	"github.com/stellarlinkco/prospector/internal/ranking"
	"github.com/stellarlinkco/prospector/internal/rotation"
	"github.com/stellarlinkco/prospector/internal/store"
)

const (
	// DateLayout is the form of the date query parameter.
	DateLayout   = "2006-01-02"
	maxBodyBytes = 1 << 20
)

var errBadRequest = errors.New("bad request")

// Jobs is the part of the cron service the API exposes.
type Jobs interface {
	ListJobs() []cron.Job
	RunJob(idOrName string) (*cron.Job, error)
}

type Options struct {
	Pipeline *pipeline.Service
	// KeyStatus reports the configured model credential for env-check.
	KeyStatus func() config.KeyStatus
	// Feed is mounted at /ws when set.
	Feed   http.Handler
	Jobs   Jobs
	Logger *zap.Logger
	Now    func() time.Time
}

type Server struct {
	pipeline  *pipeline.Service
	keyStatus func() config.KeyStatus
	feed      http.Handler
	jobs      Jobs
	logger    *zap.Logger
	now       func() time.Time
}

func New(opts Options) *Server {
	s := &Server{
		pipeline:  opts.Pipeline,
		keyStatus: opts.KeyStatus,
		feed:      opts.Feed,
		jobs:      opts.Jobs,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.Named("http")
	if s.now == nil {
		s.now = time.Now
	}
	if s.keyStatus == nil {
		s.keyStatus = func() config.KeyStatus { return config.KeyStatus{} }
	}
	return s
}

// Routes returns the router serving the API.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.feed != nil {
		r.Handle("/ws", s.feed)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/score", s.handleScore)
		r.Post("/generate", s.handleGenerate)
		r.Post("/batch", s.handleBatch)
		r.Get("/discover", s.handleDiscover)
		r.Get("/worklist", s.handleWorklist)
		r.Get("/env-check", s.handleEnvCheck)
		r.Post("/status", s.handleStatus)
		r.Get("/activity", s.handleActivity)
		r.Get("/pipeline", s.handleBoard)
		r.Get("/notes/{id}", s.handleGetNote)
		r.Put("/notes/{id}", s.handlePutNote)
		r.Get("/snapshot", s.handleSnapshot)
		r.Delete("/data", s.handleClear)
		r.Get("/jobs", s.handleJobs)
		r.Post("/jobs/{id}/run", s.handleRunJob)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

type scoreRequest struct {
	CompanyID string           `json:"companyId"`
	Company   *account.Company `json:"company,omitempty"`
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	var req scoreRequest
	if !s.decode(w, r, &req) {
		return
	}
	var (
		score account.DriveScore
		err   error
	)
	switch {
	case req.Company != nil && req.Company.ID == "":
		err = fmt.Errorf("%w: company.id is required", errBadRequest)
	case req.Company != nil:
		score, err = s.pipeline.ScoreCompany(r.Context(), *req.Company)
	case req.CompanyID != "":
		score, err = s.pipeline.ScoreAccount(r.Context(), req.CompanyID)
	default:
		err = fmt.Errorf("%w: companyId or company is required", errBadRequest)
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}

type generateRequest struct {
	CompanyID     string           `json:"companyId"`
	Company       *account.Company `json:"company,omitempty"`
	Angle         string           `json:"angle,omitempty"`
	BuyerPersona  string           `json:"buyerPersona,omitempty"`
	TopPainSignal string           `json:"topPainSignal,omitempty"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.CompanyID == "" && req.Company == nil {
		s.fail(w, fmt.Errorf("%w: companyId or company is required", errBadRequest))
		return
	}
	email, err := s.pipeline.DraftEmail(r.Context(), pipeline.EmailRequest{
		CompanyID:     req.CompanyID,
		Company:       req.Company,
		Angle:         req.Angle,
		BuyerPersona:  req.BuyerPersona,
		TopPainSignal: req.TopPainSignal,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, email)
}

type batchRequest struct {
	IDs []string `json:"ids"`
}

// handleBatch scores the listed ids, or prefetches the day's priority
// accounts when none are listed. Per-account failures are reported in the body.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !s.decode(w, r, &req) {
		return
	}
	var (
		res pipeline.BatchResult
		err error
	)
	if len(req.IDs) == 0 {
		date, derr := s.date(r)
		if derr != nil {
			s.fail(w, derr)
			return
		}
		res, err = s.pipeline.Prefetch(r.Context(), date)
	} else {
		res, err = s.pipeline.ScoreAll(r.Context(), req.IDs)
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	date, err := s.date(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.pipeline.Discover(date))
}

func (s *Server) handleWorklist(w http.ResponseWriter, r *http.Request) {
	date, err := s.date(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	filters, err := parseFilters(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	list, err := s.pipeline.Worklist(r.Context(), date, filters)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func parseFilters(r *http.Request) (ranking.Filters, error) {
	q := r.URL.Query()
	var f ranking.Filters
	if region := strings.ToUpper(strings.TrimSpace(q.Get("region"))); region != "" && region != "ALL" {
		switch account.Region(region) {
		case account.RegionNAM, account.RegionEMEA, account.RegionAPAC:
			f.Region = account.Region(region)
		default:
			return f, fmt.Errorf("%w: unknown region %q", errBadRequest, q.Get("region"))
		}
	}
	size, err := rotation.ParseSizeBand(q.Get("size"))
	if err != nil {
		return f, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	f.Size = size
	if st := strings.TrimSpace(q.Get("status")); st != "" && st != "all" {
		if !account.Status(st).Valid() {
			return f, fmt.Errorf("%w: unknown status %q", errBadRequest, st)
		}
		f.Status = account.Status(st)
	}
	return f, nil
}

func (s *Server) handleEnvCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.keyStatus())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req pipeline.StatusUpdate
	if !s.decode(w, r, &req) {
		return
	}
	if !req.Status.Valid() {
		s.fail(w, fmt.Errorf("%w: unknown status %q", errBadRequest, req.Status))
		return
	}
	st, err := s.pipeline.UpdateStatus(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	entries, err := s.pipeline.Accounts().RecentActivity(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if entries == nil {
		entries = []account.AccountStatus{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleBoard(w http.ResponseWriter, r *http.Request) {
	only := account.Status(strings.TrimSpace(r.URL.Query().Get("status")))
	if only != "" && !only.Valid() {
		s.fail(w, fmt.Errorf("%w: unknown status %q", errBadRequest, only))
		return
	}
	board, err := s.pipeline.Board(r.Context(), only)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

type noteBody struct {
	CompanyID string `json:"companyId"`
	Note      string `json:"note"`
}

func (s *Server) handleGetNote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	note, err := s.pipeline.Accounts().Note(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, noteBody{CompanyID: id, Note: note})
}

func (s *Server) handlePutNote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.pipeline.Catalog().Get(id); err != nil {
		s.fail(w, err)
		return
	}
	var body noteBody
	if !s.decode(w, r, &body) {
		return
	}
	if err := s.pipeline.Accounts().SaveNote(r.Context(), id, body.Note); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, noteBody{CompanyID: id, Note: body.Note})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.pipeline.Accounts().Snapshot(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.Accounts().ClearAll(r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	jobs := []cron.Job{}
	if s.jobs != nil {
		jobs = append(jobs, s.jobs.ListJobs()...)
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusNotFound, "scheduler disabled", "")
		return
	}
	job, err := s.jobs.RunJob(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// date reads the date query parameter, defaulting to now.
func (s *Server) date(r *http.Request) (time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("date"))
	if raw == "" {
		return s.now(), nil
	}
	d, err := time.ParseInLocation(DateLayout, raw, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date must be YYYY-MM-DD", errBadRequest)
	}
	return d, nil
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.fail(w, fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err))
		return false
	}
	return true
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	code := StatusFor(err)
	var kind string
	switch code {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		kind = string(llm.KindOf(err))
	}
	if code >= http.StatusInternalServerError {
		s.logger.Warn("request failed", zap.Int("status", code), zap.Error(err))
	}
	writeError(w, code, err.Error(), kind)
}

// StatusFor maps a pipeline error onto an HTTP status code.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, errBadRequest), errors.Is(err, pipeline.ErrMissingPainSignal):
		return http.StatusBadRequest
	case errors.Is(err, catalog.ErrUnknownCompany), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrCapacityExceeded):
		return http.StatusInsufficientStorage
	case errors.Is(err, llm.ErrMissingAPIKey):
		return http.StatusInternalServerError
	}
	switch llm.KindOf(err) {
	case llm.KindParse, llm.KindFatal:
		return http.StatusBadGateway
	case llm.KindCanceled:
		return http.StatusGatewayTimeout
	case llm.KindTransient:
		if errors.Is(err, llm.ErrRetriesExhausted) || isStatusError(err) {
			return http.StatusServiceUnavailable
		}
	}
	return http.StatusInternalServerError
}

func isStatusError(err error) bool {
	var statusErr *llm.StatusError
	return errors.As(err, &statusErr)
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeError(w http.ResponseWriter, code int, msg, kind string) {
	writeJSON(w, code, errorBody{Error: msg, Kind: kind})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Serve runs srv until ctx is done, then shuts it down within grace.
func Serve(ctx context.Context, srv *http.Server, grace time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return <-errCh
}
