package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/loopengine/loopagent/internal/catalog"
	"github.com/loopengine/loopagent/internal/compose"
	"github.com/loopengine/loopagent/internal/graph"
	"github.com/loopengine/loopagent/internal/similarity"
)

const (
	defaultLoopLimit = 50
	maxMultipartMem  = 32 << 20
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(CORSAllowlist(cfg.AllowedOrigins...))

	r.Get("/health", healthHandler(cfg))

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Repository, cfg.Logger))

		r.Get("/status", statusHandler(cfg))

		r.Get("/nodes", listNodesHandler(cfg))
		r.Post("/nodes", ingestHandler(cfg))
		r.Get("/nodes/{id}", getNodeHandler(cfg))
		r.Patch("/nodes/{id}", renameNodeHandler(cfg))
		r.Delete("/nodes/{id}", deleteNodeHandler(cfg))

		r.Get("/edges", listEdgesHandler(cfg))
		r.Post("/edges", addEdgeHandler(cfg))
		r.Delete("/edges", removeEdgeHandler(cfg))

		r.Post("/groups", createGroupHandler(cfg))
		r.Post("/groups/{id}/ungroup", ungroupHandler(cfg))

		r.Get("/similarity/compatible/{id}", compatibleHandler(cfg))
		r.Get("/similarity/matrix", matrixHandler(cfg))
		r.Post("/timeline/check", timelineCheckHandler(cfg))

		r.Post("/export", exportHandler(cfg))
		r.Get("/loops", loopsHandler(cfg))

		r.Get("/jobs", listJobsHandler(cfg))
		r.Get("/jobs/{id}", getJobHandler(cfg))

		r.Group(func(r chi.Router) {
			r.Use(LoopbackGuard())
			r.Get("/media/{id}/{asset}", mediaHandler(cfg))
			r.Head("/media/{id}/{asset}", mediaHandler(cfg))
		})
	})

	return r
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// writeServiceError maps catalog and engine errors onto HTTP responses.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var svcErr *similarity.ServiceError
	switch {
	case errors.As(err, &svcErr):
		WriteError(w, http.StatusBadGateway, err.Error(), "UPSTREAM_ERROR")
	case errors.Is(err, catalog.ErrNotFound),
		errors.Is(err, graph.ErrNodeNotFound),
		errors.Is(err, graph.ErrEdgeEndpoint):
		WriteError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
	case errors.Is(err, catalog.ErrInvalidMedia):
		WriteError(w, http.StatusUnprocessableEntity, err.Error(), "INVALID_MEDIA")
	case errors.Is(err, catalog.ErrInvalidSelection),
		errors.Is(err, graph.ErrInvalidSide),
		errors.Is(err, graph.ErrDuplicateNode),
		errors.Is(err, compose.ErrNotGroup):
		WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
	default:
		if logger != nil {
			logger.Error("request failed", "error", err)
		}
		WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
	}
}

// thresholdParam reads an optional threshold, falling back to the configured one.
func thresholdParam(raw string, fallback float64) (float64, error) {
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 || v > 1 {
		return 0, errors.New("threshold must be a number between 0 and 1")
	}
	return v, nil
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(cfg.StartTime).Seconds())
		version := cfg.Version
		if version == "" {
			version = "dev"
		}
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:   "ok",
			Version:  version,
			UptimeS:  uptime,
			DeviceID: cfg.DeviceID,
		})
	}
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		counts, _ := cfg.CatalogService.Counts(ctx)
		jobs, _ := cfg.CatalogService.ListJobs(ctx, 20)

		state := "idle"
		var activeJob *JobResponse
		jobsRunning, jobsPending := 0, 0
		lastError := ""

		for _, j := range jobs {
			switch j.Status {
			case catalog.JobStatusRunning:
				state = "working"
				resp := JobToResponse(j)
				activeJob = &resp
				jobsRunning++
			case catalog.JobStatusPending:
				jobsPending++
			case catalog.JobStatusFailed:
				if lastError == "" {
					lastError = j.Error
				}
			}
		}

		if cfg.Runner != nil && cfg.Runner.IsPaused() {
			state = "paused"
		}
		if lastError != "" && state == "idle" {
			state = "error"
		}

		resp := StatusResponse{
			State:       state,
			LastError:   lastError,
			Clips:       counts.Clips,
			Groups:      counts.Groups,
			Inactive:    counts.Inactive,
			Edges:       counts.Edges,
			JobsRunning: jobsRunning,
			JobsPending: jobsPending,
			ActiveJob:   activeJob,
			Threshold:   cfg.CatalogService.Threshold(),
		}

		if cfg.Doctor != nil {
			if caps := cfg.Doctor.Peek(); caps != nil {
				resp.Media = &MediaStatusResponse{
					Ready:          caps.Ready(),
					FFmpeg:         caps.FFmpeg.Available,
					FFprobe:        caps.FFprobe.Available,
					FFmpegVersion:  caps.FFmpeg.Version,
					FFprobeVersion: caps.FFprobe.Version,
				}
				if !caps.ProbedAt.IsZero() {
					resp.Media.LastProbeAt = caps.ProbedAt.Format(time.RFC3339)
				}
			}
		}

		WriteJSON(w, http.StatusOK, resp)
	}
}

func listNodesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		includeInactive := false
		if raw := r.URL.Query().Get("include_inactive"); raw != "" {
			v, err := strconv.ParseBool(raw)
			if err != nil {
				WriteError(w, http.StatusBadRequest, "include_inactive must be a boolean", "BAD_REQUEST")
				return
			}
			includeInactive = v
		}

		nodes, err := cfg.CatalogService.ListNodes(r.Context(), includeInactive)
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, NodesResponse{Nodes: NodesToResponse(nodes)})
	}
}

func ingestHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		if err := r.ParseMultipartForm(maxMultipartMem); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid multipart body", "BAD_REQUEST")
			return
		}
		defer r.MultipartForm.RemoveAll()

		files := r.MultipartForm.File["files"]
		if len(files) == 0 {
			WriteError(w, http.StatusBadRequest, "no files uploaded", "BAD_REQUEST")
			return
		}

		uploads := make([]catalog.Upload, 0, len(files))
		for _, fh := range files {
			uploads = append(uploads, catalog.Upload{
				Filename: fh.Filename,
				Open:     func() (io.ReadCloser, error) { return fh.Open() },
			})
		}

		nodes, err := cfg.CatalogService.Ingest(r.Context(), uploads)
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusCreated, NodesResponse{Nodes: NodesToResponse(nodes)})
	}
}

func getNodeHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		node, err := cfg.CatalogService.GetNode(r.Context(), id)
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		if node == nil {
			WriteError(w, http.StatusNotFound, "node not found", "NOT_FOUND")
			return
		}
		WriteJSON(w, http.StatusOK, NodeToResponse(node))
	}
}

func renameNodeHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RenameRequest
		if err := decodeBody(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if strings.TrimSpace(req.Name) == "" {
			WriteError(w, http.StatusBadRequest, "name is required", "BAD_REQUEST")
			return
		}

		node, err := cfg.CatalogService.RenameNode(r.Context(), chi.URLParam(r, "id"), req.Name)
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, NodeToResponse(node))
	}
}

func deleteNodeHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cfg.CatalogService.DeleteNode(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func listEdgesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		edges := cfg.CatalogService.Graph().Edges()
		resp := EdgesResponse{Edges: make([]EdgeResponse, len(edges))}
		for i, e := range edges {
			resp.Edges[i] = EdgeToResponse(e)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func decodeEdge(w http.ResponseWriter, r *http.Request) (graph.Edge, bool) {
	var req EdgeRequest
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
		return graph.Edge{}, false
	}
	if req.SourceID == "" || req.TargetID == "" {
		WriteError(w, http.StatusBadRequest, "source_id and target_id are required", "BAD_REQUEST")
		return graph.Edge{}, false
	}
	e, err := req.ToEdge()
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
		return graph.Edge{}, false
	}
	return e, true
}

func addEdgeHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, ok := decodeEdge(w, r)
		if !ok {
			return
		}

		added, err := cfg.CatalogService.AddEdge(r.Context(), e)
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}

		status := http.StatusOK
		if added {
			status = http.StatusCreated
		}
		WriteJSON(w, status, EdgeChangeResponse{Edge: EdgeToResponse(e), Changed: added})
	}
}

func removeEdgeHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, ok := decodeEdge(w, r)
		if !ok {
			return
		}

		removed, err := cfg.CatalogService.RemoveEdge(r.Context(), e)
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, EdgeChangeResponse{Edge: EdgeToResponse(e), Changed: removed})
	}
}

func createGroupHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req GroupRequest
		if err := decodeBody(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		res, err := cfg.CatalogService.CreateGroup(r.Context(), req.NodeIDs, req.Name)
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusCreated, GroupResponse{
			Group:    NodeToResponse(res.Group),
			Order:    res.Order,
			Fallback: res.Fallback,
		})
	}
}

func ungroupHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		restored, err := cfg.CatalogService.Ungroup(r.Context(), id)
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, UngroupResponse{GroupID: id, Restored: NodesToResponse(restored)})
	}
}

func compatibleHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		side := graph.SideLast
		if raw := q.Get("side"); raw != "" {
			s, err := graph.ParseSide(raw)
			if err != nil {
				WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
				return
			}
			side = s
		}

		threshold, err := thresholdParam(q.Get("threshold"), cfg.CatalogService.Threshold())
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}

		id := chi.URLParam(r, "id")
		results, err := cfg.CatalogService.Compatible(r.Context(), id, side, threshold)
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		if results == nil {
			results = []similarity.Result{}
		}
		WriteJSON(w, http.StatusOK, CompatibleResponse{
			NodeID:     id,
			Side:       string(side),
			Threshold:  threshold,
			Compatible: results,
		})
	}
}

func matrixHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := cfg.CatalogService.Matrix(r.Context())
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, MatrixResponse{Scores: m.Snapshot()})
	}
}

func timelineCheckHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TimelineCheckRequest
		if err := decodeBody(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		threshold := cfg.CatalogService.Threshold()
		if req.Threshold != nil {
			if *req.Threshold < 0 || *req.Threshold > 1 {
				WriteError(w, http.StatusBadRequest, "threshold must be between 0 and 1", "BAD_REQUEST")
				return
			}
			threshold = *req.Threshold
		}

		slots := make([]compose.Slot, len(req.Slots))
		for i, s := range req.Slots {
			slots[i] = compose.Slot{ID: s.SlotID, NodeID: s.NodeID}
		}

		checks, err := cfg.CatalogService.CheckTimeline(r.Context(), slots, threshold)
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}

		resp := TimelineCheckResponse{Threshold: threshold, Results: make([]CompatibilityResponse, len(checks))}
		for i, c := range checks {
			resp.Results[i] = CompatibilityToResponse(c)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func loopsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultLoopLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil || v < 0 {
				WriteError(w, http.StatusBadRequest, "limit must be a non-negative integer", "BAD_REQUEST")
				return
			}
			limit = v
		}

		loops := cfg.CatalogService.Loops(limit)
		resp := LoopsResponse{Loops: make([]LoopResponse, len(loops))}
		for i, l := range loops {
			resp.Loops[i] = LoopResponse{NodeIDs: l.NodeIDs, Duration: l.Duration}
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func mediaHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		asset := chi.URLParam(r, "asset")
		switch asset {
		case catalog.AssetVideo, catalog.AssetFirst, catalog.AssetLast:
		default:
			WriteError(w, http.StatusBadRequest, "asset must be video, first or last", "BAD_REQUEST")
			return
		}

		path, err := cfg.CatalogService.Asset(r.Context(), id, asset)
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}

		if err := cfg.PlaybackServer.ServeFile(w, r, path); err != nil {
			cfg.Logger.Error("playback error", "error", err, "node_id", id, "asset", asset)
		}
	}
}

func listJobsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := cfg.CatalogService.ListJobs(r.Context(), 50)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list jobs", "INTERNAL_ERROR")
			return
		}

		resp := JobsResponse{Jobs: make([]JobResponse, len(jobs))}
		for i, j := range jobs {
			resp.Jobs[i] = JobToResponse(j)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		job, err := cfg.CatalogService.GetJob(r.Context(), id)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		if job == nil {
			WriteError(w, http.StatusNotFound, "job not found", "NOT_FOUND")
			return
		}

		WriteJSON(w, http.StatusOK, JobToResponse(job))
	}
}
