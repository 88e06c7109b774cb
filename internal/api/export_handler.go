package api

import (
	"fmt"
	"net/http"

	"github.com/loopengine/loopagent/internal/compose"
	"github.com/loopengine/loopagent/internal/export"
)

func exportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req export.Request
		if err := decodeBody(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		format, err := export.ParseFormat(req.Format)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}

		if req.OutputDir != "" {
			if err := export.ValidateOutputDir(req.OutputDir); err != nil {
				WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
				return
			}
		}

		cycles := make([]compose.Cycle, len(req.Cycles))
		for i, c := range req.Cycles {
			cycles[i] = compose.Cycle{NodeIDs: c.NodeIDs, Repeat: c.Repeat}
		}

		doc, unresolved, err := cfg.CatalogService.Export(r.Context(), cycles, req.FlattenGroups)
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}
		if unresolved == nil {
			unresolved = []string{}
		}

		projectName := export.ProjectName(req.ProjectName)

		frameRate := req.FrameRate
		if frameRate <= 0 {
			frameRate = export.DefaultFrameRate
		}

		resp := export.Response{
			Status:     "ok",
			Format:     format,
			EntryCount: len(doc.Entries),
			Unresolved: unresolved,
		}

		if req.OutputDir == "" && format == export.FormatJSON {
			resp.Document = &doc
			WriteJSON(w, http.StatusOK, resp)
			return
		}

		data, err := export.Encode(doc, format, projectName, frameRate)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to encode export", "INTERNAL_ERROR")
			return
		}

		if req.OutputDir == "" {
			w.Header().Set("Content-Type", export.ContentType(format))
			w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", projectName+"."+format))
			w.WriteHeader(http.StatusOK)
			w.Write(data)
			return
		}

		outputPath, err := export.Write(req.OutputDir, projectName, format, data)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to write export file", "INTERNAL_ERROR")
			return
		}
		resp.OutputPath = outputPath

		if cfg.Logger != nil {
			cfg.Logger.Info("export written", "format", format, "entries", len(doc.Entries), "unresolved", len(unresolved))
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}
