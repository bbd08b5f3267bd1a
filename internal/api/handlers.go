package api

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
)

type loadRequest struct {
	Package string   `json:"package"`
	Plugins []string `json:"plugins"`
}

type executeRequest struct {
	Input       string `json:"input"`
	InputBase64 string `json:"input_base64"`
}

type executeResponse struct {
	Package      string `json:"package"`
	Plugin       string `json:"plugin"`
	Output       string `json:"output,omitempty"`
	OutputBase64 string `json:"output_base64,omitempty"`
	DurationMs   int64  `json:"duration_ms"`
}

func (s *Server) handleListContainers(w http.ResponseWriter, r *http.Request) {
	containers, err := s.containers.ListContainers()
	if err != nil {
		s.logger.Error("list containers", "error", err)
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, containers)
}

func (s *Server) handleGetContainer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := s.containers.GetContainer(id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleListPackages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.packages.List())
}

func (s *Server) handleLoadPackage(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeValidationError(w, "invalid json: "+err.Error(), nil)
		return
	}
	if err := validateLoadRequest(req); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}

	s.logger.Debug("load package request", "package", req.Package, "plugins", req.Plugins)
	info, err := s.packages.Load(r.Context(), req.Package, req.Plugins)
	if err != nil {
		s.logger.Error("load package", "package", req.Package, "error", err)
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleGetPackage(w http.ResponseWriter, r *http.Request) {
	pkg := chi.URLParam(r, "pkg")
	if err := ValidateName("package", pkg); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}
	info, err := s.packages.Get(pkg)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleUnloadPackage(w http.ResponseWriter, r *http.Request) {
	pkg := chi.URLParam(r, "pkg")
	if err := ValidateName("package", pkg); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}
	if err := s.packages.Unload(r.Context(), pkg); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRecyclePackage(w http.ResponseWriter, r *http.Request) {
	pkg := chi.URLParam(r, "pkg")
	if err := ValidateName("package", pkg); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}
	info, err := s.packages.Recycle(r.Context(), pkg)
	if err != nil {
		s.logger.Error("recycle package", "package", pkg, "error", err)
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	pkg := chi.URLParam(r, "pkg")
	plugin := chi.URLParam(r, "plugin")
	if err := ValidateName("package", pkg); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}
	if err := ValidateName("plugin", plugin); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}

	var req executeRequest
	// An empty body runs the plugin with no input.
	if err := decodeJSONBody(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeValidationError(w, "invalid json: "+err.Error(), nil)
		return
	}
	input, err := requestInput(req)
	if err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}

	resp, err := s.packages.Execute(r.Context(), pkg, plugin, input)
	if err != nil {
		s.logger.Warn("execute", "package", pkg, "plugin", plugin, "error", err, "request_id", RequestID(r.Context()))
		writeAPIError(w, err)
		return
	}

	out := executeResponse{Package: pkg, Plugin: plugin, DurationMs: resp.DurationMs}
	if utf8.Valid(resp.Output) {
		out.Output = string(resp.Output)
	} else {
		out.OutputBase64 = base64.StdEncoding.EncodeToString(resp.Output)
	}
	writeJSON(w, http.StatusOK, out)
}

func requestInput(req executeRequest) ([]byte, error) {
	if req.Input != "" && req.InputBase64 != "" {
		return nil, errors.New("provide either 'input' or 'input_base64', not both")
	}
	if req.InputBase64 != "" {
		b, err := base64.StdEncoding.DecodeString(req.InputBase64)
		if err != nil {
			return nil, errors.New("input_base64 is not valid base64")
		}
		return b, nil
	}
	if req.Input == "" {
		return nil, nil
	}
	return []byte(req.Input), nil
}
