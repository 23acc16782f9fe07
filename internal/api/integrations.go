package api

import (
	"net/http"

	"TaskMesh-Chain/internal/integration"
)

func (s *Server) handleListIntegrations(w http.ResponseWriter, r *http.Request) {
	list, err := s.integrations.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []integration.Artifact{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"integrations": list})
}

func (s *Server) handleGetIntegration(w http.ResponseWriter, r *http.Request) {
	a, err := s.integrations.Get(r.Context(), r.PathValue("fp"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleArchiveIntegration(w http.ResponseWriter, r *http.Request) {
	fp := r.PathValue("fp")
	if err := s.integrations.Archive(r.Context(), fp); err != nil {
		writeError(w, err)
		return
	}
	s.respondArtifact(w, r, fp)
}

// handleDeleteIntegration 会等待在途调用结束后才返回。
func (s *Server) handleDeleteIntegration(w http.ResponseWriter, r *http.Request) {
	fp := r.PathValue("fp")
	if err := s.integrations.Delete(r.Context(), fp); err != nil {
		writeError(w, err)
		return
	}
	s.respondArtifact(w, r, fp)
}

func (s *Server) respondArtifact(w http.ResponseWriter, r *http.Request, fp string) {
	a, err := s.integrations.Get(r.Context(), fp)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}
