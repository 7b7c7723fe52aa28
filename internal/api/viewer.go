package api

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/dunamismax/pixelconvert/internal/domain"
	"github.com/dunamismax/pixelconvert/internal/pipeline"
)

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("filename")
	rc, size, err := s.artifacts.Open(r.Context(), name)
	if err != nil {
		s.artifactError(w, name, err)
		return
	}
	rc.Close()

	s.render(w, http.StatusOK, "view", viewPage{
		Flashes:     takeFlashes(w, r),
		Filename:    name,
		Format:      strings.ToUpper(extension(name)),
		Size:        size,
		ImageURL:    "/image/" + url.PathEscape(name),
		DownloadURL: "/download/" + url.PathEscape(name),
	})
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	s.streamArtifact(w, r, "")
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("filename")
	s.streamArtifact(w, r, mime.FormatMediaType("attachment", map[string]string{"filename": name}))
}

func (s *Server) streamArtifact(w http.ResponseWriter, r *http.Request, disposition string) {
	name := r.PathValue("filename")
	rc, size, err := s.artifacts.Open(r.Context(), name)
	if err != nil {
		s.artifactError(w, name, err)
		return
	}
	defer rc.Close()

	h := w.Header()
	h.Set("Content-Type", domain.ContentTypeForName(name))
	h.Set("Content-Length", strconv.FormatInt(size, 10))
	h.Set("X-Content-Type-Options", "nosniff")
	if disposition != "" {
		h.Set("Content-Disposition", disposition)
	}
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Printf("stream artifact failed filename=%s err=%v", name, err)
	}
}

func (s *Server) artifactError(w http.ResponseWriter, name string, err error) {
	if errors.Is(err, pipeline.ErrArtifactNotFound) || errors.Is(err, pipeline.ErrInvalidArtifactName) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}
	s.logger.Printf("open artifact failed filename=%s err=%v", name, err)
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

func extension(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return ""
	}
	return name[i+1:]
}
