package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dunamismax/pixelconvert/internal/domain"
	"github.com/dunamismax/pixelconvert/internal/id"
	"github.com/dunamismax/pixelconvert/internal/pipeline"
	"github.com/dunamismax/pixelconvert/internal/webhook"
)

var (
	ErrNoFileSelected  = errors.New("no file selected")
	ErrInvalidFileType = errors.New("invalid file type")
)

const (
	msgNoFileSelected  = "No file selected"
	msgInvalidFileType = "Invalid file type. Please upload an image file."

	multipartMemory = 8 << 20
)

type uploadForm struct {
	file             multipart.File
	filename         string
	format           string
	removeBackground bool
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusOK, "index", indexPage{
		Flashes:          takeFlashes(w, r),
		Formats:          domain.FormatKeys(),
		DefaultFormat:    s.cfg.DefaultFormat,
		RemoveBackground: s.removeBG,
		MaxUploadMB:      s.cfg.MaxUploadBytes >> 20,
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > s.cfg.MaxUploadBytes {
		http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)

	form, err := s.readUploadForm(r)
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
			return
		}
		s.logger.Printf("upload rejected err=%v", err)
		s.redirectWithFlash(w, r, "/", flashError, rejectionMessage(err))
		return
	}
	defer form.file.Close()

	done := s.metrics.trackConversion(form.format)
	result, err := s.convertUpload(r.Context(), form)
	done(result, err)
	if err != nil {
		s.logger.Printf("conversion failed filename=%s format=%s err=%v", form.filename, form.format, err)
		s.notify(r.Context(), webhook.ConversionEvent{
			Event:  webhook.EventConversionFailed,
			Source: form.filename,
			Format: form.format,
			Error:  err.Error(),
		})
		s.redirectWithFlash(w, r, "/", flashError, "Error converting image: "+err.Error())
		return
	}

	s.logger.Printf("conversion complete filename=%s output=%s bytes=%d background_removed=%t",
		form.filename, result.Filename, result.Bytes, result.BackgroundRemoved)
	s.notify(r.Context(), webhook.ConversionEvent{
		Event:             webhook.EventConversionCompleted,
		Source:            form.filename,
		Filename:          result.Filename,
		Format:            result.Format.Key,
		BackgroundRemoved: result.BackgroundRemoved,
		Bytes:             result.Bytes,
	})
	s.redirectWithFlash(w, r, "/view/"+url.PathEscape(result.Filename), flashSuccess,
		fmt.Sprintf("Image successfully converted to %s!", strings.ToUpper(form.format)))
}

func (s *Server) readUploadForm(r *http.Request) (uploadForm, error) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return uploadForm{}, err
		}
		return uploadForm{}, fmt.Errorf("%w: %v", ErrNoFileSelected, err)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return uploadForm{}, fmt.Errorf("%w: %v", ErrNoFileSelected, err)
	}
	if header.Filename == "" {
		file.Close()
		return uploadForm{}, ErrNoFileSelected
	}
	if !domain.HasAllowedExtension(header.Filename, s.cfg.AllowedExtensions) {
		file.Close()
		return uploadForm{}, fmt.Errorf("%w: %s", ErrInvalidFileType, header.Filename)
	}

	safe := SecureFilename(header.Filename)
	if safe == "" || !domain.HasAllowedExtension(safe, s.cfg.AllowedExtensions) {
		file.Close()
		return uploadForm{}, fmt.Errorf("%w: %q sanitizes to %q", ErrInvalidFileType, header.Filename, safe)
	}

	format := strings.TrimSpace(r.FormValue("conversion_type"))
	if format == "" {
		format = s.cfg.DefaultFormat
	}

	return uploadForm{
		file:             file,
		filename:         safe,
		format:           format,
		removeBackground: parseToggle(r.FormValue("remove_background"), s.removeBG),
	}, nil
}

// convertUpload saves the upload under its own request directory, runs the
// pipeline and removes the directory whatever the outcome.
func (s *Server) convertUpload(ctx context.Context, form uploadForm) (pipeline.Result, error) {
	requestDir := filepath.Join(s.cfg.UploadDir, id.New())
	if err := os.MkdirAll(requestDir, 0o755); err != nil {
		return pipeline.Result{}, fmt.Errorf("create upload dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(requestDir); err != nil {
			s.logger.Printf("cleanup upload failed dir=%s err=%v", requestDir, err)
		}
	}()

	inputPath := filepath.Join(requestDir, form.filename)
	if err := saveUpload(form.file, inputPath); err != nil {
		return pipeline.Result{}, err
	}

	return s.converter.Convert(ctx, pipeline.Request{
		InputPath:        inputPath,
		Format:           form.format,
		RemoveBackground: form.removeBackground,
	})
}

func saveUpload(src io.Reader, path string) error {
	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("save upload: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("save upload: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("save upload: %w", err)
	}
	return nil
}

// notify delivers outside the request lifetime so a slow receiver never
// delays the redirect. Drain waits for these deliveries.
func (s *Server) notify(ctx context.Context, evt webhook.ConversionEvent) {
	if s.notifier == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	s.deliveries.Add(1)
	go func() {
		defer s.deliveries.Done()
		if err := s.notifier.Notify(ctx, evt); err != nil {
			s.logger.Printf("webhook delivery failed event=%s err=%v", evt.Event, err)
		}
	}()
}

func rejectionMessage(err error) string {
	if errors.Is(err, ErrInvalidFileType) {
		return msgInvalidFileType
	}
	return msgNoFileSelected
}

func parseToggle(raw string, fallback bool) bool {
	raw = strings.ToLower(strings.TrimSpace(raw))
	switch raw {
	case "":
		return fallback
	case "on", "yes":
		return true
	case "off", "no":
		return false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}
