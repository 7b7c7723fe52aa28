package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dunamismax/pixelconvert/internal/config"
	"github.com/dunamismax/pixelconvert/internal/domain"
	"github.com/dunamismax/pixelconvert/internal/pipeline"
	"github.com/dunamismax/pixelconvert/internal/ratelimit"
	"github.com/dunamismax/pixelconvert/internal/segment"
	"github.com/dunamismax/pixelconvert/internal/webhook"
)

type testEnv struct {
	server       *Server
	handler      http.Handler
	uploadDir    string
	convertedDir string
}

func newTestEnv(t *testing.T, mutate func(*config.Config), opts ...Option) testEnv {
	t.Helper()

	root := t.TempDir()
	cfg := config.Config{
		Web: config.WebConfig{
			UploadDir:         filepath.Join(root, "uploads"),
			ConvertedDir:      filepath.Join(root, "converted"),
			MaxUploadBytes:    16 << 20,
			DefaultFormat:     "png",
			AllowedExtensions: domain.FormatKeys(),
		},
		Pipeline: config.PipelineConfig{RemoveBackground: true},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	store, err := pipeline.NewLocalArtifactStore(cfg.Web.ConvertedDir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	codec, err := pipeline.NewCodec()
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	converter, err := pipeline.NewConverter(codec, segment.NewPassthrough(), store)
	if err != nil {
		t.Fatalf("new converter: %v", err)
	}

	srv, err := NewServer(log.New(io.Discard, "", 0), cfg, converter, store, opts...)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return testEnv{
		server:       srv,
		handler:      srv.Handler(),
		uploadDir:    cfg.Web.UploadDir,
		convertedDir: cfg.Web.ConvertedDir,
	}
}

func (e testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func uploadRequest(t *testing.T, filename string, data []byte, fields map[string]string) *http.Request {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if filename != "-" {
		part, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		part.Write(data)
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 30, G: 160, B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func flashFrom(t *testing.T, rec *httptest.ResponseRecorder) Flash {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name != flashCookie || c.Value == "" {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(c.Value)
		if err != nil {
			t.Fatalf("decode flash cookie: %v", err)
		}
		var flashes []Flash
		if err := json.Unmarshal(raw, &flashes); err != nil {
			t.Fatalf("unmarshal flash cookie: %v", err)
		}
		if len(flashes) != 1 {
			t.Fatalf("expected one flash, got %d", len(flashes))
		}
		return flashes[0]
	}
	t.Fatal("expected flash cookie")
	return Flash{}
}

func assertEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read %s: %v", dir, err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected %s to be empty, found %d entries", dir, len(entries))
	}
}

func TestUploadRejectsDisallowedExtension(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(uploadRequest(t, "notes.txt", []byte("hello"), map[string]string{"conversion_type": "png"}))
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/" {
		t.Fatalf("expected redirect to /, got %d %q", rec.Code, rec.Header().Get("Location"))
	}
	if f := flashFrom(t, rec); f.Message != msgInvalidFileType || f.Category != flashError {
		t.Fatalf("unexpected flash %+v", f)
	}
	assertEmpty(t, env.uploadDir)
	assertEmpty(t, env.convertedDir)
}

func TestUploadRejectsNameThatSanitizesAway(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(uploadRequest(t, "..png", pngBytes(t, 2, 2), nil))
	if f := flashFrom(t, rec); f.Message != msgInvalidFileType {
		t.Fatalf("unexpected flash %+v", f)
	}
	assertEmpty(t, env.convertedDir)
}

func TestUploadWithoutFile(t *testing.T) {
	env := newTestEnv(t, nil)

	for name, req := range map[string]*http.Request{
		"missing part":   uploadRequest(t, "-", nil, map[string]string{"conversion_type": "png"}),
		"empty filename": uploadRequest(t, "", []byte("x"), nil),
	} {
		rec := env.do(req)
		if rec.Code != http.StatusSeeOther {
			t.Fatalf("%s: expected redirect, got %d", name, rec.Code)
		}
		if f := flashFrom(t, rec); f.Message != msgNoFileSelected {
			t.Fatalf("%s: unexpected flash %+v", name, f)
		}
	}
}

func TestUploadConvertsAndServesResult(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(uploadRequest(t, "Cat Photo.png", pngBytes(t, 12, 8), map[string]string{
		"conversion_type":   "JPG",
		"remove_background": "false",
	}))
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d body=%s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != "/view/Cat_Photo_converted.jpg" {
		t.Fatalf("unexpected redirect %q", loc)
	}
	if f := flashFrom(t, rec); f.Message != "Image successfully converted to JPG!" || f.Category != flashSuccess {
		t.Fatalf("unexpected flash %+v", f)
	}
	assertEmpty(t, env.uploadDir)

	view := httptest.NewRequest(http.MethodGet, "/view/Cat_Photo_converted.jpg", nil)
	for _, c := range rec.Result().Cookies() {
		view.AddCookie(c)
	}
	viewRec := env.do(view)
	if viewRec.Code != http.StatusOK {
		t.Fatalf("view: expected 200, got %d", viewRec.Code)
	}
	body := viewRec.Body.String()
	if !strings.Contains(body, `src="/image/Cat_Photo_converted.jpg"`) || !strings.Contains(body, "Image successfully converted to JPG!") {
		t.Fatalf("view page missing image or flash:\n%s", body)
	}

	imgRec := env.do(httptest.NewRequest(http.MethodGet, "/image/Cat_Photo_converted.jpg", nil))
	if imgRec.Code != http.StatusOK {
		t.Fatalf("image: expected 200, got %d", imgRec.Code)
	}
	if ct := imgRec.Header().Get("Content-Type"); ct != "image/jpg" {
		t.Fatalf("expected image/jpg, got %s", ct)
	}
	if b := imgRec.Body.Bytes(); len(b) < 2 || b[0] != 0xFF || b[1] != 0xD8 {
		t.Fatal("expected JPEG bytes")
	}

	dlRec := env.do(httptest.NewRequest(http.MethodGet, "/download/Cat_Photo_converted.jpg", nil))
	if cd := dlRec.Header().Get("Content-Disposition"); cd != "attachment; filename=Cat_Photo_converted.jpg" {
		t.Fatalf("unexpected Content-Disposition %q", cd)
	}
}

func TestUploadUnsupportedFormat(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(uploadRequest(t, "cat.png", pngBytes(t, 4, 4), map[string]string{"conversion_type": "xyz"}))
	if rec.Header().Get("Location") != "/" {
		t.Fatalf("expected redirect to /, got %q", rec.Header().Get("Location"))
	}
	if f := flashFrom(t, rec); f.Message != "Error converting image: unsupported format: xyz" {
		t.Fatalf("unexpected flash %+v", f)
	}
	assertEmpty(t, env.uploadDir)
	assertEmpty(t, env.convertedDir)
}

func TestUploadDefaultsToPNGWithBackgroundRemoval(t *testing.T) {
	events := make(chan webhook.ConversionEvent, 1)
	env := newTestEnv(t, nil, WithNotifier(notifierFunc(func(_ context.Context, evt webhook.ConversionEvent) error {
		events <- evt
		return nil
	})))

	rec := env.do(uploadRequest(t, "dog.webp.png", pngBytes(t, 3, 3), nil))
	if loc := rec.Header().Get("Location"); loc != "/view/dog.webp_converted.png" {
		t.Fatalf("unexpected redirect %q", loc)
	}

	select {
	case evt := <-events:
		if evt.Event != webhook.EventConversionCompleted || !evt.BackgroundRemoved || evt.Format != "png" {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected completion notification")
	}
}

func TestUploadTooLarge(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Web.MaxUploadBytes = 512 })

	rec := env.do(uploadRequest(t, "big.png", bytes.Repeat([]byte{1}, 2048), nil))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	assertEmpty(t, env.uploadDir)
}

func TestUnknownArtifactsAreNotFound(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, path := range []string{"/image/missing.png", "/download/missing.png", "/view/missing.png", "/image/.hidden"} {
		rec := env.do(httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, rec.Code)
		}
	}
}

func TestIndexRendersAndConsumesFlash(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	setFlash(rec, Flash{Category: flashError, Message: "No file selected"})
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}

	out := env.do(req)
	if out.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", out.Code)
	}
	body := out.Body.String()
	for _, want := range []string{"No file selected", `name="conversion_type" value="webp"`, `action="/upload"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("index missing %q", want)
		}
	}

	cleared := false
	for _, c := range out.Result().Cookies() {
		if c.Name == flashCookie && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Fatal("expected flash cookie to be cleared")
	}
}

func TestHealthzAndStatic(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("unexpected healthz response %d %s", rec.Code, rec.Body.String())
	}

	rec = env.do(httptest.NewRequest(http.MethodGet, "/static/upload.js", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected static script, got %d", rec.Code)
	}
}

func TestRateLimitedUpload(t *testing.T) {
	limiter := limiterFunc(func(context.Context, string) (ratelimit.Decision, error) {
		return ratelimit.Decision{Allowed: false, RetryAfter: 1500 * time.Millisecond}, nil
	})
	env := newTestEnv(t, nil, WithRateLimiter(limiter))

	rec := env.do(uploadRequest(t, "cat.png", pngBytes(t, 2, 2), nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "2" {
		t.Fatalf("expected Retry-After 2, got %q", rec.Header().Get("Retry-After"))
	}

	rec = env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("reads should bypass the limiter, got %d", rec.Code)
	}
}

func TestSecureFilename(t *testing.T) {
	cases := map[string]string{
		"My cool movie.mov":       "My_cool_movie.mov",
		"../../../etc/passwd":     "etc_passwd",
		`C:\Users\me\photo.JPG`:   "C_Users_me_photo.JPG",
		"résumé.png":              "resume.png",
		"i contain cool ümläuts.": "i_contain_cool_umlauts",
		"__init__.py":             "init__.py",
		"日本語.png":                 "png",
		"":                        "",
	}
	for in, want := range cases {
		if got := SecureFilename(in); got != want {
			t.Fatalf("SecureFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseToggle(t *testing.T) {
	if !parseToggle("", true) || parseToggle("", false) {
		t.Fatal("empty value should use fallback")
	}
	if !parseToggle("on", false) || parseToggle("OFF", true) || parseToggle("0", true) || !parseToggle("True", false) {
		t.Fatal("unexpected toggle parsing")
	}
	if !parseToggle("maybe", true) {
		t.Fatal("unknown value should use fallback")
	}
}

type notifierFunc func(context.Context, webhook.ConversionEvent) error

func (f notifierFunc) Notify(ctx context.Context, evt webhook.ConversionEvent) error {
	return f(ctx, evt)
}

type limiterFunc func(context.Context, string) (ratelimit.Decision, error)

func (f limiterFunc) Take(ctx context.Context, subject string) (ratelimit.Decision, error) {
	return f(ctx, subject)
}

func TestMetricsCountConversions(t *testing.T) {
	env := newTestEnv(t, nil)

	env.do(uploadRequest(t, "a.png", pngBytes(t, 4, 5), map[string]string{"conversion_type": "gif"}))
	env.do(uploadRequest(t, "a.png", pngBytes(t, 4, 5), map[string]string{"conversion_type": "nope"}))

	rec := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`pixelconvert_conversions_total{format="gif",status="succeeded"} 1`,
		`pixelconvert_conversions_total{format="unsupported",status="rejected"} 1`,
		`pixelconvert_pixels_processed_total 20`,
		`pixelconvert_http_requests_total{method="POST",route="/upload",status="303"} 2`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}

func TestDrainWaitsForWebhookDelivery(t *testing.T) {
	release := make(chan struct{})
	delivered := make(chan struct{})
	env := newTestEnv(t, nil, WithNotifier(notifierFunc(func(context.Context, webhook.ConversionEvent) error {
		<-release
		close(delivered)
		return nil
	})))

	rec := env.do(uploadRequest(t, "cat.png", pngBytes(t, 2, 2), map[string]string{"remove_background": "false"}))
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected redirect, got %d", rec.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := env.server.Drain(ctx); err == nil {
		t.Fatal("expected drain to time out while delivery is pending")
	}

	close(release)
	if err := env.server.Drain(context.Background()); err != nil {
		t.Fatalf("drain after delivery: %v", err)
	}
	select {
	case <-delivered:
	default:
		t.Fatal("drain returned before the delivery finished")
	}
}
