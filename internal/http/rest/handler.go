package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/italolelis/image_toolkit/internal/apperr"
	"github.com/italolelis/image_toolkit/internal/artifact"
	"github.com/italolelis/image_toolkit/internal/codec"
	"github.com/italolelis/image_toolkit/internal/logctx"
	"github.com/italolelis/image_toolkit/internal/pipeline"
	"github.com/italolelis/image_toolkit/internal/storage"
	"github.com/italolelis/image_toolkit/internal/telemetry"
	"github.com/italolelis/image_toolkit/internal/token"
)

const (
	DefaultMaxFileSize = 10 << 20
	DefaultMaxFiles    = 10

	maxJSONBody = 1 << 20
)

// Options configures an ImageHandler.
type Options struct {
	Delivery    pipeline.Delivery
	MaxFileSize int64
	MaxFiles    int
	RateLimiter *RateLimiter
	Telemetry   *telemetry.Telemetry
}

// ImageHandler serves the image API.
type ImageHandler struct {
	work     *storage.WorkDir
	pipeline *pipeline.Pipeline
	store    *artifact.Store
	tokens   *token.Service

	delivery    pipeline.Delivery
	maxFileSize int64
	maxFiles    int
	limiter     *RateLimiter
	telemetry   *telemetry.Telemetry
}

func NewImageHandler(work *storage.WorkDir, p *pipeline.Pipeline, store *artifact.Store, tokens *token.Service, opts Options) *ImageHandler {
	h := &ImageHandler{
		work:        work,
		pipeline:    p,
		store:       store,
		tokens:      tokens,
		delivery:    opts.Delivery,
		maxFileSize: opts.MaxFileSize,
		maxFiles:    opts.MaxFiles,
		limiter:     opts.RateLimiter,
		telemetry:   opts.Telemetry,
	}

	if h.delivery == "" {
		h.delivery = pipeline.Stored
	}

	if h.maxFileSize <= 0 {
		h.maxFileSize = DefaultMaxFileSize
	}

	if h.maxFiles <= 0 {
		h.maxFiles = DefaultMaxFiles
	}

	return h
}

func (h *ImageHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Content-Disposition", "Content-Length"},
		MaxAge:         300,
	}))

	if h.limiter != nil {
		r.Use(h.limiter.Middleware)
	}

	r.Post("/upload", h.HandleUpload)
	r.Post("/compress", h.HandleCompress)
	r.Post("/resize", h.HandleResize)
	r.Post("/passport", h.HandlePassport)
	r.Post("/image-to-pdf", h.HandlePDF)
	r.Post("/pdf", h.HandlePDF)
	r.Post("/unlock", h.HandleUnlock)
	r.Get("/download/{token}", h.HandleDownload)

	return r
}

type uploadResponse struct {
	FileID       string `json:"fileId"`
	OriginalName string `json:"originalName"`
	Size         int64  `json:"size"`
	MimeType     string `json:"mimeType"`
}

type artifactResponse struct {
	FileID   string `json:"fileId"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

type unlockRequest struct {
	FileID string `json:"fileId"`
}

type unlockResponse struct {
	Token            string `json:"token"`
	ExpiresInSeconds int    `json:"expiresInSeconds"`
}

// HandleUpload keeps a single image as a downloadable artifact.
func (h *ImageHandler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	files, _, err := h.readUploads(w, r, h.singleImage())
	if err != nil {
		writeError(w, r, err)

		return
	}

	if len(files) == 0 {
		writeError(w, r, apperr.Invalid("image", "Image file is required"))

		return
	}

	rec := h.pipeline.Register(r.Context(), files[0])

	writeJSON(w, r, http.StatusOK, uploadResponse{
		FileID:       rec.ID,
		OriginalName: rec.DisplayName,
		Size:         rec.Size,
		MimeType:     rec.MediaType,
	})
}

func (h *ImageHandler) HandleCompress(w http.ResponseWriter, r *http.Request) {
	h.transform(w, r, h.singleImage(), func(v pipeline.Values) (pipeline.Operation, error) {
		return pipeline.CompressOp{Options: pipeline.ParseCompress(v)}, nil
	})
}

func (h *ImageHandler) HandleResize(w http.ResponseWriter, r *http.Request) {
	h.transform(w, r, h.singleImage(), func(v pipeline.Values) (pipeline.Operation, error) {
		opts, err := pipeline.ParseResize(v)

		return pipeline.ResizeOp{Options: opts}, err
	})
}

func (h *ImageHandler) HandlePassport(w http.ResponseWriter, r *http.Request) {
	h.transform(w, r, h.singleImage(), func(v pipeline.Values) (pipeline.Operation, error) {
		opts, err := pipeline.ParsePassport(v)

		return pipeline.PassportOp{Options: opts}, err
	})
}

// HandlePDF assembles up to MaxFiles images into one document.
func (h *ImageHandler) HandlePDF(w http.ResponseWriter, r *http.Request) {
	limits := uploadLimits{field: "images", maxFiles: min(h.maxFiles, codec.MaxPDFImages), maxFileSize: h.maxFileSize}

	h.transform(w, r, limits, func(pipeline.Values) (pipeline.Operation, error) {
		return pipeline.PDFOp{}, nil
	})
}

// transform is the shared flow of every transform endpoint: read the
// uploads, build the operation from the form, run it and deliver.
func (h *ImageHandler) transform(w http.ResponseWriter, r *http.Request, limits uploadLimits, build func(pipeline.Values) (pipeline.Operation, error)) {
	ctx := r.Context()

	files, values, err := h.readUploads(w, r, limits)
	if err != nil {
		writeError(w, r, err)

		return
	}

	if len(files) == 0 {
		reason := "Image file is required"
		if limits.field == "images" {
			reason = "At least one image is required"
		}

		writeError(w, r, apperr.Invalid(limits.field, reason))

		return
	}

	op, err := build(values)
	if err == nil {
		err = h.validateDelivery(values)
	}

	if err != nil {
		h.work.RemoveAll(ctx, files)
		writeError(w, r, err)

		return
	}

	delivery := h.delivery
	if raw := values.Get("delivery"); raw != "" {
		delivery = pipeline.Delivery(raw)
	}

	res, err := h.pipeline.Execute(ctx, op, files, delivery)
	if err != nil {
		writeError(w, r, err)

		return
	}

	if res.Delivery == pipeline.Inline {
		writeAttachment(w, res.MediaType, res.DisplayName, int64(len(res.Data)))

		if _, err := w.Write(res.Data); err != nil {
			logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to write inline result", "err", err)
		}

		return
	}

	writeJSON(w, r, http.StatusOK, artifactResponse{
		FileID:   res.Artifact.ID,
		Size:     res.Artifact.Size,
		MimeType: res.Artifact.MediaType,
	})
}

func (h *ImageHandler) validateDelivery(values pipeline.Values) error {
	raw := values.Get("delivery")
	if raw == "" {
		return nil
	}

	_, err := pipeline.ParseDelivery(raw)

	return err
}

// HandleUnlock issues a single-use download token for an artifact. The
// body is JSON or a url-encoded form.
func (h *ImageHandler) HandleUnlock(w http.ResponseWriter, r *http.Request) {
	var req unlockRequest

	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/x-www-form-urlencoded" {
		if err := r.ParseForm(); err != nil {
			writeError(w, r, &apperr.ValidationError{Reason: "Invalid request body", Err: err})

			return
		}

		req.FileID = r.PostForm.Get("fileId")
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, &apperr.ValidationError{Reason: "Invalid request body", Err: err})

		return
	}

	req.FileID = strings.TrimSpace(req.FileID)
	if req.FileID == "" {
		writeError(w, r, apperr.Invalid("fileId", "fileId is required"))

		return
	}

	rec, ok := h.store.Get(req.FileID)
	if !ok {
		writeError(w, r, &apperr.NotFoundError{Resource: "file", ID: req.FileID})

		return
	}

	entry := h.tokens.Issue(rec)

	writeJSON(w, r, http.StatusOK, unlockResponse{
		Token:            entry.Token,
		ExpiresInSeconds: int(h.tokens.TTL().Seconds()),
	})
}

// tokenDenial is the client message for a refused download token.
func tokenDenial(err error) string {
	switch {
	case errors.Is(err, token.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, token.ErrTokenUsed):
		return "Token already used"
	default:
		return "Invalid token"
	}
}

// HandleDownload streams an unlocked artifact once. Whatever the outcome,
// the token and the artifact are gone afterwards.
func (h *ImageHandler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)
	tok := chi.URLParam(r, "token")

	entry, err := h.tokens.Consume(tok)
	if err != nil {
		writeError(w, r, &apperr.ForbiddenError{Reason: tokenDenial(err), Err: err})

		return
	}

	defer h.tokens.Delete(tok)

	rec, ok := h.store.Get(entry.ArtifactID)
	if !ok {
		writeError(w, r, &apperr.NotFoundError{Resource: "file", ID: entry.ArtifactID})

		return
	}

	// the artifact is single-use from here on, whether or not streaming works
	defer h.store.Delete(ctx, rec.ID)

	f, err := h.work.Open(rec.Location)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			writeError(w, r, &apperr.NotFoundError{Resource: "file", ID: rec.ID})
		} else {
			writeError(w, r, fmt.Errorf("failed to open artifact: %w", err))
		}

		return
	}
	defer f.Close()

	size := rec.Size
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}

	writeAttachment(w, rec.MediaType, rec.DisplayName, size)

	n, err := io.Copy(w, f)
	if err != nil {
		logger.WarnContext(ctx, "download interrupted", "artifact_id", rec.ID, "written", n, "err", err)

		return
	}

	logger.DebugContext(ctx, "artifact downloaded", "artifact_id", rec.ID, "size", n)
}

// HandleHealthz reports liveness.
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *ImageHandler) singleImage() uploadLimits {
	return uploadLimits{field: "image", maxFiles: 1, maxFileSize: h.maxFileSize}
}

func writeAttachment(w http.ResponseWriter, mediaType, name string, size int64) {
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": name})
	if disposition == "" {
		disposition = "attachment"
	}

	w.Header().Set("Content-Type", mediaType)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Content-Disposition", disposition)
	w.WriteHeader(http.StatusOK)
}
