package rest

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/italolelis/image_toolkit/internal/apperr"
	"github.com/italolelis/image_toolkit/internal/storage"
)

const (
	maxFieldSize = 1 << 20
	sniffLength  = 3072
)

var (
	allowedMediaTypes = map[string]bool{"image/jpeg": true, "image/png": true}
	allowedExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}
)

const onlyImagesMessage = "Only JPG and PNG images are allowed"

// uploadLimits bounds one multipart request.
type uploadLimits struct {
	field       string
	maxFiles    int
	maxFileSize int64
}

// readUploads streams the multipart body: every part named limits.field is
// checked and copied into the work directory, every plain field is
// collected into the returned values. On error no accepted file is left
// behind.
func (h *ImageHandler) readUploads(w http.ResponseWriter, r *http.Request, limits uploadLimits) (files []storage.File, values url.Values, err error) {
	ctx := r.Context()

	defer func() {
		if err != nil {
			h.work.RemoveAll(ctx, files)
			files = nil
		}
	}()

	r.Body = http.MaxBytesReader(w, r.Body, limits.maxFileSize*int64(limits.maxFiles)+maxFieldSize)

	reader, err := r.MultipartReader()
	if err != nil {
		return nil, nil, h.rejectUpload("not_multipart", &apperr.ValidationError{Field: limits.field, Reason: "Image file is required", Err: err})
	}

	values = url.Values{}

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return files, nil, h.rejectUpload("malformed", &apperr.ValidationError{Reason: "Malformed multipart body", Err: err})
		}

		if part.FileName() == "" {
			data, err := io.ReadAll(io.LimitReader(part, maxFieldSize))
			part.Close()

			if err != nil {
				return files, nil, h.rejectUpload("malformed", &apperr.ValidationError{Field: part.FormName(), Reason: "Malformed multipart body", Err: err})
			}

			values.Add(part.FormName(), string(data))

			continue
		}

		if part.FormName() != limits.field {
			part.Close()

			return files, nil, h.rejectUpload("unexpected_field", apperr.Invalid(part.FormName(), "Unexpected field"))
		}

		if len(files) >= limits.maxFiles {
			part.Close()

			return files, nil, h.rejectUpload("too_many_files", apperr.Invalid(limits.field, "Too many files"))
		}

		f, err := h.acceptPart(part, limits)
		part.Close()

		if err != nil {
			return files, nil, err
		}

		files = append(files, f)
	}

	return files, values, nil
}

// acceptPart validates one file part by declared type, extension and
// content, then streams it into the work directory.
func (h *ImageHandler) acceptPart(part *multipart.Part, limits uploadLimits) (storage.File, error) {
	name := filepath.Base(part.FileName())
	ext := strings.ToLower(filepath.Ext(name))

	declared, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))

	if !allowedMediaTypes[declared] || !allowedExtensions[ext] {
		return storage.File{}, h.rejectUpload("type", apperr.Invalid(limits.field, onlyImagesMessage))
	}

	head := make([]byte, sniffLength)

	n, err := io.ReadFull(part, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return storage.File{}, h.rejectUpload("malformed", &apperr.ValidationError{Field: limits.field, Reason: "Malformed multipart body", Err: err})
	}

	head = head[:n]

	sniffed := mimetype.Detect(head)
	if !sniffed.Is("image/jpeg") && !sniffed.Is("image/png") {
		return storage.File{}, h.rejectUpload("content", apperr.Invalid(limits.field, onlyImagesMessage))
	}

	path, size, err := h.work.Copy(ext, io.MultiReader(bytes.NewReader(head), part), limits.maxFileSize)
	if err != nil {
		var maxBytesErr *http.MaxBytesError

		switch {
		case errors.Is(err, storage.ErrTooLarge), errors.As(err, &maxBytesErr):
			return storage.File{}, h.rejectUpload("size", &apperr.ValidationError{Field: limits.field, Reason: "File too large", Err: err})
		default:
			return storage.File{}, err
		}
	}

	return storage.File{
		Path:         path,
		OriginalName: name,
		MediaType:    sniffed.String(),
		Size:         size,
	}, nil
}

func (h *ImageHandler) rejectUpload(reason string, err error) error {
	h.telemetry.RecordUploadRejected(reason)

	return err
}
