package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/smallwat3r/codedrop/internal/domain"
	"github.com/smallwat3r/codedrop/internal/service"
	"github.com/smallwat3r/codedrop/internal/utility"
)

// multipart parts above this size are spooled to disk
const maxMultipartMemory = 8 << 20

// TransferService is the part of service.TransferService the handlers use.
type TransferService interface {
	Create(ctx context.Context, in service.CreateInput) (service.CreateResult, error)
	Retrieve(ctx context.Context, code string) (domain.Transfer, error)
	Ping(ctx context.Context) error
}

type Handler struct {
	svc     TransferService
	uploads http.Handler
	started time.Time
}

// NewHandler returns the HTTP handlers for svc. uploads serves stored
// images under /uploads/ and may be nil when images live elsewhere.
func NewHandler(svc TransferService, uploads http.Handler) *Handler {
	return &Handler{svc: svc, uploads: uploads, started: time.Now()}
}

func (h *Handler) HandleWelcome(w http.ResponseWriter, r *http.Request) {
	utility.WriteJSON(w, http.StatusOK, map[string]string{"message": "Welcome to codedrop API"})
}

type healthRes struct {
	Status    string    `json:"status"`
	Storage   string    `json:"storage"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    float64   `json:"uptime"` // seconds
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	res := healthRes{
		Status:    "ok",
		Storage:   "ok",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.started).Seconds(),
	}
	status := http.StatusOK
	if err := h.svc.Ping(ctx); err != nil {
		slog.Warn("health check: storage ping failed", "error", err)
		res.Status = "degraded"
		res.Storage = "unavailable"
		status = http.StatusServiceUnavailable
	}
	utility.WriteJSON(w, status, res)
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, domain.MaxRequestBodySize)

	in, cleanup, err := parseCreate(r)
	defer cleanup()
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			utility.HttpError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		utility.HttpError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.svc.Create(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}

	utility.WriteJSON(w, http.StatusCreated, domain.CreateRes{
		Code:      res.Code,
		ExpiresIn: int(res.ExpiresIn / time.Second),
		ExpiresAt: res.ExpiresAt,
	})
}

// parseCreate reads a create request from a multipart form, a urlencoded
// form or a JSON body. The returned cleanup func must always be called.
func parseCreate(r *http.Request) (service.CreateInput, func(), error) {
	noop := func() {}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch mediaType {
	case "multipart/form-data":
		if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
			return service.CreateInput{}, noop, formError(err)
		}
		cleanup := func() { r.MultipartForm.RemoveAll() }

		in := formInput(r)
		file, header, err := r.FormFile("image")
		switch {
		case err == nil:
			in.Image = &service.Upload{Reader: file, Filename: header.Filename}
			return in, func() { file.Close(); cleanup() }, nil
		case errors.Is(err, http.ErrMissingFile):
			return in, cleanup, nil
		default:
			return service.CreateInput{}, cleanup, formError(err)
		}

	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return service.CreateInput{}, noop, formError(err)
		}
		return formInput(r), noop, nil

	default:
		var req domain.CreateReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				return service.CreateInput{}, noop, err
			}
			return service.CreateInput{}, noop, errors.New("invalid JSON body")
		}
		content := req.Content
		if content == "" {
			content = req.Text
		}
		return service.CreateInput{
			Content:     content,
			Type:        domain.TransferType(strings.TrimSpace(req.Type)),
			SenderEmail: req.Email,
		}, noop, nil
	}
}

func formInput(r *http.Request) service.CreateInput {
	content := r.FormValue("content")
	if content == "" {
		content = r.FormValue("text")
	}
	return service.CreateInput{
		Content:     content,
		Type:        domain.TransferType(strings.TrimSpace(r.FormValue("type"))),
		SenderEmail: r.FormValue("email"),
	}
}

func formError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return err
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return errors.New("truncated form body")
	}
	return errors.New("invalid form body")
}

func (h *Handler) HandleRetrieve(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	t, err := h.svc.Retrieve(r.Context(), code)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if t.Type == domain.TypeImage {
		t.Content = utility.AbsoluteURL(r, t.Content)
	}
	utility.WriteJSON(w, http.StatusOK, domain.NewReadRes(t))
}

func (h *Handler) HandleUploads(w http.ResponseWriter, r *http.Request) {
	if h.uploads == nil {
		http.NotFound(w, r)
		return
	}
	h.uploads.ServeHTTP(w, r)
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrExpired):
		return http.StatusGone
	case errors.Is(err, domain.ErrAlreadyConsumed):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrCapacity), errors.Is(err, domain.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	var msg string
	switch {
	case errors.Is(err, domain.ErrValidation):
		msg = err.Error()
	case errors.Is(err, domain.ErrNotFound):
		msg = "transfer not found"
	case errors.Is(err, domain.ErrExpired):
		msg = "transfer has expired"
	case errors.Is(err, domain.ErrAlreadyConsumed):
		msg = "transfer has already been read"
	case errors.Is(err, domain.ErrCapacity):
		msg = "no codes available, try again later"
	case errors.Is(err, domain.ErrUnavailable):
		msg = "storage unavailable"
	default:
		msg = "internal server error"
	}

	if status >= http.StatusInternalServerError {
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
	}
	utility.HttpError(w, status, msg)
}
