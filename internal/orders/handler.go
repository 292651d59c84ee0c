package orders

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/orderflow/internal/platform/httpx"
	"github.com/odyssey-erp/orderflow/internal/shared"
)

// Handler wires HTTP endpoints for one order kind.
type Handler struct {
	logger  *slog.Logger
	service *Service
	kind    Kind
}

// NewHandler constructs an order handler for kind.
func NewHandler(logger *slog.Logger, service *Service, kind Kind) *Handler {
	return &Handler{logger: logger, service: service, kind: kind}
}

// MountRoutes registers order routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.handleList)
	r.Post("/", h.handleCreate)
	r.Get("/{id}", h.handleGet)
	r.Put("/{id}", h.handleUpdate)
	r.Post("/{id}/status", h.handleStatus)
	r.Post("/{id}/archive", h.handleArchive)
	r.Post("/{id}/restore", h.handleRestore)
}

type submitRequest struct {
	Number         string      `json:"number"`
	CounterpartyID string      `json:"counterparty_id"`
	ExpectedDate   *time.Time  `json:"expected_date"`
	Status         *Status     `json:"status"`
	Version        int64       `json:"version"`
	Items          []LineInput `json:"items"`
}

func (req submitRequest) submission(kind Kind, mode Mode, id string) Submission {
	return Submission{
		Kind:            kind,
		Mode:            mode,
		OrderID:         id,
		ExpectedVersion: req.Version,
		Header: Header{
			Number:         req.Number,
			CounterpartyID: req.CounterpartyID,
			ExpectedDate:   req.ExpectedDate,
		},
		Items:        req.Items,
		TargetStatus: req.Status,
	}
}

type statusRequest struct {
	Status  Status `json:"status"`
	Version int64  `json:"version"`
}

type versionRequest struct {
	Version int64 `json:"version"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !h.decode(w, r, &req) {
		return
	}
	order, err := h.service.Submit(r.Context(), req.submission(h.kind, ModeCreate, ""))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, order)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !h.decode(w, r, &req) {
		return
	}
	order, err := h.service.Submit(r.Context(), req.submission(h.kind, ModeUpdate, chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !h.decode(w, r, &req) {
		return
	}
	order, err := h.service.Transition(r.Context(), h.kind, chi.URLParam(r, "id"), req.Status, req.Version)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) handleArchive(w http.ResponseWriter, r *http.Request) {
	var req versionRequest
	if !h.decode(w, r, &req) {
		return
	}
	order, err := h.service.Archive(r.Context(), h.kind, chi.URLParam(r, "id"), req.Version)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req versionRequest
	if !h.decode(w, r, &req) {
		return
	}
	order, err := h.service.Restore(r.Context(), h.kind, chi.URLParam(r, "id"), req.Version)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	order, err := h.service.Get(r.Context(), h.kind, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{
		Status:         Status(q.Get("status")),
		CounterpartyID: q.Get("counterparty_id"),
		Search:         q.Get("q"),
		RecordStatus:   RecordStatus(q.Get("record_status")),
	}
	filter.IncludeArchived, _ = strconv.ParseBool(q.Get("include_archived"))
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.PerPage, _ = strconv.Atoi(q.Get("per_page"))
	result, err := h.service.List(r.Context(), h.kind, filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

// decode reads an optional JSON body. An empty body leaves target zero-valued.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil && !errors.Is(err, io.EOF) {
		httpx.RespondError(w, shared.NewValidationError("body", "malformed JSON: "+err.Error()))
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if h.logger != nil && shared.KindOf(err) == shared.KindStorage {
		h.logger.Error("order request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
