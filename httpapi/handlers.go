package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/pageclone/clone"
	"github.com/hazyhaar/pageclone/preview"
)

type handlers struct {
	svc *clone.Service
}

func (h *handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	var req clone.ListRequest
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeMessage(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		req.Limit = n
	}
	tasks, err := h.svc.ListTasks(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, tasks)
}

func (h *handlers) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.svc.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, task)
}

func (h *handlers) cancelTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.svc.CancelFetch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, task)
}

func (h *handlers) startFetch(w http.ResponseWriter, r *http.Request) {
	var req clone.StartFetchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	task, err := h.svc.StartFetch(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	code := http.StatusAccepted
	if req.Options.Wait {
		code = http.StatusOK
	}
	writeData(w, code, task)
}

func (h *handlers) generate(w http.ResponseWriter, r *http.Request) {
	var req clone.GenerateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.svc.Generate(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (h *handlers) publishPreview(w http.ResponseWriter, r *http.Request) {
	var p preview.Payload
	if !decodeJSON(w, r, &p) {
		return
	}
	res, err := h.svc.PublishPreview(r.Context(), p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

// previewCSP replaces the API policy on rendered previews. Only generated
// styles and images may load.
const previewCSP = "default-src 'none'; style-src 'unsafe-inline'; img-src 'self' data: https:; frame-ancestors 'self'"

func (h *handlers) showPreview(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Preview(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	format := strings.ToLower(r.URL.Query().Get("format"))
	if format == clone.PreviewJSON {
		writeData(w, http.StatusOK, rec)
		return
	}
	body, ctype, err := h.svc.RenderPreview(rec, format)
	if err != nil {
		writeError(w, r, err)
		return
	}

	etag := preview.ETag(body)
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "private, max-age=60")
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Security-Policy", previewCSP)
	w.Header().Set("X-Robots-Tag", "noindex")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(body))
}

func (h *handlers) issueCaptcha(w http.ResponseWriter, r *http.Request) {
	ch, err := h.svc.IssueCaptcha(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeData(w, http.StatusOK, ch)
}

func (h *handlers) verifyCaptcha(w http.ResponseWriter, r *http.Request) {
	var req clone.VerifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.svc.VerifyCaptcha(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

const placeholderSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="320" height="180" viewBox="0 0 320 180">` +
	`<rect width="320" height="180" fill="#e5e7eb"/>` +
	`<path d="M120 120l30-40 25 30 15-20 30 30z" fill="#9ca3af"/>` +
	`<circle cx="200" cy="70" r="12" fill="#9ca3af"/></svg>`

// placeholder serves the image low-fidelity output points at.
func (h *handlers) placeholder(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Write([]byte(placeholderSVG))
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"origin":          h.svc.Origin().String(),
		"captchaRequired": h.svc.CaptchaRequired(),
	})
}
