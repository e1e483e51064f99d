package resumable

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/tsdgate/apierr"
	"github.com/hazyhaar/tsdgate/auth"
	"github.com/hazyhaar/tsdgate/config"
	"github.com/hazyhaar/tsdgate/pathguard"
	"github.com/hazyhaar/tsdgate/tenant"
)

// Handler serves GET/DELETE under
// /v1/{tenant}/{backend}/resumables[/{filename}]: listing and per-upload
// introspection of in-progress resumable uploads, and deletion of an
// abandoned one by (filename, id).
type Handler struct {
	Cfg *config.Config
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	if claims == nil {
		apierr.UnauthorizedMissing("no claims in request context").WriteJSON(w)
		return
	}

	tenantID, err := tenant.Resolve(h.Cfg, chi.URLParam(r, "tenant"))
	if err != nil {
		apierr.As(err).WriteJSON(w)
		return
	}
	backend, ok := h.Cfg.Backend(chi.URLParam(r, "backend"))
	if !ok {
		apierr.NotFound("unknown backend").WriteJSON(w)
		return
	}
	tenantDir, err := tenant.EnsureBackendDir(h.Cfg, backend, tenantID)
	if err != nil {
		apierr.As(err).WriteJSON(w)
		return
	}
	resumableDir, err := Dir(tenantDir)
	if err != nil {
		apierr.As(err).WriteJSON(w)
		return
	}

	rawFilename := chi.URLParam(r, "filename")
	var filename string
	if rawFilename != "" {
		filename, err = pathguard.Validate(rawFilename, h.Cfg.DisallowedStartChars, false)
		if err != nil {
			apierr.As(err).WriteJSON(w)
			return
		}
	}

	if r.Method == http.MethodDelete {
		h.delete(w, r, resumableDir, filename, claims.Requestor)
		return
	}
	h.get(w, r, resumableDir, filename, claims.Requestor)
}

// get mirrors ResumablesHandler.get: no filename lists every upload the
// requestor owns; a filename with no ?id narrows to that filename's
// candidates; a filename with ?id returns that single upload's info.
func (h *Handler) get(w http.ResponseWriter, r *http.Request, resumableDir, filename, requestor string) {
	if filename == "" {
		all, err := ListAll(resumableDir, requestor)
		if err != nil {
			apierr.As(err).WriteJSON(w)
			return
		}
		writeJSON(w, http.StatusOK, all)
		return
	}

	uploadID := r.URL.Query().Get("id")
	if uploadID != "" {
		info, err := InfoForUpload(resumableDir, uploadID, requestor)
		if err != nil {
			apierr.As(err).WriteJSON(w)
			return
		}
		writeJSON(w, http.StatusOK, info)
		return
	}

	matches, err := InfoForFilename(resumableDir, filename, requestor)
	if err != nil {
		apierr.As(err).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

// delete mirrors ResumablesHandler.delete: an upload id is mandatory, and a
// missing-or-foreign upload reports the same "cannot delete resumable"
// fallback message the original uses rather than leaking which case applied.
func (h *Handler) delete(w http.ResponseWriter, r *http.Request, resumableDir, filename, requestor string) {
	uploadID := r.URL.Query().Get("id")
	if filename == "" || uploadID == "" {
		apierr.BadTenant("cannot delete resumable: filename and id are both required").WriteJSON(w)
		return
	}

	deleted, err := Delete(resumableDir, uploadID, requestor)
	if err != nil {
		apierr.As(err).WriteJSON(w)
		return
	}
	if !deleted {
		apierr.BadTenant("cannot delete resumable").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "resumable deleted"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
