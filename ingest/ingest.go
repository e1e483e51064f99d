// Package ingest implements the Streaming Ingestion Handler (C6): the
// three-phase (prepare / data_received / complete) orchestration of the
// Tenant Resolver, Path Guard, Transform Pipeline, and Resumable Engine for
// POST/PUT/PATCH uploads.
package ingest

import (
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/tsdgate/apierr"
	"github.com/hazyhaar/tsdgate/auth"
	"github.com/hazyhaar/tsdgate/config"
	"github.com/hazyhaar/tsdgate/hook"
	"github.com/hazyhaar/tsdgate/pathguard"
	"github.com/hazyhaar/tsdgate/resumable"
	"github.com/hazyhaar/tsdgate/shield"
	"github.com/hazyhaar/tsdgate/stagedfile"
	"github.com/hazyhaar/tsdgate/tenant"
	"github.com/hazyhaar/tsdgate/transform"
)

const dataEnd = "end"

// Handler serves POST/PUT/PATCH under /v1/{tenant}/{backend}/upload_stream/{filename}.
type Handler struct {
	Cfg     *config.Config
	Keyring *transform.Keyring // nil disables AES-gated content types
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
	backendName := chi.URLParam(r, "backend")
	backend, ok := h.Cfg.Backend(backendName)
	if !ok {
		apierr.NotFound("unknown backend").WriteJSON(w)
		return
	}

	rawFilename := chi.URLParam(r, "filename")
	filename, err := pathguard.Validate(rawFilename, h.Cfg.DisallowedStartChars, true)
	if err != nil {
		apierr.As(err).WriteJSON(w)
		return
	}

	tenantDir, err := tenant.EnsureBackendDir(h.Cfg, backend, tenantID)
	if err != nil {
		apierr.As(err).WriteJSON(w)
		return
	}

	q := r.URL.Query()
	chunkArg := q.Get("chunk")

	var resumableResult *resumableResponse
	var writeErr error
	if chunkArg != "" {
		resumableResult, writeErr = h.handleResumable(w, r, tenantDir, filename, chunkArg, q.Get("id"), q.Get("group"), claims)
	} else {
		writeErr = h.handleDirect(w, r, tenantDir, filename)
	}

	if writeErr == errAlreadyWritten {
		return
	}
	if writeErr != nil {
		shield.GetLogger(r.Context()).Warn("ingest failed", "tenant", tenantID, "backend", backendName, "filename", filename, "error", writeErr)
		apierr.As(writeErr).WriteJSON(w)
		return
	}

	group := q.Get("group")
	if group == "" {
		group = tenantID + "-member-group"
	}
	if (chunkArg == "" || chunkArg == dataEnd) && !h.Cfg.SkipsHook(backendName, tenantID) && backend.RequestHook != "" {
		hook.Invoke(r.Context(), backend.RequestHook, backend.HookUseSudo, tenantDir+"/"+filename, claims.Requestor, h.Cfg.APIUser, group)
	}

	shield.GetLogger(r.Context()).Info("ingest ok", "tenant", tenantID, "backend", backendName, "filename", filename)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if resumableResult != nil {
		fmt.Fprintf(w, `{"filename":%q,"id":%q,"max_chunk":"%d"}`, resumableResult.filename, resumableResult.uploadID, resumableResult.maxChunk)
		return
	}
	io.WriteString(w, `{"message":"data streamed"}`)
}

// handleDirect is the plain (non-resumable) path: optionally run the body
// through a Transform Pipeline, otherwise stream it straight to the staged
// file, then commit in one rename.
func (h *Handler) handleDirect(w http.ResponseWriter, r *http.Request, tenantDir, filename string) error {
	contentType := r.Header.Get("Content-Type")

	st, err := stagedfile.Acquire(tenantDir, filename)
	if err != nil {
		return err
	}

	// Unified success/error/client-disconnect cleanup: Abort is a harmless
	// no-op once Commit has already run.
	committed := false
	defer func() {
		if !committed {
			st.Abort()
		}
	}()

	if transform.IsCustom(contentType) {
		var km *transform.KeyMaterial
		if transform.RequiresAesKey(contentType) {
			if h.Keyring == nil {
				return apierr.PolicyDenied("this deployment has no AES keyring configured")
			}
			km, err = h.Keyring.DecryptAesKey(r.Header.Get("Aes-Key"), r.Header.Get("Aes-Iv"))
			if err != nil {
				return err
			}
		}
		chain, err := transform.Build(r.Context(), contentType, km, st.Path(), tenantDir)
		if err != nil {
			return err
		}
		if _, err := io.Copy(chain.Stdin(), r.Body); err != nil {
			chain.Wait()
			return apierr.Wrap(apierr.KindBackendUnavailable, 500, "could not read request body", err)
		}
		if err := chain.Wait(); err != nil {
			return err
		}
		// Tar pipelines extract directly into tenantDir; nothing to rename,
		// but non-tar transforms wrote to the staging path and still need
		// the commit to make that path visible.
		if contentType == transform.Tar || contentType == transform.TarGz ||
			contentType == transform.TarAES || contentType == transform.TarGzAES {
			committed = true
			return nil
		}
		if err := st.Commit(); err != nil {
			return apierr.Wrap(apierr.KindBackendUnavailable, 500, "could not finalize upload", err)
		}
		committed = true
		return nil
	}

	f, err := st.Open(openFlagsFor(r.Method), 0o600)
	if err != nil {
		return apierr.Wrap(apierr.KindBackendUnavailable, 500, "could not open staging file", err)
	}
	if _, err := io.Copy(f, r.Body); err != nil {
		return apierr.Wrap(apierr.KindBackendUnavailable, 500, "could not write request body", err)
	}
	if err := st.Commit(); err != nil {
		return apierr.Wrap(apierr.KindBackendUnavailable, 500, "could not finalize upload", err)
	}
	committed = true
	return nil
}

// openFlagsFor mirrors filemodes = {'POST': 'ab+', 'PUT': 'wb+', 'PATCH': 'wb+'}.
func openFlagsFor(method string) int {
	if method == http.MethodPost {
		return os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	return os.O_WRONLY | os.O_CREATE | os.O_TRUNC
}

// resumableResponse carries the fields the PATCH chunk/finalize response body
// needs: {filename, id, max_chunk}.
type resumableResponse struct {
	filename string
	uploadID string
	maxChunk int
}

// handleResumable dispatches to the Resumable Engine: prepare, then either
// the chunk-order-incorrect short-circuit, a chunk merge, or a finalize.
func (h *Handler) handleResumable(w http.ResponseWriter, r *http.Request, tenantDir, filename, chunkArg, uploadID, group string, claims *auth.Claims) (*resumableResponse, error) {
	resumableDir, err := resumable.Dir(tenantDir)
	if err != nil {
		return nil, err
	}

	chunkNum, outUploadID, isFinal, chunkOrderOK, stagedName, err := resumable.Prepare(resumableDir, filename, chunkArg, uploadID, group, claims.Requestor)
	if err != nil {
		return nil, err
	}

	if isFinal {
		finalName, maxChunk, err := resumable.Finalize(tenantDir, resumableDir, outUploadID, claims.Requestor)
		if err != nil {
			return nil, err
		}
		return &resumableResponse{filename: finalName, uploadID: outUploadID, maxChunk: maxChunk}, nil
	}

	if !chunkOrderOK {
		return nil, writeChunkOrderIncorrect(w)
	}

	st, err := stagedfile.Acquire(resumableDir, stagedName)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			st.Abort()
		}
	}()

	f, err := st.Open(os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindBackendUnavailable, 500, "could not open chunk staging file", err)
	}
	if _, err := io.Copy(f, r.Body); err != nil {
		return nil, apierr.Wrap(apierr.KindBackendUnavailable, 500, "could not write chunk", err)
	}

	promoted, err := st.CommitIfAbsent()
	if err != nil {
		return nil, apierr.Wrap(apierr.KindBackendUnavailable, 500, "could not commit chunk", err)
	}
	committed = true
	if !promoted {
		return nil, writeChunkOrderIncorrect(w)
	}

	if err := resumable.MergeChunk(resumableDir, stagedName, outUploadID, claims.Requestor); err != nil {
		return nil, err
	}
	return &resumableResponse{filename: stagedName, uploadID: outUploadID, maxChunk: chunkNum}, nil
}

func writeChunkOrderIncorrect(w http.ResponseWriter) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, `{"message":"chunk_order_incorrect"}`)
	return errAlreadyWritten
}

// errAlreadyWritten is a sentinel the top-level ServeHTTP recognizes to skip
// writing a second response body; it is never surfaced to apierr.As.
var errAlreadyWritten = &writtenMarker{}

type writtenMarker struct{}

func (*writtenMarker) Error() string { return "response already written" }
