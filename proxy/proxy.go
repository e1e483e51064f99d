// Package proxy implements the Proxy Handler (C8): it validates a request
// exactly as the ingestion handler would, then relays the body to the
// co-hosted ingestion endpoint over a bounded channel so the body is never
// buffered in full.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/tsdgate/apierr"
	"github.com/hazyhaar/tsdgate/auth"
	"github.com/hazyhaar/tsdgate/config"
	"github.com/hazyhaar/tsdgate/tenant"
)

// Handler forwards PUT/POST/PATCH under /v1/{tenant}/{cluster,files}/stream
// or /v1/{tenant}/store/import[/{filename}] to the local ingestion handler's
// upload_stream endpoint.
type Handler struct {
	Cfg *config.Config
}

// chunkQueue is the capacity-1 channel body producer: data_received pushes
// chunks, a nil chunk is the end-of-body sentinel.
type chunkQueue chan []byte

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
	if _, ok := h.Cfg.Backend(backendName); !ok {
		apierr.NotFound("unknown backend").WriteJSON(w)
		return
	}

	group := r.URL.Query().Get("group")
	if group == "" {
		group = tenantID + "-member-group"
	}
	if err := h.checkGroup(group, tenantID, claims); err != nil {
		apierr.As(err).WriteJSON(w)
		return
	}

	filename := chi.URLParam(r, "filename")
	target := h.buildTarget(r, tenantID, backendName, filename, group)

	queue := make(chunkQueue, 1)
	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(h.Cfg.ProxyTimeoutSeconds)*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, r.Method, target, queueReader(queue))
	if err != nil {
		apierr.Wrap(apierr.KindBackendUnavailable, 500, "could not build internal request", err).WriteJSON(w)
		return
	}
	req.Header.Set("Authorization", r.Header.Get("Authorization"))
	req.Header.Set("Content-Type", r.Header.Get("Content-Type"))
	if v := r.Header.Get("Aes-Key"); v != "" {
		req.Header.Set("Aes-Key", v)
	}
	if v := r.Header.Get("Aes-Iv"); v != "" {
		req.Header.Set("Aes-Iv", v)
	}

	errCh := make(chan error, 1)
	go func() {
		defer close(queue)
		buf := make([]byte, 32*1024)
		for {
			n, err := r.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case queue <- chunk:
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				}
			}
			if err == io.EOF {
				errCh <- nil
				return
			}
			if err != nil {
				errCh <- err
				return
			}
		}
	}()

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		apierr.Wrap(apierr.KindUpstreamFailed, 400, "internal ingestion request failed", err).WriteJSON(w)
		return
	}
	defer resp.Body.Close()
	if bodyErr := <-errCh; bodyErr != nil {
		apierr.Wrap(apierr.KindBackendUnavailable, 500, "could not read request body", bodyErr).WriteJSON(w)
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		apierr.Wrap(apierr.KindBackendUnavailable, 500, "could not read internal response", err).WriteJSON(w)
		return
	}

	status := resp.StatusCode
	if status == http.StatusOK && bytes.Contains(body, []byte("chunk_order_incorrect")) {
		status = http.StatusBadRequest
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

// checkGroup implements the C8 group policy: the name must match the
// configured group regex, its prefix must equal the tenant, and it must
// appear in the caller's groups claim.
func (h *Handler) checkGroup(group, tenantID string, claims *auth.Claims) error {
	if re := h.Cfg.GroupRegex(); re != nil && !re.MatchString(group) {
		return apierr.PolicyDenied("group name does not match the configured pattern")
	}
	if !strings.HasPrefix(group, tenantID+"-") && group != tenantID {
		return apierr.PolicyDenied("group does not belong to this tenant")
	}
	if !claims.HasGroup(group) {
		return apierr.PolicyDenied("caller is not a member of the target group")
	}
	return nil
}

func (h *Handler) buildTarget(r *http.Request, tenantID, backendName, filename, group string) string {
	q := r.URL.Query()
	path := fmt.Sprintf("http://localhost:%d/v1/%s/%s/upload_stream", h.Cfg.ProxyPort, tenantID, backendName)
	if filename != "" {
		path += "/" + filename
	}
	vals := []string{"group=" + group}
	if chunk := q.Get("chunk"); chunk != "" {
		vals = append(vals, "chunk="+chunk)
	}
	if id := q.Get("id"); id != "" {
		vals = append(vals, "id="+id)
	}
	return path + "?" + strings.Join(vals, "&")
}

// queueReader adapts a chunkQueue into an io.Reader the standard HTTP client
// can stream from without buffering the whole body.
func queueReader(q chunkQueue) io.Reader {
	pr, pw := io.Pipe()
	go func() {
		for chunk := range q {
			if _, err := pw.Write(chunk); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.Close()
	}()
	return pr
}
