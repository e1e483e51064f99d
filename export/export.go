// Package export implements the Export Handler (C7): directory listing with
// per-entry export-policy evaluation, and byte-range GET/HEAD downloads with
// Etag/If-Range revalidation.
package export

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/tsdgate/apierr"
	"github.com/hazyhaar/tsdgate/auth"
	"github.com/hazyhaar/tsdgate/config"
	"github.com/hazyhaar/tsdgate/pathguard"
	"github.com/hazyhaar/tsdgate/tenant"
)

// Handler serves GET/HEAD under /v1/{tenant}/{backend}/export[/{filename}].
type Handler struct {
	Cfg *config.Config
}

type listEntry struct {
	Filename     string `json:"filename"`
	Size         int64  `json:"size"`
	ModifiedDate string `json:"modified_date"`
	Href         string `json:"href"`
	Exportable   bool   `json:"exportable"`
	Reason       string `json:"reason,omitempty"`
	MimeType     string `json:"mime-type"`
	Owner        string `json:"owner"`
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
	exportDir := tenant.ExportDir(h.Cfg, backend, tenantID)

	rawFilename := chi.URLParam(r, "filename")
	if rawFilename == "" {
		h.list(w, exportDir, &backend.ExportPolicy)
		return
	}

	filename, err := pathguard.Validate(rawFilename, h.Cfg.DisallowedStartChars, false)
	if err != nil {
		apierr.As(err).WriteJSON(w)
		return
	}
	h.download(w, r, exportDir, filename, &backend.ExportPolicy)
}

func (h *Handler) list(w http.ResponseWriter, exportDir string, policy *config.ExportPolicy) {
	entries, err := os.ReadDir(exportDir)
	if err != nil {
		if os.IsNotExist(err) {
			writeJSON(w, http.StatusOK, map[string]any{"files": []listEntry{}})
			return
		}
		apierr.Wrap(apierr.KindBackendUnavailable, 500, "could not list export directory", err).WriteJSON(w)
		return
	}

	files := make([]os.DirEntry, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, e)
		}
	}
	if len(files) > h.Cfg.ExportMaxNumList {
		apierr.BadTenant(fmt.Sprintf("directory has more than %d entries", h.Cfg.ExportMaxNumList)).WriteJSON(w)
		return
	}

	out := make([]listEntry, 0, len(files))
	for _, e := range files {
		info, err := e.Info()
		if err != nil {
			continue
		}
		mimeType := detectMime(filepath.Join(exportDir, e.Name()), e.Name())
		exportable, reason := policy.Evaluate(mimeType, info.Size())
		out = append(out, listEntry{
			Filename:     e.Name(),
			Size:         info.Size(),
			ModifiedDate: info.ModTime().UTC().Format(time.RFC3339),
			Href:         e.Name(),
			Exportable:   exportable,
			Reason:       reason,
			MimeType:     mimeType,
			Owner:        ownerOf(info),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })

	writeJSON(w, http.StatusOK, map[string]any{"files": out})
}

func (h *Handler) download(w http.ResponseWriter, r *http.Request, exportDir, filename string, policy *config.ExportPolicy) {
	path := filepath.Join(exportDir, filename)
	info, err := os.Stat(path)
	if err != nil {
		apierr.NotFound("no such file").WriteJSON(w)
		return
	}
	if info.IsDir() {
		apierr.NotFound("no such file").WriteJSON(w)
		return
	}

	mimeType := detectMime(path, filename)
	if exportable, reason := policy.Evaluate(mimeType, info.Size()); !exportable {
		apierr.PolicyDenied(reason).WriteJSON(w)
		return
	}

	etag := computeEtag(info.ModTime())
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Etag", etag)

	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
		w.WriteHeader(http.StatusOK)
		return
	}

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		f, err := os.Open(path)
		if err != nil {
			apierr.Wrap(apierr.KindBackendUnavailable, 500, "could not open file", err).WriteJSON(w)
			return
		}
		defer f.Close()
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
		w.WriteHeader(http.StatusOK)
		streamChunked(w, f, info.Size(), h.Cfg.ExportChunkSize)
		return
	}

	if ifRange := r.Header.Get("If-Range"); ifRange != "" && ifRange != etag {
		apierr.PreconditionFailed("If-Range does not match current Etag").WriteJSON(w)
		return
	}

	start, end, err := parseRange(rangeHeader, info.Size())
	if err != nil {
		apierr.As(err).WriteJSON(w)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		apierr.Wrap(apierr.KindBackendUnavailable, 500, "could not open file", err).WriteJSON(w)
		return
	}
	defer f.Close()
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		apierr.Wrap(apierr.KindBackendUnavailable, 500, "could not seek file", err).WriteJSON(w)
		return
	}

	toRead := end - start + 1
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, info.Size()))
	w.Header().Set("Content-Length", strconv.FormatInt(toRead, 10))
	w.WriteHeader(http.StatusPartialContent)
	streamChunked(w, io.LimitReader(f, toRead), toRead, h.Cfg.ExportChunkSize)
}

// parseRange accepts "bytes=<start>-<end>" or "bytes=<start>-" (end defaults
// to the last byte), with no multipart ranges.
func parseRange(header string, size int64) (start, end int64, err error) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return 0, 0, apierr.RangeUnsatisfiable("unsupported range unit")
	}
	spec := strings.TrimPrefix(header, prefix)
	if strings.Contains(spec, ",") {
		return 0, 0, apierr.RangeMultipart("multipart ranges are not supported")
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, apierr.RangeUnsatisfiable("malformed range")
	}
	start, serr := strconv.ParseInt(parts[0], 10, 64)
	if serr != nil {
		return 0, 0, apierr.RangeUnsatisfiable("malformed range start")
	}
	if parts[1] == "" {
		end = size - 1
	} else {
		end, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, apierr.RangeUnsatisfiable("malformed range end")
		}
	}
	if end >= size {
		return 0, 0, apierr.RangeUnsatisfiable(fmt.Sprintf("range end %d exceeds file size %d", end, size))
	}
	if start < 0 || start > end {
		return 0, 0, apierr.RangeUnsatisfiable("range start exceeds range end")
	}
	return start, end, nil
}

func streamChunked(w http.ResponseWriter, r io.Reader, total int64, chunkSize int) {
	if chunkSize <= 0 {
		chunkSize = 65536
	}
	buf := make([]byte, chunkSize)
	flusher, _ := w.(http.Flusher)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			w.Write(buf[:n])
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			return
		}
	}
}

// computeEtag mirrors Etag = md5(str(mtime)): the mtime as a decimal unix
// timestamp string, hashed. Cheap to compute, but only as strong as the
// filesystem's mtime resolution — proxies that strip weak validators will
// defeat If-Range revalidation, a known tradeoff carried over unchanged.
func computeEtag(mtime time.Time) string {
	sum := md5.Sum([]byte(strconv.FormatInt(mtime.Unix(), 10)))
	return hex.EncodeToString(sum[:])
}

func detectMime(path, filename string) string {
	if t := mime.TypeByExtension(filepath.Ext(filename)); t != "" {
		return strings.SplitN(t, ";", 2)[0]
	}
	f, err := os.Open(path)
	if err != nil {
		return "application/octet-stream"
	}
	defer f.Close()
	buf := make([]byte, 512)
	n, _ := f.Read(buf)
	return http.DetectContentType(buf[:n])
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ownerOf resolves a file's owning username via its Unix uid, falling back
// to the raw uid when no passwd entry is found.
func ownerOf(info os.FileInfo) string {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return ""
	}
	uid := strconv.FormatUint(uint64(st.Uid), 10)
	if u, err := user.LookupId(uid); err == nil {
		return u.Username
	}
	return uid
}
