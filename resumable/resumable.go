// Package resumable implements the Resumable Engine (C5): the per-upload
// chunk state machine. Per SPEC_FULL.md §4.5 this persists state as small
// on-disk JSON sidecar files under a dedicated subdirectory — never the
// SQL side-feature sas_ingester's store.go used for the analogous
// tus_uploads table, which is explicitly out of scope here.
package resumable

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/tsdgate/apierr"
	"github.com/hazyhaar/tsdgate/idgen"
	"github.com/hazyhaar/tsdgate/stagedfile"
)

const metaSubdir = ".resumables"
const endSentinel = "end"

// ChunkMeta records one merged chunk's bookkeeping.
type ChunkMeta struct {
	Num  int    `json:"num"`
	Size int64  `json:"size"`
	MD5  string `json:"md5"`
}

// Meta is the on-disk ledger for one in-progress upload, serialized to
// <resumableDir>/<upload_id>.json.
type Meta struct {
	UploadID       string      `json:"upload_id"`
	TargetFilename string      `json:"target_filename"`
	Owner          string      `json:"owner"`
	Group          string      `json:"group,omitempty"`
	Chunks         []ChunkMeta `json:"chunks"`
	MergedSize     int64       `json:"merged_size"`
	LastChunkNum   int         `json:"last_chunk_num"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Info is the client-facing summary returned by Info/ListAll.
type Info struct {
	Filename       string      `json:"filename"`
	ID             string      `json:"id"`
	ChunkSize      int64       `json:"chunk_size"`
	MaxChunk       int         `json:"max_chunk"`
	MD5            []ChunkMeta `json:"md5"`
	PreviousOffset int64       `json:"previous_offset"`
	NextOffset     int64       `json:"next_offset"`
}

// Dir returns the per-tenant-backend resumable working subdirectory,
// creating it if missing.
func Dir(tenantDir string) (string, error) {
	dir := filepath.Join(tenantDir, metaSubdir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", apierr.Wrap(apierr.KindBackendUnavailable, 500, "could not create resumable directory", err)
	}
	return dir, nil
}

func metaPath(resumableDir, uploadID string) string {
	return filepath.Join(resumableDir, uploadID+".json")
}

func loadMeta(resumableDir, uploadID string) (*Meta, error) {
	if _, err := idgen.Parse(uploadID); err != nil {
		return nil, apierr.NotFound("no such upload_id")
	}
	data, err := os.ReadFile(metaPath(resumableDir, uploadID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierr.NotFound("no such upload_id")
		}
		return nil, apierr.Wrap(apierr.KindBackendUnavailable, 500, "could not read upload metadata", err)
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, apierr.Wrap(apierr.KindBackendUnavailable, 500, "corrupt upload metadata", err)
	}
	return &m, nil
}

// saveMeta writes the metadata document via the same staged-rename
// discipline as data files, so a crash mid-write never corrupts the ledger.
func saveMeta(resumableDir string, m *Meta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return apierr.Wrap(apierr.KindBackendUnavailable, 500, "could not marshal upload metadata", err)
	}
	st, err := stagedfile.Acquire(resumableDir, m.UploadID+".json")
	if err != nil {
		return err
	}
	f, err := st.Open(os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		st.Abort()
		return apierr.Wrap(apierr.KindBackendUnavailable, 500, "could not open metadata staging file", err)
	}
	if _, err := f.Write(data); err != nil {
		st.Abort()
		return apierr.Wrap(apierr.KindBackendUnavailable, 500, "could not write upload metadata", err)
	}
	if err := st.Commit(); err != nil {
		return apierr.Wrap(apierr.KindBackendUnavailable, 500, "could not commit upload metadata", err)
	}
	return nil
}

// Prepare validates and advances the state machine for one chunk request.
// chunkArg is the raw query-string value of "chunk" (an integer or "end").
// Returns isFinal=true when chunkArg=="end" (the caller should go straight
// to Finalize); chunkOrderOK=false means the caller must reply 200 with
// {message:"chunk_order_incorrect"} and perform no further writes.
func Prepare(resumableDir, filename, chunkArg, uploadID, group, requestor string) (chunkNum int, outUploadID string, isFinal bool, chunkOrderOK bool, stagedFilename string, err error) {
	if chunkArg == endSentinel {
		if uploadID == "" {
			return 0, "", true, false, "", apierr.IllegalFilenameIngest("chunk=end requires an upload id")
		}
		m, lerr := loadMeta(resumableDir, uploadID)
		if lerr != nil {
			return 0, "", true, false, "", lerr
		}
		if m.Owner != requestor {
			return 0, "", true, false, "", apierr.NotFound("no such upload_id")
		}
		return 0, uploadID, true, true, filename, nil
	}

	n, perr := strconv.Atoi(chunkArg)
	if perr != nil || n < 1 {
		return 0, "", false, false, "", apierr.IllegalFilenameIngest("chunk must be a positive integer or \"end\"")
	}

	var m *Meta
	if uploadID == "" {
		outUploadID = idgen.New()
		m = &Meta{
			UploadID:       outUploadID,
			TargetFilename: filename,
			Owner:          requestor,
			Group:          group,
			CreatedAt:      time.Now(),
		}
		if err := saveMeta(resumableDir, m); err != nil {
			return 0, "", false, false, "", err
		}
	} else {
		m, err = loadMeta(resumableDir, uploadID)
		if err != nil {
			return 0, "", false, false, "", err
		}
		if m.Owner != requestor {
			return 0, "", false, false, "", apierr.NotFound("no such upload_id")
		}
		outUploadID = uploadID
	}

	if n <= m.LastChunkNum {
		// Out-of-order: preserved for wire compatibility, no side effects.
		return n, outUploadID, false, false, "", nil
	}

	return n, outUploadID, false, true, fmt.Sprintf("%s.chunk.%d", m.TargetFilename, n), nil
}

// MergeChunk appends a successfully staged chunk file's bytes onto the
// growing <target>.data file, advances last_merged, and deletes the chunk
// file. chunkFilename is the promoted (uuid-suffix-free) "<target>.chunk.<N>"
// basename; the caller must have already promoted it via
// stagedfile.Staged.CommitIfAbsent and only call MergeChunk when that
// reported promoted=true — a false result means another writer's chunk
// already occupies that name and the caller should report
// chunk_order_incorrect instead of merging.
func MergeChunk(resumableDir, chunkFilename, uploadID, requestor string) error {
	target, numStr, ok := strings.Cut(chunkFilename, ".chunk.")
	if !ok {
		return apierr.BackendUnavailable("malformed chunk filename")
	}
	n, perr := strconv.Atoi(numStr)
	if perr != nil {
		return apierr.BackendUnavailable("malformed chunk number")
	}

	m, err := loadMeta(resumableDir, uploadID)
	if err != nil {
		return err
	}
	if m.Owner != requestor {
		return apierr.NotFound("no such upload_id")
	}
	if target != m.TargetFilename {
		return apierr.BackendUnavailable("chunk filename does not match upload target")
	}
	if n <= m.LastChunkNum {
		return nil // already merged by a racing request; no-op
	}

	chunkPath := filepath.Join(resumableDir, chunkFilename)
	dataPath := filepath.Join(resumableDir, target+".data")

	size, sum, err := appendChunk(dataPath, chunkPath)
	if err != nil {
		return err
	}

	m.LastChunkNum = n
	m.MergedSize += size
	m.Chunks = append(m.Chunks, ChunkMeta{Num: n, Size: size, MD5: sum})
	if err := saveMeta(resumableDir, m); err != nil {
		return err
	}

	os.Remove(chunkPath)
	return nil
}

func appendChunk(dataPath, chunkPath string) (size int64, md5sum string, err error) {
	src, err := os.Open(chunkPath)
	if err != nil {
		return 0, "", apierr.Wrap(apierr.KindBackendUnavailable, 500, "could not open chunk file", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dataPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return 0, "", apierr.Wrap(apierr.KindBackendUnavailable, 500, "could not open growing data file", err)
	}
	defer dst.Close()

	h := md5.New()
	n, err := io.Copy(io.MultiWriter(dst, h), src)
	if err != nil {
		return 0, "", apierr.Wrap(apierr.KindBackendUnavailable, 500, "could not append chunk", err)
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// Finalize renames the growing <target>.data file to <target> in the
// tenant's import directory and tears down the upload's metadata. The
// returned maxChunk is the last chunk number merged, for the caller's
// {filename, id, max_chunk} response.
func Finalize(tenantDir, resumableDir, uploadID, requestor string) (finalFilename string, maxChunk int, err error) {
	m, err := loadMeta(resumableDir, uploadID)
	if err != nil {
		return "", 0, err
	}
	if m.Owner != requestor {
		return "", 0, apierr.NotFound("no such upload_id")
	}

	dataPath := filepath.Join(resumableDir, m.TargetFilename+".data")
	if _, statErr := os.Stat(dataPath); statErr != nil {
		return "", 0, apierr.BackendUnavailable("no data has been merged for this upload")
	}

	finalPath := filepath.Join(tenantDir, m.TargetFilename)
	if _, statErr := os.Lstat(finalPath); statErr == nil {
		os.Remove(finalPath) // remove any pre-existing staged file first
	}
	if err := os.Rename(dataPath, finalPath); err != nil {
		return "", 0, apierr.Wrap(apierr.KindBackendUnavailable, 500, "could not finalize upload", err)
	}

	os.Remove(metaPath(resumableDir, uploadID))
	return m.TargetFilename, m.LastChunkNum, nil
}

// InfoForUpload returns the client-facing summary for one upload_id, owned
// by requestor.
func InfoForUpload(resumableDir, uploadID, requestor string) (*Info, error) {
	m, err := loadMeta(resumableDir, uploadID)
	if err != nil {
		return nil, err
	}
	if m.Owner != requestor {
		return nil, apierr.NotFound("no such upload_id")
	}
	return toInfo(m), nil
}

// InfoForFilename returns every candidate resumable matching filename that
// requestor owns — the client picks the most complete and deletes the rest.
func InfoForFilename(resumableDir, filename, requestor string) ([]*Info, error) {
	all, err := ListAll(resumableDir, requestor)
	if err != nil {
		return nil, err
	}
	var matches []*Info
	for _, info := range all {
		if info.Filename == filename {
			matches = append(matches, info)
		}
	}
	return matches, nil
}

// ListAll returns every resumable owned by requestor.
func ListAll(resumableDir, requestor string) ([]*Info, error) {
	entries, err := os.ReadDir(resumableDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apierr.Wrap(apierr.KindBackendUnavailable, 500, "could not list resumables", err)
	}
	var out []*Info
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		uploadID := strings.TrimSuffix(e.Name(), ".json")
		m, err := loadMeta(resumableDir, uploadID)
		if err != nil {
			continue
		}
		if m.Owner != requestor {
			continue
		}
		out = append(out, toInfo(m))
	}
	return out, nil
}

// Delete removes an upload's metadata, growing data file, and any pending
// chunk files, provided requestor owns it.
func Delete(resumableDir, uploadID, requestor string) (bool, error) {
	m, err := loadMeta(resumableDir, uploadID)
	if err != nil {
		if ae, ok := err.(*apierr.Error); ok && ae.Kind == apierr.KindNotFound {
			return false, nil
		}
		return false, err
	}
	if m.Owner != requestor {
		return false, nil
	}
	os.Remove(filepath.Join(resumableDir, m.TargetFilename+".data"))
	os.Remove(metaPath(resumableDir, uploadID))
	matches, _ := filepath.Glob(filepath.Join(resumableDir, m.TargetFilename+".chunk.*"))
	for _, p := range matches {
		os.Remove(p)
	}
	return true, nil
}

func toInfo(m *Meta) *Info {
	return &Info{
		Filename:       m.TargetFilename,
		ID:             m.UploadID,
		MaxChunk:       m.LastChunkNum,
		MD5:            m.Chunks,
		PreviousOffset: m.MergedSize,
		NextOffset:     m.MergedSize,
	}
}
