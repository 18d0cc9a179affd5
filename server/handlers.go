package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/shopdrop/shopdrop/backend"
	"github.com/shopdrop/shopdrop/registry"
	"github.com/shopdrop/shopdrop/telemetry"
)

// qrImageSize is the pixel size of generated QR codes.
const qrImageSize = 256

// allowedExtensions are the file types customers may upload.
var allowedExtensions = map[string]bool{
	".pdf":  true,
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".doc":  true,
	".docx": true,
}

type createSessionRequest struct {
	ShopID string `json:"shop_id"`
}

type createSessionResponse struct {
	Token     string    `json:"token"`
	UploadURL string    `json:"upload_url"`
	QRCode    string    `json:"qr_code"`
	ExpiresAt time.Time `json:"expires_at"`
}

type uploadResponse struct {
	JobID      string    `json:"job_id"`
	Filename   string    `json:"filename"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// handleCreateSession opens a new upload session and returns its token,
// upload URL, and a QR code for the URL.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "create_session")

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ShopID == "" {
		writeError(w, http.StatusBadRequest, "shop_id is required")
		return
	}

	session, err := s.sessions.Create(r.Context(), req.ShopID)
	if err != nil {
		s.logger.Error("failed to create session", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	uploadURL := s.config.BaseURL + "/upload/" + session.Token

	qr, cached, err := s.qrCache.GetOrCompute(r.Context(), uploadURL, func(ctx context.Context) (string, error) {
		return qrDataURL(uploadURL)
	})
	if err != nil {
		s.logger.Error("failed to generate qr code", "error", err)
		writeError(w, http.StatusInternalServerError, "qr generation failed")
		return
	}
	if cached {
		telemetry.SetCacheResult(r, telemetry.CacheHit)
	} else {
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
	}

	writeJSON(w, http.StatusCreated, createSessionResponse{
		Token:     session.Token,
		UploadURL: uploadURL,
		QRCode:    qr,
		ExpiresAt: session.ExpiresAt,
	})
}

// handleDeleteSession revokes a session. Revoking an absent session
// succeeds; jobs uploaded through it keep their own lifetimes.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "delete_session")

	if err := s.sessions.Delete(r.Context(), r.PathValue("token")); err != nil {
		s.logger.Error("failed to delete session", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUpload accepts a multipart file upload into an open session.
// The session check happens here, not in the job registry.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "upload")

	token := r.PathValue("token")
	session, err := s.sessions.Get(r.Context(), token)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found or expired")
			return
		}
		s.logger.Error("failed to read session", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	// Allow some slack over the file cap for multipart framing
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes+64*1024)

	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	if fileHeader.Size > s.config.MaxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}

	ext := strings.ToLower(filepath.Ext(fileHeader.Filename))
	if !allowedExtensions[ext] {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("file type %q not allowed", ext))
		return
	}

	blobKey, err := backend.NewBlobKey(time.Now(), fileHeader.Filename)
	if err != nil {
		s.logger.Error("failed to generate blob key", "error", err)
		writeError(w, http.StatusInternalServerError, "upload failed")
		return
	}

	header := &backend.BlobHeader{
		ContentType:  fileHeader.Header.Get("Content-Type"),
		OriginalName: fileHeader.Filename,
		UploadedAt:   time.Now().UTC().Format(time.RFC3339),
	}

	start := time.Now()
	if err := s.backend.Write(r.Context(), blobKey, header, file); err != nil {
		telemetry.RecordBackendOp(r.Context(), "filesystem", "write", "error", time.Since(start), 0)
		s.logger.Error("failed to store blob", "blobKey", blobKey, "error", err)
		writeError(w, http.StatusServiceUnavailable, "blob store unavailable")
		return
	}
	telemetry.RecordBackendOp(r.Context(), "filesystem", "write", "ok", time.Since(start), fileHeader.Size)

	job, err := s.jobs.Create(r.Context(), token, session.OwnerID, fileHeader.Filename, blobKey, fileHeader.Size)
	if err != nil {
		// The blob has no record pointing at it, remove it now rather
		// than leaving it for nothing to reclaim.
		if derr := s.backend.Delete(r.Context(), blobKey); derr != nil {
			s.logger.Warn("failed to remove blob after job create failure", "blobKey", blobKey, "error", derr)
		}
		s.logger.Error("failed to create job", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	telemetry.RecordUpload(r.Context(), fileHeader.Size)

	writeJSON(w, http.StatusCreated, uploadResponse{
		JobID:      job.JobID,
		Filename:   job.OriginalName,
		Size:       job.SizeBytes,
		UploadedAt: job.UploadedAt,
	})
}

// handleListJobs returns the session's still-present jobs for the
// dashboard.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "list_jobs")

	result, err := s.jobs.GetBySession(r.Context(), r.PathValue("token"))
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found or expired")
			return
		}
		s.logger.Error("failed to list jobs", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleDownload redirects to a signed, time-limited URL for the job's
// blob. Signed URLs are cached per job for a window shorter than their
// validity.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "download")

	jobID := r.PathValue("jobId")
	job, err := s.jobs.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "file not found or expired")
			return
		}
		s.logger.Error("failed to read job", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	url, cached, err := s.urlCache.GetOrCompute(r.Context(), jobID, func(ctx context.Context) (string, error) {
		return s.signer.Sign(job.BlobKey, s.config.SignedURLTTL)
	})
	if err != nil {
		s.logger.Error("failed to sign download url", "error", err)
		writeError(w, http.StatusInternalServerError, "download failed")
		return
	}
	if cached {
		telemetry.SetCacheResult(r, telemetry.CacheHit)
	} else {
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
	}

	http.Redirect(w, r, url, http.StatusFound)
}

// handleDeleteJob administratively removes a job and its blob.
// Idempotent: deleting an absent job returns 204.
func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "delete_job")

	jobID := r.PathValue("jobId")
	job, err := s.jobs.Get(r.Context(), jobID)
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		s.logger.Error("failed to read job", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	if job != nil {
		if err := s.backend.Delete(r.Context(), job.BlobKey); err != nil {
			// Leave the record and queue entry in place so the sweep
			// retries the blob deletion.
			s.logger.Warn("failed to delete blob, leaving record for sweep", "blobKey", job.BlobKey, "error", err)
			writeError(w, http.StatusServiceUnavailable, "blob store unavailable")
			return
		}
		if err := s.urlCache.Invalidate(r.Context(), jobID); err != nil {
			s.logger.Warn("failed to invalidate signed url cache", "jobId", jobID, "error", err)
		}
	}

	if err := s.jobs.Delete(r.Context(), jobID); err != nil {
		s.logger.Error("failed to delete job", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleServeBlob serves a blob after verifying the URL signature.
func (s *Server) handleServeBlob(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "serve_blob")

	key := r.PathValue("key")
	q := r.URL.Query()

	if err := s.signer.Verify(key, q.Get("exp"), q.Get("sig")); err != nil {
		switch {
		case errors.Is(err, backend.ErrExpiredURL):
			writeError(w, http.StatusForbidden, "download link expired")
		case errors.Is(err, backend.ErrBadSignature):
			writeError(w, http.StatusForbidden, "invalid download link")
		default:
			s.logger.Error("failed to verify download url", "error", err)
			writeError(w, http.StatusInternalServerError, "download failed")
		}
		return
	}

	start := time.Now()
	header, body, err := s.backend.Read(r.Context(), key)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			// Lost the race with the sweep, the file is gone
			telemetry.RecordBackendOp(r.Context(), "filesystem", "read", "not_found", time.Since(start), 0)
			writeError(w, http.StatusNotFound, "file not found")
			return
		}
		telemetry.RecordBackendOp(r.Context(), "filesystem", "read", "error", time.Since(start), 0)
		s.logger.Error("failed to read blob", "key", key, "error", err)
		writeError(w, http.StatusServiceUnavailable, "blob store unavailable")
		return
	}
	defer body.Close()

	if header.ContentType != "" {
		w.Header().Set("Content-Type", header.ContentType)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	if header.ContentLength > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(header.ContentLength, 10))
	}
	if header.OriginalName != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", header.OriginalName))
	}

	n, err := io.Copy(w, body)
	if err != nil {
		s.logger.Warn("blob transfer interrupted", "key", key, "error", err)
	}
	telemetry.RecordBackendOp(r.Context(), "filesystem", "read", "ok", time.Since(start), n)
}

// qrDataURL renders the URL as a PNG QR code and returns it as a data URL.
func qrDataURL(url string) (string, error) {
	png, err := qrcode.Encode(url, qrcode.Medium, qrImageSize)
	if err != nil {
		return "", fmt.Errorf("encoding qr code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error body with the given status.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
