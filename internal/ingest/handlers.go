package ingest

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/zombor/nfce-ledger/internal/receipt"
)

// Uploads above this size are rejected; high-resolution phone photos stay below it
const maxFormSize = int64(50 << 20)

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, requestID, message string) {
	writeJSON(w, code, map[string]string{
		"error":      message,
		"request_id": requestID,
	})
}

// handleResolveImage resolves the QR code on an uploaded receipt photo or PDF
func (s *Server) handleResolveImage(w http.ResponseWriter, r *http.Request) {
	requestID := s.requestID()

	if err := r.ParseMultipartForm(maxFormSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err, "request_id", requestID)
		writeError(w, http.StatusBadRequest, requestID, "Error parsing form")
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err, "request_id", requestID)
		writeError(w, http.StatusBadRequest, requestID, "No file provided")
		return
	}
	defer f.Close()

	if header.Size > maxFormSize {
		writeError(w, http.StatusBadRequest, requestID,
			"File is too large. Maximum size is 50MB. Please compress or resize your image.")
		return
	}

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename, "request_id", requestID)
		writeError(w, http.StatusInternalServerError, requestID, "Error reading file. Please try again.")
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = contentTypeFor(header.Filename)
	}

	var stored string
	if s.uploads != nil {
		stored, err = s.uploads.Save(requestID+"_"+sanitizeFilename(header.Filename), data)
		if err != nil {
			slog.Error("Error storing upload", "error", err, "request_id", requestID)
			writeError(w, http.StatusInternalServerError, requestID, "Error storing file. Please try again.")
			return
		}
	}

	slog.Info("Resolving uploaded receipt", "filename", header.Filename, "size", len(data), "request_id", requestID)
	err = s.resolve(w, r, requestID, Input{Image: data, ContentType: contentType, Interactive: true})

	// An upload without a readable QR code can never be resolved
	if stored != "" && (errors.Is(err, receipt.ErrImageQuality) || errors.Is(err, receipt.ErrQRNotFound)) {
		if err := s.uploads.Delete(stored); err != nil {
			slog.Warn("Error removing unreadable upload", "error", err, "request_id", requestID)
		}
	}
}

type keyRequest struct {
	Key string `json:"key"`
}

// handleResolveKey resolves a typed access key
func (s *Server) handleResolveKey(w http.ResponseWriter, r *http.Request) {
	requestID := s.requestID()

	var req keyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, requestID, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Key) == "" {
		writeError(w, http.StatusBadRequest, requestID, "key is required")
		return
	}

	slog.Info("Resolving typed key", "request_id", requestID)
	_ = s.resolve(w, r, requestID, Input{Key: req.Key, Interactive: true})
}

// resolve writes the resolution result or failure and returns the failure
func (s *Server) resolve(w http.ResponseWriter, r *http.Request, requestID string, in Input) error {
	result, err := s.service.Resolve(r.Context(), in)
	if err != nil {
		slog.Error("Error resolving receipt", "error", err, "request_id", requestID)
		writeError(w, statusFor(err), requestID, err.Error())
		return err
	}

	if result.Document != nil {
		insights, err := s.service.Insights(result.Document)
		if err != nil {
			slog.Error("Error computing insights", "error", err, "request_id", requestID)
		} else {
			result.Insights = insights
		}
	}

	code := http.StatusCreated
	if result.Outcome == OutcomeDuplicate {
		code = http.StatusOK
	}
	writeJSON(w, code, result)
	return nil
}

// statusFor maps resolution failures to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, receipt.ErrImageQuality),
		errors.Is(err, receipt.ErrQRNotFound),
		errors.Is(err, receipt.ErrInvalidKey):
		return http.StatusUnprocessableEntity
	case errors.Is(err, receipt.ErrLedgerIO):
		return http.StatusInternalServerError
	case errors.Is(err, receipt.ErrSourceTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, receipt.ErrSourceTransport),
		errors.Is(err, receipt.ErrSourceInvalidKey),
		errors.Is(err, receipt.ErrSourceRejected),
		errors.Is(err, receipt.ErrNoDocumentNumber),
		errors.Is(err, receipt.ErrNoItems):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// handleInsights returns insights for the latest purchase at ?emitter=,
// or the list of known emitters without it
func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	requestID := s.requestID()

	emitter := r.URL.Query().Get("emitter")
	if emitter == "" {
		emitters, err := s.service.Emitters()
		if err != nil {
			slog.Error("Error listing emitters", "error", err, "request_id", requestID)
			writeError(w, http.StatusInternalServerError, requestID, "Internal server error")
			return
		}
		if emitters == nil {
			emitters = []string{}
		}
		writeJSON(w, http.StatusOK, map[string][]string{"emitters": emitters})
		return
	}

	insights, err := s.service.EmitterInsights(emitter)
	if err != nil {
		slog.Error("Error computing insights", "error", err, "request_id", requestID)
		writeError(w, http.StatusInternalServerError, requestID, "Internal server error")
		return
	}
	if insights == nil {
		writeError(w, http.StatusNotFound, requestID, "No purchases at this emitter")
		return
	}
	writeJSON(w, http.StatusOK, insights)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

var (
	unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	whitespaceRuns      = regexp.MustCompile(`\s+`)
)

// sanitizeFilename cleans up a filename by removing special characters and truncating length
func sanitizeFilename(filename string) string {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)

	base = unsafeFilenameChars.ReplaceAllString(base, "")
	base = whitespaceRuns.ReplaceAllString(strings.TrimSpace(base), "_")

	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "receipt"
	}
	return base + strings.ToLower(ext)
}
