package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/ssd-technologies/beam/internal/auth"
	"github.com/ssd-technologies/beam/internal/config"
	"github.com/ssd-technologies/beam/internal/relay"
)

// uploadResponse is returned to the uploader once its relay has ended.
type uploadResponse struct {
	Status  string `json:"status"`
	Bytes   int64  `json:"bytes"`
	Partial bool   `json:"partial,omitempty"`
}

// authorize checks the caller's credentials for the configured mode and
// returns the owning token, if any.
func (s *Server) authorize(r *http.Request) (string, error) {
	switch s.cfg.Auth {
	case config.AuthBasic:
		return "", s.verifier.VerifyRequest(r)
	case config.AuthToken:
		id, err := auth.ParseBearer(r)
		if err != nil {
			return "", err
		}
		if err := s.ledger.ValidateAndExtend(id); err != nil {
			return "", err
		}
		return id, nil
	default:
		return "", nil
	}
}

func (s *Server) requestLogger(r *http.Request) logrus.FieldLogger {
	return s.log.WithFields(logrus.Fields{
		"file":   r.PathValue("file"),
		"remote": s.clientIP(r),
	})
}

// handleUpload accepts the request body for /{file} and holds the request
// open until the relay to the downloader has ended.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	fileID := r.PathValue("file")
	log := s.requestLogger(r)

	owner, err := s.authorize(r)
	if err != nil {
		log.WithError(err).Warn("upload rejected")
		s.writeRelayError(w, err)
		return
	}

	o, err := s.relay.Upload(r.Context(), fileID, owner, r.Body)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("uploader went away")
			return
		}
		s.writeRelayError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, uploadResponse{
		Status:  "completed",
		Bytes:   o.Bytes,
		Partial: o.Partial,
	})
}

// handleDownload pairs with the upload for /{file} and streams its body.
// The length is never declared up front. If the upload fails mid-stream the
// connection is aborted so the client cannot mistake a truncated body for a
// complete one.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	fileID := r.PathValue("file")
	log := s.requestLogger(r)

	owner, err := s.authorize(r)
	if err != nil {
		log.WithError(err).Warn("download rejected")
		s.writeRelayError(w, err)
		return
	}

	sess, err := s.relay.Download(r.Context(), fileID, owner)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("downloader went away")
			return
		}
		s.writeRelayError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, sanitizeFilename(fileID)))
	w.WriteHeader(http.StatusOK)

	n, err := s.relay.Consume(r.Context(), sess, w)
	log = log.WithField("bytes", humanize.Bytes(uint64(n)))
	switch {
	case errors.Is(err, relay.ErrUpstreamRead):
		log.WithError(err).Warn("aborting download, upload failed")
		panic(http.ErrAbortHandler)
	case err != nil:
		log.WithError(err).Info("download client disconnected")
	default:
		log.Debug("download finished")
	}
}

// handleHeadFile refuses HEAD so that link previewers and "curl -I" cannot
// claim a waiting upload.
func (s *Server) handleHeadFile(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", "GET, PUT")
	w.WriteHeader(http.StatusMethodNotAllowed)
}

// sanitizeFilename strips directory traversal, quotes, and CR/LF from a file
// name so it is safe inside a Content-Disposition header.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = filepath.Base(name)
	name = strings.NewReplacer(`"`, "", "\r", "", "\n", "").Replace(name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "download"
	}
	return name
}
