package api

import (
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// headerTaskID and headerCommit carry artifact metadata on uploads.
const (
	headerTaskID = "X-Kiln-Task-Id"
	headerCommit = "X-Kiln-Commit"
)

// artifactPath shards artifacts by key prefix so a busy cache does not
// pile every bundle into one directory.
func (s *Server) artifactPath(key string) string {
	return filepath.Join(s.cfg.DataDir, "artifacts", key[:2], key+".tar")
}

func validKey(key string) bool {
	if len(key) != 64 {
		return false
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') {
			continue
		}
		return false
	}
	return true
}

func (s *Server) headArtifact(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !validKey(key) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if _, err := os.Stat(s.artifactPath(key)); err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (s *Server) getArtifact(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !validKey(key) {
		respondError(w, http.StatusBadRequest, "invalid artifact key")
		return
	}

	f, err := os.Open(s.artifactPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			respondError(w, http.StatusNotFound, "artifact not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to open artifact")
		return
	}
	defer f.Close()

	if s.store != nil {
		if err := s.store.TouchHit(r.Context(), key); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("failed to record artifact hit")
		}
	}

	w.Header().Set("Content-Type", "application/x-tar")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("failed to stream artifact")
	}
}

func (s *Server) putArtifact(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !validKey(key) {
		respondError(w, http.StatusBadRequest, "invalid artifact key")
		return
	}

	dst := s.artifactPath(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to prepare storage")
		return
	}

	// Write to a temp file first so a failed upload never leaves a
	// truncated artifact behind.
	tmp, err := os.CreateTemp(filepath.Dir(dst), "upload-*")
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to prepare storage")
		return
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	size, err := io.Copy(tmp, r.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to store artifact")
		return
	}

	if err := os.Rename(tmpName, dst); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to store artifact")
		return
	}

	if s.store != nil {
		taskID := r.Header.Get(headerTaskID)
		var commitSHA *string
		if sha := r.Header.Get(headerCommit); sha != "" {
			commitSHA = &sha
		}
		if err := s.store.RecordUpload(r.Context(), key, taskID, size, commitSHA); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("failed to record artifact upload")
		}
	}

	log.Info().Str("key", key).Int64("size", size).Msg("stored artifact")
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"key":        key,
		"size_bytes": size,
	})
}
