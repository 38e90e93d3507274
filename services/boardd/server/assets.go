package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"agora/api"
	"agora/events"
	"agora/services/boardd/models"
)

type assetResponse struct {
	AssetID     string    `json:"asset_id"`
	TaskID      string    `json:"task_id"`
	UploaderID  string    `json:"uploader_id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
}

func assetToResponse(a models.Asset) assetResponse {
	return assetResponse{
		AssetID:     a.ID,
		TaskID:      a.TaskID,
		UploaderID:  a.UploaderID,
		Filename:    a.Filename,
		ContentType: a.ContentType,
		SizeBytes:   a.SizeBytes,
		CreatedAt:   a.CreatedAt,
	}
}

// UploadAsset stores one delivered artifact. Only the assigned worker may
// upload, and only while the task is accepted. The bytes land under the
// storage dir; the row carries the metadata.
func (s *Server) UploadAsset(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	body, uploader, ok := s.signedRequest(w, r, "uploader_id")
	if !ok {
		return
	}
	var req struct {
		Filename    string `json:"filename"`
		ContentType string `json:"content_type"`
		ContentB64  string `json:"content_b64"`
	}
	if !unmarshalBody(w, body, &req) {
		return
	}
	req.Filename = filepath.Base(strings.TrimSpace(req.Filename))
	if req.Filename == "" || req.Filename == "." || req.Filename == string(filepath.Separator) {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "filename is required")
		return
	}
	content, err := base64.StdEncoding.DecodeString(req.ContentB64)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation, "content_b64 must be base64")
		return
	}
	if int64(len(content)) > s.maxAssetSize {
		api.WriteError(w, http.StatusBadRequest, api.KindValidation,
			fmt.Sprintf("asset exceeds the %d byte limit", s.maxAssetSize))
		return
	}

	var task models.Task
	if err := s.db.First(&task, "id = ?", taskID).Error; err != nil {
		s.writeTaskError(w, mapNotFound(err))
		return
	}
	if task.Status != models.StatusAccepted {
		api.WriteError(w, http.StatusConflict, api.KindConflict, "assets upload only while the task is accepted")
		return
	}
	if task.WorkerID != uploader {
		api.WriteError(w, http.StatusForbidden, api.KindForbidden, "only the assigned worker uploads assets")
		return
	}

	assetID := "asset-" + uuid.NewString()
	dir := filepath.Join(s.assetDir, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		api.WriteError(w, http.StatusInternalServerError, api.KindInternal, "asset storage unavailable")
		return
	}
	storagePath := filepath.Join(dir, assetID+"_"+req.Filename)
	if err := os.WriteFile(storagePath, content, 0o644); err != nil {
		api.WriteError(w, http.StatusInternalServerError, api.KindInternal, "asset write failed")
		return
	}

	asset := models.Asset{
		ID:          assetID,
		TaskID:      taskID,
		UploaderID:  uploader,
		Filename:    req.Filename,
		ContentType: req.ContentType,
		SizeBytes:   int64(len(content)),
		StoragePath: storagePath,
		CreatedAt:   s.Now(),
	}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&asset).Error; err != nil {
			return err
		}
		_, err := events.Append(tx, events.SourceBoard, &events.AssetUploaded{
			TaskID:     taskID,
			AssetID:    assetID,
			UploaderID: uploader,
			Filename:   asset.Filename,
			SizeBytes:  asset.SizeBytes,
		})
		return err
	})
	if err != nil {
		_ = os.Remove(storagePath)
		api.WriteError(w, http.StatusInternalServerError, api.KindInternal, "asset persist failed")
		return
	}
	api.WriteJSON(w, http.StatusCreated, assetToResponse(asset))
}

// ListAssets returns the task's artifacts. Open to the poster, the worker and
// the court; the court authenticates with a service token, agents with their
// id.
func (s *Server) ListAssets(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	var task models.Task
	if err := s.db.First(&task, "id = ?", taskID).Error; err != nil {
		s.writeTaskError(w, mapNotFound(err))
		return
	}

	allowed := false
	if s.auth != nil {
		if _, ok := s.auth.Check(r, "board:assets"); ok {
			allowed = true
		}
	} else {
		allowed = true
	}
	if !allowed {
		requester := strings.TrimSpace(r.URL.Query().Get("agent_id"))
		allowed = requester != "" && (requester == task.PosterID || requester == task.WorkerID)
	}
	if !allowed {
		api.WriteError(w, http.StatusForbidden, api.KindForbidden, "asset listing is limited to the task parties")
		return
	}

	var assets []models.Asset
	if err := s.db.Where("task_id = ?", taskID).Order("created_at ASC, id ASC").Find(&assets).Error; err != nil {
		api.WriteError(w, http.StatusInternalServerError, api.KindInternal, "asset query failed")
		return
	}
	out := make([]assetResponse, 0, len(assets))
	for _, asset := range assets {
		out = append(out, assetToResponse(asset))
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"assets": out})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return errors.New("decode body failed")
	}
	return nil
}
