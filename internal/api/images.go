package api

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/dunamismax/pixelscrub/internal/domain"
	"github.com/dunamismax/pixelscrub/internal/id"
	"github.com/dunamismax/pixelscrub/internal/ingest"
	"github.com/dunamismax/pixelscrub/internal/pipeline"
	"github.com/dunamismax/pixelscrub/internal/session"
	"github.com/dunamismax/pixelscrub/internal/storage"
)

type imageView struct {
	Index     int    `json:"index"`
	Name      string `json:"name"`
	MediaType string `json:"media_type"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Source    string `json:"source"`
	Rendered  string `json:"rendered"`
}

type configValue struct {
	Field domain.Field `json:"field"`
	Value int          `json:"value"`
}

type configPatch struct {
	ColorQuantization *int `json:"color_quantization,omitempty"`
	PixelSwapStrength *int `json:"pixel_swap_strength,omitempty"`
}

// handleSubmitFiles accepts any number of multipart file parts. The files are
// only read here; validation and decoding happen in the session, and failures
// surface later through /v1/notifications. One token is charged before the
// body is read and one more for every further file.
func (s *Server) handleSubmitFiles(w http.ResponseWriter, r *http.Request) {
	if !s.checkRateLimit(w, r, 1) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "expected a multipart/form-data body")
		return
	}

	var files []ingest.File
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writeError(w, statusFor(err, http.StatusBadRequest), "read upload: "+err.Error())
			return
		}
		name := part.FileName()
		if name == "" {
			part.Close()
			continue
		}
		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			writeError(w, statusFor(err, http.StatusBadRequest), "read upload: "+err.Error())
			return
		}

		s.metrics.uploadBytes.Observe(float64(len(data)))
		files = append(files, ingest.File{
			Name:      name,
			MediaType: part.Header.Get("Content-Type"),
			Read:      ingest.Bytes(data),
		})
	}
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "no files in upload")
		return
	}
	if len(files) > 1 && !s.checkRateLimit(w, r, len(files)-1) {
		return
	}

	if err := s.session.SubmitFiles(r.Context(), files); err != nil {
		s.logger.Printf("submit files failed count=%d err=%v", len(files), err)
		writeError(w, statusFor(err, http.StatusInternalServerError), "failed to submit files")
		return
	}
	s.metrics.filesSubmitted.Add(float64(len(files)))

	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.Name
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted":   names,
		"images_url": "/v1/images",
	})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	snap, err := s.session.Snapshot(r.Context())
	if err != nil {
		writeError(w, statusFor(err, http.StatusInternalServerError), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap.Config)
}

func (s *Server) handleGetConfigField(w http.ResponseWriter, r *http.Request) {
	field, err := domain.ParseField(r.PathValue("field"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	snap, err := s.session.Snapshot(r.Context())
	if err != nil {
		writeError(w, statusFor(err, http.StatusInternalServerError), err.Error())
		return
	}
	value, _ := snap.Config.Get(field)
	writeJSON(w, http.StatusOK, configValue{Field: field, Value: value})
}

func (s *Server) handlePutConfigField(w http.ResponseWriter, r *http.Request) {
	field, err := domain.ParseField(r.PathValue("field"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	var body struct {
		Value *int `json:"value"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Value == nil {
		writeError(w, http.StatusBadRequest, "value is required")
		return
	}

	cfg, err := s.session.ConfigChanged(r.Context(), field, *body.Value)
	if err != nil {
		writeError(w, statusFor(err, http.StatusInternalServerError), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handlePutConfig applies every field in the patch as one session update,
// so a bad value changes nothing and the images are re-rendered once.
func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var patch configPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var changes []session.FieldValue
	if patch.ColorQuantization != nil {
		changes = append(changes, session.FieldValue{Field: domain.FieldColorQuantization, Value: *patch.ColorQuantization})
	}
	if patch.PixelSwapStrength != nil {
		changes = append(changes, session.FieldValue{Field: domain.FieldPixelSwapStrength, Value: *patch.PixelSwapStrength})
	}

	cfg, err := s.session.UpdateConfig(r.Context(), changes...)
	if err != nil {
		writeError(w, statusFor(err, http.StatusInternalServerError), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handleListImages lists records most recent first. The index in each entry
// is the position in this listing and is what the per-image routes take.
func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	snap, err := s.session.Snapshot(r.Context())
	if err != nil {
		writeError(w, statusFor(err, http.StatusInternalServerError), err.Error())
		return
	}

	recent := snap.Recent()
	views := make([]imageView, len(recent))
	for i, record := range recent {
		views[i] = imageView{
			Index:     i,
			Name:      record.Name,
			MediaType: record.MediaType,
			Width:     record.Width(),
			Height:    record.Height(),
			Source:    dataURI(record.MediaType, record.SourceBytes),
			Rendered:  dataURI(string(domain.RenderedMediaType), record.RenderedBytes),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"config":  snap.Config,
		"images":  views,
		"pending": snap.Pending,
	})
}

func (s *Server) handleRendered(w http.ResponseWriter, r *http.Request) {
	record, ok := s.lookupRecord(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", string(domain.RenderedMediaType))
	w.Header().Set("Content-Length", strconv.Itoa(len(record.RenderedBytes)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", pipeline.ScrubbedFileName(record.Name)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(record.RenderedBytes)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	record, ok := s.lookupRecord(w, r)
	if !ok {
		return
	}

	objectKey := storage.ExportKey(id.New("exp"), pipeline.ScrubbedFileName(record.Name))
	err := s.storage.WriteObject(r.Context(), objectKey, record.RenderedBytes, string(domain.RenderedMediaType))
	if err != nil {
		s.metrics.exports.WithLabelValues("error").Inc()
		s.logger.Printf("export failed name=%s key=%s err=%v", record.Name, objectKey, err)
		writeError(w, statusFor(err, http.StatusBadGateway), "failed to export image")
		return
	}
	s.metrics.exports.WithLabelValues("ok").Inc()

	writeJSON(w, http.StatusCreated, map[string]any{
		"name":       record.Name,
		"object_key": objectKey,
		"bytes":      len(record.RenderedBytes),
	})
}

func (s *Server) handleNotifications(w http.ResponseWriter, _ *http.Request) {
	notifications := []session.Notification{}
	if s.notifications != nil {
		notifications = append(notifications, s.notifications.Drain()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": notifications})
}

func (s *Server) lookupRecord(w http.ResponseWriter, r *http.Request) (domain.ImageRecord, bool) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 0 {
		writeError(w, http.StatusBadRequest, "index must be a non-negative integer")
		return domain.ImageRecord{}, false
	}
	snap, err := s.session.Snapshot(r.Context())
	if err != nil {
		writeError(w, statusFor(err, http.StatusInternalServerError), err.Error())
		return domain.ImageRecord{}, false
	}
	recent := snap.Recent()
	if index >= len(recent) {
		writeError(w, http.StatusNotFound, "image not found")
		return domain.ImageRecord{}, false
	}
	return recent[index], true
}

func dataURI(mediaType string, data []byte) string {
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
