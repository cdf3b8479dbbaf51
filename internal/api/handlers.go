package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"motionforge/internal/models"
	"motionforge/internal/relay"
	"motionforge/internal/service/document"
	"motionforge/internal/service/session"
	"motionforge/internal/worker"
)

type WorkerManager interface {
	Submit(worker.GenerateRequest) error
	Pending() int
}

// SessionStore is the part of the session service the HTTP layer needs.
type SessionStore interface {
	Create(ctx context.Context) (*models.Session, error)
	SessionDir(sessionID string) string
	AddExhibit(ctx context.Context, ex *models.Exhibit) (*models.Exhibit, error)
	SetStatus(ctx context.Context, sessionID string, status models.Status, errMsg string) error
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	Output(ctx context.Context, sessionID, fileName string) (*models.OutputFile, error)
	ShortenExpiry(ctx context.Context, sessionID string, grace time.Duration) error
	Delete(ctx context.Context, sessionID string) error
}

const (
	defaultMaxUploadMB = 10
	// downloaded packets stay around briefly for retries
	downloadGrace = 10 * time.Minute
	pdfMagic      = "%PDF-"
	busyMessage   = "server is busy, please retry"
)

// Handler wires HTTP routes to the session store, the relay hub and the generation workers.
type Handler struct {
	sessions       SessionStore
	hub            *relay.Hub
	workers        WorkerManager
	maxUploadBytes int64
}

// NewHandler constructs a Handler instance.
func NewHandler(sessions SessionStore, hub *relay.Hub, workers WorkerManager, maxUploadMB int) *Handler {
	if maxUploadMB <= 0 {
		maxUploadMB = defaultMaxUploadMB
	}
	return &Handler{
		sessions:       sessions,
		hub:            hub,
		workers:        workers,
		maxUploadBytes: int64(maxUploadMB) << 20,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/generate", h.generate)
	api.GET("/events/:session_id", h.streamEvents)
	api.GET("/sessions/:session_id", h.getSession)
	api.GET("/download/:session_id/:filename", h.download)
	api.GET("/health", h.health)

	router.GET("/download/:session_id/:filename", h.download)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/", serveIndex)
	router.HEAD("/", serveIndex)
	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		serveIndex(c)
	})
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"pending": h.workers.Pending(),
	})
}

type upload struct {
	label string
	file  *multipart.FileHeader
}

func (h *Handler) generate(c *gin.Context) {
	// three exhibits plus form overhead
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, int64(len(models.ExhibitLabels))*h.maxUploadBytes+1<<20)
	if err := c.Request.ParseMultipartForm(h.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}

	uploads := make([]upload, 0, len(models.ExhibitLabels))
	for _, label := range models.ExhibitLabels {
		file, err := c.FormFile(label)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s is required", label)})
			return
		}
		if file.Size > h.maxUploadBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("%s is too large", label)})
			return
		}
		if err := sniffPDF(file); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: %v", label, err)})
			return
		}
		uploads = append(uploads, upload{label: label, file: file})
	}

	ctx := c.Request.Context()
	sess, err := h.sessions.Create(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create session failed"})
		return
	}
	dir := h.sessions.SessionDir(sess.ID)
	exhibits := make([]*models.Exhibit, 0, len(uploads))
	for _, up := range uploads {
		dest := filepath.Join(dir, up.label+".pdf")
		if err := c.SaveUploadedFile(up.file, dest); err != nil {
			h.discard(ctx, sess.ID)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "save file failed"})
			return
		}
		ex, err := h.sessions.AddExhibit(ctx, &models.Exhibit{
			SessionID:  sess.ID,
			Label:      up.label,
			FileName:   filepath.Base(up.file.Filename),
			StoredPath: dest,
			Size:       up.file.Size,
		})
		if err != nil {
			h.discard(ctx, sess.ID)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "record exhibit failed"})
			return
		}
		exhibits = append(exhibits, ex)
	}

	h.hub.Open(sess.ID)
	err = h.workers.Submit(worker.GenerateRequest{
		SessionID: sess.ID,
		ClientKey: c.ClientIP(),
		Provider:  strings.TrimSpace(c.PostForm("provider")),
		Model:     strings.TrimSpace(c.PostForm("model")),
		Exhibits:  exhibits,
	})
	if err != nil {
		msg := err.Error()
		status := http.StatusInternalServerError
		if errors.Is(err, worker.ErrDispatcherBusy) {
			msg, status = busyMessage, http.StatusTooManyRequests
		}
		if _, ferr := h.hub.Fail(sess.ID, msg); ferr != nil {
			log.Printf("[api] fail session %s: %v", sess.ID, ferr)
		}
		if serr := h.sessions.SetStatus(ctx, sess.ID, models.StatusError, msg); serr != nil {
			log.Printf("[api] mark session %s failed: %v", sess.ID, serr)
		}
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"session_id": sess.ID})
}

// discard drops a session whose intake failed before any worker saw it.
func (h *Handler) discard(ctx context.Context, sessionID string) {
	if err := h.sessions.Delete(ctx, sessionID); err != nil {
		log.Printf("[api] discard session %s: %v", sessionID, err)
	}
}

// sniffPDF checks the upload starts with the PDF magic bytes.
func sniffPDF(file *multipart.FileHeader) error {
	f, err := file.Open()
	if err != nil {
		return errors.New("open file failed")
	}
	defer f.Close()
	head := make([]byte, len(pdfMagic))
	if _, err := io.ReadFull(f, head); err != nil || !bytes.Equal(head, []byte(pdfMagic)) {
		return errors.New("file must be a PDF")
	}
	return nil
}

func (h *Handler) getSession(c *gin.Context) {
	id := c.Param("session_id")
	sess, err := h.sessions.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if live, ok := h.hub.Snapshot(id); ok {
		sess.Thinking = live.Thinking
		sess.Searches = live.Searches
		sess.Links = live.Links
		if !sess.Status.Finished() && live.Status != "" {
			sess.Status = live.Status
		}
		if sess.Error == "" {
			sess.Error = live.Error
		}
	}
	if sess.Links == nil && sess.Status == models.StatusDone {
		sess.Links = linksFromOutputs(id, sess.Outputs)
	}
	c.JSON(http.StatusOK, sess)
}

func (h *Handler) download(c *gin.Context) {
	id := c.Param("session_id")
	name := c.Param("filename")
	if name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid file name"})
		return
	}
	out, err := h.sessions.Output(c.Request.Context(), id, name)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("File not found: %s", name)})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Header("Content-Type", contentTypeFor(out.FileName))
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("Access-Control-Expose-Headers", "Content-Disposition")
	c.FileAttachment(out.StoredPath, out.FileName)

	if out.Kind == models.OutputPacket {
		if err := h.sessions.ShortenExpiry(c.Request.Context(), id, downloadGrace); err != nil {
			log.Printf("[api] shorten expiry of session %s: %v", id, err)
		}
	}
}

func contentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return "application/pdf"
	case ".zip":
		return "application/zip"
	default:
		return "application/octet-stream"
	}
}

// linksFromOutputs rebuilds the done payload from persisted outputs.
func linksFromOutputs(sessionID string, outputs []*models.OutputFile) *models.DoneLinks {
	links := &models.DoneLinks{SessionID: sessionID}
	for _, out := range outputs {
		if out.Kind == models.OutputPacket {
			links.ZipURL = document.DownloadURL(sessionID, out.FileName)
			continue
		}
		links.Files = append(links.Files, models.Link{
			Kind: out.Kind,
			Name: out.FileName,
			URL:  document.DownloadURL(sessionID, out.FileName),
		})
	}
	return links
}
