package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/example/irisdx/internal/auth"
	"github.com/example/irisdx/internal/imaging"
	"github.com/example/irisdx/internal/inference"
	"github.com/example/irisdx/internal/repository"
	"github.com/example/irisdx/internal/usecase"
)

// MaxUploadSize bounds the uploaded image.
const MaxUploadSize = 10 << 20

// multipartOverhead leaves room for the form encoding around the image.
const multipartOverhead = 1 << 20

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
}

// Service is what the routes need from the diagnosis use case.
type Service interface {
	Diagnose(ctx context.Context, userID, fileName string, image []byte) (*usecase.Diagnosis, error)
	GetDiagnosis(ctx context.Context, userID, requestID string) (*usecase.Diagnosis, error)
	ListDiagnoses(ctx context.Context, userID string, limit, offset int) ([]*usecase.Diagnosis, error)
	GetSummary(ctx context.Context, userID string) (*usecase.Summary, error)
}

// ModelStatus reports whether a model is available.
type ModelStatus interface {
	Ready() bool
	ModelPath() string
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc Service, models ModelStatus, authMiddleware gin.HandlerFunc) {
	api := router.Group("/api")

	api.GET("/health", func(c *gin.Context) {
		status := http.StatusOK
		body := gin.H{"status": "ok", "model_loaded": false}
		if models != nil && models.Ready() {
			body["model_loaded"] = true
			body["model_path"] = models.ModelPath()
		} else {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
		c.JSON(status, body)
	})

	protected := api.Group("", authMiddleware)

	protected.POST("/iris/upload", func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)

		file, err := c.FormFile("image")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds 10MB"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
			return
		}
		if file.Size > MaxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds 10MB"})
			return
		}
		if !allowedImageTypes[file.Header.Get("Content-Type")] {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "only JPEG and PNG images are accepted"})
			return
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
			return
		}
		defer src.Close()

		data, err := io.ReadAll(src)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
			return
		}
		if !allowedImageTypes[http.DetectContentType(data)] {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "only JPEG and PNG images are accepted"})
			return
		}

		userID, _ := auth.GetUserID(c.Request.Context())
		d, err := svc.Diagnose(c.Request.Context(), userID, file.Filename, data)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, d)
	})

	protected.GET("/analises", func(c *gin.Context) {
		limit, err := queryInt(c, "limit", defaultPageSize)
		if err != nil || limit < 1 || limit > maxPageSize {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 100"})
			return
		}
		offset, err := queryInt(c, "offset", 0)
		if err != nil || offset < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be a non-negative integer"})
			return
		}

		userID, _ := auth.GetUserID(c.Request.Context())
		items, err := svc.ListDiagnoses(c.Request.Context(), userID, limit, offset)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": items, "limit": limit, "offset": offset})
	})

	protected.GET("/analises/summary", func(c *gin.Context) {
		userID, _ := auth.GetUserID(c.Request.Context())
		summary, err := svc.GetSummary(c.Request.Context(), userID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	})

	protected.GET("/analises/:id", func(c *gin.Context) {
		userID, _ := auth.GetUserID(c.Request.Context())
		d, err := svc.GetDiagnosis(c.Request.Context(), userID, c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, d)
	})
}

func queryInt(c *gin.Context, key string, fallback int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "diagnosis not found"})
	case errors.Is(err, inference.ErrNotReady):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "model not loaded"})
	case errors.Is(err, imaging.ErrDecode):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "image could not be decoded"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
