package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/anime-shed/ocr-enhance-tuner/internal/analyzer"
	"github.com/anime-shed/ocr-enhance-tuner/internal/config"
	apperrors "github.com/anime-shed/ocr-enhance-tuner/internal/errors"
	"github.com/anime-shed/ocr-enhance-tuner/internal/logger"
	"github.com/anime-shed/ocr-enhance-tuner/internal/selector"
	"github.com/anime-shed/ocr-enhance-tuner/pkg/models"
	"github.com/anime-shed/ocr-enhance-tuner/pkg/validation"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// SelectResponse is the outcome of POST /select
type SelectResponse struct {
	selector.Selection
	Metrics models.QualityMetrics `json:"metrics"`
}

func NewHandler(sel *selector.Selector, qa analyzer.QualityAnalyzer, cfg *config.Config) http.Handler {
	r := gin.New()

	// Add middleware
	r.Use(
		gin.Recovery(),
		requestLogger(),
		requestSizeLimiter(cfg.MaxRequestBodySize),
		errorHandler(),
	)

	// Configure routes
	r.GET("/health", healthCheck)
	r.GET("/catalog", listCatalog(sel))
	r.POST("/select", selectFilter(sel, qa, cfg))

	return r
}

func listCatalog(sel *selector.Selector) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, sel.Entries())
	}
}

// selectFilter accepts either JSON quality metrics or a multipart page
// under the "image" field
func selectFilter(sel *selector.Selector, qa analyzer.QualityAnalyzer, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.RequestTimeout)
		defer cancel()

		var (
			metrics models.QualityMetrics
			err     error
			source  string
		)
		if strings.HasPrefix(c.ContentType(), "multipart/") {
			source = "image"
			metrics, err = analyzeUpload(ctx, c, qa)
		} else {
			source = "metrics"
			metrics, err = bindMetrics(c)
		}
		if err != nil {
			respondError(c, determineStatusCode(err), "cannot select a filter", err)
			return
		}

		result := sel.Select(ctx, metrics)

		logger.WithFields(logrus.Fields{
			"source":             source,
			"entry":              result.Entry.Name,
			"fallback":           result.Fallback,
			"processing_time_ms": time.Since(startTime).Milliseconds(),
		}).Info("Filter selected")

		c.JSON(http.StatusOK, SelectResponse{Selection: result, Metrics: metrics})
	}
}

func bindMetrics(c *gin.Context) (models.QualityMetrics, error) {
	var m models.QualityMetrics
	if err := c.ShouldBindJSON(&m); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return m, err
		}
		return m, apperrors.NewValidationError("invalid request format", err)
	}
	if issues := validation.ValidateQualityMetrics(m); validation.HasCriticalIssues(issues) {
		return m, apperrors.NewValidationError("quality metrics out of range", nil).
			WithDetails(strings.Join(validation.ConvertIssuesToMessages(issues, validation.SeverityError), "; "))
	}
	return m, nil
}

func analyzeUpload(ctx context.Context, c *gin.Context, qa analyzer.QualityAnalyzer) (models.QualityMetrics, error) {
	fh, err := c.FormFile("image")
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return models.QualityMetrics{}, err
		}
		return models.QualityMetrics{}, apperrors.NewValidationError("multipart request needs an image field", err)
	}
	f, err := fh.Open()
	if err != nil {
		return models.QualityMetrics{}, apperrors.NewInvalidImageInputError("cannot open upload", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return models.QualityMetrics{}, apperrors.NewInvalidImageInputError("cannot read upload", err)
	}

	type outcome struct {
		m   models.QualityMetrics
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		m, err := qa.AnalyzeBytes(data)
		done <- outcome{m, err}
	}()
	select {
	case <-ctx.Done():
		return models.QualityMetrics{}, apperrors.NewTimeoutError("image analysis timed out", ctx.Err())
	case o := <-done:
		if o.err != nil {
			var appErr *apperrors.AppError
			if !errors.As(o.err, &appErr) {
				o.err = apperrors.NewInvalidImageInputError("cannot analyze image", o.err)
			}
			return models.QualityMetrics{}, o.err
		}
		return o.m, nil
	}
}

func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "available",
		"version": "1.0.0",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// Middleware and helper functions
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status_code": c.Writer.Status(),
			"ip":          c.ClientIP(),
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("Request handled")
	}
}

func requestSizeLimiter(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

func errorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 && !c.Writer.Written() {
			err := c.Errors.Last()
			respondError(c, determineStatusCode(err.Err), "request processing failed", err.Err)
		}
	}
}

func determineStatusCode(err error) int {
	// Check if it's a custom app error first
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytesErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, code int, message string, err error) {
	// Log the error with context
	logger.WithError(err).WithFields(logrus.Fields{
		"status_code": code,
		"message":     message,
		"path":        c.Request.URL.Path,
		"method":      c.Request.Method,
		"ip":          c.ClientIP(),
	}).Error("Request failed")

	c.AbortWithStatusJSON(code, ErrorResponse{
		Error:   http.StatusText(code),
		Message: fmt.Sprintf("%s: %v", message, err),
	})
}
