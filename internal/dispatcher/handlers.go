package dispatcher

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fraudwatch/internal/alertcache"
	"github.com/mbd888/fraudwatch/internal/fraud"
	"github.com/mbd888/fraudwatch/internal/stats"
	"github.com/mbd888/fraudwatch/internal/validation"
)

// HeaderRequester identifies the caller an alert is published to.
const HeaderRequester = "X-Client-ID"

// StatsReader serves the read-side statistics endpoints.
type StatsReader interface {
	Snapshot(window time.Duration) fraud.StatsSummary
	Page(cursor string, limit int) ([]*fraud.FraudAlert, string, error)
	Hourly(ctx context.Context, from, to time.Time) ([]stats.Bucket, error)
}

// Handler provides HTTP endpoints for transaction analysis and alerts.
type Handler struct {
	dispatcher *Dispatcher
	stats      StatsReader
	now        func() time.Time
}

// NewHandler creates a new dispatcher handler.
func NewHandler(d *Dispatcher, s StatsReader) *Handler {
	return &Handler{dispatcher: d, stats: s, now: time.Now}
}

// RegisterRoutes sets up the analysis and read routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions/analyze", h.Analyze)
	r.POST("/transactions/enqueue", h.Enqueue)
	r.GET("/alerts", h.ListAlerts)
	r.GET("/alerts/:transactionId", validation.IDParamMiddleware("transactionId"), h.GetAlert)
	r.GET("/stats", h.GetStats)
	r.GET("/stats/hourly", h.GetHourlyStats)
}

// Analyze handles POST /v1/transactions/analyze
func (h *Handler) Analyze(c *gin.Context) {
	tx, ok := bindTransaction(c)
	if !ok {
		return
	}

	alert, err := h.dispatcher.AnalyzeFrom(c.Request.Context(), requester(c), tx)
	if err != nil {
		writeAnalysisError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"alert": alert})
}

// Enqueue handles POST /v1/transactions/enqueue
func (h *Handler) Enqueue(c *gin.Context) {
	tx, ok := bindTransaction(c)
	if !ok {
		return
	}

	if err := h.dispatcher.Enqueue(tx, requester(c)); err != nil {
		writeAnalysisError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":        "queued",
		"transactionId": tx.ID,
	})
}

// GetAlert handles GET /v1/alerts/:transactionId
func (h *Handler) GetAlert(c *gin.Context) {
	alert, err := h.dispatcher.Lookup(c.Request.Context(), c.Param("transactionId"))
	if err != nil {
		if errors.Is(err, alertcache.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Alert not found"})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "cache_unavailable", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"alert": alert})
}

// ListAlerts handles GET /v1/alerts
func (h *Handler) ListAlerts(c *gin.Context) {
	limit := parseLimit(c, 50, 1000)
	alerts, next, err := h.stats.Page(c.Query("cursor"), limit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is malformed or no longer in the alert history",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"alerts":     alerts,
		"count":      len(alerts),
		"nextCursor": next,
		"hasMore":    next != "",
	})
}

// GetStats handles GET /v1/stats
func (h *Handler) GetStats(c *gin.Context) {
	window := h.dispatcher.StatsWindow()
	if raw := c.Query("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "window must be a non-negative duration such as 15m",
			})
			return
		}
		window = d
	}

	c.JSON(http.StatusOK, gin.H{"stats": h.stats.Snapshot(window)})
}

// GetHourlyStats handles GET /v1/stats/hourly
func (h *Handler) GetHourlyStats(c *gin.Context) {
	hours := 24
	if raw := c.Query("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > stats.MaxHourlyRange {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "hours must be between 1 and " + strconv.Itoa(stats.MaxHourlyRange),
			})
			return
		}
		hours = n
	}

	to := h.now().UTC()
	from := to.Add(-time.Duration(hours-1) * time.Hour)
	buckets, err := h.stats.Hourly(c.Request.Context(), from, to)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stats_unavailable", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"buckets": buckets, "count": len(buckets)})
}

// bindTransaction decodes the body and checks identifier formats. Semantic
// checks (positive amount, currency) are left to the pipeline.
func bindTransaction(c *gin.Context) (*fraud.TransactionEvent, bool) {
	var tx fraud.TransactionEvent
	if err := c.ShouldBindJSON(&tx); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return nil, false
	}

	if errs := validation.Validate(
		validation.ValidID("transactionId", tx.ID),
		validation.ValidID("userId", tx.UserID),
		validation.ValidID("merchantId", tx.MerchantID),
		validation.ValidIP("sourceIp", tx.SourceIP),
		validation.MaxLength("deviceFingerprint", tx.DeviceFingerprint, validation.MaxFingerprintLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": errs.Error(),
			"details": errs,
		})
		return nil, false
	}
	return &tx, true
}

func writeAnalysisError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, fraud.ErrInvalidInput):
		status = http.StatusBadRequest
		code = "invalid_request"
	case errors.Is(err, ErrQueueFull):
		status = http.StatusTooManyRequests
		code = "queue_full"
	case errors.Is(err, ErrStopped),
		errors.Is(err, fraud.ErrDependencyUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
		code = "scoring_unavailable"
	case errors.Is(err, context.Canceled):
		// Client went away; the analysis continues in the background.
		status = 499
		code = "client_closed"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

func requester(c *gin.Context) string {
	if id := c.GetHeader(HeaderRequester); id != "" {
		return id
	}
	return DefaultRequester
}

func parseLimit(c *gin.Context, def, maxLimit int) int {
	limit := def
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit
}
