package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"mediarelay/internal/event"
	"mediarelay/internal/platform"
	"mediarelay/internal/queue"
	"mediarelay/internal/session"
	"mediarelay/internal/staging"
	"mediarelay/internal/transfer"
)

type submitItem struct {
	Message int64  `json:"message"`
	Size    int64  `json:"size,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

type submitRequest struct {
	Owner      int64        `json:"owner"`
	SourceChat string       `json:"source_chat"`
	TargetChat string       `json:"target_chat"`
	Items      []submitItem `json:"items"`
}

type submitResponse struct {
	JobID string      `json:"job_id"`
	State queue.State `json:"state"`
}

type jobResponse struct {
	ID         string            `json:"id"`
	Owner      int64             `json:"owner"`
	Tier       string            `json:"tier,omitempty"`
	State      queue.State       `json:"state"`
	CreatedAt  string            `json:"created_at"`
	StartedAt  string            `json:"started_at,omitempty"`
	FinishedAt string            `json:"finished_at,omitempty"`
	Items      []queue.MediaItem `json:"items"`
	Summary    transfer.Summary  `json:"summary"`
	Error      string            `json:"error,omitempty"`
}

type eventsResponse struct {
	Events  []event.Event `json:"events"`
	LastSeq uint64        `json:"last_seq"`
}

type statsResponse struct {
	Pool        session.Stats `json:"pool"`
	Jobs        queue.Stats   `json:"jobs"`
	StagedFiles int           `json:"staged_files"`
}

type API struct {
	jobs   *queue.Manager
	pool   *session.Pool
	bus    *event.Bus
	ledger *staging.Ledger
}

func NewAPI(jobs *queue.Manager, pool *session.Pool, bus *event.Bus, ledger *staging.Ledger) *API {
	return &API{jobs: jobs, pool: pool, bus: bus, ledger: ledger}
}

// RegisterRoutes registers API routes on the provided gin engine
func (a *API) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.POST("/transfers", a.SubmitTransfer)
		api.GET("/transfers/:id", a.GetTransfer)
		api.DELETE("/transfers/:id", a.CancelTransfer)
		api.GET("/events", a.ListEvents)
		api.GET("/events/stream", a.StreamEvents)
		api.GET("/stats", a.GetStats)
	}
}

// SubmitTransfer admits a media group for asynchronous processing
func (a *API) SubmitTransfer(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Err(err).Msg("invalid transfer request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if req.Owner == 0 || req.SourceChat == "" || req.TargetChat == "" || len(req.Items) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "owner, source_chat, target_chat and items are required"})
		return
	}
	items := make([]queue.MediaItem, len(req.Items))
	for i, it := range req.Items {
		if it.Message == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "every item needs a message id"})
			return
		}
		items[i] = queue.MediaItem{
			Ref:    platform.Ref{Chat: req.SourceChat, Message: it.Message},
			Target: platform.Target{Chat: req.TargetChat},
			Size:   it.Size,
			Hint:   it.Hint,
		}
	}

	job, err := a.jobs.Submit(req.Owner, items)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrQueueFull), errors.Is(err, queue.ErrClosed):
			log.Warn().Int64("owner", req.Owner).Err(err).Msg("rejecting transfer")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusAccepted, submitResponse{JobID: job.ID, State: job.State})
}

// GetTransfer returns a job snapshot with the per-item breakdown
func (a *API) GetTransfer(c *gin.Context) {
	id := c.Param("id")
	job, err := a.jobs.Get(id)
	if err != nil {
		log.Warn().Str("job_id", id).Msg("job not found on get")
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, toJobResponse(job))
}

// CancelTransfer cancels a queued or running job
func (a *API) CancelTransfer(c *gin.Context) {
	id := c.Param("id")
	switch err := a.jobs.Cancel(id); {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"job_id": id})
	case errors.Is(err, queue.ErrJobNotFound):
		log.Warn().Str("job_id", id).Msg("job not found on cancel")
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.Is(err, queue.ErrJobFinished):
		c.JSON(http.StatusConflict, gin.H{"error": "job already finished"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// ListEvents returns job status events newer than the `after` cursor
func (a *API) ListEvents(c *gin.Context) {
	after, ok := afterCursor(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, eventsResponse{Events: a.bus.Since(after), LastSeq: a.bus.LastSeq()})
}

// StreamEvents pushes status events as server-sent events, replaying history
// past the `after` cursor before following live publishes. The stream ends
// when the client disconnects or the bus shuts down.
func (a *API) StreamEvents(c *gin.Context) {
	after, ok := afterCursor(c)
	if !ok {
		return
	}
	events := a.bus.Subscribe(c.Request.Context(), after)
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Stream(func(w io.Writer) bool {
		ev, open := <-events
		if !open {
			return false
		}
		c.SSEvent("status", ev)
		return true
	})
}

func afterCursor(c *gin.Context) (uint64, bool) {
	raw := c.Query("after")
	if raw == "" {
		return 0, true
	}
	parsed, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid after cursor"})
		return 0, false
	}
	return parsed, true
}

// GetStats reports pool, queue and staging occupancy
func (a *API) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, statsResponse{
		Pool:        a.pool.Stats(),
		Jobs:        a.jobs.Stats(),
		StagedFiles: a.ledger.Len(),
	})
}

func toJobResponse(job queue.Job) jobResponse {
	resp := jobResponse{
		ID:        job.ID,
		Owner:     job.Owner,
		Tier:      job.Tier.String(),
		State:     job.State,
		CreatedAt: job.CreatedAt.UTC().Format(time.RFC3339),
		Items:     job.Items,
		Summary:   job.Summary,
		Error:     job.Error,
	}
	if !job.StartedAt.IsZero() {
		resp.StartedAt = job.StartedAt.UTC().Format(time.RFC3339)
	}
	if !job.FinishedAt.IsZero() {
		resp.FinishedAt = job.FinishedAt.UTC().Format(time.RFC3339)
	}
	return resp
}
