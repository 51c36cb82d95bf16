package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/brandon/inboxd/internal/store"
	"github.com/brandon/inboxd/pkg/types"
)

// Server is the push ingestion endpoint: an independent producer can hand
// pre-normalized messages to the same idempotent store the mailbox path
// writes to. It never touches the ingestion state.
type Server struct {
	store        *store.Store
	logger       *logrus.Logger
	maxBodyBytes int64
	started      time.Time
	engine       *gin.Engine
}

// NewServer creates the HTTP server and its routes
func NewServer(messageStore *store.Store, logger *logrus.Logger, maxBodyBytes int64) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		store:        messageStore,
		logger:       logger,
		maxBodyBytes: maxBodyBytes,
		started:      time.Now(),
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestID())

	r.POST("/v1/messages", s.handlePush)
	r.GET("/v1/status", s.handleStatus)

	s.engine = r
	return s
}

// Handler returns the underlying HTTP handler (used by tests)
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	s.logger.WithField("addr", addr).Info("Push endpoint listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// requestID tags every request with a correlation id
func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.New().String()
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// pushPayload is the message shape accepted over the network boundary.
// Pointer fields distinguish absent keys from legitimately empty values.
type pushPayload struct {
	ID             *string    `json:"id"`
	ConversationID *string    `json:"conversation_id"`
	ReceivedAt     *time.Time `json:"received_at"`
	DeliveredAt    *time.Time `json:"delivered_at"`
	Sender         *string    `json:"sender"`
	Recipients     *string    `json:"recipients"`
	CC             *string    `json:"cc"`
	Subject        *string    `json:"subject"`
	Tags           []string   `json:"tags"`
	Body           *string    `json:"body"`
}

// validate checks the mandatory fields. Subject, body, and conversation_id
// must be present but may be empty; cc is optional entirely.
func (p *pushPayload) validate() string {
	switch {
	case p.ID == nil || *p.ID == "":
		return "id is required"
	case p.ConversationID == nil:
		return "conversation_id is required"
	case p.ReceivedAt == nil || p.ReceivedAt.IsZero():
		return "received_at is required"
	case p.DeliveredAt == nil || p.DeliveredAt.IsZero():
		return "delivered_at is required"
	case p.Sender == nil || *p.Sender == "":
		return "sender is required"
	case p.Recipients == nil || *p.Recipients == "":
		return "recipients is required"
	case p.Subject == nil:
		return "subject is required"
	case p.Tags == nil:
		return "tags is required"
	case p.Body == nil:
		return "body is required"
	}
	return ""
}

// handlePush validates the payload and routes it through the idempotent
// insert. Both stored and duplicate are successful outcomes, so producer
// retries are always safe.
func (s *Server) handlePush(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBodyBytes)

	var payload pushPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":  "validation",
				"detail": "payload too large",
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "validation",
			"detail": "invalid JSON payload",
		})
		return
	}

	if reason := payload.validate(); reason != "" {
		resp := gin.H{
			"error":  "validation",
			"detail": reason,
		}
		if payload.ID != nil {
			resp["id"] = *payload.ID
		}
		c.JSON(http.StatusBadRequest, resp)
		return
	}

	msg := &types.Message{
		ID:             *payload.ID,
		ConversationID: *payload.ConversationID,
		ReceivedAt:     *payload.ReceivedAt,
		IngestedAt:     time.Now().UTC(),
		Sender:         *payload.Sender,
		Recipients:     *payload.Recipients,
		CC:             payload.CC,
		Subject:        *payload.Subject,
		Tags:           payload.Tags,
		Body:           *payload.Body,
	}

	result, err := s.store.Insert(c.Request.Context(), msg)
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"id":         msg.ID,
			"request_id": c.GetString("request_id"),
		}).Error("Failed to store pushed message")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "storage",
			"id":    msg.ID,
		})
		return
	}

	if result == store.Duplicate {
		c.JSON(http.StatusOK, gin.H{
			"status": "duplicate",
			"id":     msg.ID,
		})
		return
	}

	s.logger.WithFields(logrus.Fields{
		"id":           msg.ID,
		"delivered_at": payload.DeliveredAt,
		"request_id":   c.GetString("request_id"),
	}).Info("Stored pushed message")
	c.JSON(http.StatusCreated, gin.H{
		"status": "stored",
		"id":     msg.ID,
	})
}

// handleStatus reports store reachability and uptime for liveness checks
func (s *Server) handleStatus(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	uptime := int64(time.Since(s.started).Seconds())
	if err := s.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"store":          "unreachable",
			"uptime_seconds": uptime,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"store":          "ok",
		"uptime_seconds": uptime,
	})
}
