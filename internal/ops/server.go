// Package ops serves the worker's operational HTTP endpoints: a
// dependency health check and a status snapshot for debugging drains
// and scale-in protection.
package ops

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"soundbite.media/clipsmith/internal/pipeline"
	"soundbite.media/clipsmith/internal/protection"
	"soundbite.media/clipsmith/internal/queue"
)

// checkTimeout caps the combined dependency probes behind /healthz so a
// wedged dependency cannot hold the health check past the LB's own
// timeout.
const checkTimeout = 5 * time.Second

// Pinger reports whether the database is reachable. *pgxpool.Pool
// satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueAPI is the slice of the SQS client the health check uses.
type QueueAPI interface {
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Sources supplies the live snapshots reported by GET /status. Nil
// funcs are skipped, so a partially wired worker still serves status.
type Sources struct {
	Protection    func() protection.Status
	Stats         func() pipeline.StatsSnapshot
	ConsumerState func() queue.State
}

type Server struct {
	*echo.Echo
	db       Pinger
	sqs      QueueAPI
	queueURL string
	sources  Sources
	started  time.Time
}

func NewServer(db Pinger, sqsClient QueueAPI, queueURL string, sources Sources) *Server {
	s := &Server{
		Echo:     echo.New(),
		db:       db,
		sqs:      sqsClient,
		queueURL: queueURL,
		sources:  sources,
		started:  time.Now().UTC(),
	}
	s.setupMiddleware()
	s.GET("/healthz", s.handleHealthz)
	s.GET("/status", s.handleStatus)
	return s
}

func (s *Server) setupMiddleware() {
	s.HideBanner = true
	s.HidePort = true
	s.Use(middleware.Recover())
	s.Use(middleware.RequestID())
	s.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			// Health probes would otherwise dominate the log.
			return c.Path() == "/healthz"
		},
		LogURI:       true,
		LogMethod:    true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  false,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"request_id", v.RequestID,
			}
			if v.Error != nil {
				fields = append(fields, "error", v.Error)
			}
			slog.Info("ops request", fields...)
			return nil
		},
	}))
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (s *Server) handleHealthz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), checkTimeout)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: map[string]string{}}
	code := http.StatusOK

	if err := s.db.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Checks["database"] = err.Error()
		code = http.StatusServiceUnavailable
	} else {
		resp.Checks["database"] = "ok"
	}

	if _, err := s.sqs.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(s.queueURL),
	}); err != nil {
		resp.Status = "degraded"
		resp.Checks["queue"] = err.Error()
		code = http.StatusServiceUnavailable
	} else {
		resp.Checks["queue"] = "ok"
	}

	return c.JSON(code, resp)
}

type statusResponse struct {
	StartedAt     time.Time              `json:"started_at"`
	Started       string                 `json:"started"`
	UptimeSeconds int64                  `json:"uptime_seconds"`
	ConsumerState queue.State            `json:"consumer_state"`
	QueueURL      string                 `json:"queue_url"`
	Stats         pipeline.StatsSnapshot `json:"stats"`
	Protection    protection.Status      `json:"protection"`
}

func (s *Server) handleStatus(c echo.Context) error {
	resp := statusResponse{
		StartedAt:     s.started,
		Started:       humanize.Time(s.started),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		QueueURL:      s.queueURL,
	}
	if s.sources.ConsumerState != nil {
		resp.ConsumerState = s.sources.ConsumerState()
	}
	if s.sources.Stats != nil {
		resp.Stats = s.sources.Stats()
	}
	if s.sources.Protection != nil {
		resp.Protection = s.sources.Protection()
	}
	return c.JSON(http.StatusOK, resp)
}
