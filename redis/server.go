package redis

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/vitaltrack/healthsync/redis/config"
)

// Server wraps asynq server functionality. Worker pool size governs how many
// device syncs run concurrently; per-device serialization is enforced one
// level down by the orchestrator's lock.
type Server struct {
	server *asynq.Server
	cfg    *config.RedisConfig
	mu     sync.RWMutex
}

// NewServer creates a new queue server with the provided configuration.
func NewServer(cfg *config.RedisConfig) (*Server, error) {
	redisOpt := asynq.RedisClientOpt{
		Addr:         cfg.GetRedisAddr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     10,
	}

	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Workers,
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				if n >= cfg.MaxRetries {
					log.Printf("Task %s exhausted retries: %v", task.Type(), err)
					return -1 * time.Second
				}

				delay := time.Duration(1<<uint(n)) * time.Second
				if delay > cfg.RetryInterval {
					delay = cfg.RetryInterval
				}

				log.Printf("Task %s failed, retry %d scheduled in %v: %v", task.Type(), n, delay, err)

				return delay
			},
			Queues:         cfg.QueuePriorities,
			StrictPriority: true,
		},
	)

	return &Server{server: srv, cfg: cfg}, nil
}

// Start starts the server with the provided handler mux.
func (s *Server) Start(ctx context.Context, mux *asynq.ServeMux) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.server.Start(mux); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.server.Shutdown()
	}()

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.server.Shutdown()

	return nil
}
