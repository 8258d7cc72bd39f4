package webchat

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Runner is a background loop that stops when its context is done.
type Runner func(ctx context.Context) error

// Server runs the HTTP server next to background loops such as the rate
// limit sweeper and the relay subscriber.
type Server struct {
	httpSrv         *http.Server
	registry        *Registry
	chat            *ChatService
	runners         []Runner
	shutdownTimeout time.Duration
}

func NewServer(httpSrv *http.Server, registry *Registry, chat *ChatService, runners ...Runner) (*Server, error) {
	if httpSrv == nil {
		return nil, errors.New("http server is nil")
	}
	return &Server{
		httpSrv:         httpSrv,
		registry:        registry,
		chat:            chat,
		runners:         runners,
		shutdownTimeout: 30 * time.Second,
	}, nil
}

// Run serves until ctx is done, then shuts the HTTP server down, closes every
// live connection and waits for in-flight generations.
func (s *Server) Run(ctx context.Context) error {
	eg, egCtx := errgroup.WithContext(ctx)

	for _, r := range s.runners {
		eg.Go(func() error { return r(egCtx) })
	}

	eg.Go(func() error {
		<-egCtx.Done()
		log.Info().Msg("shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		if s.registry != nil {
			s.registry.CloseAll()
		}
		if s.chat != nil {
			s.chat.Wait()
		}
		log.Info().Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		log.Info().Str("addr", s.httpSrv.Addr).Msg("starting switchboard server")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server listen error")
			return err
		}
		return nil
	})

	return eg.Wait()
}
