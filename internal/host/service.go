// Package host runs the link on the receiving side: poll the transport,
// dispatch what arrives and expose status.
package host

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/hostlink/internal/config"
	"github.com/danmuck/hostlink/internal/dispatch"
	"github.com/danmuck/hostlink/internal/link"
	"github.com/danmuck/hostlink/internal/status"
	"github.com/danmuck/hostlink/internal/tap"
	"github.com/danmuck/hostlink/internal/transport"
	"github.com/rs/zerolog/log"
)

const statsInterval = 30 * time.Second

type Service struct {
	cfg     config.Config
	opts    []link.Option
	display dispatch.DisplayInitializer

	link       transport.Transport
	dispatcher *dispatch.Dispatcher
	status     *status.Server
	tap        *tap.Tap

	mu       sync.RWMutex
	snapshot transport.Stats
}

type Option func(*Service)

func WithLinkOptions(opts ...link.Option) Option {
	return func(s *Service) {
		s.opts = append(s.opts, opts...)
	}
}

func WithDisplay(d dispatch.DisplayInitializer) Option {
	return func(s *Service) {
		s.display = d
	}
}

// WithTransport skips link.Open and runs over t, which must be initialized.
func WithTransport(t transport.Transport) Option {
	return func(s *Service) {
		s.link = t
	}
}

func NewService(cfg config.Config, opts ...Option) *Service {
	s := &Service{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

func (s *Service) RunContext(ctx context.Context) error {
	if err := s.bootstrap(); err != nil {
		return err
	}
	return s.serve(ctx)
}

func (s *Service) bootstrap() error {
	if s.link == nil {
		t, err := link.Open(s.cfg, s.opts...)
		if err != nil {
			return err
		}
		s.link = t
	}
	s.dispatcher = dispatch.NewDefault(s.link, s.display)
	s.publishStats()

	if s.cfg.Tap.Enabled() {
		tp, err := tap.Connect(s.cfg.Tap.URL, s.cfg.Tap.SubjectPrefix, s.cfg.Host.Name)
		if err != nil {
			s.link.Cleanup()
			return fmt.Errorf("host: %w", err)
		}
		s.tap = tp
	}
	if s.cfg.Host.StatusAddr != "" {
		s.status = status.New(s.cfg.Host.Name, s.cfg.Host.StatusAddr, s.cfg.Host.CorsOrigins, status.StatsFunc(s.Stats))
		s.status.Start()
	}
	log.Info().
		Str("service", s.cfg.Host.Name).
		Str("transport", string(s.link.Kind())).
		Dur("poll_interval", s.cfg.Host.PollInterval).
		Msg("host link up")
	return nil
}

func (s *Service) serve(ctx context.Context) error {
	poll := time.NewTicker(s.cfg.Host.PollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(statsInterval)
	defer heartbeat.Stop()
	defer s.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-poll.C:
			s.Poll()
		case <-heartbeat.C:
			st := s.Stats()
			log.Info().
				Str("transport", string(st.Transport)).
				Bool("connected", st.Connected).
				Uint64("frames", st.Frames).
				Uint64("messages", st.Messages).
				Uint64("dropped", st.QueueDropped).
				Int("active_lanes", st.ActiveLanes).
				Msg("link heartbeat")
		}
	}
}

// Poll runs one process/drain/dispatch round and reports messages handled.
func (s *Service) Poll() int {
	if _, err := s.link.Process(); err != nil {
		log.Warn().Err(err).Msg("link process failed")
	}
	handled := 0
	for {
		msg, ok := s.link.ReceiveMessage()
		if !ok {
			break
		}
		handled++
		_ = s.dispatcher.Dispatch(msg)
		if s.tap != nil {
			if err := s.tap.Publish(s.link.Kind(), msg); err != nil {
				log.Debug().Err(err).Msg("tap publish failed")
			}
		}
	}
	s.publishStats()
	return handled
}

func (s *Service) publishStats() {
	st := s.link.Stats()
	s.mu.Lock()
	s.snapshot = st
	s.mu.Unlock()
}

// Stats returns the counters as of the last poll. Safe from any goroutine.
func (s *Service) Stats() transport.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

func (s *Service) shutdown() {
	if s.status != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.status.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("status server shutdown")
		}
		cancel()
	}
	if s.tap != nil {
		if err := s.tap.Close(); err != nil {
			log.Warn().Err(err).Msg("tap drain")
		}
	}
	s.link.Cleanup()
	s.publishStats()
	log.Info().Str("service", s.cfg.Host.Name).Msg("host link down")
}
