package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/duelo/internal/api"
	"github.com/victornm/duelo/internal/duel"
	"github.com/victornm/duelo/internal/event"
	"github.com/victornm/duelo/internal/matchmaking"
	"github.com/victornm/duelo/internal/question"
	"github.com/victornm/duelo/internal/rating"
	"github.com/victornm/duelo/internal/store"
	"github.com/victornm/duelo/internal/telemetry"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	Auth struct {
		Secret string
	}

	Redis struct {
		Questions struct {
			Addrs  []string
			Pass   string
			Prefix string
		}
	}

	Postgres struct {
		Duel struct {
			Addr string
			User string
			Pass string
			Name string
		}
	}

	Duel struct {
		QuestionCount         int
		StartCountdownSeconds int
		QuestionSeconds       int
		LockWindowSeconds     int
		InterDelaySeconds     int
	}

	Matchmaking struct {
		SweepSeconds   int
		WidenSeconds   int
		TimeoutSeconds int
	}
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis    redis.UniversalClient
		postgres *pgxpool.Pool
	}

	service struct {
		store       *store.Store
		question    *question.Service
		rating      *rating.Service
		duel        *duel.Service
		matchmaking *matchmaking.Service
	}

	mmCancel context.CancelFunc

	http *http.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	s.initService()
	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    s.c.Redis.Questions.Addrs,
		Password: s.c.Redis.Questions.Pass,
	})

	if err := telemetry.MonitorRedis(r); err != nil {
		return err
	}

	if err := r.Ping(ctx).Err(); err != nil {
		return err
	}

	s.infra.redis = r
	return nil
}

func (s *Server) initPostgres() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p := s.c.Postgres.Duel
	cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", p.User, p.Pass, p.Addr, p.Name))
	if err != nil {
		return err
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return err
	}

	if err := db.Ping(ctx); err != nil {
		return err
	}

	s.infra.postgres = db
	return nil
}

func (s *Server) initService() {
	sec := func(n int) time.Duration { return time.Duration(n) * time.Second }

	s.service.store = store.NewStore(store.Config{
		DB: s.infra.postgres,
	})

	s.service.question = question.NewService(question.Config{
		DB:     s.infra.postgres,
		Redis:  s.infra.redis,
		Prefix: s.c.Redis.Questions.Prefix,
	})

	s.service.rating = rating.NewService(rating.Config{
		EventBus: s.eb,
		Store:    s.service.store,
	})

	s.service.duel = duel.NewService(duel.Config{
		Store:         s.service.store,
		Supplier:      s.service.question,
		EventBus:      s.eb,
		QuestionCount: s.c.Duel.QuestionCount,
		Timing: duel.Timing{
			StartCountdown: sec(s.c.Duel.StartCountdownSeconds),
			QuestionTime:   sec(s.c.Duel.QuestionSeconds),
			LockWindow:     sec(s.c.Duel.LockWindowSeconds),
			InterDelay:     sec(s.c.Duel.InterDelaySeconds),
		},
	})

	s.service.matchmaking = matchmaking.NewService(matchmaking.Config{
		Store:         s.service.store,
		EventBus:      s.eb,
		QuestionCount: s.c.Duel.QuestionCount,
		SweepInterval: sec(s.c.Matchmaking.SweepSeconds),
		WidenInterval: sec(s.c.Matchmaking.WidenSeconds),
		QueueTimeout:  sec(s.c.Matchmaking.TimeoutSeconds),
	})
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	e.GET("/healthz", func(gc *gin.Context) {
		gc.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"queues": s.service.matchmaking.QueueDepthByLanguage(),
		})
	})

	a := api.New(api.Config{
		Auth:        api.NewAuthenticator(s.c.Auth.Secret),
		Duel:        s.service.duel,
		Matchmaking: s.service.matchmaking,
		Rating:      s.service.rating,
	})
	a.Register(e)
	a.RegisterHTTP(e)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.mmCancel = cancel

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, "server: matchmaking sweep running")
		s.service.matchmaking.Run(ctx)
		return nil
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.service.matchmaking.Stop()
	if s.mmCancel != nil {
		s.mmCancel()
	}
	s.service.duel.Shutdown()

	s.eb.Stop()

	slog.InfoContext(ctx, "server: shutdown completed")
}
