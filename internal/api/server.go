// Package api is the HTTP surface of the service: liveness, the job list the
// dashboard starts from, and account management.
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"

	"job-leaderboard/internal/auth"
	"job-leaderboard/internal/config"
	"job-leaderboard/internal/health"
	"job-leaderboard/internal/models"
	"job-leaderboard/internal/users"
)

const Banner = "Job Leaderboard Backend is running!"

type JobLister interface {
	List(ctx context.Context) ([]models.Job, error)
}

type HealthChecker interface {
	Check(ctx context.Context) health.Report
}

type UserService interface {
	Register(ctx context.Context, reg users.Registration) (users.User, error)
	Authenticate(ctx context.Context, login, password string) (users.User, error)
	Get(ctx context.Context, id int64) (users.User, error)
	List(ctx context.Context) ([]users.User, error)
	Update(ctx context.Context, id int64, changes users.Changes) (users.User, error)
	Delete(ctx context.Context, id int64) error
}

type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

type TokenIssuer interface {
	TokenVerifier
	Issue(u users.User) (string, error)
}

// Deps are the collaborators the handlers call.
type Deps struct {
	Jobs   JobLister
	Health HealthChecker
	Users  UserService
	Tokens TokenIssuer
}

// Server owns the fiber app.
type Server struct {
	app    *fiber.App
	deps   Deps
	cfg    config.HTTPConfig
	cookie time.Duration
	logger *logrus.Logger
}

func NewServer(deps Deps, httpCfg config.HTTPConfig, authCfg config.AuthConfig, logger *logrus.Logger) *Server {
	s := &Server{
		deps:   deps,
		cfg:    httpCfg,
		cookie: authCfg.CookieMaxAge,
		logger: logger,
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "job-leaderboard",
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
	})
	s.app.Use(requestLogger(logger))
	s.app.Use(recover.New())
	s.app.Use(cors.New(corsConfig(httpCfg.CORSOrigin)))

	s.registerRoutes()
	return s
}

func corsConfig(origin string) cors.Config {
	cfg := cors.Config{
		AllowOrigins:     origin,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowCredentials: true,
	}
	// fiber refuses credentials with a wildcard origin.
	if origin == "" || origin == "*" {
		cfg.AllowOrigins = "*"
		cfg.AllowCredentials = false
	}
	return cfg
}

// Routes are registered GET, POST, PUT, DELETE, with param routes last in
// each group so /profile is not read as an id.
func (s *Server) registerRoutes() {
	s.app.Get("/", s.banner).Name("Banner")
	s.app.Get("/health", s.health).Name("HealthCheck")

	jobs := s.app.Group("/api/jobs")
	jobs.Get("/", s.listJobs).Name("ListJobs")

	authn := authenticate(s.deps.Tokens)
	admins := requireRole(users.RoleAdmin, users.RoleSuperadmin)

	u := s.app.Group("/api/users")
	u.Get("/", authn, admins, s.listUsers).Name("ListUsers")
	u.Get("/profile", authn, s.profile).Name("GetProfile")
	u.Get("/:id", authn, admins, s.getUser).Name("GetUser")
	u.Post("/login", s.login).Name("Login")
	u.Post("/register", s.register).Name("Register")
	u.Put("/:id", authn, admins, s.updateUser).Name("UpdateUser")
	u.Delete("/:id", authn, requireRole(users.RoleSuperadmin), s.deleteUser).Name("DeleteUser")
}

// App exposes the fiber app, mainly for app.Test.
func (s *Server) App() *fiber.App {
	return s.app
}

// Run listens until ctx is cancelled, then shuts down within the configured
// timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", s.cfg.Port)
		s.logger.Infof("Server is running on http://localhost%s", addr)
		errCh <- s.app.Listen(addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	if err := s.app.ShutdownWithTimeout(s.cfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}
	return nil
}
