package api

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"job-leaderboard/internal/models"
	"job-leaderboard/internal/users"
)

func (s *Server) banner(c *fiber.Ctx) error {
	return c.SendString(Banner)
}

func (s *Server) health(c *fiber.Ctx) error {
	report := s.deps.Health.Check(c.UserContext())
	status := fiber.StatusOK
	if !report.Healthy() {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(report)
}

// listJobs returns every job row, newest first, as a bare array.
func (s *Server) listJobs(c *fiber.Ctx) error {
	jobs, err := s.deps.Jobs.List(c.UserContext())
	if err != nil {
		s.logger.Errorf("Error fetching jobs: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": MsgFetchJobsFailed})
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	return c.JSON(jobs)
}

type registerRequest struct {
	Username string     `json:"username"`
	Email    string     `json:"email"`
	Password string     `json:"password"`
	Role     users.Role `json:"role"`
}

func (s *Server) register(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, MsgInvalidBody)
	}
	if errs := validate(
		field{value: req.Username, rules: []rule{required("username"), length("username", 3, 50)}},
		field{value: req.Email, rules: []rule{required("email"), email("email"), length("email", 0, 100)}},
		field{value: req.Password, rules: []rule{required("password"), length("password", 6, 100)}},
	); len(errs) > 0 {
		return invalid(c, errs)
	}

	u, err := s.deps.Users.Register(c.UserContext(), users.Registration{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		Role:     req.Role,
	})
	if err != nil {
		return s.userError(c, "registering user", err)
	}
	return ok(c, fiber.StatusCreated, "User registered successfully", u)
}

type loginRequest struct {
	EmailOrUsername string `json:"emailOrUsername"`
	Password        string `json:"password"`
}

func (s *Server) login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, MsgInvalidBody)
	}
	if errs := validate(
		field{value: req.EmailOrUsername, rules: []rule{required("emailOrUsername")}},
		field{value: req.Password, rules: []rule{required("password")}},
	); len(errs) > 0 {
		return invalid(c, errs)
	}

	u, err := s.deps.Users.Authenticate(c.UserContext(), req.EmailOrUsername, req.Password)
	if err != nil {
		return s.userError(c, "logging in", err)
	}
	token, err := s.deps.Tokens.Issue(u)
	if err != nil {
		s.logger.Errorf("Error issuing token: %v", err)
		return fail(c, fiber.StatusInternalServerError, MsgInternalError)
	}

	c.Cookie(&fiber.Cookie{
		Name:     tokenCookie,
		Value:    token,
		Path:     "/",
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteLaxMode,
		MaxAge:   int(s.cookie / time.Second),
	})
	// The token travels in the cookie only.
	return ok(c, fiber.StatusOK, "Login successful", fiber.Map{"user": u})
}

func (s *Server) profile(c *fiber.Ctx) error {
	u, err := s.deps.Users.Get(c.UserContext(), claimsFrom(c).UserID)
	if err != nil {
		return s.userError(c, "fetching profile", err)
	}
	return ok(c, fiber.StatusOK, "Profile retrieved successfully", u)
}

func (s *Server) listUsers(c *fiber.Ctx) error {
	list, err := s.deps.Users.List(c.UserContext())
	if err != nil {
		return s.userError(c, "fetching users", err)
	}
	if list == nil {
		list = []users.User{}
	}
	return ok(c, fiber.StatusOK, "Users retrieved successfully", list)
}

func (s *Server) getUser(c *fiber.Ctx) error {
	id, err := userID(c)
	if err != nil {
		return fail(c, fiber.StatusBadRequest, MsgInvalidUserID)
	}
	u, err := s.deps.Users.Get(c.UserContext(), id)
	if err != nil {
		return s.userError(c, "fetching user", err)
	}
	return ok(c, fiber.StatusOK, "User retrieved successfully", u)
}

type updateRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) updateUser(c *fiber.Ctx) error {
	id, err := userID(c)
	if err != nil {
		return fail(c, fiber.StatusBadRequest, MsgInvalidUserID)
	}
	var req updateRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, MsgInvalidBody)
	}
	if errs := validate(
		field{value: req.Username, optional: true, rules: []rule{length("username", 3, 50)}},
		field{value: req.Email, optional: true, rules: []rule{email("email"), length("email", 0, 100)}},
		field{value: req.Password, optional: true, rules: []rule{length("password", 6, 100)}},
	); len(errs) > 0 {
		return invalid(c, errs)
	}

	u, err := s.deps.Users.Update(c.UserContext(), id, users.Changes{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		return s.userError(c, "updating user", err)
	}
	return ok(c, fiber.StatusOK, "User updated successfully", u)
}

func (s *Server) deleteUser(c *fiber.Ctx) error {
	id, err := userID(c)
	if err != nil {
		return fail(c, fiber.StatusBadRequest, MsgInvalidUserID)
	}
	if err := s.deps.Users.Delete(c.UserContext(), id); err != nil {
		return s.userError(c, "deleting user", err)
	}
	return ok(c, fiber.StatusOK, "User deleted successfully", nil)
}

func userID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}

// userError maps service errors to responses. Unknown errors are logged and
// reported as 500 without detail.
func (s *Server) userError(c *fiber.Ctx, action string, err error) error {
	switch {
	case errors.Is(err, users.ErrNotFound):
		return fail(c, fiber.StatusNotFound, MsgUserNotFound)
	case errors.Is(err, users.ErrEmailTaken):
		return fail(c, fiber.StatusConflict, MsgEmailTaken)
	case errors.Is(err, users.ErrUsernameTaken):
		return fail(c, fiber.StatusConflict, MsgUsernameTaken)
	case errors.Is(err, users.ErrDuplicate):
		return fail(c, fiber.StatusConflict, MsgUserExists)
	case errors.Is(err, users.ErrInvalidCredentials):
		return fail(c, fiber.StatusUnauthorized, MsgInvalidCredentials)
	case errors.Is(err, users.ErrRoleNotAllowed):
		return fail(c, fiber.StatusForbidden, MsgRoleNotAllowed)
	case errors.Is(err, users.ErrNoChanges):
		return fail(c, fiber.StatusBadRequest, MsgNoChanges)
	}
	s.logger.Errorf("Error %s: %v", action, err)
	return fail(c, fiber.StatusInternalServerError, MsgInternalError)
}
