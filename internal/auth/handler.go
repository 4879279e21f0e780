package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"formflow-backend/internal/engine"
	"formflow-backend/internal/store"
)

// AuthHandler handles authentication endpoints.
type AuthHandler struct {
	store     *store.Store
	jwtSecret string
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(s *store.Store, jwtSecret string) *AuthHandler {
	return &AuthHandler{store: s, jwtSecret: jwtSecret}
}

// RegisterAuthRoutes registers auth routes on the given Fiber app.
func RegisterAuthRoutes(app *fiber.App, h *AuthHandler) {
	auth := app.Group("/api/auth")
	auth.Post("/register", h.Register)
	auth.Post("/login", h.Login)
	auth.Post("/refresh", h.Refresh)
	auth.Post("/logout", h.Logout)
}

// Register handles POST /api/auth/register.
func (h *AuthHandler) Register(c *fiber.Ctx) error {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	if body.Email == "" {
		return engine.ValidationError([]engine.ErrorDetail{{Field: "email", Message: "email is required"}})
	}
	if len(body.Password) < 8 {
		return engine.ValidationError([]engine.ErrorDetail{{Field: "password", Message: "password must be at least 8 characters"}})
	}

	hash, err := HashPassword(body.Password)
	if err != nil {
		return err
	}

	ctx := c.UserContext()
	userID := store.GenerateUUID()
	pb := h.store.Dialect.NewParamBuilder()
	_, err = store.Exec(ctx, h.store.DB,
		fmt.Sprintf("INSERT INTO users (id, email, password_hash, roles) VALUES (%s, %s, %s, %s)",
			pb.Add(userID), pb.Add(body.Email), pb.Add(hash), pb.Add(h.store.Dialect.ArrayParam([]string{}))),
		pb.Params()...)
	if err != nil {
		if errors.Is(store.MapError(h.store.Dialect, err), store.ErrUniqueViolation) {
			return engine.NewAppError("CONFLICT", 409, "An account with this email already exists")
		}
		return fmt.Errorf("insert user: %w", err)
	}

	pair, err := h.generateTokenPair(ctx, userID, body.Email, []string{})
	if err != nil {
		return err
	}
	return c.Status(201).JSON(fiber.Map{"data": pair})
}

// Login handles POST /api/auth/login.
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	if body.Email == "" || body.Password == "" {
		return engine.UnauthorizedError("Email and password are required")
	}

	ctx := c.UserContext()

	user, err := h.findUserByEmail(ctx, body.Email)
	if err != nil {
		return engine.UnauthorizedError("Invalid email or password")
	}

	if !truthy(user["active"]) {
		return engine.UnauthorizedError("Account is disabled")
	}

	passwordHash, _ := user["password_hash"].(string)
	if !CheckPassword(body.Password, passwordHash) {
		return engine.UnauthorizedError("Invalid email or password")
	}

	userID := fmt.Sprintf("%v", user["id"])
	roles, _ := h.store.Dialect.ScanArray(user["roles"])

	pair, err := h.generateTokenPair(ctx, userID, body.Email, roles)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{"data": pair})
}

// Refresh handles POST /api/auth/refresh. Refresh tokens are
// single-use: the presented token is deleted and a new pair issued.
func (h *AuthHandler) Refresh(c *fiber.Ctx) error {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	if body.RefreshToken == "" {
		return engine.UnauthorizedError("Refresh token is required")
	}

	ctx := c.UserContext()

	pb := h.store.Dialect.NewParamBuilder()
	row, err := store.QueryRow(ctx, h.store.DB,
		fmt.Sprintf(`SELECT rt.id, rt.user_id, rt.expires_at, u.email, u.roles, u.active
		 FROM refresh_tokens rt
		 JOIN users u ON u.id = rt.user_id
		 WHERE rt.token = %s`, pb.Add(body.RefreshToken)),
		pb.Params()...)
	if err != nil {
		return engine.UnauthorizedError("Invalid refresh token")
	}

	h.deleteToken(ctx, body.RefreshToken)

	if parseExpiry(row["expires_at"]).Before(time.Now()) {
		return engine.UnauthorizedError("Refresh token expired")
	}

	if !truthy(row["active"]) {
		return engine.UnauthorizedError("Account is disabled")
	}

	userID := fmt.Sprintf("%v", row["user_id"])
	email := fmt.Sprintf("%v", row["email"])
	roles, _ := h.store.Dialect.ScanArray(row["roles"])

	pair, err := h.generateTokenPair(ctx, userID, email, roles)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{"data": pair})
}

// Logout handles POST /api/auth/logout.
func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	if body.RefreshToken == "" {
		return engine.UnauthorizedError("Refresh token is required")
	}

	h.deleteToken(c.UserContext(), body.RefreshToken)
	return c.JSON(fiber.Map{"message": "Logged out"})
}

func (h *AuthHandler) findUserByEmail(ctx context.Context, email string) (map[string]any, error) {
	pb := h.store.Dialect.NewParamBuilder()
	return store.QueryRow(ctx, h.store.DB,
		fmt.Sprintf("SELECT id, email, password_hash, roles, active FROM users WHERE email = %s", pb.Add(email)),
		pb.Params()...)
}

func (h *AuthHandler) deleteToken(ctx context.Context, token string) {
	pb := h.store.Dialect.NewParamBuilder()
	_, _ = store.Exec(ctx, h.store.DB,
		fmt.Sprintf("DELETE FROM refresh_tokens WHERE token = %s", pb.Add(token)),
		pb.Params()...)
}

func (h *AuthHandler) generateTokenPair(ctx context.Context, userID, email string, roles []string) (*TokenPair, error) {
	accessToken, err := GenerateAccessToken(userID, email, roles, h.jwtSecret)
	if err != nil {
		return nil, engine.NewAppError("INTERNAL_ERROR", 500, "Failed to generate access token")
	}

	refreshToken := GenerateRefreshToken()
	expiresAt := time.Now().Add(RefreshTokenTTL)

	pb := h.store.Dialect.NewParamBuilder()
	_, err = store.Exec(ctx, h.store.DB,
		fmt.Sprintf("INSERT INTO refresh_tokens (id, user_id, token, expires_at) VALUES (%s, %s, %s, %s)",
			pb.Add(store.GenerateUUID()), pb.Add(userID), pb.Add(refreshToken), pb.Add(expiresAt)),
		pb.Params()...)
	if err != nil {
		return nil, engine.NewAppError("INTERNAL_ERROR", 500, "Failed to store refresh token")
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}, nil
}

func truthy(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case int64:
		return val != 0
	case int:
		return val != 0
	case float64:
		return val != 0
	default:
		return false
	}
}

func parseExpiry(v any) time.Time {
	switch val := v.(type) {
	case time.Time:
		return val
	case string:
		if t, err := time.Parse(time.RFC3339Nano, val); err == nil {
			return t
		}
		if t, err := time.Parse("2006-01-02 15:04:05", val); err == nil {
			return t
		}
	}
	return time.Time{}
}
