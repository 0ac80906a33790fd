package middleware

import (
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"sync_server/pkg/apperr"
	"sync_server/pkg/logger"
)

// =============================================================================
// Error handling
// =============================================================================

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Success   bool        `json:"success"`
	Error     ErrorDetail `json:"error"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp string      `json:"timestamp"`
}

type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ErrorHandler is the centralized fiber error handler. Application
// errors keep their code and status; everything else is reported as an
// opaque internal error.
func ErrorHandler() fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		requestID, _ := c.Locals("request_id").(string)

		resp := ErrorResponse{
			Success:   false,
			RequestID: requestID,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}

		var status int
		switch e := err.(type) {
		case *apperr.AppError:
			status = e.HTTPStatus()
			resp.Error = ErrorDetail{
				Code:    e.Code,
				Message: e.Message,
				Details: e.Details,
			}

			log := logger.WithField("request_id", requestID).
				WithField("error_code", e.Code).
				WithError(e.Err)
			if status >= 500 {
				log.Error("internal error: %s", e.Message)
			} else {
				log.Warn("client error: %s", e.Message)
			}

		case *fiber.Error:
			status = e.Code
			resp.Error = ErrorDetail{
				Code:    statusCode(e.Code),
				Message: e.Message,
			}

		default:
			status = fiber.StatusInternalServerError
			resp.Error = ErrorDetail{
				Code:    apperr.CodeInternalError,
				Message: "an unexpected error occurred",
			}
			logger.WithField("request_id", requestID).
				WithError(err).
				Error("unexpected error: %s", err.Error())
		}

		return c.Status(status).JSON(resp)
	}
}

func statusCode(status int) string {
	switch status {
	case fiber.StatusBadRequest:
		return apperr.CodeBadRequest
	case fiber.StatusUnauthorized:
		return apperr.CodeUnauthorized
	case fiber.StatusNotFound:
		return apperr.CodeNotFound
	case fiber.StatusTooManyRequests:
		return apperr.CodeRateLimited
	case fiber.StatusInternalServerError:
		return apperr.CodeInternalError
	}
	return "UNKNOWN_ERROR"
}

// =============================================================================
// Request plumbing
// =============================================================================

// RequestID tags each request, honoring an inbound X-Request-ID.
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		requestID := c.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Locals("request_id", requestID)
		c.Set("X-Request-ID", requestID)
		return c.Next()
	}
}

// RequestLogger logs each request with its status and duration.
func RequestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		requestID, _ := c.Locals("request_id").(string)

		err := c.Next()

		status := c.Response().StatusCode()
		log := logger.WithFields(map[string]any{
			"request_id":  requestID,
			"method":      c.Method(),
			"path":        c.Path(),
			"status":      status,
			"duration_ms": float64(time.Since(start).Microseconds()) / 1000.0,
			"ip":          c.IP(),
		})

		switch {
		case status >= 500:
			log.Error("request failed: %s %s -> %d", c.Method(), c.Path(), status)
		case status >= 400:
			log.Warn("request error: %s %s -> %d", c.Method(), c.Path(), status)
		default:
			log.Info("request completed: %s %s -> %d", c.Method(), c.Path(), status)
		}

		return err
	}
}

// Recover turns panics into 500 responses instead of dropped connections.
func Recover() fiber.Handler {
	return func(c *fiber.Ctx) error {
		defer func() {
			if r := recover(); r != nil {
				requestID, _ := c.Locals("request_id").(string)
				logger.WithFields(map[string]any{
					"request_id": requestID,
					"panic":      fmt.Sprintf("%v", r),
					"path":       c.Path(),
					"method":     c.Method(),
					"stack":      string(debug.Stack()),
				}).Error("panic recovered")

				c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
					Success:   false,
					RequestID: requestID,
					Timestamp: time.Now().UTC().Format(time.RFC3339),
					Error: ErrorDetail{
						Code:    apperr.CodeInternalError,
						Message: "an unexpected error occurred",
					},
				})
			}
		}()
		return c.Next()
	}
}

// =============================================================================
// Auth
// =============================================================================

// JWTAuth validates HS256 bearer tokens signed with the shared ops
// secret. The token subject lands in locals as "operator".
func JWTAuth(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodOptions {
			return c.Next()
		}

		var tokenString string
		authHeader := c.Get("Authorization")
		if authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) == 2 && parts[0] == "Bearer" {
				tokenString = parts[1]
			}
		}
		if tokenString == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing authorization"})
		}

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid token"})
		}

		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			if sub, _ := claims["sub"].(string); sub != "" {
				c.Locals("operator", sub)
			}
		}
		return c.Next()
	}
}
