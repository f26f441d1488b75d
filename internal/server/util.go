package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/appmaker/internal/entrypoint"
	"github.com/loykin/appmaker/internal/llm"
	"github.com/loykin/appmaker/internal/problem"
	"github.com/loykin/appmaker/internal/project"
	"github.com/loykin/appmaker/internal/provision"
	"github.com/loykin/appmaker/internal/runner"
	"github.com/loykin/appmaker/internal/service"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

func trimLeadingSlash(p string) string { return strings.TrimLeft(p, "/") }

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var pe *provision.Error
	switch {
	case errors.Is(err, project.ErrNotFound), errors.Is(err, entrypoint.ErrNoEntrypoint):
		return http.StatusNotFound
	case errors.Is(err, project.ErrInvalidPath), errors.Is(err, project.ErrInvalidName), errors.Is(err, problem.ErrInvalidID),
		errors.Is(err, service.ErrEmptyPrompt), errors.Is(err, llm.ErrUnknownProvider):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNoProblem):
		return http.StatusConflict
	case errors.Is(err, llm.ErrRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, llm.ErrUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &pe), errors.Is(err, runner.ErrLaunch):
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// writeError renders err; detail repeats the message for clients that read
// the "detail" field.
func writeError(c *gin.Context, err error) {
	msg := err.Error()
	writeJSON(c, statusFor(err), errorResp{Error: msg, Detail: msg})
}

// corsMiddleware answers preflight requests and tags responses for the
// allowed origins.
func corsMiddleware(origins []string) gin.HandlerFunc {
	allowAll := false
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (allowAll || allowed[origin]) {
			h := c.Writer.Header()
			if allowAll {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Add("Vary", "Origin")
			}
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
