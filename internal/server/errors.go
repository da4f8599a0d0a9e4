package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/geneq/internal/imputation"
	"github.com/zulandar/geneq/internal/jobs"
	"github.com/zulandar/geneq/internal/matrix"
	"github.com/zulandar/geneq/internal/project"
)

// statusOf maps an error to its HTTP status.
func statusOf(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, project.ErrProjectNotFound),
		errors.Is(err, project.ErrFileNotFound),
		errors.Is(err, jobs.ErrJobNotFound),
		errors.Is(err, jobs.ErrOutputNotFound):
		return http.StatusNotFound
	case errors.Is(err, matrix.ErrFileTooLarge), errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, matrix.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, matrix.ErrMalformedData):
		return http.StatusUnprocessableEntity
	case errors.Is(err, project.ErrInvalidInput),
		errors.Is(err, imputation.ErrUnknownMethod),
		errors.Is(err, jobs.ErrNotCompleted):
		return http.StatusBadRequest
	case errors.Is(err, jobs.ErrShuttingDown):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// abort writes err as {"message": ...}. Internal errors are logged and
// reported without detail.
func (a *api) abort(c *gin.Context, err error) {
	status := statusOf(err)
	msg := err.Error()
	switch {
	case status == http.StatusInternalServerError:
		a.logger.Error("request failed", "method", c.Request.Method, "path", c.Request.URL.Path, "error", err)
		msg = "Internal server error"
	case errors.Is(err, jobs.ErrNotCompleted):
		msg = "Job not completed yet"
	}
	c.AbortWithStatusJSON(status, gin.H{"message": msg})
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", project.ErrInvalidInput, fmt.Sprintf(format, args...))
}

// uintParam parses the path parameter name as a positive ID.
func uintParam(c *gin.Context, name string) (uint, error) {
	return parseID(name, c.Param(name))
}

// uintQuery parses a required query parameter as a positive ID.
func uintQuery(c *gin.Context, name string) (uint, error) {
	v, ok := c.GetQuery(name)
	if !ok || v == "" {
		return 0, badRequest("%s is required", name)
	}
	return parseID(name, v)
}

func parseID(name, v string) (uint, error) {
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil || n == 0 {
		return 0, badRequest("%s %q is not a valid id", name, v)
	}
	return uint(n), nil
}
