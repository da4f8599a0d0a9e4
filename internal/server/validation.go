package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/geneq/internal/project"
	"github.com/zulandar/geneq/internal/validation"
)

// Rough client-side polling hints, in seconds.
const (
	validationEstimate = 30
	imputationEstimate = 300
)

func (a *api) handleExecuteValidation(c *gin.Context) {
	projectID, err := uintQuery(c, "project_id")
	if err != nil {
		a.abort(c, err)
		return
	}
	job, err := a.sched.SubmitValidation(projectID)
	if err != nil {
		a.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"jobId":         job.ID,
		"status":        job.Status,
		"message":       "Validation job started",
		"estimatedTime": validationEstimate,
		"rules":         json.RawMessage(job.Rules),
	})
}

func (a *api) handleValidationStatus(c *gin.Context) {
	st, err := a.sched.ValidationJob(c.Param("jobId"))
	if err != nil {
		a.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (a *api) handleSaveRules(c *gin.Context) {
	projectID, err := uintParam(c, "projectId")
	if err != nil {
		a.abort(c, err)
		return
	}
	// Omitted fields keep their defaults.
	rules := validation.DefaultRules()
	if err := c.ShouldBindJSON(&rules); err != nil {
		a.abort(c, badRequest("invalid rules: %v", err))
		return
	}
	if err := project.SaveRules(a.db, projectID, rules); err != nil {
		a.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":    "Validation rules saved successfully",
		"project_id": projectID,
		"rules":      rules,
	})
}

func (a *api) handleGetRules(c *gin.Context) {
	projectID, err := uintParam(c, "projectId")
	if err != nil {
		a.abort(c, err)
		return
	}
	rules, err := project.GetRules(a.db, projectID)
	if err != nil {
		a.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, rules)
}

func (a *api) handleDownloadReport(c *gin.Context) {
	projectID, err := uintParam(c, "projectId")
	if err != nil {
		a.abort(c, err)
		return
	}
	name, text, err := a.sched.LatestReport(projectID)
	if err != nil {
		a.abort(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(text))
}
