package server

import (
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"

	"github.com/zulandar/geneq/internal/imputation"
	"github.com/zulandar/geneq/internal/jobs"
	"github.com/zulandar/geneq/internal/models"
)

// imputationRequest is the execute body. project_id is accepted as an
// alias of projectId.
type imputationRequest struct {
	ProjectID        uint           `json:"projectId"`
	ProjectIDAlt     uint           `json:"project_id"`
	Method           string         `json:"method"`
	Threshold        *float64       `json:"threshold"`
	QualityThreshold *float64       `json:"quality_threshold"`
	Options          map[string]any `json:"options"`
}

func (a *api) handleMethods(c *gin.Context) {
	c.JSON(http.StatusOK, imputation.Methods)
}

func (a *api) handleExecuteImputation(c *gin.Context) {
	var body imputationRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		a.abort(c, badRequest("invalid body: %v", err))
		return
	}
	projectID := body.ProjectID
	if projectID == 0 {
		projectID = body.ProjectIDAlt
	}
	if projectID == 0 {
		a.abort(c, badRequest("projectId is required"))
		return
	}
	a.submitImputation(c, jobs.ImputationRequest{
		ProjectID:        projectID,
		Method:           body.Method,
		Threshold:        body.Threshold,
		QualityThreshold: body.QualityThreshold,
		Options:          body.Options,
	})
}

func (a *api) handleExecuteMultiOmics(c *gin.Context) {
	projectID, err := uintQuery(c, "project_id")
	if err != nil {
		a.abort(c, err)
		return
	}
	req := jobs.ImputationRequest{ProjectID: projectID, MultiOmics: true, Method: c.Query("method")}
	if req.Threshold, err = floatQuery(c, "threshold"); err != nil {
		a.abort(c, err)
		return
	}
	if req.QualityThreshold, err = floatQuery(c, "quality_threshold"); err != nil {
		a.abort(c, err)
		return
	}
	a.submitImputation(c, req)
}

// floatQuery parses an optional numeric query parameter.
func floatQuery(c *gin.Context, name string) (*float64, error) {
	v, ok := c.GetQuery(name)
	if !ok || v == "" {
		return nil, nil
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return nil, badRequest("%s %q is not a number", name, v)
	}
	return &f, nil
}

func (a *api) submitImputation(c *gin.Context, req jobs.ImputationRequest) {
	job, err := a.sched.SubmitImputation(req)
	if err != nil {
		a.abort(c, err)
		return
	}
	msg := "Imputation job started"
	if job.Kind == models.KindMultiOmics {
		msg = "Multi-omics imputation job started"
	}
	c.JSON(http.StatusOK, gin.H{
		"jobId":         job.ID,
		"status":        job.Status,
		"message":       msg,
		"estimatedTime": imputationEstimate,
	})
}

func (a *api) handleImputationStatus(c *gin.Context) {
	st, err := a.sched.ImputationJob(c.Param("jobId"))
	if err != nil {
		a.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (a *api) handleImputationResults(c *gin.Context) {
	res, err := a.sched.ImputationResult(c.Param("jobId"))
	if err != nil {
		a.abort(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", res)
}

func (a *api) handleDownload(c *gin.Context) {
	jobID, mod := c.Param("jobId"), c.Param("modality")
	path, err := a.sched.OutputPath(jobID, mod)
	if err != nil {
		a.abort(c, err)
		return
	}
	c.FileAttachment(path, jobID+"_"+filepath.Base(path))
}
