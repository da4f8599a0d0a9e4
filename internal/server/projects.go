package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/geneq/internal/project"
)

// projectRequest is the create and update body. dataType is accepted as an
// alias of data_types.
type projectRequest struct {
	Name        *string  `json:"name"`
	Description *string  `json:"description"`
	DataTypes   []string `json:"data_types"`
	DataType    []string `json:"dataType"`
	Status      *string  `json:"status"`
}

func (r projectRequest) dataTypes() []string {
	if r.DataTypes != nil {
		return r.DataTypes
	}
	return r.DataType
}

func (a *api) handleDashboardStats(c *gin.Context) {
	stats, err := project.DashboardStats(a.db)
	if err != nil {
		a.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (a *api) handleListProjects(c *gin.Context) {
	projects, err := project.List(a.db)
	if err != nil {
		a.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, projects)
}

func (a *api) handleGetProject(c *gin.Context) {
	id, err := uintParam(c, "id")
	if err != nil {
		a.abort(c, err)
		return
	}
	p, err := project.Get(a.db, id)
	if err != nil {
		a.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (a *api) handleCreateProject(c *gin.Context) {
	var req projectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.abort(c, badRequest("invalid body: %v", err))
		return
	}
	opts := project.CreateOpts{DataTypes: req.dataTypes()}
	if req.Name != nil {
		opts.Name = *req.Name
	}
	if req.Description != nil {
		opts.Description = *req.Description
	}
	p, err := project.Create(a.db, opts)
	if err != nil {
		a.abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (a *api) handleUpdateProject(c *gin.Context) {
	id, err := uintParam(c, "id")
	if err != nil {
		a.abort(c, err)
		return
	}
	var req projectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.abort(c, badRequest("invalid body: %v", err))
		return
	}
	p, err := project.Update(a.db, id, project.UpdateOpts{
		Name:        req.Name,
		Description: req.Description,
		DataTypes:   req.dataTypes(),
		Status:      req.Status,
	})
	if err != nil {
		a.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (a *api) handleDeleteProject(c *gin.Context) {
	id, err := uintParam(c, "id")
	if err != nil {
		a.abort(c, err)
		return
	}
	if err := project.Delete(a.db, a.store, id, a.logger); err != nil {
		a.abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
