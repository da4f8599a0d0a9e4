package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/geneq/internal/project"
)

// multipartSlack is allowed on top of the file cap for multipart framing.
const multipartSlack = 1 << 20

func (a *api) handleListFiles(c *gin.Context) {
	id, err := uintQuery(c, "project_id")
	if err != nil {
		a.abort(c, err)
		return
	}
	if _, err := project.Get(a.db, id); err != nil {
		a.abort(c, err)
		return
	}
	files, err := project.ListFiles(a.db, id, c.Query("history") == "true")
	if err != nil {
		a.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, files)
}

func (a *api) handleGetFile(c *gin.Context) {
	id, err := uintParam(c, "id")
	if err != nil {
		a.abort(c, err)
		return
	}
	f, err := project.GetFile(a.db, id)
	if err != nil {
		a.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

func (a *api) handleUpload(c *gin.Context) {
	projectID, err := uintQuery(c, "project_id")
	if err != nil {
		a.abort(c, err)
		return
	}
	if a.maxUpload > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, a.maxUpload+multipartSlack)
	}
	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.abort(c, err)
			return
		}
		a.abort(c, badRequest("multipart field file is required"))
		return
	}
	src, err := fh.Open()
	if err != nil {
		a.abort(c, err)
		return
	}
	defer src.Close()

	f, err := project.Upload(a.db, a.store, project.UploadOpts{
		ProjectID: projectID,
		Filename:  fh.Filename,
		Modality:  c.Query("modality"),
		Reader:    src,
		Size:      fh.Size,
		MaxBytes:  a.maxUpload,
	}, a.logger)
	if err != nil {
		a.abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "File uploaded successfully", "file": f})
}

func (a *api) handleDeleteFile(c *gin.Context) {
	id, err := uintParam(c, "id")
	if err != nil {
		a.abort(c, err)
		return
	}
	if err := project.DeleteFile(a.db, a.store, id, a.logger); err != nil {
		a.abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *api) handleMissingSummary(c *gin.Context) {
	id, err := uintParam(c, "projectId")
	if err != nil {
		a.abort(c, err)
		return
	}
	s, err := project.MissingSummary(a.db, a.store, id)
	if err != nil {
		a.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}
