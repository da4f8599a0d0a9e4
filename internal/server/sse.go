package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/geneq/internal/events"
	"github.com/zulandar/geneq/internal/jobs"
)

var heartbeatInterval = 15 * time.Second

// snapshot returns the current state of job id as an event, looking in
// validation jobs first.
func (a *api) snapshot(id string) (events.Event, error) {
	v, err := a.sched.ValidationJob(id)
	if err == nil {
		return events.Event{
			JobID: v.JobID, Kind: events.KindValidation, ProjectID: v.ProjectID,
			Status: v.Status, Error: v.Error, At: time.Now().UTC(),
		}, nil
	}
	if !errors.Is(err, jobs.ErrJobNotFound) {
		return events.Event{}, err
	}
	im, err := a.sched.ImputationJob(id)
	if err != nil {
		return events.Event{}, err
	}
	return events.Event{
		JobID: im.JobID, Kind: events.KindImputation, ProjectID: im.ProjectID,
		Status: im.Status, Progress: im.Progress, Error: im.Error, At: time.Now().UTC(),
	}, nil
}

// handleJobEvents streams status events of one job until it finishes or
// the client goes away. The first event is the current state.
func (a *api) handleJobEvents(c *gin.Context) {
	id := c.Param("jobId")

	// Subscribe before reading the snapshot so no transition is missed.
	ch, cancel := a.events.Subscribe(id)
	defer cancel()

	current, err := a.snapshot(id)
	if err != nil {
		a.abort(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	writeSSE(c.Writer, "status", current)
	c.Writer.Flush()
	if current.Terminal() {
		return
	}

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			// Subscribers can miss events when their buffer is full.
			if e, err := a.snapshot(id); err == nil && e.Terminal() {
				writeSSE(c.Writer, "status", e)
				c.Writer.Flush()
				return
			}
			writeSSE(c.Writer, "heartbeat", map[string]string{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			c.Writer.Flush()
		case e, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(c.Writer, "status", e)
			c.Writer.Flush()
			if e.Terminal() {
				return
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
