// Package notify posts job completion messages to chat platforms.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zulandar/geneq/internal/config"
	"github.com/zulandar/geneq/internal/logging"
)

// Message is a platform-neutral chat post.
type Message struct {
	Title  string
	Body   string
	Color  string // sidebar color hint, e.g. "#36a64f"
	Fields []Field
}

// Field is a key-value pair displayed with a message.
type Field struct {
	Name  string
	Value string
	Short bool
}

// Notifier delivers a message to one platform.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Outcome describes a finished job.
type Outcome struct {
	JobID     string
	Kind      string // validation or imputation
	ProjectID uint
	Method    string
	Status    string // completed or failed
	Summary   string
	Error     string
	Duration  time.Duration
}

const (
	colorSuccess = "#36a64f"
	colorFailure = "#d00000"
)

// Format renders an outcome as a Message.
func Format(o Outcome) Message {
	msg := Message{
		Title: fmt.Sprintf("%s job %s %s", titleCase(o.Kind), shortID(o.JobID), o.Status),
		Color: colorSuccess,
		Body:  o.Summary,
	}
	if o.Status != "completed" {
		msg.Color = colorFailure
		msg.Body = o.Error
	}
	msg.Fields = append(msg.Fields, Field{Name: "Project", Value: fmt.Sprint(o.ProjectID), Short: true})
	if o.Method != "" {
		msg.Fields = append(msg.Fields, Field{Name: "Method", Value: o.Method, Short: true})
	}
	if o.Duration > 0 {
		msg.Fields = append(msg.Fields, Field{Name: "Duration", Value: o.Duration.Round(time.Millisecond).String(), Short: true})
	}
	return msg
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func titleCase(s string) string {
	if s == "" {
		return "Job"
	}
	if c := s[0]; c >= 'a' && c <= 'z' {
		return string(c-'a'+'A') + s[1:]
	}
	return s
}

type target struct {
	name string
	n    Notifier
}

// Dispatcher posts outcomes to every configured platform. Delivery is
// best-effort: failures are logged, never returned to the job.
type Dispatcher struct {
	targets      []target
	onlyFailures bool
	logger       *slog.Logger
}

// New builds a Dispatcher from config. Platforms without a token are
// skipped; with none configured the Dispatcher does nothing.
func New(cfg config.NotifyConfig, logger *slog.Logger) (*Dispatcher, error) {
	d := &Dispatcher{onlyFailures: cfg.OnlyFailures, logger: logging.OrDiscard(logger)}
	if cfg.SlackToken != "" {
		s, err := NewSlack(SlackOpts{Token: cfg.SlackToken, ChannelID: cfg.SlackChannel})
		if err != nil {
			return nil, err
		}
		d.Add("slack", s)
	}
	if cfg.DiscordToken != "" {
		dc, err := NewDiscord(DiscordOpts{Token: cfg.DiscordToken, ChannelID: cfg.DiscordChannel})
		if err != nil {
			return nil, err
		}
		d.Add("discord", dc)
	}
	return d, nil
}

// Add registers a platform.
func (d *Dispatcher) Add(name string, n Notifier) {
	d.targets = append(d.targets, target{name: name, n: n})
}

// Enabled reports whether any platform is configured.
func (d *Dispatcher) Enabled() bool {
	return d != nil && len(d.targets) > 0
}

// JobFinished posts o to every platform.
func (d *Dispatcher) JobFinished(ctx context.Context, o Outcome) {
	if !d.Enabled() {
		return
	}
	if d.onlyFailures && o.Status == "completed" {
		return
	}
	msg := Format(o)
	for _, t := range d.targets {
		if err := t.n.Notify(ctx, msg); err != nil {
			d.logger.Warn("notification failed", "platform", t.name, "job_id", o.JobID, "error", err)
		}
	}
}
