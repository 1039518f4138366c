// Package notify delivers operator notifications from rules and insight
// reports.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// Field is one labelled value in a message.
type Field struct {
	Label string
	Value string
}

// Message is a channel-neutral notification.
type Message struct {
	ProjectID string
	Title     string
	Text      string
	Fields    []Field
	Bullets   []string
}

// Notifier sends messages to operators.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// SlackAPI is the minimal Slack API surface needed for posting.
type SlackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Slack posts Block Kit messages to one channel.
type Slack struct {
	api     SlackAPI
	channel string
	logger  zerolog.Logger
}

// NewSlack creates a Slack notifier.
func NewSlack(api SlackAPI, channel string, logger zerolog.Logger) *Slack {
	return &Slack{
		api:     api,
		channel: channel,
		logger:  logger.With().Str("component", "notify.slack").Logger(),
	}
}

// Notify posts msg with a plain-text fallback.
func (s *Slack) Notify(ctx context.Context, msg Message) error {
	_, ts, err := s.api.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(Fallback(msg), false),
		slack.MsgOptionBlocks(BuildBlocks(msg)...),
	)
	if err != nil {
		return fmt.Errorf("slack post to %s: %w", s.channel, err)
	}
	s.logger.Debug().Str("project_id", msg.ProjectID).Str("ts", ts).Msg("Notification posted")
	return nil
}

// BuildBlocks renders a message as header, body, fields and bullet list.
func BuildBlocks(msg Message) []slack.Block {
	var blocks []slack.Block
	if msg.Title != "" {
		blocks = append(blocks, slack.NewHeaderBlock(
			slack.NewTextBlockObject(slack.PlainTextType, truncate(msg.Title, 150), false, false),
		))
	}
	if msg.Text != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, truncate(msg.Text, 3000), false, false),
			nil, nil,
		))
	}
	if len(msg.Fields) > 0 {
		fields := make([]*slack.TextBlockObject, 0, len(msg.Fields))
		for i, f := range msg.Fields {
			if i == 10 { // Block Kit limit per section
				break
			}
			fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType,
				fmt.Sprintf("*%s*\n%s", f.Label, f.Value), false, false))
		}
		blocks = append(blocks, slack.NewSectionBlock(nil, fields, nil))
	}
	if len(msg.Bullets) > 0 {
		var b strings.Builder
		for _, line := range msg.Bullets {
			b.WriteString("• ")
			b.WriteString(line)
			b.WriteString("\n")
		}
		blocks = append(blocks, slack.NewDividerBlock(), slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, truncate(strings.TrimSuffix(b.String(), "\n"), 3000), false, false),
			nil, nil,
		))
	}
	if msg.ProjectID != "" {
		blocks = append(blocks, slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.MarkdownType, "project `"+msg.ProjectID+"`", false, false),
		))
	}
	return blocks
}

// Fallback renders a single-line plain text version.
func Fallback(msg Message) string {
	switch {
	case msg.Title != "" && msg.Text != "":
		return msg.Title + ": " + msg.Text
	case msg.Title != "":
		return msg.Title
	}
	return msg.Text
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}

// Log writes notifications to the daemon log. Used when Slack is not
// configured.
type Log struct {
	logger zerolog.Logger
}

// NewLog creates a log notifier.
func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger.With().Str("component", "notify").Logger()}
}

// Notify logs msg at info level.
func (l *Log) Notify(_ context.Context, msg Message) error {
	ev := l.logger.Info().Str("project_id", msg.ProjectID).Str("title", msg.Title)
	for _, f := range msg.Fields {
		ev = ev.Str(strings.ToLower(strings.ReplaceAll(f.Label, " ", "_")), f.Value)
	}
	if len(msg.Bullets) > 0 {
		ev = ev.Strs("items", msg.Bullets)
	}
	ev.Msg(msg.Text)
	return nil
}
