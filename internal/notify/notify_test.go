package notify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSlack struct {
	channel string
	calls   int
	err     error
}

func (f *fakeSlack) PostMessageContext(_ context.Context, channelID string, _ ...slack.MsgOption) (string, string, error) {
	f.calls++
	f.channel = channelID
	return channelID, "1700000000.000100", f.err
}

func TestBuildBlocks(t *testing.T) {
	blocks := BuildBlocks(Message{
		ProjectID: "p1",
		Title:     "Daily insights",
		Text:      "Completion rate 60%",
		Fields:    []Field{{Label: "Total", Value: "10"}, {Label: "Overdue", Value: "2"}},
		Bullets:   []string{"Review overdue tasks"},
	})

	require.Len(t, blocks, 6)
	assert.Equal(t, slack.MBTHeader, blocks[0].BlockType())
	assert.Equal(t, slack.MBTSection, blocks[1].BlockType())
	fields := blocks[2].(*slack.SectionBlock)
	require.Len(t, fields.Fields, 2)
	assert.Equal(t, "*Total*\n10", fields.Fields[0].Text)
	assert.Equal(t, slack.MBTDivider, blocks[3].BlockType())
	assert.True(t, strings.HasPrefix(blocks[4].(*slack.SectionBlock).Text.Text, "• Review"))
	assert.Equal(t, slack.MBTContext, blocks[5].BlockType())
}

func TestBuildBlocks_MinimalAndLimits(t *testing.T) {
	blocks := BuildBlocks(Message{Text: "hi"})
	require.Len(t, blocks, 1)

	many := make([]Field, 12)
	for i := range many {
		many[i] = Field{Label: "k", Value: "v"}
	}
	blocks = BuildBlocks(Message{Fields: many, Title: strings.Repeat("x", 300)})
	assert.Len(t, blocks[1].(*slack.SectionBlock).Fields, 10)
	assert.Len(t, []rune(blocks[0].(*slack.HeaderBlock).Text.Text), 150)
}

func TestFallback(t *testing.T) {
	assert.Equal(t, "A: b", Fallback(Message{Title: "A", Text: "b"}))
	assert.Equal(t, "A", Fallback(Message{Title: "A"}))
	assert.Equal(t, "b", Fallback(Message{Text: "b"}))
}

func TestSlack_Notify(t *testing.T) {
	api := &fakeSlack{}
	n := NewSlack(api, "C123", zerolog.Nop())

	require.NoError(t, n.Notify(context.Background(), Message{Title: "t"}))
	assert.Equal(t, 1, api.calls)
	assert.Equal(t, "C123", api.channel)

	api.err = errors.New("channel_not_found")
	err := n.Notify(context.Background(), Message{Title: "t"})
	assert.ErrorContains(t, err, "channel_not_found")
}

func TestLog_Notify(t *testing.T) {
	var buf strings.Builder
	n := NewLog(zerolog.New(&buf))
	require.NoError(t, n.Notify(context.Background(), Message{
		ProjectID: "p1", Title: "Rule fired", Text: "backup done",
		Fields: []Field{{Label: "Rule ID", Value: "r1"}},
	}))
	out := buf.String()
	assert.Contains(t, out, `"rule_id":"r1"`)
	assert.Contains(t, out, `"message":"backup done"`)
}
