package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/slack-go/slack"
)

// slackPoster is the subset of the Slack client used by the notifier.
// Narrowed to an interface so tests can stub the API.
type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackNotifier posts approval prompts and loop alerts to a Slack channel.
type SlackNotifier struct {
	client  slackPoster
	channel string
	queue   chan Event
	done    chan struct{}
}

// NewSlackNotifier creates a notifier for the given bot token and channel.
func NewSlackNotifier(token, channel string) *SlackNotifier {
	return newSlackNotifier(slack.New(token), channel)
}

func newSlackNotifier(client slackPoster, channel string) *SlackNotifier {
	n := &SlackNotifier{
		client:  client,
		channel: channel,
		queue:   make(chan Event, 64),
		done:    make(chan struct{}),
	}
	go n.postLoop()
	return n
}

// Handle enqueues an event for posting. Only approval and loop events
// produce messages; everything else is ignored.
func (n *SlackNotifier) Handle(ev Event) {
	switch ev.Kind {
	case KindToolAwaitingApproval, KindLoopDetected:
	default:
		return
	}
	select {
	case n.queue <- ev:
	default:
		slog.Warn("SlackNotifier: event buffer full, dropping", "kind", ev.Kind)
	}
}

func (n *SlackNotifier) postLoop() {
	for ev := range n.queue {
		text := formatSlackMessage(ev)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_, _, err := n.client.PostMessageContext(ctx, n.channel,
			slack.MsgOptionText(text, false))
		cancel()
		if err != nil {
			slog.Warn("SlackNotifier: post failed", "kind", ev.Kind, "error", err)
		}
	}
	close(n.done)
}

// Close drains pending messages and stops the notifier.
func (n *SlackNotifier) Close() {
	close(n.queue)
	<-n.done
}

func formatSlackMessage(ev Event) string {
	switch ev.Kind {
	case KindToolAwaitingApproval:
		return fmt.Sprintf(":lock: Tool %q requires approval (call %v). Reply approve:%v or deny:%v",
			ev.Fields["tool"], ev.Fields["call_id"], ev.Fields["approval_id"], ev.Fields["approval_id"])
	case KindLoopDetected:
		return fmt.Sprintf(":warning: Loop detected in prompt %v (signature %v repeated %v times)",
			ev.Fields["prompt_id"], ev.Fields["signature"], ev.Fields["count"])
	}
	return string(ev.Kind)
}
