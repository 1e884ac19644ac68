package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// maxSlackDetail keeps the output excerpt well below Slack's attachment limit
const maxSlackDetail = 2500

// SlackNotifier posts run outcomes to an incoming webhook
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments"`
}

type slackAttachment struct {
	Color    string       `json:"color"`
	Fallback string       `json:"fallback"`
	Text     string       `json:"text,omitempty"`
	Fields   []slackField `json:"fields,omitempty"`
	Footer   string       `json:"footer"`
	MrkdwnIn []string     `json:"mrkdwn_in,omitempty"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewSlackNotifier creates a notifier for webhookURL; an empty URL disables it
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func slackColor(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "good"
	case NotifyWarning:
		return "warning"
	case NotifyError:
		return "danger"
	default:
		return "#439FE0"
	}
}

func buildSlackMessage(n Notification) slackMessage {
	var fields []slackField
	add := func(title, value string) {
		if value != "" {
			fields = append(fields, slackField{Title: title, Value: value, Short: true})
		}
	}
	add("Task", n.TaskID)
	add("Session", n.SessionID)
	if n.PID > 0 {
		add("PID", strconv.Itoa(n.PID))
	}
	if n.ExitCode != nil {
		add("Exit code", strconv.Itoa(*n.ExitCode))
	}
	if n.Elapsed > 0 {
		add("Elapsed", n.Elapsed.Round(time.Second).String())
	}
	if n.TimedOut {
		add("Timed out", "yes")
	}

	att := slackAttachment{
		Color:    slackColor(n.Type),
		Fallback: n.Title,
		Text:     n.Message,
		Fields:   fields,
		Footer:   "cli-supervisor",
	}
	if n.Detail != "" {
		detail := n.Detail
		if len(detail) > maxSlackDetail {
			detail = "..." + detail[len(detail)-maxSlackDetail:]
		}
		att.Text += "\n```" + detail + "```"
		att.MrkdwnIn = []string{"text"}
	}
	return slackMessage{Text: n.Title, Attachments: []slackAttachment{att}}
}

// Send posts n to the webhook
func (s *SlackNotifier) Send(n Notification) error {
	if s.webhookURL == "" {
		return nil
	}

	payload, err := json.Marshal(buildSlackMessage(n))
	if err != nil {
		return err
	}
	resp, err := s.client.Post(s.webhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned %d", resp.StatusCode)
	}
	return nil
}
