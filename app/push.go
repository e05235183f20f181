package aeko

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/MilliHub-dev/Aeko-backend-sub001/core"
)

// HTTPPushClient implements the push gateway port against an HTTP endpoint.
type HTTPPushClient struct {
	endpoint string
	client   *http.Client
}

func NewHTTPPushClient(endpoint string, timeout time.Duration) *HTTPPushClient {
	return &HTTPPushClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (c *HTTPPushClient) Dispatch(ctx context.Context, n *core.PushNotice) error {
	raw, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("NewRequestWithContext: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	res.Body.Close()
	if res.StatusCode >= 300 {
		return fmt.Errorf("dispatch: status %d", res.StatusCode)
	}
	return nil
}

// PushDispatch returns a message hook that notifies offline room members.
// Dispatch is best effort; failures are counted and logged.
func PushDispatch(ctx context.Context, hub *core.Hub, push core.PushPort, logger *slog.Logger) core.MessageHook {
	return func(room *core.ChatRoom, m *core.Message) {
		var offline []string
		for _, member := range room.Members() {
			if member == m.Sender || hub.Registry().Online(member) {
				continue
			}
			offline = append(offline, member)
		}
		if len(offline) == 0 {
			return
		}

		notice := &core.PushNotice{
			Title:  m.Sender,
			Body:   noticeBody(m),
			RoomID: room.ID,
			Payload: map[string]string{
				"message_id": m.ID,
				"kind":       string(m.Kind),
			},
		}

		go func() {
			for _, target := range offline {
				n := *notice
				n.Target = target
				if err := push.Dispatch(ctx, &n); err != nil {
					hub.Metrics.PushFailures.Add(1)
					logger.Warn(fmt.Sprintf("push dispatch failed: %v", err),
						slog.String("target", target))
				}
			}
		}()
	}
}

func noticeBody(m *core.Message) string {
	switch m.Kind {
	case core.TextMessage, core.EmojiMessage, core.AIMessage:
		return m.Body.Text
	case core.VoiceMessage:
		return "sent a voice note"
	case core.ImageMessage:
		return "sent an image"
	case core.VideoMessage:
		return "sent a video"
	case core.FileMessage:
		return "sent a file"
	}
	return "sent a message"
}
