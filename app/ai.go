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

// HTTPAIClient implements the auto-reply generator port against an HTTP
// endpoint. The hub never blocks a frame on it; generation runs off the
// message hook.
type HTTPAIClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewHTTPAIClient(endpoint, apiKey string, timeout time.Duration) *HTTPAIClient {
	return &HTTPAIClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

type aiTurn struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

type aiRequest struct {
	Receiver    string   `json:"receiver"`
	Personality string   `json:"personality,omitempty"`
	History     []aiTurn `json:"history"`
}

type aiResponse struct {
	Text       string  `json:"text"`
	Provider   string  `json:"provider"`
	Confidence float64 `json:"confidence"`
}

func (c *HTTPAIClient) Generate(ctx context.Context, receiverID string, history []core.Message, personality string) (*core.AIReply, error) {
	reqBody := aiRequest{Receiver: receiverID, Personality: personality}
	for _, m := range history {
		if m.Kind != core.TextMessage && m.Kind != core.AIMessage {
			continue
		}
		reqBody.History = append(reqBody.History, aiTurn{Sender: m.Sender, Text: m.Body.Text})
	}
	raw, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("NewRequestWithContext: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("generate: status %d", res.StatusCode)
	}

	var out aiResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &core.AIReply{
		Text:        out.Text,
		Provider:    out.Provider,
		Personality: personality,
		Confidence:  out.Confidence,
	}, nil
}

// AIAutoReply returns a message hook that answers direct-room messages on
// behalf of bot-enabled counterparts. Failures are counted and logged, never
// surfaced to the originating frame.
func AIAutoReply(ctx context.Context, hub *core.Hub, ident core.IdentityPort, ai core.AIPort, window int, logger *slog.Logger) core.MessageHook {
	return func(room *core.ChatRoom, m *core.Message) {
		if room.Kind != core.DirectRoom || m.Kind == core.AIMessage {
			return
		}
		receiverID := room.Counterpart(m.Sender)
		if receiverID == "" {
			return
		}

		go func() {
			receiver, err := ident.Get(ctx, receiverID)
			if err != nil || !receiver.BotEnabled {
				return
			}

			reply, err := ai.Generate(ctx, receiverID, room.Recent(window), receiver.Personality)
			if err != nil {
				hub.Metrics.AIFailures.Add(1)
				logger.Warn(fmt.Sprintf("auto-reply generation failed: %v", err),
					slog.String("room", room.ID))
				return
			}

			_, err = room.Send(ctx, core.SendInput{
				Sender: receiverID,
				Kind:   core.AIMessage,
				Body: core.MessageBody{
					Text: reply.Text,
					AI: &core.AIMeta{
						Personality: reply.Personality,
						Provider:    reply.Provider,
						Confidence:  reply.Confidence,
					},
				},
				ReplyTo: m.ID,
			})
			if err != nil {
				hub.Metrics.AIFailures.Add(1)
				logger.Warn(fmt.Sprintf("auto-reply send failed: %v", err),
					slog.String("room", room.ID))
			}
		}()
	}
}
