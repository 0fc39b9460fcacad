// Package notify delivers customer notifications: SMS through an HTTP
// gateway, SMS and email as events on an AMQP exchange, or to the log when
// nothing is configured.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// SmsGateway posts messages to a bulk SMS provider.
type SmsGateway struct {
	url        string
	apiKey     string
	senderID   string
	httpClient *http.Client
}

func NewSmsGateway(url, apiKey, senderID string) *SmsGateway {
	return &SmsGateway{
		url:        url,
		apiKey:     apiKey,
		senderID:   senderID,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type smsRequest struct {
	To       string `json:"to"`
	Message  string `json:"message"`
	SenderID string `json:"sender_id,omitempty"`
}

func (g *SmsGateway) SendSMS(ctx context.Context, phone, message string) error {
	body, err := json.Marshal(smsRequest{To: phone, Message: message, SenderID: g.senderID})
	if err != nil {
		return errors.Wrap(err, "marshal sms")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build sms request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "send sms")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("sms gateway returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

// LogSender only records what would have been sent.
type LogSender struct{ Logger *zap.Logger }

func (l LogSender) SendSMS(_ context.Context, phone, message string) error {
	l.Logger.Info("sms not delivered: no gateway configured", zap.String("phone", phone), zap.Int("length", len(message)))
	return nil
}

func (l LogSender) SendEmail(_ context.Context, to, subject, _ string) error {
	l.Logger.Info("email not delivered: no broker configured", zap.String("to", to), zap.String("subject", subject))
	return nil
}
