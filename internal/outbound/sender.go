// Package outbound talks to the platform's send API. The scheduler decides
// when and whether to send; this package only delivers.
package outbound

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// SendError tells the scheduler whether another delivery attempt can help.
type SendError struct {
	Message   string
	Retryable bool
}

func (e *SendError) Error() string {
	return e.Message
}

type Sender interface {
	Send(ctx context.Context, accountID, recipient, text string) error
}

// GraphSender posts messages through the Meta Graph API.
type GraphSender struct {
	client    *retryablehttp.Client
	baseURL   string
	pageToken string
	logger    *zap.Logger
}

func NewGraphSender(baseURL, pageToken string, logger *zap.Logger) *GraphSender {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.Logger = nil

	return &GraphSender{
		client:    client,
		baseURL:   baseURL,
		pageToken: pageToken,
		logger:    logger,
	}
}

type graphMessageRequest struct {
	Recipient     graphRecipient `json:"recipient"`
	MessagingType string         `json:"messaging_type"`
	Message       graphMessage   `json:"message"`
	AccessToken   string         `json:"access_token"`
}

type graphRecipient struct {
	ID string `json:"id"`
}

type graphMessage struct {
	Text string `json:"text"`
}

func (s *GraphSender) Send(ctx context.Context, accountID, recipient, text string) error {
	body, err := json.Marshal(graphMessageRequest{
		Recipient:     graphRecipient{ID: recipient},
		MessagingType: "RESPONSE",
		Message:       graphMessage{Text: text},
		AccessToken:   s.pageToken,
	})
	if err != nil {
		return &SendError{Message: fmt.Sprintf("encode message: %v", err), Retryable: false}
	}

	url := fmt.Sprintf("%s/%s/messages", s.baseURL, accountID)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &SendError{Message: fmt.Sprintf("build request: %v", err), Retryable: false}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return &SendError{Message: fmt.Sprintf("send request: %v", err), Retryable: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	s.logger.Warn("Graph API rejected message",
		zap.Int("status", resp.StatusCode),
		zap.String("account_id", accountID),
		zap.ByteString("body", payload))

	// 4xx means the request itself is bad; retrying the same payload will
	// not change the answer. 429 and 5xx are worth another attempt.
	retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
	return &SendError{
		Message:   fmt.Sprintf("graph api status %d", resp.StatusCode),
		Retryable: retryable,
	}
}

// SentMessage records one delivery made through the memory sender.
type SentMessage struct {
	AccountID string
	Recipient string
	Text      string
}

// MemorySender is the in-process Sender used by demo mode and tests.
type MemorySender struct {
	mu   sync.Mutex
	sent []SentMessage

	// Fail, when set, is consulted before recording a send.
	Fail func(recipient string) error
}

func NewMemorySender() *MemorySender {
	return &MemorySender{}
}

func (s *MemorySender) Send(ctx context.Context, accountID, recipient, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Fail != nil {
		if err := s.Fail(recipient); err != nil {
			return err
		}
	}

	s.sent = append(s.sent, SentMessage{AccountID: accountID, Recipient: recipient, Text: text})
	return nil
}

func (s *MemorySender) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentMessage(nil), s.sent...)
}
