// Copyright 2025 The Posture Governor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"

	govErrors "github.com/sec-posture/governor/pkg/errors"
	"github.com/sec-posture/governor/pkg/logger"
)

// LogChannel writes notifications to the structured log. It is always bound
// and never fails.
type LogChannel struct{}

func (LogChannel) Name() string { return "log" }

func (LogChannel) Deliver(_ context.Context, n Notification) error {
	logger.Info(n.Title, logger.Fields{
		Component: "notify",
		Channel:   "log",
		Severity:  string(n.Severity),
		Reason:    n.Body,
		Additional: map[string]interface{}{
			"kind":     string(n.Kind),
			"audience": string(n.Audience),
		},
	})
	return nil
}

// WebhookChannel POSTs notifications as JSON to a fixed URL.
type WebhookChannel struct {
	url    string
	client *http.Client
}

// NewWebhookChannel creates a webhook channel.
func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (w *WebhookChannel) Name() string { return "webhook" }

func (w *WebhookChannel) Deliver(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return govErrors.NewNotifyError("webhook", "MARSHAL_FAILED", "marshal notification", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return govErrors.NewNotifyError("webhook", "REQUEST_FAILED", "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return govErrors.NewNotifyError("webhook", "DELIVERY_FAILED", "post notification", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return govErrors.NewNotifyError("webhook", "BAD_STATUS",
			fmt.Sprintf("webhook returned status %d", resp.StatusCode), nil)
	}
	return nil
}

// NATSChannel publishes notifications to a NATS subject so downstream
// responders can consume incidents as a stream.
type NATSChannel struct {
	conn    *nats.Conn
	subject string
}

// NewNATSChannel connects to the NATS server and returns a channel publishing
// to the given subject.
func NewNATSChannel(url, subject string) (*NATSChannel, error) {
	conn, err := nats.Connect(url,
		nats.Name("posture-governor"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, govErrors.NewNotifyError("nats", "CONNECT_FAILED", "connect to "+url, err)
	}
	return &NATSChannel{conn: conn, subject: subject}, nil
}

func (c *NATSChannel) Name() string { return "nats" }

func (c *NATSChannel) Deliver(_ context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return govErrors.NewNotifyError("nats", "MARSHAL_FAILED", "marshal notification", err)
	}
	subject := fmt.Sprintf("%s.%s", c.subject, n.Kind)
	if err := c.conn.Publish(subject, data); err != nil {
		return govErrors.NewNotifyError("nats", "PUBLISH_FAILED", "publish to "+subject, err)
	}
	return nil
}

// Close drains the NATS connection.
func (c *NATSChannel) Close() {
	if c.conn != nil {
		_ = c.conn.Drain()
	}
}
