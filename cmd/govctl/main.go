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

// govctl is the operator CLI for a running governor: inspect posture, manage
// threats and sessions, and approve held response actions over the HTTP API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

type client struct {
	addr  string
	token string
	http  *http.Client
}

func (c *client) do(method, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.addr+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(data))
	}
	return data, nil
}

// show pretty-prints a JSON response.
func show(data []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return nil
	}
	fmt.Println(buf.String())
	return nil
}

func main() {
	c := &client{http: &http.Client{Timeout: 10 * time.Second}}

	root := &cobra.Command{
		Use:   "govctl",
		Short: "Operator CLI for the posture governor",
	}
	root.PersistentFlags().StringVar(&c.addr, "addr", envOr("GOVCTL_ADDR", "http://localhost:8080"), "governor API address")
	root.PersistentFlags().StringVar(&c.token, "token", os.Getenv("GOVCTL_TOKEN"), "API bearer token")

	get := func(path string) func(*cobra.Command, []string) error {
		return func(_ *cobra.Command, _ []string) error {
			data, err := c.do(http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			return show(data)
		}
	}

	root.AddCommand(
		&cobra.Command{Use: "status", Short: "Show the posture snapshot", RunE: get("/v1/status")},
		&cobra.Command{Use: "level", Short: "Show the current security level", RunE: get("/v1/level")},
		&cobra.Command{Use: "threats", Short: "List active threats", RunE: get("/v1/threats")},
		&cobra.Command{Use: "events", Short: "Show the security event log", RunE: get("/v1/events?limit=50")},
		&cobra.Command{Use: "sessions", Short: "List active sessions", RunE: get("/v1/sessions")},
		&cobra.Command{Use: "approvals", Short: "List response actions held for approval", RunE: get("/v1/approvals")},
	)

	var reason string
	escalate := &cobra.Command{
		Use:   "escalate <level>",
		Short: "Raise the security level",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return levelChange(c, "/v1/level/escalate", args[0], reason)
		},
	}
	deescalate := &cobra.Command{
		Use:   "deescalate <level>",
		Short: "Lower the security level",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return levelChange(c, "/v1/level/deescalate", args[0], reason)
		},
	}
	escalate.Flags().StringVar(&reason, "reason", "operator action", "reason recorded in the audit log")
	deescalate.Flags().StringVar(&reason, "reason", "operator action", "reason recorded in the audit log")
	root.AddCommand(escalate, deescalate)

	var resolution string
	resolve := &cobra.Command{
		Use:   "resolve <threat-id>",
		Short: "Resolve a threat",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			data, err := c.do(http.MethodPost, "/v1/threats/"+args[0]+"/resolve",
				map[string]string{"resolution": resolution})
			if err != nil {
				return err
			}
			return show(data)
		},
	}
	resolve.Flags().StringVar(&resolution, "resolution", "resolved by operator", "resolution note")
	root.AddCommand(resolve)

	root.AddCommand(
		&cobra.Command{
			Use:   "acknowledge <threat-id>",
			Short: "Acknowledge a threat",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				data, err := c.do(http.MethodPost, "/v1/threats/"+args[0]+"/acknowledge", struct{}{})
				if err != nil {
					return err
				}
				return show(data)
			},
		},
		&cobra.Command{
			Use:   "false-positive <threat-id>",
			Short: "Mark a threat as a false positive",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				data, err := c.do(http.MethodPost, "/v1/threats/"+args[0]+"/false-positive", struct{}{})
				if err != nil {
					return err
				}
				return show(data)
			},
		},
		&cobra.Command{
			Use:   "terminate <session-id>",
			Short: "Terminate a session",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				data, err := c.do(http.MethodPost, "/v1/sessions/"+args[0]+"/terminate",
					map[string]string{"reason": "operator action"})
				if err != nil {
					return err
				}
				return show(data)
			},
		},
		&cobra.Command{
			Use:   "approve <approval-id>",
			Short: "Approve a held response action",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				data, err := c.do(http.MethodPost, "/v1/approvals/"+args[0]+"/approve", struct{}{})
				if err != nil {
					return err
				}
				return show(data)
			},
		},
		&cobra.Command{
			Use:   "reject <approval-id>",
			Short: "Reject a held response action",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				data, err := c.do(http.MethodPost, "/v1/approvals/"+args[0]+"/reject", struct{}{})
				if err != nil {
					return err
				}
				return show(data)
			},
		},
		&cobra.Command{
			Use:   "unlock <principal>",
			Short: "Clear a principal's lockout",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				data, err := c.do(http.MethodPost, "/v1/auth/unlock",
					map[string]string{"principalId": args[0]})
				if err != nil {
					return err
				}
				return show(data)
			},
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func levelChange(c *client, path, levelArg, reason string) error {
	target, err := strconv.Atoi(levelArg)
	if err != nil {
		return fmt.Errorf("level must be a number 1-5: %w", err)
	}
	data, err := c.do(http.MethodPost, path, map[string]interface{}{
		"target": target,
		"reason": reason,
	})
	if err != nil {
		return err
	}
	return show(data)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
