// Package alert notifies external channels about refresh cycle outcomes.
package alert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
)

// Outcome of a refresh cycle.
type Outcome string

const (
	OutcomeCommitted Outcome = "committed"
	OutcomeFailed    Outcome = "failed"
)

// Notification is the data sent to alert destinations.
type Notification struct {
	CycleID        string    `json:"cycle_id"`
	Organization   string    `json:"organization"`
	Outcome        Outcome   `json:"outcome"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	Members        int       `json:"members"`
	Participations int       `json:"participations"`
	Solves         int       `json:"solves"`
}

// Title is a one-line headline for chat notifiers.
func (n *Notification) Title() string {
	if n.Outcome == OutcomeFailed {
		return fmt.Sprintf("%s refresh failed", n.Organization)
	}
	return fmt.Sprintf("%s refresh committed", n.Organization)
}

// Summary describes the cycle in a sentence or two.
func (n *Notification) Summary() string {
	took := n.FinishedAt.Sub(n.StartedAt).Round(time.Second)
	if n.Outcome == OutcomeFailed {
		return fmt.Sprintf("Cycle %s aborted after %s; the previous snapshot is still served.\n%s", n.CycleID, took, n.Error)
	}
	return fmt.Sprintf("Cycle %s published %d members, %d contest results and %d solves in %s.",
		n.CycleID, n.Members, n.Participations, n.Solves, took)
}

// Notifier delivers alerts to a specific destination.
type Notifier interface {
	Name() string
	Send(ctx context.Context, n *Notification) error
}

// Manager broadcasts notifications to all registered notifiers.
type Manager struct {
	notifiers []Notifier
}

// NewManager creates a new alert manager.
func NewManager(notifiers []Notifier) *Manager {
	return &Manager{notifiers: notifiers}
}

// HasNotifiers returns true if at least one notifier is configured.
func (m *Manager) HasNotifiers() bool {
	return m != nil && len(m.notifiers) > 0
}

// Broadcast sends a notification to all registered notifiers.
func (m *Manager) Broadcast(ctx context.Context, n *Notification) error {
	if m == nil {
		return nil
	}
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", notifier.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// postJSON encodes payload and POSTs it, treating any non-2xx as an error.
func postJSON(ctx context.Context, client *http.Client, url string, payload any, headers map[string]string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return post(ctx, client, url, body, headers)
}

func post(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "cforg/1.0")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
