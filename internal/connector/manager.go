// Package connector registers and supervises the Debezium capture connector in Kafka Connect.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-lake/internal/config"
	"github.com/katasec/dstream-ingester-lake/internal/retry"
)

// State is the lifecycle state of the managed connector
type State string

const (
	StateAbsent      State = "absent"
	StateRegistering State = "registering"
	StateRunning     State = "running"
	StateFailed      State = "failed"
)

// ErrConnectorFailed is returned when Kafka Connect reports the connector or a task as FAILED.
var ErrConnectorFailed = errors.New("connector failed")

// Spec is the desired connector: its identity and full configuration
type Spec struct {
	Name   string            `json:"name"`
	Config map[string]string `json:"config"`
}

// Manager reconciles one connector against the Kafka Connect REST API
type Manager struct {
	baseURL      string
	client       *http.Client
	pollInterval time.Duration
	readyTimeout time.Duration
	createPolicy retry.Policy
	log          hclog.Logger

	mu    sync.RWMutex
	state State
}

func NewManager(cfg config.ConnectConfig, log hclog.Logger) *Manager {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Manager{
		baseURL:      strings.TrimRight(cfg.URL, "/"),
		client:       &http.Client{Timeout: 30 * time.Second},
		pollInterval: interval,
		readyTimeout: cfg.ReadyTimeout,
		createPolicy: retry.Policy{Initial: interval, Max: 4 * interval, MaxAttempts: 10},
		log:          log.Named("connector"),
		state:        StateAbsent,
	}
}

// Status returns the last observed connector state.
func (m *Manager) Status() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != s {
		m.log.Debug("Connector state changed", "from", m.state, "to", s)
	}
	m.state = s
}

// EnsureRegistered converges Kafka Connect to exactly one connector named spec.Name
// running spec.Config. An existing connector with that name is always replaced.
func (m *Manager) EnsureRegistered(ctx context.Context, spec Spec) (State, error) {
	if err := m.waitReady(ctx); err != nil {
		m.setState(StateFailed)
		return StateFailed, fmt.Errorf("kafka connect not ready: %w", err)
	}

	m.setState(StateRegistering)

	exists, err := m.exists(ctx, spec.Name)
	if err != nil {
		m.setState(StateFailed)
		return StateFailed, err
	}
	if exists {
		m.log.Warn("Connector already exists, replacing it", "connector", spec.Name)
		if err := m.remove(ctx, spec.Name); err != nil {
			m.setState(StateFailed)
			return StateFailed, err
		}
	}

	if err := m.create(ctx, spec); err != nil {
		m.setState(StateFailed)
		return StateFailed, err
	}
	m.log.Info("Connector created", "connector", spec.Name)

	if err := m.waitRunning(ctx, spec.Name); err != nil {
		m.setState(StateFailed)
		return StateFailed, err
	}
	m.setState(StateRunning)
	m.log.Info("Connector running", "connector", spec.Name)
	return StateRunning, nil
}

func (m *Manager) waitReady(ctx context.Context) error {
	return retry.Poll(ctx, m.pollInterval, m.readyTimeout, func(ctx context.Context) (bool, error) {
		status, _, err := m.do(ctx, http.MethodGet, "/connectors", nil)
		if err != nil {
			m.log.Debug("Kafka Connect not reachable yet", "error", err)
			return false, err
		}
		if status != http.StatusOK {
			return false, fmt.Errorf("GET /connectors returned %d", status)
		}
		return true, nil
	})
}

func (m *Manager) exists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := retry.Do(ctx, m.log, "lookup connector", m.createPolicy, func(ctx context.Context) error {
		status, body, err := m.do(ctx, http.MethodGet, "/connectors/"+url.PathEscape(name), nil)
		if err != nil {
			return err
		}
		switch {
		case status == http.StatusOK:
			exists = true
			return nil
		case status == http.StatusNotFound:
			exists = false
			return nil
		case status >= 500:
			return fmt.Errorf("lookup connector %s: %d: %s", name, status, body)
		default:
			return retry.Permanent(fmt.Errorf("lookup connector %s: %d: %s", name, status, body))
		}
	})
	return exists, err
}

// remove deletes the connector and waits until Kafka Connect no longer lists it.
func (m *Manager) remove(ctx context.Context, name string) error {
	err := retry.Do(ctx, m.log, "delete connector", m.createPolicy, func(ctx context.Context) error {
		status, body, err := m.do(ctx, http.MethodDelete, "/connectors/"+url.PathEscape(name), nil)
		if err != nil {
			return err
		}
		switch {
		case status == http.StatusNoContent, status == http.StatusOK, status == http.StatusNotFound:
			return nil
		case status == http.StatusConflict, status >= 500:
			return fmt.Errorf("delete connector %s: %d: %s", name, status, body)
		default:
			return retry.Permanent(fmt.Errorf("delete connector %s: %d: %s", name, status, body))
		}
	})
	if err != nil {
		return err
	}

	return retry.Poll(ctx, m.pollInterval, m.readyTimeout, func(ctx context.Context) (bool, error) {
		exists, err := m.exists(ctx, name)
		return err == nil && !exists, err
	})
}

func (m *Manager) create(ctx context.Context, spec Spec) error {
	body, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("failed to encode connector config: %w", err)
	}
	return retry.Do(ctx, m.log, "create connector", m.createPolicy, func(ctx context.Context) error {
		status, resp, err := m.do(ctx, http.MethodPost, "/connectors", body)
		if err != nil {
			return err
		}
		switch {
		case status == http.StatusCreated, status == http.StatusOK:
			return nil
		case status == http.StatusConflict:
			// rebalance in progress
			return fmt.Errorf("create connector %s: conflict: %s", spec.Name, resp)
		case status >= 500:
			return fmt.Errorf("create connector %s: %d: %s", spec.Name, status, resp)
		default:
			return retry.Permanent(fmt.Errorf("create connector %s: %d: %s", spec.Name, status, resp))
		}
	})
}

type taskStatus struct {
	ID    int    `json:"id"`
	State string `json:"state"`
	Trace string `json:"trace"`
}

type connectorStatus struct {
	Name      string `json:"name"`
	Connector struct {
		State string `json:"state"`
		Trace string `json:"trace"`
	} `json:"connector"`
	Tasks []taskStatus `json:"tasks"`
}

func (m *Manager) waitRunning(ctx context.Context, name string) error {
	return retry.Poll(ctx, m.pollInterval, m.readyTimeout, func(ctx context.Context) (bool, error) {
		status, body, err := m.do(ctx, http.MethodGet, "/connectors/"+url.PathEscape(name)+"/status", nil)
		if err != nil {
			return false, err
		}
		if status == http.StatusNotFound {
			return false, nil
		}
		if status != http.StatusOK {
			return false, fmt.Errorf("connector status returned %d", status)
		}

		var cs connectorStatus
		if err := json.Unmarshal(body, &cs); err != nil {
			return false, fmt.Errorf("failed to decode connector status: %w", err)
		}
		if cs.Connector.State == "FAILED" {
			return false, retry.Permanent(fmt.Errorf("%w: %s: %s", ErrConnectorFailed, name, cs.Connector.Trace))
		}
		for _, t := range cs.Tasks {
			if t.State == "FAILED" {
				return false, retry.Permanent(fmt.Errorf("%w: %s task %d: %s", ErrConnectorFailed, name, t.ID, t.Trace))
			}
		}
		if cs.Connector.State != "RUNNING" || len(cs.Tasks) == 0 {
			return false, nil
		}
		for _, t := range cs.Tasks {
			if t.State != "RUNNING" {
				return false, nil
			}
		}
		return true, nil
	})
}

func (m *Manager) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, respBody, nil
}
