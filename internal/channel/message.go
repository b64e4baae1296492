package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/testpulse/testpulse/internal/domain"
)

type MessageType string

const (
	TypeConnectionStatus   MessageType = "connection:status"
	TypeRunStarted         MessageType = "run:started"
	TypeRunCompleted       MessageType = "run:completed"
	TypeRunStatus          MessageType = "run:status"
	TypeTestStarted        MessageType = "test:started"
	TypeTestStep           MessageType = "test:step"
	TypeTestCompleted      MessageType = "test:completed"
	TypeDashboardRefresh   MessageType = "dashboard:refresh"
	TypeDiscoveryCompleted MessageType = "discovery:completed"
	TypeProcessStarted     MessageType = "process:started"
	TypeProcessEnded       MessageType = "process:ended"
	TypePing               MessageType = "ping"
	TypePong               MessageType = "pong"
)

var (
	ErrMalformed   = errors.New("malformed message")
	ErrUnknownType = errors.New("unknown message type")
)

func (t MessageType) Known() bool {
	switch t {
	case TypeConnectionStatus, TypeRunStarted, TypeRunCompleted, TypeRunStatus,
		TypeTestStarted, TypeTestStep, TypeTestCompleted, TypeDashboardRefresh,
		TypeDiscoveryCompleted, TypeProcessStarted, TypeProcessEnded, TypePing, TypePong:
		return true
	default:
		return false
	}
}

// Message is the unit exchanged between the hub and its observers.
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type RunStartedData struct {
	RunID               string      `json:"runId"`
	Kind                domain.Kind `json:"kind"`
	ScopeKey            string      `json:"scopeKey"`
	StartedAt           time.Time   `json:"startedAt"`
	EstimatedDurationMs int64       `json:"estimatedDurationMs,omitempty"`
}

// RunCompletedData names the freed scope. Reruns carry OriginalTestID instead
// of ScopeKey.
type RunCompletedData struct {
	RunID          string      `json:"runId"`
	Kind           domain.Kind `json:"kind"`
	ScopeKey       string      `json:"scopeKey,omitempty"`
	OriginalTestID string      `json:"originalTestId,omitempty"`
	Status         string      `json:"status,omitempty"`
}

// FreedKey is the registry key the completed run was holding.
func (d RunCompletedData) FreedKey() domain.Key {
	scope := d.ScopeKey
	if d.Kind == domain.KindRerun && d.OriginalTestID != "" {
		scope = d.OriginalTestID
	}
	if d.Kind == domain.KindRunAll {
		scope = domain.RunAllScope
	}
	return domain.Key{Kind: d.Kind, ScopeKey: scope}
}

type RunStatusData struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type TestStartedData struct {
	RunID    string              `json:"runId"`
	TestID   string              `json:"testId"`
	Name     string              `json:"name"`
	FilePath string              `json:"filePath"`
	Progress *domain.RunProgress `json:"progress,omitempty"`
}

type TestStepData struct {
	RunID     string              `json:"runId"`
	TestID    string              `json:"testId"`
	Step      string              `json:"step"`
	StepIndex int                 `json:"stepIndex"`
	StepTotal int                 `json:"stepTotal"`
	Progress  *domain.RunProgress `json:"progress,omitempty"`
}

type TestCompletedData struct {
	RunID      string              `json:"runId"`
	TestID     string              `json:"testId"`
	Status     domain.TestStatus   `json:"status"`
	DurationMs int64               `json:"durationMs"`
	Progress   *domain.RunProgress `json:"progress,omitempty"`
}

type DashboardRefreshData struct {
	IsRerun bool   `json:"isRerun,omitempty"`
	TestID  string `json:"testId,omitempty"`
}

type DiscoveryCompletedData struct {
	TotalTests int `json:"totalTests"`
	TotalFiles int `json:"totalFiles"`
	Added      int `json:"added"`
	Removed    int `json:"removed"`
}

type ProcessData struct {
	RunID    string `json:"runId,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
}

// NewMessage encodes data as the payload of a message of type t.
func NewMessage(t MessageType, data any) (Message, error) {
	if !t.Known() {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	if data == nil {
		return Message{Type: t}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s: %w", t, err)
	}
	return Message{Type: t, Data: raw}, nil
}

func Encode(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Parse decodes a frame and rejects types outside the vocabulary.
func Parse(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	msg.Type = MessageType(strings.TrimSpace(string(msg.Type)))
	if msg.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if !msg.Type.Known() {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	return msg, nil
}

// DecodeData unmarshals the payload into v.
func (m Message) DecodeData(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrMalformed, m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, m.Type, err)
	}
	return nil
}
