// Package events defines the JSON records exchanged with the airdrop
// binaries: transition events going out and airdrop requests coming in.
package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tsender/airdrop/internal/orchestrator"
)

const (
	TransitionVersion = "airdrop.transition.v1"
	RequestVersion    = "airdrop.request.v1"
)

var ErrInvalidRequest = errors.New("events: invalid airdrop request")

// Progress is the step counter shown with a transition.
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// ErrorInfo is the categorized failure attached to an error transition.
type ErrorInfo struct {
	Category   string `json:"category"`
	Message    string `json:"message"`
	UserAction string `json:"userAction"`
	Retryable  bool   `json:"retryable"`
	Detail     string `json:"detail,omitempty"`
}

// Transition is one orchestrator state change.
type Transition struct {
	Version    string     `json:"version"`
	Source     string     `json:"source,omitempty"`
	RequestID  string     `json:"requestId,omitempty"`
	Phase      string     `json:"phase"`
	Label      string     `json:"label"`
	Progress   Progress   `json:"progress"`
	Generation uint64     `json:"generation"`
	RetryCount uint       `json:"retryCount"`
	CanRetry   bool       `json:"canRetry"`
	BatchID    string     `json:"batchId,omitempty"`
	Recipients int        `json:"recipients,omitempty"`
	Total      string     `json:"total,omitempty"`
	ApprovalTx string     `json:"approvalTx,omitempty"`
	TransferTx string     `json:"transferTx,omitempty"`
	Error      *ErrorInfo `json:"error,omitempty"`
	At         time.Time  `json:"at"`
}

// FromSnapshot renders s. Amounts are base-unit decimal strings.
func FromSnapshot(s orchestrator.Snapshot, at time.Time) Transition {
	out := Transition{
		Version:    TransitionVersion,
		Phase:      s.Phase.String(),
		Label:      s.Label,
		Progress:   Progress{Current: s.Progress.Current, Total: s.Progress.Total},
		Generation: s.Generation,
		RetryCount: s.RetryCount,
		CanRetry:   s.CanRetry,
		Recipients: s.Recipients,
		At:         at.UTC(),
	}
	if (s.BatchID != common.Hash{}) {
		out.BatchID = s.BatchID.Hex()
	}
	if s.Total != nil {
		out.Total = s.Total.Dec()
	}
	if s.ApprovalTx != nil {
		out.ApprovalTx = s.ApprovalTx.Hex()
	}
	if s.TransferTx != nil {
		out.TransferTx = s.TransferTx.Hex()
	}
	if e := s.LastError; e != nil {
		out.Error = &ErrorInfo{
			Category:   string(e.Category),
			Message:    e.Message,
			UserAction: e.UserAction,
			Retryable:  e.Retryable,
			Detail:     e.TechnicalDetail,
		}
	}
	return out
}

// Request asks a worker to run one airdrop.
type Request struct {
	Version    string `json:"version"`
	ID         string `json:"id"`
	Token      string `json:"token"`
	Recipients string `json:"recipients"`
	Amounts    string `json:"amounts"`
	Decimals   *uint8 `json:"decimals,omitempty"`
}

// DecodeRequest parses and checks one request record. Recipient and amount
// text is validated later, when the orchestrator prepares the batch.
func DecodeRequest(b []byte) (Request, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var r Request
	if err := dec.Decode(&r); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if dec.More() {
		return Request{}, fmt.Errorf("%w: trailing data", ErrInvalidRequest)
	}
	if r.Version != RequestVersion {
		return Request{}, fmt.Errorf("%w: version %q", ErrInvalidRequest, r.Version)
	}
	if strings.TrimSpace(r.ID) == "" {
		return Request{}, fmt.Errorf("%w: missing id", ErrInvalidRequest)
	}
	if !common.IsHexAddress(r.Token) {
		return Request{}, fmt.Errorf("%w: token %q", ErrInvalidRequest, r.Token)
	}
	return r, nil
}

// OrchestratorRequest converts r for Orchestrator.Start.
func (r Request) OrchestratorRequest() orchestrator.Request {
	return orchestrator.Request{
		Token:      common.HexToAddress(r.Token),
		Recipients: r.Recipients,
		Amounts:    r.Amounts,
		Decimals:   r.Decimals,
	}
}
