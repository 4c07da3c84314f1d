// Package executor admits and executes approved action requests under the
// operating-mode, rate, and spending regimes.
package executor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/quorumnet/steward/pkg/decision"
)

// Kind is the tagged variant of an action request.
type Kind string

const (
	KindPropose         Kind = "propose"
	KindSpend           Kind = "spend"
	KindStake           Kind = "stake"
	KindUnstake         Kind = "unstake"
	KindUpdateParameter Kind = "update-parameter"
	KindEmergencyStop   Kind = "emergency-stop"
	KindCodeChange      Kind = "code-change"
)

// Spending reports whether the kind moves funds and is therefore subject to
// the spending limits.
func (k Kind) Spending() bool {
	switch k {
	case KindSpend, KindStake, KindUnstake:
		return true
	default:
		return false
	}
}

// Cost is the asset movement attached to a spending request.
type Cost struct {
	Asset  string  `json:"asset"`
	Amount float64 `json:"amount"`
}

// Request is one action to execute. ID is the idempotency key end to end:
// through admission, the spending ledger, and the downstream sink.
type Request struct {
	ID          string          `json:"id"`
	Actor       string          `json:"actor"`
	Kind        Kind            `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	NotBefore   time.Time       `json:"not_before"`
	ExpiresAt   time.Time       `json:"expires_at"`
	Cost        *Cost           `json:"cost,omitempty"`
	TargetActor string          `json:"target_actor,omitempty"`

	// DecisionID and Level tie the request back to the decision that
	// produced it, for outcome recording and threshold adaptation.
	DecisionID string         `json:"decision_id,omitempty"`
	Level      decision.Level `json:"level"`
}

// Result is the observable outcome of an executed request.
type Result struct {
	Success          bool    `json:"success"`
	ObservableEffect string  `json:"observable_effect,omitempty"`
	CostDelta        float64 `json:"cost_delta,omitempty"`
}

// SinkReceipt is the downstream admission answer.
type SinkReceipt struct {
	Accepted bool   `json:"accepted"`
	ID       string `json:"id"`
	Reason   string `json:"reason,omitempty"`
}

// Sink is the external action interface. Submit must be idempotent by
// request id.
type Sink interface {
	Submit(ctx context.Context, req Request) (SinkReceipt, error)
	Status(ctx context.Context, id string) (Result, error)
}
