// Package idempotency records the outcome of every mutating operation under
// its caller-supplied request id, so that a retried request replays the
// original result instead of applying its effect twice.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrConflict is returned when a key is reused for a different request.
var ErrConflict = errors.New("idempotency: key reused with different parameters")

// Operation names the kind of request a record belongs to.
type Operation string

const (
	OpAllocate       Operation = "allocate"
	OpPurchase       Operation = "purchase"
	OpRefund         Operation = "refund"
	OpPayoutRequest  Operation = "payout.request"
	OpPayoutDecision Operation = "payout.decision"
)

// Record is the stored outcome of one request.
type Record struct {
	Key         string    `json:"key"`
	Operation   Operation `json:"operation"`
	Fingerprint string    `json:"fingerprint"`
	Result      []byte    `json:"result"`
	CreatedAt   time.Time `json:"created_at"`
}

// Fingerprint hashes the operation and its parameters. Two requests with
// the same key must carry the same fingerprint to count as a replay.
func Fingerprint(op Operation, params ...any) string {
	var b strings.Builder
	b.WriteString(string(op))
	for _, p := range params {
		b.WriteByte(0)
		switch v := p.(type) {
		case string:
			b.WriteString(v)
		case int64:
			b.WriteString(strconv.FormatInt(v, 10))
		case fmt.Stringer:
			b.WriteString(v.String())
		default:
			fmt.Fprintf(&b, "%v", v)
		}
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// New builds a record holding result encoded as JSON.
func New(key string, op Operation, fingerprint string, result any, now time.Time) (*Record, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("idempotency: encode result for %q: %w", key, err)
	}
	return &Record{
		Key:         key,
		Operation:   op,
		Fingerprint: fingerprint,
		Result:      data,
		CreatedAt:   now.UTC(),
	}, nil
}

// Match verifies that r was written for the same operation and parameters.
func (r *Record) Match(op Operation, fingerprint string) error {
	if r.Operation != op || r.Fingerprint != fingerprint {
		return fmt.Errorf("%w: key %q was used for %s", ErrConflict, r.Key, r.Operation)
	}
	return nil
}

// Decode unmarshals the stored result into dst.
func (r *Record) Decode(dst any) error {
	if err := json.Unmarshal(r.Result, dst); err != nil {
		return fmt.Errorf("idempotency: decode result for %q: %w", r.Key, err)
	}
	return nil
}
