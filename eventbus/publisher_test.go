package eventbus_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/xraph/treasury"
	"github.com/xraph/treasury/allocation"
	"github.com/xraph/treasury/audit"
	"github.com/xraph/treasury/entry"
	"github.com/xraph/treasury/eventbus"
	"github.com/xraph/treasury/payout"
	"github.com/xraph/treasury/store/memory"
	"github.com/xraph/treasury/vault"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	fail   error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return w.fail
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) topic(name string) []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []kafka.Message
	for _, m := range w.msgs {
		if m.Topic == name {
			out = append(out, m)
		}
	}
	return out
}

func TestEntriesKeyedByVault(t *testing.T) {
	ctx := context.Background()
	w := &fakeWriter{}
	tr, err := treasury.New(memory.New(), treasury.WithPlugin(eventbus.New(w)))
	if err != nil {
		t.Fatal(err)
	}

	wallet := vault.UserWallet("u1")
	creator := vault.CreatorVault("c1")
	if _, err := tr.Purchase(ctx, "buy-1", wallet, 100); err != nil {
		t.Fatal(err)
	}
	res, err := tr.Allocate(ctx, allocation.Request{
		RequestID: "a1", SpenderVaultID: wallet, CreatorVaultID: creator, GrossAmount: 100,
	})
	if err != nil {
		t.Fatal(err)
	}

	msgs := w.topic(eventbus.DefaultEntriesTopic)
	if len(msgs) == 0 {
		t.Fatal("no entries published")
	}
	var creatorCredit bool
	for _, m := range msgs {
		var e entry.Entry
		if err := json.Unmarshal(m.Value, &e); err != nil {
			t.Fatal(err)
		}
		if string(m.Key) != string(e.VaultID) {
			t.Errorf("message key %q, entry vault %q", m.Key, e.VaultID)
		}
		if e.VaultID == creator && e.TransactionID.String() == res.TransactionID.String() {
			creatorCredit = e.Amount == 65
		}
	}
	if !creatorCredit {
		t.Error("creator credit of the allocation was not published")
	}

	if err := tr.Stop(); err != nil {
		t.Fatal(err)
	}
	if !w.closed {
		t.Error("writer not closed on shutdown")
	}
}

func TestSettlementEnvelope(t *testing.T) {
	ctx := context.Background()
	w := &fakeWriter{}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := eventbus.New(w,
		eventbus.WithTopics("", "settlement"),
		eventbus.WithClock(func() time.Time { return at }),
	)

	req := &payout.Request{RequestID: "p1", VaultID: vault.CreatorVault("c1"), Amount: 40, State: payout.StateReleased}
	if err := p.OnPayoutReleased(ctx, req); err != nil {
		t.Fatal(err)
	}

	msgs := w.topic("settlement")
	if len(msgs) != 1 {
		t.Fatalf("published %d messages", len(msgs))
	}
	var env eventbus.Envelope
	if err := json.Unmarshal(msgs[0].Value, &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != eventbus.EventPayoutReleased || !env.OccurredAt.Equal(at) {
		t.Errorf("envelope = %+v", env)
	}
	var got payout.Request
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatal(err)
	}
	if got.RequestID != "p1" || got.Amount != 40 || string(msgs[0].Key) != "creator:c1" {
		t.Errorf("payload = %+v, key %q", got, msgs[0].Key)
	}
}

func TestPublishErrors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("broker down")
	p := eventbus.New(&fakeWriter{fail: boom})

	if err := p.OnIntegrityViolation(ctx, []audit.Discrepancy{{VaultID: vault.CreatorVault("c1")}}); !errors.Is(err, boom) {
		t.Errorf("expected broker error, got %v", err)
	}
	if err := p.OnIntegrityViolation(ctx, nil); err != nil {
		t.Errorf("empty violation list: %v", err)
	}
	if _, err := eventbus.NewKafka(nil); err == nil {
		t.Error("expected an error without brokers")
	}
}
