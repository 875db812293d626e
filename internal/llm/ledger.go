package llm

import (
	"context"
	"sync"
	"time"
)

// Entry is one recorded model call.
type Entry struct {
	Model string    `json:"model"`
	Usage Usage     `json:"usage"`
	At    time.Time `json:"at"`
}

// Totals aggregates a Ledger.
type Totals struct {
	Calls        int `json:"calls"`
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Ledger accumulates model usage for one node execution. The caller owns it
// and passes it to Metered; it is safe for concurrent use.
type Ledger struct {
	mu      sync.Mutex
	entries []Entry
}

func (l *Ledger) Record(model string, u Usage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, Entry{Model: model, Usage: u, At: time.Now()})
}

func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

func (l *Ledger) Totals() Totals {
	l.mu.Lock()
	defer l.mu.Unlock()
	var t Totals
	for _, e := range l.entries {
		t.Calls++
		t.InputTokens += e.Usage.InputTokens
		t.OutputTokens += e.Usage.OutputTokens
	}
	return t
}

type metered struct {
	Client
	ledger *Ledger
}

// Metered records the usage of every successful call on ledger.
func Metered(c Client, ledger *Ledger) Client {
	if ledger == nil {
		return c
	}
	return &metered{Client: c, ledger: ledger}
}

func (m *metered) Generate(ctx context.Context, req Request) (Response, error) {
	resp, err := m.Client.Generate(ctx, req)
	if err != nil {
		return resp, err
	}
	m.ledger.Record(m.Client.Name(), resp.Usage)
	return resp, nil
}
