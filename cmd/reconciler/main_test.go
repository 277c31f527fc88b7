package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/aws/aws-lambda-go/events"

	"paygate/internal/telemetry"
	"paygate/internal/types"
)

type fakeActivator struct {
	err   error
	calls []string
}

func (f *fakeActivator) Activate(_ context.Context, transactionID, _ string, _ []byte) (*types.Subscription, error) {
	f.calls = append(f.calls, transactionID)
	if f.err != nil {
		return nil, f.err
	}
	return &types.Subscription{ID: "sub_1", Status: types.SubStatusActive}, nil
}

func newTestHandler(activator *fakeActivator) *Handler {
	return &Handler{
		activator: activator,
		metrics:   telemetry.NoopCollector{},
		logger:    slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
}

func reconcileEvent(t *testing.T, messageID string, msg types.ReconcileMessage) events.SQSEvent {
	t.Helper()
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal reconcile message: %v", err)
	}
	return events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: messageID, Body: string(body)},
	}}
}

func TestHandle_SuccessfulReplayAcks(t *testing.T) {
	activator := &fakeActivator{}
	h := newTestHandler(activator)

	resp, err := h.Handle(context.Background(), reconcileEvent(t, "m1", types.ReconcileMessage{
		TraceID:       "trace_1",
		Provider:      "coinbox",
		TransactionID: "tx_1",
		ProviderRef:   "cb_ref_1",
		Attempt:       1,
	}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Errorf("BatchItemFailures = %v, want none", resp.BatchItemFailures)
	}
	if len(activator.calls) != 1 || activator.calls[0] != "tx_1" {
		t.Errorf("activator calls = %v", activator.calls)
	}
}

func TestHandle_StillMissingTransactionRetries(t *testing.T) {
	activator := &fakeActivator{
		err: types.NewAppError(types.ErrCodeNotFoundTransaction, "transaction not found", nil),
	}
	h := newTestHandler(activator)

	resp, err := h.Handle(context.Background(), reconcileEvent(t, "m1", types.ReconcileMessage{
		TransactionID: "tx_missing",
	}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(resp.BatchItemFailures) != 1 || resp.BatchItemFailures[0].ItemIdentifier != "m1" {
		t.Errorf("BatchItemFailures = %v, want m1", resp.BatchItemFailures)
	}
}

func TestHandle_TxStateConflictIsDropped(t *testing.T) {
	activator := &fakeActivator{
		err: types.NewAppError(types.ErrCodeConflictTxState, "transaction is cancelled", nil),
	}
	h := newTestHandler(activator)

	resp, err := h.Handle(context.Background(), reconcileEvent(t, "m1", types.ReconcileMessage{
		TransactionID: "tx_cancelled",
	}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Errorf("terminal state conflict must not be retried, got %v", resp.BatchItemFailures)
	}
}

func TestHandle_StorageFailureRetries(t *testing.T) {
	activator := &fakeActivator{
		err: types.NewAppError(types.ErrCodeInternalDB, "query failed", errors.New("timeout")),
	}
	h := newTestHandler(activator)

	resp, err := h.Handle(context.Background(), reconcileEvent(t, "m1", types.ReconcileMessage{
		TransactionID: "tx_1",
	}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(resp.BatchItemFailures) != 1 {
		t.Errorf("BatchItemFailures = %v, want one retry", resp.BatchItemFailures)
	}
}

func TestHandle_MalformedBodyIsAcked(t *testing.T) {
	activator := &fakeActivator{}
	h := newTestHandler(activator)

	resp, err := h.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "m1", Body: "{not json"},
	}})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Errorf("poison message must be acked, got %v", resp.BatchItemFailures)
	}
	if len(activator.calls) != 0 {
		t.Errorf("activator was called for a malformed message")
	}
}

func TestHandle_MixedBatchReportsOnlyFailures(t *testing.T) {
	activator := &fakeActivator{}
	h := newTestHandler(activator)

	good, _ := json.Marshal(types.ReconcileMessage{TransactionID: "tx_ok"})
	resp, err := h.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "m1", Body: string(good)},
		{MessageId: "m2", Body: "{not json"},
	}})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Errorf("BatchItemFailures = %v", resp.BatchItemFailures)
	}
	if len(activator.calls) != 1 {
		t.Errorf("activator calls = %v, want only the well-formed message", activator.calls)
	}
}
