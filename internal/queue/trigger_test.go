package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"paygate/internal/config"
	"paygate/internal/types"
)

// --- Mock SQS Client ---

// mockSQSSender captures SendMessage calls for test assertions.
type mockSQSSender struct {
	// calls records every SendMessageInput passed to SendMessage.
	calls []*sqs.SendMessageInput
	// err is returned by SendMessage if non-nil (simulates SQS failures).
	err error
}

func (m *mockSQSSender) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.calls = append(m.calls, params)
	if m.err != nil {
		return nil, m.err
	}
	return &sqs.SendMessageOutput{}, nil
}

// --- Test Helpers ---

const testReconcileURL = "https://sqs.us-east-1.amazonaws.com/123456789/paygate-reconcile"

func newTestPublisher(mock *mockSQSSender) *ReconcilePublisher {
	awsCfg := config.AWSConfig{ReconcileQueueURL: testReconcileURL}
	return NewReconcilePublisher(mock, awsCfg, slog.Default())
}

// --- Tests ---

func TestPublish_SendsToReconcileQueue(t *testing.T) {
	mock := &mockSQSSender{}
	pub := newTestPublisher(mock)

	msg := types.ReconcileMessage{
		Provider:      "mpay",
		TransactionID: "tx_42",
		ProviderRef:   "mp_500",
		DeliveryID:    "notify_1",
	}
	if err := pub.Publish(context.Background(), msg, "missing_transaction"); err != nil {
		t.Fatalf("Publish returned unexpected error: %v", err)
	}

	if len(mock.calls) != 1 {
		t.Fatalf("expected 1 SQS call, got %d", len(mock.calls))
	}
	if *mock.calls[0].QueueUrl != testReconcileURL {
		t.Errorf("expected queue URL %q, got %q", testReconcileURL, *mock.calls[0].QueueUrl)
	}
}

func TestPublish_PreservesFullPayload(t *testing.T) {
	mock := &mockSQSSender{}
	pub := newTestPublisher(mock)

	received := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	original := types.ReconcileMessage{
		TraceID:       "trace_full",
		Provider:      "zenipay",
		TransactionID: "tx_full",
		ProviderRef:   "zp_9",
		DeliveryID:    "evt_77",
		ReceivedAt:    received,
		Attempt:       2,
	}

	if err := pub.Publish(context.Background(), original, "storage_failure"); err != nil {
		t.Fatalf("Publish returned unexpected error: %v", err)
	}

	var decoded types.ReconcileMessage
	if err := json.Unmarshal([]byte(*mock.calls[0].MessageBody), &decoded); err != nil {
		t.Fatalf("failed to unmarshal message body: %v", err)
	}

	if decoded.TraceID != original.TraceID {
		t.Errorf("TraceID mismatch: got %q, want %q", decoded.TraceID, original.TraceID)
	}
	if decoded.Provider != original.Provider {
		t.Errorf("Provider mismatch: got %q, want %q", decoded.Provider, original.Provider)
	}
	if decoded.TransactionID != original.TransactionID {
		t.Errorf("TransactionID mismatch: got %q, want %q", decoded.TransactionID, original.TransactionID)
	}
	if decoded.ProviderRef != original.ProviderRef {
		t.Errorf("ProviderRef mismatch: got %q, want %q", decoded.ProviderRef, original.ProviderRef)
	}
	if decoded.DeliveryID != original.DeliveryID {
		t.Errorf("DeliveryID mismatch: got %q, want %q", decoded.DeliveryID, original.DeliveryID)
	}
	if !decoded.ReceivedAt.Equal(original.ReceivedAt) {
		t.Errorf("ReceivedAt mismatch: got %v, want %v", decoded.ReceivedAt, original.ReceivedAt)
	}
	if decoded.Attempt != original.Attempt {
		t.Errorf("Attempt mismatch: got %d, want %d", decoded.Attempt, original.Attempt)
	}
}

func TestPublish_GeneratesTraceIDAndReceivedAt(t *testing.T) {
	mock := &mockSQSSender{}
	pub := newTestPublisher(mock)

	before := time.Now().UTC()
	msg := types.ReconcileMessage{Provider: "coinbox", TransactionID: "tx_1"}
	if err := pub.Publish(context.Background(), msg, "missing_transaction"); err != nil {
		t.Fatalf("Publish returned unexpected error: %v", err)
	}
	after := time.Now().UTC()

	var decoded types.ReconcileMessage
	if err := json.Unmarshal([]byte(*mock.calls[0].MessageBody), &decoded); err != nil {
		t.Fatalf("failed to unmarshal message body: %v", err)
	}

	if decoded.TraceID == "" {
		t.Error("expected non-empty TraceID")
	}
	if decoded.ReceivedAt.Before(before) || decoded.ReceivedAt.After(after) {
		t.Errorf("ReceivedAt %v not in expected range [%v, %v]", decoded.ReceivedAt, before, after)
	}
}

func TestPublish_SetsMessageAttributes(t *testing.T) {
	mock := &mockSQSSender{}
	pub := newTestPublisher(mock)

	msg := types.ReconcileMessage{Provider: "oson", TransactionID: "tx_1"}
	if err := pub.Publish(context.Background(), msg, "missing_transaction"); err != nil {
		t.Fatalf("Publish returned unexpected error: %v", err)
	}

	attrs := mock.calls[0].MessageAttributes

	reason, ok := attrs["reason"]
	if !ok {
		t.Fatal("expected 'reason' message attribute to be set")
	}
	if *reason.StringValue != "missing_transaction" {
		t.Errorf("expected reason attribute 'missing_transaction', got %q", *reason.StringValue)
	}
	if *reason.DataType != "String" {
		t.Errorf("expected DataType 'String', got %q", *reason.DataType)
	}

	provider, ok := attrs["provider"]
	if !ok {
		t.Fatal("expected 'provider' message attribute to be set")
	}
	if *provider.StringValue != "oson" {
		t.Errorf("expected provider attribute 'oson', got %q", *provider.StringValue)
	}
}

func TestPublish_UnconfiguredQueueIsNoOp(t *testing.T) {
	mock := &mockSQSSender{}
	pub := NewReconcilePublisher(mock, config.AWSConfig{}, slog.Default())

	if pub.Enabled() {
		t.Error("expected publisher without a queue URL to be disabled")
	}

	msg := types.ReconcileMessage{Provider: "bankflow", TransactionID: "tx_1"}
	if err := pub.Publish(context.Background(), msg, "missing_transaction"); err != nil {
		t.Fatalf("expected no-op publish to succeed, got: %v", err)
	}

	if len(mock.calls) != 0 {
		t.Errorf("expected no SQS calls for disabled publisher, got %d", len(mock.calls))
	}
}

func TestPublish_SQSError(t *testing.T) {
	mock := &mockSQSSender{err: fmt.Errorf("service unavailable")}
	pub := newTestPublisher(mock)

	msg := types.ReconcileMessage{Provider: "mpay", TransactionID: "tx_fail"}
	err := pub.Publish(context.Background(), msg, "storage_failure")
	if err == nil {
		t.Fatal("expected error from Publish, got nil")
	}
	if !strings.Contains(err.Error(), "failed to send ReconcileMessage") {
		t.Errorf("expected error message to contain 'failed to send ReconcileMessage', got %q", err.Error())
	}
	if !strings.Contains(err.Error(), testReconcileURL) {
		t.Errorf("expected error message to contain queue URL %q, got %q", testReconcileURL, err.Error())
	}
}
