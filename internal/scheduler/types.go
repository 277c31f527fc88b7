// Package scheduler implements the scheduled maintenance jobs for the paygate
// platform: the subscription expiry sweep and webhook delivery retention.
//
// This file defines the shared types for the maintenance multiplexer. The
// MaintenancePayload is the JSON structure sent by EventBridge rules to the
// sweeper Lambda; the TaskType constant determines which service method
// handles the request.
package scheduler

import "time"

// TaskType identifies which maintenance service should handle an EventBridge
// event. Each constant maps to a specific service method in the maintenance
// multiplexer.
type TaskType string

const (
	TaskExpireSubscriptions TaskType = "expire_subscriptions"
	TaskPurgeDeliveries     TaskType = "purge_deliveries"
)

// MaintenancePayload is the JSON payload sent by EventBridge to the sweeper
// Lambda function. It identifies the task to execute and optionally overrides
// the reference time for manual invocation or backfilling.
//
//	{
//	  "task": "expire_subscriptions",
//	  "reference_time": "2026-03-15T03:00:00Z"  // optional
//	}
type MaintenancePayload struct {
	Task TaskType `json:"task"`
	// ReferenceTime allows manual invocation to specify a different "now" for
	// deterministic execution and backfilling. If nil, time.Now().UTC() is used.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}
