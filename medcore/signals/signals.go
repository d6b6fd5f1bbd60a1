// Package signals declares the capitan signals emitted across a turn.
// Signals follow the pattern: medcore.<entity>.<event>.
package signals

import "github.com/zoobzio/capitan"

var (
	// Turn lifecycle signals.
	TurnStarted = capitan.NewSignal(
		"medcore.turn.started",
		"Query accepted and session opened",
	)
	TurnCompleted = capitan.NewSignal(
		"medcore.turn.completed",
		"Turn persisted and answer returned",
	)
	TurnFailed = capitan.NewSignal(
		"medcore.turn.failed",
		"Turn aborted with an orchestration error",
	)

	// Agent task signals.
	TaskStarted = capitan.NewSignal(
		"medcore.task.started",
		"Agent task began running",
	)
	TaskSucceeded = capitan.NewSignal(
		"medcore.task.succeeded",
		"Agent task produced a result",
	)
	TaskFailed = capitan.NewSignal(
		"medcore.task.failed",
		"Agent task ended with an agent error",
	)

	// Reasoning signals.
	ReasoningCompleted = capitan.NewSignal(
		"medcore.reasoning.completed",
		"Reasoning processor produced a chain",
	)
	ReasoningFallback = capitan.NewSignal(
		"medcore.reasoning.fallback",
		"Reasoning degraded to a lower-fidelity strategy",
	)
)

// Field keys for medcore event data.
var (
	FieldSessionID = capitan.NewStringKey("session_id")
	FieldTurnID    = capitan.NewStringKey("turn_id")
	FieldClass     = capitan.NewStringKey("query_class")
	FieldStrategy  = capitan.NewStringKey("strategy")
	FieldAgent     = capitan.NewStringKey("agent")
	FieldTaskID    = capitan.NewStringKey("task_id")
	FieldErrorKind = capitan.NewStringKey("error_kind")
	FieldStatus    = capitan.NewStringKey("chain_status")

	FieldAgentCount  = capitan.NewIntKey("agent_count")
	FieldFailedCount = capitan.NewIntKey("failed_count")
	FieldStepCount   = capitan.NewIntKey("step_count")

	FieldConfidence = capitan.NewFloat32Key("confidence")
	FieldDuration   = capitan.NewDurationKey("duration")
	FieldError      = capitan.NewErrorKey("error")
)
