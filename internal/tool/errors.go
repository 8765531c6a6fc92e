package tool

import "errors"

var (
	// ErrDuplicateTool is returned when a tool id is registered twice.
	ErrDuplicateTool = errors.New("tool already registered")
	// ErrToolNotFound is returned for calls to an unknown tool id.
	ErrToolNotFound = errors.New("tool not found")
	// ErrAuthorization means the caller may not use the tool. Not retried.
	ErrAuthorization = errors.New("tool access denied")
	// ErrValidation means the parameters failed sanitation. Not retried.
	ErrValidation = errors.New("invalid tool parameters")
	// ErrResourceLimit means admission was denied. Not retried.
	ErrResourceLimit = errors.New("resource limit exceeded")
	// ErrToolTimeout means an attempt outlived its timeout. Retried.
	ErrToolTimeout = errors.New("tool execution timed out")
	// ErrToolExecution wraps failures returned by a tool. Retried.
	ErrToolExecution = errors.New("tool execution failed")
	// ErrDependencyFailed means a task in DependsOn failed permanently.
	ErrDependencyFailed = errors.New("dependency failed")
	// ErrUnknownDependency means a DependsOn id is neither queued nor finished.
	ErrUnknownDependency = errors.New("unknown dependency")
	// ErrDuplicateTask is returned when a task id is already queued or running.
	ErrDuplicateTask = errors.New("task already scheduled")
	// ErrSchedulerStopped is delivered to tasks still queued at shutdown.
	ErrSchedulerStopped = errors.New("scheduler stopped")
	// ErrCancelled is delivered to tasks whose caller gave up.
	ErrCancelled = errors.New("task cancelled")
)
