// Copyright 2024 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a MIT license that can be
// found in the LICENSE file.

/*
Package agent drives a whole AgentRecipe from its first step to a terminal
step and assembles the AgentResult.

# Overview

AgentExecutor owns one StepManager per run. For every step it runs a
workflow.StepExecutor, appends the resulting StepExecution to the result,
feeds the instructions the step produced back into the manager and advances.
Steps run strictly one after another; only tool calls inside a round run
concurrently.

# Failure semantics

A FAILED step stops the run with an *ExecutionError naming the step, unless
WithContinueOnStepFailure is set. An exceptional failure escaping a step
(executor error, panic) always stops the run. Cancelling the context stops
the run with code RUN_CANCELLED; the result keeps every execution completed
before the cancellation and has Cancelled set.

The returned *AgentResult is never nil.

# Runs and signals

ExecuteAsync returns a *Run handle. Besides Wait and Cancel it exposes the
external signals read by the completion chain:

	run := exec.ExecuteAsync(ctx)
	run.RequestAbort("user closed the session") // NON_RECOVERABLE_ERROR
	result, err := run.Wait(ctx)

# Loop guard

WithMaxStepExecutions bounds the number of steps per run and
WithAllowRepeatedSteps(false) rejects re-entering a step. Both stop the run
with code LOOP_DETECTED.

# Persistence

WithRunStore checkpoints a snapshot of the result after every step and at
the end of the run. Implementations live in agent/persistence.
*/
package agent
