// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 stepflow 引擎的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 workflow、agent、callexec
等上层模块提供统一的类型契约。

# 核心类型

  - Message / Role    : 对话消息（Role、Content、ToolCalls）
  - ToolCall          : 模型请求的工具调用
  - ToolResult        : 工具执行结果，可转换为 tool 消息
  - Error / ErrorCode : 结构化错误体系，含 Retryable 与 StepID 标记

# 主要能力

  - Context 传播：WithTraceID / WithRunID / WithStepID / WithRecipeID
  - 错误工具链：AsError / IsErrorCode / IsRetryable / GetErrorCode
*/
package types
