// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package callexec 提供 workflow 调用执行器契约的常用实现与装饰器。

# 概述

workflow.StepExecutor 只依赖两个接口：ModelCallExecutor 与 ToolCallExecutor。
本包提供把具体后端接入这两个接口所需的积木：

  - Registry / RegistryToolExecutor : 名称到 ToolFunc 的工具注册表
  - RoutingModelExecutor            : user_input 步骤交给 HumanInputHandler，其余交给模型
  - DryRunModelExecutor             : 每步立即完成，用于配方演练
  - RetryingToolExecutor            : 指数退避重试
  - RateLimitedToolExecutor         : 基于 x/time/rate 的限流
  - BreakerModelExecutor            : 按模型名熔断（Closed / Open / HalfOpen）
  - TracingModelExecutor / TracingToolExecutor : OpenTelemetry span

装饰器都接受接口、返回具体类型，可以任意嵌套。
*/
package callexec
