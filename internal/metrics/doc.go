// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的引擎指标采集能力，覆盖
步骤执行、模型与工具调用、完成链判定、Agent 运行、熔断器与数据库连接池。

# 概述

Collector 通过 promauto 注册全部指标，默认注册到全局 Registry，
也可用 NewCollectorWithRegisterer 注册到独立 Registry。所有指标按
namespace 隔离。

# 核心类型

  - Collector：同时实现 workflow.MetricsRecorder、agent.RunMetrics
    与 callexec.CircuitBreakerEventHandler。

# 主要能力

  - 步骤指标：step_executions_total、step_duration_seconds、step_rounds，
    按 step_type 分组。
  - 调用指标：model_calls_total、tool_calls_total、tool_call_duration_seconds、
    completion_verdicts_total。
  - 运行指标：agent_runs_total、agent_run_duration_seconds、agent_run_steps。
  - 熔断器指标：状态转换计数与当前状态 Gauge。
  - 数据库指标：打开、使用中、空闲连接数 Gauge。
*/
package metrics
