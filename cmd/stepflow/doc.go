// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 StepFlow 命令行程序入口。

# 概述

cmd/stepflow 是步骤编排引擎的可执行入口，提供菜谱校验、试运行、
运行记录查询与数据库迁移等子命令。程序支持 YAML 配置文件加载、
结构化日志（zap）、Prometheus 指标采集与 OpenTelemetry 追踪。

# 核心类型

  - engine       — 一次运行所需的运行存储、指标、遥测与调用执行器链
  - choiceFlags  — 可重复的 --choose step=option 分支选择参数

# 主要能力

  - 子命令：validate、dryrun、runs（list/show/delete/purge）、migrate、version
  - 执行器链：模型调用经路由（user_input 交给人工输入）、熔断、追踪；
    工具调用经注册表、限流、重试、追踪
  - 运行存储：memory、file、redis、sql（连接池统计写入指标）、mongo
  - Metrics 服务器：配置 metrics.listen_addr 时暴露 /metrics 与 /healthz，
    dryrun --hold 保持端点直到收到信号
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
