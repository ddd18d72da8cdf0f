// Package config 提供 StepFlow 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量（前缀 STEPFLOW）的顺序加载，
// 之后运行验证器。各节分别覆盖执行引擎、日志、遥测、指标、运行存储
// 及其后端，以及工具调用的限流、重试与模型后端熔断。
package config
