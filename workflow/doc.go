// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供步骤级编排引擎：步骤图遍历、单步多轮执行与完成判定。

# 概述

一个 AgentRecipe 由有序的 Step 列表和 StepGraph（步骤 ID → 后继 ID 列表）
组成。StepManager 负责在图上移动；StepExecutor 负责把单个 Step 跑到终态；
CompletionChain 在每一轮结束后决定步骤是完成、失败还是继续。

# 核心类型

  - Step / BaseStep      : 步骤接口与公共实现（初始调用、后续调用构造）
  - StepDefinition       : 可序列化的步骤定义，NewStep 按 Type 分派
  - AgentRecipe          : 不可变的配方，由 RecipeBuilder 构建与校验
  - RecipeDefinition     : 配方的 JSON / YAML 形式
  - StepManager          : 当前步骤、候选后继、指令队列、规划器拼接
  - StepExecutor         : 单步执行：模型调用 → 工具并发 → 完成链判定
  - CallGroup            : 一轮：一个 ModelCall 加其派生的 ToolCall
  - StepExecution        : 单步执行记录
  - CompletionChain      : 有序的完成判定链，末尾固定为 fallback

# 执行语义

  - 每轮恰好一次模型调用，其请求的工具调用全部结束后才进入判定
  - 并发模式下单个工具失败不取消兄弟调用，join 后整轮失败
  - 调用失败（响应中的 Error）使步骤 FAILED 且 Execute 返回 nil error；
    执行器返回的 error、panic、取消视为异常，额外返回 *StepError
  - 完成链默认顺序：model_signal → max_model_calls → tool_outcome → fallback
  - 未知步骤 ID 一律视为"没有步骤"，工作流随之完成
*/
package workflow
