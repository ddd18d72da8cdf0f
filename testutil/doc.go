// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 stepflow 测试的共享工具和辅助函数。

# 概述

testutil 包为 agent、callexec、persistence 等包的测试提供统一的
辅助能力，避免各包重复实现相似的测试基础设施。

# 核心能力

  - 上下文辅助: TestContext / CancelledContext，自动注册 Cleanup 防止泄漏
  - 执行断言: StepIDs / AssertStepIDs / AssertExecution，
    校验步骤顺序、状态与轮数
  - 等待辅助: AssertEventuallyTrue（基于 testify Eventually）/ WaitForChannel

# 子包

  - testutil/mocks: MockModelExecutor（按步骤排队的脚本化模型响应）、
    MockToolExecutor（按工具名注入结果、失败或错误，统计并发度）
  - testutil/fixtures: 预置模型响应与配方定义（线性、分支、规划）

# 使用示例

	models := mocks.NewMockModelExecutor().
		WithDefaultResponse(fixtures.CompletedResponse("done"))
	recipe := fixtures.MustBuild(fixtures.LinearRecipeDefinition("r", "s1", "s2"))
	exec, _ := agent.NewAgentExecutor(recipe, models, mocks.NewMockToolExecutor())
	result, err := exec.Execute(testutil.TestContext(t))
	testutil.AssertStepIDs(t, []string{"s1", "s2"}, result.Executions)
*/
package testutil
