// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 persistence 提供 agent.RunStore 的多后端实现，用于保存智能体运行记录
（AgentResult）。

# 概述

AgentExecutor 在每一步结束后以及运行结束时调用 SaveRun 写入检查点。
SaveRun 以 RunID 为键执行 upsert；ListRuns 按开始时间倒序返回，
开始时间相同时按 RunID 升序。

# 后端

  - MemoryRunStore：内存存储，保存 JSON 副本，调用方与存储互不共享状态。
  - FileRunStore：每个运行一个 JSON 文件，写入采用临时文件加重命名。
  - RedisRunStore：JSON 字符串加有序集合索引（全部、按配方、按状态），
    可选 TTL。
  - SQLRunStore：通过 GORM 访问 agent_runs 表，写操作使用
    internal/database 的重试事务。
  - MongoRunStore：每个运行一个文档，run_id 唯一索引。

# 清理

所有后端实现 Cleaner。StoreConfig.Cleanup 启用后，NewRunStore 会在后台
定期删除早于保留期且已结束的运行，Close 时停止。
*/
package persistence
