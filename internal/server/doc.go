// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供 Prometheus 指标端点的 HTTP 服务器，供 stepflow dryrun --hold
等长时间运行的命令暴露运行指标。

# 端点

  - /metrics：promhttp 暴露传入的 Gatherer
  - /healthz：进程存活
  - /readyz：依次执行 WithReadyCheck 注册的探针，例如运行存储的 Ping，
    任一失败返回 503

# 生命周期

Start 非阻塞监听；Shutdown 在超时内排空连接且可重复调用；Hold 阻塞到
SIGINT/SIGTERM、服务出错或 ctx 结束后关闭服务。
*/
package server
