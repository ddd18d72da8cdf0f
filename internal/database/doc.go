// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 为运行记录的 SQL 存储提供基于 GORM 的连接管理，
支持多种驱动、健康检查与事务重试。

# 概述

Open 按驱动名称选择 GORM 方言并创建 PoolManager：

  - postgres：gorm.io/driver/postgres
  - mysql：gorm.io/driver/mysql
  - sqlite：github.com/glebarez/sqlite（纯 Go，无需 cgo）
  - sqlite3：gorm.io/driver/sqlite（cgo）

# 核心类型

  - PoolManager：持有 GORM DB 与底层 sql.DB，提供 DB()、Ping()、
    Stats()、Close()；Close 会先停止后台健康检查。
  - PoolConfig：连接数、生命周期、健康检查间隔与重试退避。
  - Config：驱动、DSN、连接池与 GORM 日志级别。

# 事务

WithTransaction 执行单次事务；WithTransactionRetry 对死锁、
序列化失败、SQLite 锁等瞬时错误按指数退避重试。
*/
package database
