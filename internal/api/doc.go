// Package api 暴露 QueryPilot 的 REST 接口：提交异步轮次、查询任务状态与历史记录，
// 以及 Prometheus 指标。
package api
