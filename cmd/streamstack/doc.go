// 版权所有 2024 StreamStack Authors
//
// Package main 是 StreamStack 的进程入口。
//
// StreamStack 是一个 OpenAI 兼容的 LLM 网关：统一的 chat completions
// 接口之下做分布式限流准入、可选的异步请求队列，以及到上游 Provider
// 的直通与 SSE 流式转发。
//
// 子命令:
//
//	streamstack serve                       # 启动网关
//	streamstack serve --config config.yaml  # 指定配置文件
//	streamstack version                     # 显示版本信息
//	streamstack health                      # 对运行中的实例做健康检查
package main
