// Package config 负责加载 QueryPilot 的 YAML 配置，补全默认值，
// 并允许通过 QP_* 环境变量覆盖敏感信息与部署相关的字段。
package config
