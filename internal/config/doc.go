// Package config 提供集群节点的配置管理功能。
// 支持从 YAML 文件、环境变量和命令行参数加载配置，
// 优先级顺序为：默认值 < YAML 文件 < 环境变量 < 命令行参数。
package config
