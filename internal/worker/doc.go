// Package worker 实现集群的工作节点。
// 工作节点向 Master 注册并周期性推送状态，在有界协程池中执行分派来的子任务，
// 并以超时中断的方式保证子任务不会无限占用执行资源。
package worker
