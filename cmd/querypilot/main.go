// Command querypilot 运行业务问答智能体：serve 启动 API 与任务处理器，
// ask 在终端中交互式提问，history 查看已完成的轮次。
package main

func main() {
	Execute()
}
