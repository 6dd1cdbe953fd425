// Package agent 保存单次查询的 AgentState，并实现 ReAct 编排：
// 将模型输出解析为工具调用，执行工具并把结果合并回状态，直到得到最终答案或达到迭代上限。
package agent
