// Package tools 定义智能体可调用的工具、执行结果以及按名称查找的工具目录。
package tools
