// Package main 是命令行客户端的入口点
package main

import "aditi-chat-server/internal/cli/cmd"

func main() {
	cmd.Execute()
}
