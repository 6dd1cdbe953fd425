package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"QueryPilot/sdk/go/querypilot"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8080", "QueryPilot 服务地址")
	session := flag.String("session", "", "会话 ID，留空由服务端分配")
	query := flag.String("q", "最近一个季度的营收报告有哪些？", "要提交的问题")
	apiKey := flag.String("api-key", os.Getenv("QP_API_KEY"), "API 密钥")
	timeout := flag.Duration("timeout", time.Minute, "等待结果的超时时间")
	flag.Parse()

	client, err := querypilot.NewClient(*addr, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	client = client.WithAPIKey(*apiKey)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	turn, err := client.Ask(ctx, querypilot.TurnSubmission{SessionID: *session, Query: *query}, 500*time.Millisecond)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ask failed:", err)
		os.Exit(1)
	}
	fmt.Printf("turn %s (%s) session=%s attempts=%d\n", turn.ID, turn.Status, turn.SessionID, turn.Attempts)
	if turn.Result != nil {
		fmt.Printf("outcome: %s\n%s\n", turn.Result.Outcome, turn.Result.Answer)
	}
	if turn.LastError != "" {
		fmt.Printf("last error: [%s] %s\n", turn.ErrorCode, turn.LastError)
	}
}
