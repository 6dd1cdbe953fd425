package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	xerrors "QueryPilot/internal/errors"
)

// ConsoleChannel 在终端上展示提示并读取一行回复。
type ConsoleChannel struct {
	out   io.Writer
	lines chan lineResult
}

type lineResult struct {
	text string
	err  error
}

// NewConsoleChannel 创建终端通道。读取在后台 goroutine 中进行，
// 因此 Present 可以响应 ctx 取消。
func NewConsoleChannel(in io.Reader, out io.Writer) *ConsoleChannel {
	c := &ConsoleChannel{out: out, lines: make(chan lineResult)}
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			c.lines <- lineResult{text: scanner.Text()}
		}
		err := scanner.Err()
		if err == nil {
			err = io.EOF
		}
		c.lines <- lineResult{err: err}
		close(c.lines)
	}()
	return c
}

// ReadLine 读取下一行输入。
func (c *ConsoleChannel) ReadLine(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-c.lines:
		if !ok {
			return "", io.EOF
		}
		return strings.TrimSpace(line.text), line.err
	}
}

// Present 实现 UserChannel。
func (c *ConsoleChannel) Present(ctx context.Context, prompt Prompt) (string, error) {
	if _, err := fmt.Fprintf(c.out, "%s\n> ", strings.TrimRight(prompt.Text, "\n")); err != nil {
		return "", xerrors.Wrap(xerrors.CodeCollaborator, err, "写入终端失败")
	}
	return c.ReadLine(ctx)
}

var _ UserChannel = (*ConsoleChannel)(nil)
