// Package memory keeps the short conversational history of a session and
// decides whether a new query follows up on the previous one.
package memory

import (
	"fmt"
	"strings"
	"time"
)

// DefaultCapacity 是会话记忆默认保留的轮次数。
const DefaultCapacity = 5

// followUpPrefixes 以这些短语开头的查询被视为对上一轮的追问。
var followUpPrefixes = []string{
	"what about",
	"tell me more",
	"and what",
	"how about",
	"what is",
	"can you explain",
	"also",
	"and how",
	"what else",
}

// Turn 是一轮成功完成的问答。
type Turn struct {
	Query  string    `json:"query"`
	Answer string    `json:"answer"`
	At     time.Time `json:"at"`
}

// Conversation 是容量有限的 FIFO 问答记录，满了以后淘汰最早的一轮。
// 它属于单个会话，不做并发保护。
type Conversation struct {
	capacity int
	turns    []Turn
}

// New 创建会话记忆，capacity 非正时使用 DefaultCapacity。
func New(capacity int) *Conversation {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Conversation{capacity: capacity, turns: make([]Turn, 0, capacity)}
}

// Capacity 返回容量。
func (c *Conversation) Capacity() int { return c.capacity }

// Len 返回当前保存的轮次数。
func (c *Conversation) Len() int { return len(c.turns) }

// Add 追加一轮问答。
func (c *Conversation) Add(query, answer string) {
	c.push(Turn{Query: query, Answer: answer, At: time.Now().UTC()})
}

func (c *Conversation) push(t Turn) {
	if len(c.turns) == c.capacity {
		copy(c.turns, c.turns[1:])
		c.turns = c.turns[:len(c.turns)-1]
	}
	c.turns = append(c.turns, t)
}

// Last 返回最近一轮。
func (c *Conversation) Last() (Turn, bool) {
	if len(c.turns) == 0 {
		return Turn{}, false
	}
	return c.turns[len(c.turns)-1], true
}

// Recent 返回最近 n 轮，按时间先后排列。
func (c *Conversation) Recent(n int) []Turn {
	if n <= 0 || len(c.turns) == 0 {
		return nil
	}
	if n > len(c.turns) {
		n = len(c.turns)
	}
	return append([]Turn(nil), c.turns[len(c.turns)-n:]...)
}

// IsFollowUp 判断查询是否是对上一轮的追问：记忆非空且查询以追问短语开头。
func (c *Conversation) IsFollowUp(query string) bool {
	if len(c.turns) == 0 {
		return false
	}
	q := strings.ToLower(strings.TrimSpace(query))
	for _, prefix := range followUpPrefixes {
		if strings.HasPrefix(q, prefix) {
			return true
		}
	}
	return false
}

// Enhance 为追问附加上一轮的查询作为上下文；非追问原样返回。
func (c *Conversation) Enhance(query string) string {
	if !c.IsFollowUp(query) {
		return query
	}
	last, _ := c.Last()
	return fmt.Sprintf("%s (Context from previous query: '%s')", query, last.Query)
}

// Snapshot 返回全部轮次的副本，用于持久化。
func (c *Conversation) Snapshot() []Turn {
	return append([]Turn(nil), c.turns...)
}

// Restore 用持久化的轮次替换当前内容，超出容量时只保留最新的部分。
func (c *Conversation) Restore(turns []Turn) {
	c.turns = c.turns[:0]
	for _, t := range turns {
		c.push(t)
	}
}

// Clear 清空记忆。
func (c *Conversation) Clear() {
	c.turns = c.turns[:0]
}
