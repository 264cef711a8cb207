// Package llm defines the provider-agnostic interface the fix agent drives
// its tool loop through.
package llm

import "context"

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends a conversation and returns the model's next turn.
	Complete(ctx context.Context, req *Request) (*Response, error)
	// Name returns the provider identifier (e.g. "anthropic").
	Name() string
}

// Request is a full conversation: a system prompt, the turns so far, and the
// tools the model may call.
type Request struct {
	System    string
	Messages  []Message
	MaxTokens int
	Tools     []Tool // nil = no tool use
}

// Tool describes a callable tool, with a JSON Schema for its input.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Role identifies who sent a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single turn, made of one or more content blocks.
type Message struct {
	Role   Role
	Blocks []Block
}

// UserMessage builds a plain-text user turn.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Blocks: []Block{Text(text)}}
}

// AssistantMessage builds an assistant turn from the given blocks.
func AssistantMessage(blocks ...Block) Message {
	return Message{Role: RoleAssistant, Blocks: blocks}
}

// ToolResults builds the user turn that answers the assistant's tool calls.
func ToolResults(blocks ...Block) Message {
	return Message{Role: RoleUser, Blocks: blocks}
}

// Text returns the concatenated text content of the message.
func (m Message) Text() string {
	var s string
	for _, b := range m.Blocks {
		if b.Type == BlockText {
			s += b.Text
		}
	}
	return s
}

// BlockType discriminates the Block union.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// Block is a tagged union of message content. Type determines which other
// fields are meaningful.
type Block struct {
	Type BlockType

	// text
	Text string

	// tool_use
	ID    string
	Name  string
	Input map[string]any

	// tool_result
	ToolUseID string
	IsError   bool
}

// Text creates a text block.
func Text(text string) Block {
	return Block{Type: BlockText, Text: text}
}

// ToolUse creates a tool_use block.
func ToolUse(id, name string, input map[string]any) Block {
	return Block{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResult creates a tool_result block answering the call with the given
// id. isError marks the content as a tool failure the model should react to.
func ToolResult(toolUseID, content string, isError bool) Block {
	return Block{Type: BlockToolResult, ToolUseID: toolUseID, Text: content, IsError: isError}
}

// Response is the model's turn.
type Response struct {
	Blocks     []Block
	StopReason string // "end_turn", "tool_use", "max_tokens"
	Usage      Usage
}

// Text returns the concatenated text blocks of the response.
func (r *Response) Text() string {
	var s string
	for _, b := range r.Blocks {
		if b.Type == BlockText {
			s += b.Text
		}
	}
	return s
}

// RequestedTools reports whether the model stopped to call tools.
func (r *Response) RequestedTools() bool {
	return r.StopReason == "tool_use"
}

// ToolUses returns the tool_use blocks of the response.
func (r *Response) ToolUses() []Block {
	var uses []Block
	for _, b := range r.Blocks {
		if b.Type == BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// Usage tracks token consumption for cost accounting.
type Usage struct {
	InputTokens  int
	OutputTokens int
}
