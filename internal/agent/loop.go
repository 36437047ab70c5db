package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sazonovanton/SirChatalot-sub000/internal/chat"
	"github.com/sazonovanton/SirChatalot-sub000/internal/logging"
	"github.com/sazonovanton/SirChatalot-sub000/internal/provider"
	"github.com/sazonovanton/SirChatalot-sub000/internal/tools"
)

// loopState is a state of the tool-call orchestrator.
type loopState int

const (
	stateAwaitingModel loopState = iota
	stateToolRequested
	stateDispatching
	stateResubmitting
	stateFinalAnswer
)

func (s loopState) String() string {
	switch s {
	case stateAwaitingModel:
		return "awaiting_model"
	case stateToolRequested:
		return "tool_requested"
	case stateDispatching:
		return "dispatching"
	case stateResubmitting:
		return "resubmitting"
	case stateFinalAnswer:
		return "final_answer"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Image is an image produced as the final answer of a turn.
type Image struct {
	Base64  string
	Caption string
}

// turnResult is the outcome of one orchestrated chat turn.
type turnResult struct {
	// Conversation is the history including the answer; meaningful only when
	// Final has not failed.
	Conversation    chat.Conversation
	Final           chat.Message
	Image           *Image
	Tokens          chat.Tokens
	ImagesGenerated int
	Resubmissions   int
}

// orchestrator drives AwaitingModel -> (ToolRequested -> Dispatching ->
// ResubmittingToModel ->)* FinalAnswer for one user turn.
type orchestrator struct {
	provider         provider.Provider
	registry         *tools.Registry
	maxResubmissions int
}

// Run orchestrates one turn starting from conv, which already ends with the
// user message.
func (o *orchestrator) Run(ctx context.Context, userID int64, conv chat.Conversation) turnResult {
	res := turnResult{Conversation: conv.Clone()}
	toolDefs := o.registry.ToolDefinitions()

	var (
		state      = stateAwaitingModel
		request    chat.Message
		lastResult chat.Message
		dispatched bool
	)
	for {
		switch state {
		case stateAwaitingModel, stateResubmitting:
			if state == stateResubmitting {
				res.Resubmissions++
			}
			logging.Logger().Info(
				"llm request",
				"user_id", userID,
				"state", state,
				"message_count", len(res.Conversation),
				"tool_count", len(toolDefs),
			)
			resp := o.provider.Complete(ctx, provider.ChatRequest{
				Messages: res.Conversation,
				Tools:    toolDefs,
			})
			res.Tokens = res.Tokens.Add(resp.Tokens)
			logging.Logger().Info(
				"llm response",
				"user_id", userID,
				"finish_reason", resp.FinishReason,
				"tool", resp.ToolName,
				"prompt_tokens", resp.Tokens.Prompt,
				"completion_tokens", resp.Tokens.Completion,
				"error", string(resp.Error),
			)
			switch {
			case resp.Failed():
				res.Final = resp
				return res
			case resp.IsToolRequest() && strings.TrimSpace(resp.ToolName) != "":
				request = resp
				state = stateToolRequested
			default:
				tc, isText := resp.Content.(chat.TextContent)
				if !isText || resp.Role != chat.RoleAssistant || strings.TrimSpace(tc.Text) == "" {
					text := tc.Text
					if strings.TrimSpace(text) == "" {
						text = emptyAnswerText
					}
					resp.Role = chat.RoleAssistant
					resp.Content = chat.TextContent{Text: text}
					resp.ToolID, resp.ToolName, resp.ToolArgs = "", "", ""
				}
				res.Conversation = append(res.Conversation, resp)
				res.Final = resp
				state = stateFinalAnswer
			}

		case stateToolRequested:
			if dispatched && res.Resubmissions >= o.maxResubmissions {
				// Bound reached: the unanswered request is dropped and the last
				// dispatch result becomes the answer.
				logging.Logger().Warn(
					"tool resubmission bound reached",
					"user_id", userID,
					"tool", request.ToolName,
					"max_resubmissions", o.maxResubmissions,
				)
				res.Final = o.answer(&res, lastResult.Text())
				state = stateFinalAnswer
				continue
			}
			state = stateDispatching

		case stateDispatching:
			result, image := o.dispatch(ctx, userID, request)
			dispatched = true
			lastResult = result
			res.Conversation = append(res.Conversation, request, result)
			if image != nil {
				res.Image = image
				res.ImagesGenerated++
				res.Final = o.answer(&res, image.Caption)
				state = stateFinalAnswer
				continue
			}
			if res.Resubmissions >= o.maxResubmissions {
				res.Final = o.answer(&res, result.Text())
				state = stateFinalAnswer
				continue
			}
			state = stateResubmitting

		case stateFinalAnswer:
			return res
		}
	}
}

// answer appends an assistant message with text that ends the turn.
func (o *orchestrator) answer(res *turnResult, text string) chat.Message {
	msg := chat.Assistant(text)
	msg.FinishReason = chat.FinishStop
	model := o.provider.Model()
	msg.Model = &model
	res.Conversation = append(res.Conversation, msg)
	return msg
}

// dispatch runs one tool request. Every failure becomes a function result
// tagged ToolDispatchFailure; image results are returned separately.
func (o *orchestrator) dispatch(ctx context.Context, userID int64, req chat.Message) (chat.Message, *Image) {
	startedAt := time.Now()
	failure := func(text string, err error) chat.Message {
		logging.Logger().Warn(
			"tool call failed",
			"user_id", userID,
			"tool", req.ToolName,
			"tool_call_id", req.ToolID,
			"duration_ms", time.Since(startedAt).Milliseconds(),
			"err", err,
		)
		msg := chat.ToolResult(req.ToolID, req.ToolName, text)
		msg.Error = chat.ErrToolDispatchFailure
		return msg
	}

	tool, ok := o.registry.Lookup(req.ToolName)
	if !ok {
		return failure(fmt.Sprintf(unknownToolFormat, req.ToolName, toolNames(o.registry)), errors.New("unknown tool")), nil
	}

	args := map[string]any{}
	if raw := strings.TrimSpace(req.ToolArgs); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return failure(fmt.Sprintf("tool execution error: invalid tool arguments for %q: %v", req.ToolName, err), err), nil
		}
	}

	logging.Logger().Info(
		"tool call start",
		"user_id", userID,
		"tool", req.ToolName,
		"tool_call_id", req.ToolID,
		"args", summarizeToolArgs(args),
	)
	result, err := tool.Execute(tools.WithUserID(ctx, userID), args)
	if err != nil {
		return failure(fmt.Sprintf(toolErrorFormat, err), err), nil
	}
	if result == nil || (strings.TrimSpace(result.Output) == "" && result.ImageBase64 == "") {
		return failure(emptyToolResultText, errors.New("empty result")), nil
	}
	logging.Logger().Info(
		"tool call complete",
		"user_id", userID,
		"tool", req.ToolName,
		"tool_call_id", req.ToolID,
		"truncated", result.Truncated,
		"duration_ms", time.Since(startedAt).Milliseconds(),
	)

	if result.ImageBase64 != "" {
		caption := strings.TrimSpace(result.Output)
		note := chat.ToolResult(req.ToolID, req.ToolName, fmt.Sprintf(imageGeneratedNote, caption))
		return note, &Image{Base64: result.ImageBase64, Caption: caption}
	}
	return chat.ToolResult(req.ToolID, req.ToolName, result.Output), nil
}

func toolNames(registry *tools.Registry) string {
	names := registry.Names()
	if len(names) == 0 {
		return "<none>"
	}
	return strings.Join(names, ", ")
}

func summarizeToolArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for key, value := range args {
		out[key] = summarizeToolArgValue(value)
	}
	return out
}

func summarizeToolArgValue(value any) any {
	const maxLoggedStringLen = 200

	switch v := value.(type) {
	case string:
		if len(v) <= maxLoggedStringLen {
			return v
		}
		return fmt.Sprintf("%s...[truncated %d chars]", v[:maxLoggedStringLen], len(v)-maxLoggedStringLen)
	default:
		return value
	}
}
