package agent

import "github.com/sazonovanton/SirChatalot-sub000/internal/chat"

// sanitizeToolTurns drops tool results without a preceding request and tool
// requests that never got a result, so every provider sees well-formed
// tool turns. It reports whether anything was dropped.
func sanitizeToolTurns(conv chat.Conversation) (chat.Conversation, bool) {
	out := make(chat.Conversation, 0, len(conv))
	changed := false

	for i := 0; i < len(conv); i++ {
		msg := conv[i]

		if isToolResult(msg) {
			// Results are consumed together with their request below.
			changed = true
			continue
		}
		if !msg.IsToolRequest() {
			out = append(out, msg)
			continue
		}

		if i+1 >= len(conv) || !isToolResult(conv[i+1]) || !sameCall(msg, conv[i+1]) {
			changed = true
			continue
		}
		out = append(out, msg, conv[i+1])
		i++
	}
	return out, changed
}

func sameCall(req, res chat.Message) bool {
	if req.ToolID != "" && res.ToolID != "" {
		return req.ToolID == res.ToolID
	}
	return req.ToolName == res.ToolName
}
