package agent

const (
	// summaryFormat wraps a summary of older turns that replaces them in history.
	summaryFormat = "<Previous conversation summary: %s>"

	visionDisabledText  = "Sorry, I can't look at images. Image understanding is disabled."
	storeFailureText    = "Sorry, I could not save our conversation. Please try again."
	spendLimitText      = "The spending limit for this period has been reached. Please try again later."
	chatDeletedText     = "The conversation could not be processed and has been reset. Please send your message again."
	emptyAnswerText     = "Sorry, I have nothing to say to that."
	imageGeneratedNote  = "Image generated and sent to the user. Caption: %s"
	toolErrorFormat     = "tool execution error: %v"
	unknownToolFormat   = "tool execution error: unknown tool %q. Available tools: %s. Use an available tool name exactly."
	emptyToolResultText = "tool execution error: the tool returned no result"
)
