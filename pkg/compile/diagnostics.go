package compile

import (
	"bufio"
	"fmt"
	"strings"
	"time"

	"github.com/simpiler/backend/pkg/arduinocli"
)

// ClassifySuccess reports a successful compilation with its located artifact.
func ClassifySuccess(elapsed time.Duration, binarySize int64) []Message {
	return []Message{
		elapsedMessage(elapsed),
		{Kind: MessageInfo, Text: fmt.Sprintf("Binary size: %d bytes", binarySize)},
	}
}

// ClassifyMissingArtifact reports a zero-exit compile whose expected artifact
// was not found. This is a failure outcome.
func ClassifyMissingArtifact(elapsed time.Duration) []Message {
	return []Message{
		elapsedMessage(elapsed),
		{Kind: MessageError, Text: "Binary file not found after compilation"},
	}
}

// ClassifyFailure extracts error diagnostics from a failed compile. Every
// line of the error stream containing "error:" (case-insensitive) becomes one
// message, in original order. The result is never empty: when no line
// matches, a single synthetic message is returned.
func ClassifyFailure(res arduinocli.Result) []Message {
	output := res.Stderr
	if output == "" {
		output = res.Stdout
	}

	var messages []Message
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(strings.ToLower(line), "error:") {
			messages = append(messages, Message{Kind: MessageError, Text: strings.TrimSpace(line)})
		}
	}

	if len(messages) == 0 {
		messages = append(messages, Message{Kind: MessageError, Text: "Compilation failed with unknown error"})
	}
	return messages
}

func elapsedMessage(elapsed time.Duration) Message {
	return Message{Kind: MessageInfo, Text: fmt.Sprintf("Compilation successful in %.2f seconds", elapsed.Seconds())}
}
