package problem

import (
	"fmt"
	"regexp"
	"strings"
)

// TracebackMarker is the header Python prints before an uncaught exception.
const TracebackMarker = "Traceback (most recent call last):"

const noOutputMessage = "application closed with no visible output"

// errorLine matches the final "ErrorKind: message" line of a traceback, including
// dotted names such as "json.decoder.JSONDecodeError".
var errorLine = regexp.MustCompile(`^([A-Za-z_][\w.]*(?:Error|Exception|Exit|Interrupt|Warning))(?::\s?(.*))?$`)

// Classify turns the captured output of a program that exited abnormally into a
// Problem. The result is a hint for the user: text matching is heuristic and
// other runtimes may not be recognized.
func Classify(stdout, stderr []string, exitCode int) Problem {
	errText := strings.TrimSpace(strings.Join(stderr, "\n"))
	outText := strings.TrimSpace(strings.Join(stdout, "\n"))
	details := buildDetails(errText, outText, exitCode)

	if strings.Contains(errText, TracebackMarker) {
		return New(TypeRuntimeError, tracebackMessage(stderr), details)
	}

	msg := lastNonEmpty(stderr)
	if msg == "" {
		msg = lastNonEmpty(stdout)
	}
	if msg == "" {
		msg = noOutputMessage
	}
	return New(TypeUnknownAppError, msg, details)
}

func tracebackMessage(stderr []string) string {
	for i := len(stderr) - 1; i >= 0; i-- {
		line := strings.TrimSpace(stderr[i])
		if m := errorLine.FindStringSubmatch(line); m != nil {
			return line
		}
	}
	if last := lastNonEmpty(stderr); last != "" && last != TracebackMarker {
		return last
	}
	return "application raised an uncaught exception"
}

func buildDetails(errText, outText string, exitCode int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "exit code: %d", exitCode)
	if errText != "" {
		b.WriteString("\n\n--- stderr ---\n")
		b.WriteString(errText)
	}
	if outText != "" {
		b.WriteString("\n\n--- stdout ---\n")
		b.WriteString(outText)
	}
	if errText == "" && outText == "" {
		b.WriteString("\n\n")
		b.WriteString(noOutputMessage)
	}
	return b.String()
}

func lastNonEmpty(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(lines[i]); s != "" {
			return s
		}
	}
	return ""
}
