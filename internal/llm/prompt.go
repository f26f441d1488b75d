package llm

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/loykin/appmaker/internal/problem"
	"github.com/loykin/appmaker/internal/project"
)

const systemPrompt = `You are an expert Python developer who writes complete PySide6 desktop applications.
Reply with a single JSON object and nothing else, shaped exactly like:
{"files": {"main.py": "<file content>", "<other/relative/path.py>": "<file content>"}}
Rules:
- The entry point is main.py and must contain: if __name__ == "__main__":
- main.py creates a QApplication, shows a visible window and calls app.exec().
- Use layouts to arrange widgets.
- List third-party packages other than PySide6 in requirements.txt.
- Paths are relative, use forward slashes and never leave the project directory.
- Only include files you create or change; omitted files stay as they are.`

// BuildMessages returns the user message for a request: the instruction plus
// the current project files as context.
func BuildMessages(req Request) string {
	var b strings.Builder
	if len(req.Files) == 0 {
		b.WriteString("Create a new application from this description:\n")
	} else {
		b.WriteString("Modify the existing application according to this request:\n")
	}
	b.WriteString(strings.TrimSpace(req.Prompt))
	b.WriteString("\n")
	if len(req.Files) > 0 {
		b.WriteString("\nCurrent project files:\n")
		names := make([]string, 0, len(req.Files))
		for n := range req.Files {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			fmt.Fprintf(&b, "\n--- %s ---\n%s\n", n, req.Files[n])
		}
	}
	return b.String()
}

// FixPrompt turns a recorded problem into an instruction for the model.
func FixPrompt(p problem.Problem, extra string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The application failed (%s): %s\n", p.Type, p.Message)
	if p.Details != "" {
		fmt.Fprintf(&b, "Details:\n%s\n", p.Details)
	}
	b.WriteString("Fix the code so the application starts and runs without this error.")
	if extra = strings.TrimSpace(extra); extra != "" {
		b.WriteString("\nAdditional instructions: ")
		b.WriteString(extra)
	}
	return b.String()
}

// ParseFiles extracts the file set from a model reply. Markdown fences and
// text around the JSON object are tolerated.
func ParseFiles(reply string) (project.FileSet, error) {
	s := stripFences(reply)
	if i, j := strings.Index(s, "{"), strings.LastIndex(s, "}"); i >= 0 && j > i {
		s = s[i : j+1]
	}
	var wrapped struct {
		Files map[string]string `json:"files"`
	}
	if err := json.Unmarshal([]byte(s), &wrapped); err == nil && len(wrapped.Files) > 0 {
		return wrapped.Files, nil
	}
	var flat map[string]string
	if err := json.Unmarshal([]byte(s), &flat); err == nil && len(flat) > 0 {
		return flat, nil
	}
	return nil, fmt.Errorf("%w: reply is not a JSON file set", ErrRejected)
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSpace(s)
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}
