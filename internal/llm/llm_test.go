package llm

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/appmaker/internal/problem"
	"github.com/loykin/appmaker/internal/project"
)

type fakeAPI struct {
	mu       sync.Mutex
	status   int
	content  string
	lastBody map[string]any
	lastAuth string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastAuth = r.Header.Get("Authorization")
	b, _ := io.ReadAll(r.Body)
	_ = json.Unmarshal(b, &f.lastBody)
	w.Header().Set("Content-Type", "application/json")
	if f.status != 0 && f.status != http.StatusOK {
		w.WriteHeader(f.status)
		_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"invalid_request_error"}}`))
		return
	}
	resp := map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "m",
		"choices": []any{map[string]any{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": f.content},
		}},
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func newClient(t *testing.T, api *fakeAPI) *Client {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return New(Config{
		Default: "local",
		Providers: map[string]ProviderConfig{
			"local": {APIKey: "sk-test", BaseURL: srv.URL + "/v1", Models: []string{"m1", "m2"}},
		},
	}, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func TestGenerateParsesFencedReply(t *testing.T) {
	api := &fakeAPI{content: "```json\n{\"files\":{\"main.py\":\"print(1)\",\"requirements.txt\":\"\"}}\n```"}
	c := newClient(t, api)
	res, err := c.Generate(context.Background(), Request{Provider: "local", Prompt: "a calculator"})
	require.NoError(t, err)
	assert.Equal(t, project.FileSet{"main.py": "print(1)", "requirements.txt": ""}, res.Files)
	assert.Contains(t, res.Raw, "main.py")
	assert.Equal(t, "Bearer sk-test", api.lastAuth)
	assert.Equal(t, "m1", api.lastBody["model"])
}

func TestGenerateSendsContextFiles(t *testing.T) {
	api := &fakeAPI{content: `{"files":{"main.py":"v2"}}`}
	c := newClient(t, api)
	_, err := c.Generate(context.Background(), Request{
		Model:  "m2",
		Prompt: "make it blue",
		Files:  project.FileSet{"main.py": "v1"},
	})
	require.NoError(t, err)
	msgs, _ := api.lastBody["messages"].([]any)
	require.Len(t, msgs, 2)
	user, _ := msgs[1].(map[string]any)
	content, _ := user["content"].(string)
	assert.Contains(t, content, "make it blue")
	assert.Contains(t, content, "--- main.py ---\nv1")
	assert.Equal(t, "m2", api.lastBody["model"])
}

func TestGenerateErrorMapping(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusBadRequest, ErrRejected},
		{http.StatusUnauthorized, ErrRejected},
		{http.StatusTooManyRequests, ErrUnavailable},
		{http.StatusBadGateway, ErrUnavailable},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			c := newClient(t, &fakeAPI{status: tc.status})
			_, err := c.Generate(context.Background(), Request{Prompt: "x"})
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestGenerateUnparsableReply(t *testing.T) {
	c := newClient(t, &fakeAPI{content: "Sure! Here is your app."})
	_, err := c.Generate(context.Background(), Request{Prompt: "x"})
	assert.ErrorIs(t, err, ErrRejected)
}

func TestGenerateTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	c := New(Config{Providers: map[string]ProviderConfig{"x": {APIKey: "k", BaseURL: url, Models: []string{"m"}}}})
	_, err := c.Generate(context.Background(), Request{Provider: "x", Prompt: "p"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestUnknownProvider(t *testing.T) {
	c := newClient(t, &fakeAPI{})
	_, err := c.Generate(context.Background(), Request{Provider: "nope", Prompt: "x"})
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestOptionsOnlyListsKeyedProviders(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "g")
	t.Setenv("DEEPSEEK_API_KEY", "")
	t.Setenv("KIMI_API_KEY", "")
	c := New(Config{Providers: map[string]ProviderConfig{"gemini": {Models: []string{"gemini-2.0-flash"}}}})
	opts := c.Options()
	assert.Equal(t, map[string][]string{"gemini": {"gemini-2.0-flash"}}, opts)
}

func TestParseFiles(t *testing.T) {
	files, err := ParseFiles("Here you go:\n{\"main.py\": \"x\"}\nEnjoy")
	require.NoError(t, err)
	assert.Equal(t, project.FileSet{"main.py": "x"}, files)

	_, err = ParseFiles(`{"files":{}}`)
	assert.ErrorIs(t, err, ErrRejected)
}

func TestFixPrompt(t *testing.T) {
	p := problem.New(problem.TypeRuntimeError, "NameError: name 'x' is not defined", "Traceback ...")
	s := FixPrompt(p, "keep the layout")
	assert.True(t, strings.HasPrefix(s, "The application failed (runtime_error)"))
	assert.Contains(t, s, "Traceback ...")
	assert.Contains(t, s, "keep the layout")
}
