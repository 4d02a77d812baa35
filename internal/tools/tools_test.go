package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/runplane/internal/adapter/browser"
	"github.com/xiaot623/gogo/runplane/internal/domain"
	"github.com/xiaot623/gogo/runplane/internal/process"
	"github.com/xiaot623/gogo/runplane/internal/sandbox"
)

type testEnv struct {
	root     string
	registry *Registry
}

func newTestEnv(t *testing.T, browserURL string) *testEnv {
	t.Helper()
	root := t.TempDir()
	sb, err := sandbox.New(root, sandbox.Options{MaxReadBytes: 1024, MaxWriteBytes: 1024})
	require.NoError(t, err)
	procs := process.NewRegistry(process.Options{StopGrace: time.Second})
	t.Cleanup(procs.Close)

	var bc *browser.Client
	if browserURL != "" {
		bc = browser.NewClient(browserURL, 5*time.Second)
	}
	box := NewToolbox(sb, process.NewGuard([]string{"echo", "ls", "sleep", "cat", "grep"}), procs, bc, Limits{
		ExecTimeout:    5 * time.Second,
		ExecTimeoutMax: 10 * time.Second,
		OutputLimit:    4096,
	})
	reg := NewRegistry()
	require.NoError(t, box.Register(reg))
	return &testEnv{root: root, registry: reg}
}

func (e *testEnv) invoke(t *testing.T, toolName, input string) (*Result, error) {
	t.Helper()
	in, err := Decode(toolName, json.RawMessage(input))
	require.NoError(t, err)
	return e.registry.Execute(context.Background(), &Call{
		RunID:        "run-1",
		InvocationID: "inv-1",
		ToolName:     toolName,
		Profile:      domain.DefaultPolicyProfile,
		Input:        in,
	})
}

func reasonOf(err error) string {
	return Classify(err).ReasonCode
}

func TestDecodeValidatesInput(t *testing.T) {
	cases := []struct {
		tool  string
		input string
		want  error
	}{
		{WorkspaceWrite, `{"content":"x"}`, ErrInvalidInput},
		{WorkspaceWrite, `{"path":"a","encoding":"latin1"}`, ErrInvalidInput},
		{WorkspaceDelete, `{}`, ErrInvalidInput},
		{ProcessExec, `{"args":["x"]}`, ErrInvalidInput},
		{ProcessExec, `{"command":"echo","timeout_ms":-1}`, ErrInvalidInput},
		{ProcessStop, `{}`, ErrInvalidInput},
		{WorkspaceRead, `{"path":`, ErrInvalidInput},
		{WorkspaceRead, `{"path":"a","offset":10}`, ErrInvalidInput},
		{ProcessExec, `{"command":"echo","env":{"PATH":"/tmp"}}`, ErrInvalidInput},
		{ProcessList, `{"all":true}`, ErrInvalidInput},
		{WorkspaceRead, `{"path":"a"}{"path":"b"}`, ErrInvalidInput},
		{"browser.open", `[1,2]`, ErrInvalidInput},
		{"browser.", `{}`, ErrUnknownTool},
		{"shell.run", `{}`, ErrUnknownTool},
	}
	for _, tc := range cases {
		_, err := Decode(tc.tool, json.RawMessage(tc.input))
		assert.True(t, errors.Is(err, tc.want), "%s %s: %v", tc.tool, tc.input, err)
	}

	in, err := Decode(WorkspaceList, nil)
	require.NoError(t, err)
	assert.Equal(t, WorkspaceListInput{}, in)

	in, err = Decode("browser.open", json.RawMessage(` {"url":"http://x"} `))
	require.NoError(t, err)
	assert.Equal(t, "browser.open", in.tool())
}

func TestRegistryLookupPrefersExactThenLongestPrefix(t *testing.T) {
	r := NewRegistry()
	hit := func(name string) Handler {
		return func(context.Context, *Call) (*Result, error) { return &Result{Output: name}, nil }
	}
	require.NoError(t, r.Register("browser.special", hit("exact")))
	require.NoError(t, r.RegisterPrefix("browser.", hit("short")))
	require.NoError(t, r.RegisterPrefix("browser.page.", hit("long")))
	assert.Error(t, r.Register("browser.special", hit("dup")))

	for name, want := range map[string]string{
		"browser.special":   "exact",
		"browser.open":      "short",
		"browser.page.wait": "long",
	} {
		h, ok := r.Lookup(name)
		require.True(t, ok, name)
		res, _ := h(context.Background(), nil)
		assert.Equal(t, want, res.Output, name)
	}

	_, ok := r.Lookup("browser.")
	assert.False(t, ok)
	_, err := r.Execute(context.Background(), &Call{ToolName: "nope"})
	assert.True(t, errors.Is(err, ErrUnknownTool))
}

func TestWorkspaceWriteThenRead(t *testing.T) {
	env := newTestEnv(t, "")

	res, err := env.invoke(t, WorkspaceWrite, `{"path":"notes/a.txt","content":"hello"}`)
	require.NoError(t, err)
	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, "notes/a.txt", res.Artifacts[0].Path)
	assert.Equal(t, int64(5), res.Artifacts[0].SizeBytes)

	_, err = env.invoke(t, WorkspaceWrite, `{"path":"notes/a.txt","content":" world","append":true}`)
	require.NoError(t, err)

	res, err = env.invoke(t, WorkspaceRead, `{"path":"notes/a.txt"}`)
	require.NoError(t, err)
	out := res.Output.(readOutput)
	assert.Equal(t, "hello world", out.Content)
	assert.Equal(t, "utf-8", out.Encoding)

	data, err := os.ReadFile(filepath.Join(env.root, "run-1", "notes", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestWorkspaceBinaryContentRoundTripsAsBase64(t *testing.T) {
	env := newTestEnv(t, "")

	_, err := env.invoke(t, WorkspaceWrite, `{"path":"b.bin","content":"/wD+","encoding":"base64"}`)
	require.NoError(t, err)

	res, err := env.invoke(t, WorkspaceRead, `{"path":"b.bin"}`)
	require.NoError(t, err)
	out := res.Output.(readOutput)
	assert.Equal(t, "base64", out.Encoding)
	assert.Equal(t, "/wD+", out.Content)

	_, err = env.invoke(t, WorkspaceWrite, `{"path":"c.bin","content":"%%%","encoding":"base64"}`)
	assert.Equal(t, domain.ReasonInvalidInput, reasonOf(err))
}

func TestWorkspaceRejectsAbsoluteAndEscapingPaths(t *testing.T) {
	env := newTestEnv(t, "")

	for _, tc := range []struct{ tool, input string }{
		{WorkspaceRead, `{"path":"/etc/passwd"}`},
		{WorkspaceRead, `{"path":"../../etc/passwd"}`},
		{WorkspaceWrite, `{"path":"../escape.txt","content":"x"}`},
		{WorkspaceDelete, `{"path":"/tmp"}`},
		{WorkspaceList, `{"path":".."}`},
		{WorkspaceStat, `{"path":"a/../../b"}`},
	} {
		_, err := env.invoke(t, tc.tool, tc.input)
		require.Error(t, err, tc.input)
		assert.Equal(t, domain.ReasonPathEscape, reasonOf(err), tc.input)
	}

	res, err := env.invoke(t, WorkspaceList, `{"path":"/"}`)
	require.NoError(t, err)
	assert.Equal(t, ".", res.Output.(listOutput).Path)
}

func TestWorkspaceFailuresAreClassified(t *testing.T) {
	env := newTestEnv(t, "")

	_, err := env.invoke(t, WorkspaceRead, `{"path":"missing.txt"}`)
	assert.Equal(t, domain.ReasonNotFound, reasonOf(err))

	_, err = env.invoke(t, WorkspaceWrite, fmt.Sprintf(`{"path":"big.txt","content":%q}`, strings.Repeat("a", 2048)))
	assert.Equal(t, domain.ReasonTooLarge, reasonOf(err))

	_, err = env.invoke(t, WorkspaceWrite, `{"path":"dir/f.txt","content":"x"}`)
	require.NoError(t, err)
	_, err = env.invoke(t, WorkspaceDelete, `{"path":"dir"}`)
	assert.Equal(t, domain.ReasonInvalidInput, reasonOf(err))

	res, err := env.invoke(t, WorkspaceDelete, `{"path":"dir","recursive":true}`)
	require.NoError(t, err)
	assert.True(t, res.Output.(deleteOutput).Deleted)
}

func TestProcessExecChecksGluedOptionValues(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires unix utilities")
	}
	env := newTestEnv(t, "")
	secret := filepath.Join(env.root, "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("TOP-SECRET\n"), 0o644))
	_, err := env.invoke(t, WorkspaceWrite, `{"path":"data.txt","content":"TOP-SECRET\nplain\n"}`)
	require.NoError(t, err)
	_, err = env.invoke(t, WorkspaceWrite, `{"path":"patterns.txt","content":"plain\n"}`)
	require.NoError(t, err)

	for _, arg := range []string{"-f../secret.txt", "-f" + secret} {
		input, _ := json.Marshal(map[string]any{"command": "grep", "args": []string{"-o", arg, "data.txt"}})
		_, err := env.invoke(t, ProcessExec, string(input))
		assert.Equal(t, domain.ReasonPathEscape, reasonOf(err), "arg %q", arg)
	}

	res, err := env.invoke(t, ProcessExec, `{"command":"grep","args":["-o","-f./patterns.txt","data.txt"]}`)
	require.NoError(t, err)
	assert.Equal(t, "plain\n", res.Output.(execOutput).Stdout)
}

func TestProcessExec(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires unix utilities")
	}
	env := newTestEnv(t, "")
	_, err := env.invoke(t, WorkspaceWrite, `{"path":"sub/hello.txt","content":"hi"}`)
	require.NoError(t, err)

	res, err := env.invoke(t, ProcessExec, `{"command":"ls","cwd":"sub"}`)
	require.NoError(t, err)
	out := res.Output.(execOutput)
	assert.Equal(t, 0, out.ExitCode)
	assert.Contains(t, out.Stdout, "hello.txt")

	res, err = env.invoke(t, ProcessExec, `{"command":"cat","args":["missing.txt"]}`)
	require.NoError(t, err)
	assert.NotEqual(t, 0, res.Output.(execOutput).ExitCode)

	_, err = env.invoke(t, ProcessExec, `{"command":"rm","args":["-rf","."]}`)
	assert.Equal(t, domain.ReasonCommandNotAllowed, reasonOf(err))

	_, err = env.invoke(t, ProcessExec, `{"command":"cat","args":["../../etc/passwd"]}`)
	assert.Equal(t, domain.ReasonPathEscape, reasonOf(err))

	_, err = env.invoke(t, ProcessExec, `{"command":"ls","cwd":"/etc"}`)
	assert.Equal(t, domain.ReasonPathEscape, reasonOf(err))

	_, err = env.invoke(t, ProcessExec, `{"command":"ls","cwd":"nowhere"}`)
	assert.Equal(t, domain.ReasonNotFound, reasonOf(err))

	_, err = env.invoke(t, ProcessExec, `{"command":"sleep","args":["5"],"timeout_ms":200}`)
	assert.Equal(t, domain.ReasonProcessTimeout, reasonOf(err))
}

func TestExecTimeoutPrecedence(t *testing.T) {
	box := &Toolbox{limits: Limits{ExecTimeout: 30 * time.Second, ExecTimeoutMax: time.Minute}}

	assert.Equal(t, 30*time.Second, box.execTimeout(ProcessExecInput{}, &Call{}))
	assert.Equal(t, 10*time.Second, box.execTimeout(ProcessExecInput{}, &Call{Timeout: 10 * time.Second}))
	assert.Equal(t, 2*time.Second, box.execTimeout(ProcessExecInput{TimeoutMs: 2000}, &Call{Timeout: 10 * time.Second}))
	assert.Equal(t, time.Minute, box.execTimeout(ProcessExecInput{TimeoutMs: 3_600_000}, &Call{}))
}

func TestManagedProcessTools(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires unix utilities")
	}
	env := newTestEnv(t, "")

	res, err := env.invoke(t, ProcessStart, `{"command":"sleep","args":["30"]}`)
	require.NoError(t, err)
	proc := res.Output.(domain.ManagedProcess)
	assert.Equal(t, domain.ProcessStatusRunning, proc.Status)
	assert.Equal(t, ".", proc.Cwd)

	res, err = env.invoke(t, ProcessList, `{}`)
	require.NoError(t, err)
	assert.Len(t, res.Output.(listProcessesOutput).Processes, 1)

	res, err = env.invoke(t, ProcessStatus, fmt.Sprintf(`{"process_id":%q}`, proc.ProcessID))
	require.NoError(t, err)
	assert.Equal(t, proc.ProcessID, res.Output.(domain.ManagedProcess).ProcessID)

	res, err = env.invoke(t, ProcessLogs, fmt.Sprintf(`{"process_id":%q}`, proc.ProcessID))
	require.NoError(t, err)
	assert.Empty(t, res.Output.(logsOutput).Entries)

	res, err = env.invoke(t, ProcessStop, fmt.Sprintf(`{"process_id":%q}`, proc.ProcessID))
	require.NoError(t, err)
	assert.True(t, res.Output.(domain.ManagedProcess).Status.Terminal())

	_, err = env.invoke(t, ProcessStatus, `{"process_id":"proc_missing"}`)
	assert.Equal(t, domain.ReasonProcessNotFound, reasonOf(err))
}

func TestBrowserProxy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req domain.ToolInvokeRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		switch req.ToolName {
		case "browser.open":
			_, _ = fmt.Fprintf(w, `{"status":"completed","output":{"title":"Example","key":%q}}`, r.Header.Get("Idempotency-Key"))
		case "browser.click":
			_, _ = w.Write([]byte(`{"status":"failed","error":"no such element","reason_code":"element_not_found"}`))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"busy"}`))
		}
	}))
	defer srv.Close()
	env := newTestEnv(t, srv.URL)

	res, err := env.invoke(t, "browser.open", `{"url":"https://example.com"}`)
	require.NoError(t, err)
	out, err := MarshalOutput(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"Example","key":"inv-1"}`, string(out))

	_, err = env.invoke(t, "browser.click", `{"selector":"#x"}`)
	failure := Classify(err)
	assert.Equal(t, "element_not_found", failure.ReasonCode)
	assert.Equal(t, http.StatusUnprocessableEntity, failure.StatusCode())

	_, err = env.invoke(t, "browser.scroll", `{}`)
	failure = Classify(err)
	assert.Equal(t, domain.ReasonUpstreamFailure, failure.ReasonCode)
	assert.Equal(t, http.StatusBadGateway, failure.StatusCode())
}

func TestClassifyDefaults(t *testing.T) {
	assert.Nil(t, Classify(nil))

	failure := Classify(errors.New("boom"))
	assert.Equal(t, domain.ReasonExecutionError, failure.ReasonCode)
	assert.Equal(t, http.StatusInternalServerError, failure.StatusCode())

	failure = Classify(fmt.Errorf("wrapped: %w", process.ErrOutputLimit))
	assert.Equal(t, domain.ReasonOutputLimitExceeded, failure.ReasonCode)
	assert.Equal(t, http.StatusUnprocessableEntity, failure.StatusCode())

	failure = Classify(browser.ErrNotConfigured)
	assert.Equal(t, http.StatusBadGateway, failure.StatusCode())

	typed := &domain.ToolFailure{ReasonCode: "custom", Message: "m"}
	assert.Same(t, typed, Classify(fmt.Errorf("x: %w", typed)))
}
