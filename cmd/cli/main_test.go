package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer records commands posted to /command and answers with reply
func fakeServer(t *testing.T, reply CommandResult) (*httptest.Server, *[]string) {
	t.Helper()
	var got []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/command", r.URL.Path)
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		got = append(got, body["command"])
		_ = json.NewEncoder(w).Encode(reply)
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func runCLI(t *testing.T, url string, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd(&stdout, &stderr)
	cmd.SetArgs(append([]string{"--server", url}, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestCommandsMapToTextCommands(t *testing.T) {
	srv, got := fakeServer(t, CommandResult{Success: true, Message: "ok"})

	cases := [][]string{
		{"press", "key_1"},
		{"status", "keys"},
		{"sound", "list"},
		{"sound", "play", "print done"},
		{"update"},
		{"update", "sync"},
		{"scan"},
		{"exec", "reset"},
	}
	for _, args := range cases {
		_, _, err := runCLI(t, srv.URL, args...)
		require.NoError(t, err, args)
	}

	assert.Equal(t, []string{
		"press key_1",
		"status keys",
		"sound list",
		`sound play "print done"`,
		"update",
		"update sync",
		"scan",
		"reset",
	}, *got)
}

func TestFailedCommand(t *testing.T) {
	srv, _ := fakeServer(t, CommandResult{Success: false, Error: "unknown numpad key"})

	stdout, stderr, err := runCLI(t, srv.URL, "press", "key_x")
	require.ErrorIs(t, err, errFailed)
	assert.Empty(t, stdout)
	assert.Contains(t, stderr, "unknown numpad key")
}

func TestUnreachableServer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	result := executeCommand(url, "status")
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "failed to connect to server")
}

func TestPrintSuccessKeyMappings(t *testing.T) {
	var out bytes.Buffer
	printSuccess(&out, &CommandResult{
		Success: true,
		Data: map[string]interface{}{
			"command_mapping": map[string]interface{}{"key_2": "HOME", "key_1": "PRINT_CUBE"},
			"query_mapping":   map[string]interface{}{"key_1": "_QUERY_PRINT_CUBE"},
		},
	})

	text := out.String()
	assert.Contains(t, text, "PRINT_CUBE")
	assert.Contains(t, text, "_QUERY_PRINT_CUBE")
	assert.Less(t, bytes.Index(out.Bytes(), []byte("key_1")), bytes.Index(out.Bytes(), []byte("key_2")))
}

func TestArgumentValidation(t *testing.T) {
	srv, got := fakeServer(t, CommandResult{Success: true})

	_, _, err := runCLI(t, srv.URL, "press")
	require.Error(t, err)
	assert.Empty(t, *got)
}
