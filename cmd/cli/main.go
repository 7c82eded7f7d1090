package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const (
	defaultServerURL = "http://localhost:7126"
)

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

// errFailed marks a command the server rejected; the error is already printed
var errFailed = errors.New("command failed")

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var serverURL string

	root := &cobra.Command{
		Use:           "numpadctl",
		Short:         "Control a running numpad engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&serverURL, "server", "s", defaultServerURL, "Server URL")

	// send runs one text command on the server and prints the result
	send := func(command string) error {
		result := executeCommand(serverURL, command)
		if !result.Success {
			printError(stderr, result)
			return errFailed
		}
		printSuccess(stdout, result)
		return nil
	}

	root.AddCommand(
		&cobra.Command{
			Use:     "press <key>",
			Short:   "Send a key event, e.g. key_1 or key_enter",
			Example: "  numpadctl press key_1\n  numpadctl press key_enter",
			Args:    cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return send("press " + args[0])
			},
		},
		&cobra.Command{
			Use:   "status [keys]",
			Short: "Show the dispatch status or the key mappings",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return send(joinCommand("status", args))
			},
		},
		&cobra.Command{
			Use:   "refresh",
			Short: "Re-read printer state",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return send("refresh")
			},
		},
		&cobra.Command{
			Use:   "reset",
			Short: "Clear the pending command and tuning state",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return send("reset")
			},
		},
		newSoundCmd(send),
		&cobra.Command{
			Use:   "update [mode]",
			Short: "Run a lister update (install, refresh, sync, restart, permissions)",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return send(joinCommand("update", args))
			},
		},
		&cobra.Command{
			Use:   "scan",
			Short: "Scan lister printables for missing metadata",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return send("scan")
			},
		},
		&cobra.Command{
			Use:     "exec <command...>",
			Short:   "Run a raw text command",
			Example: "  numpadctl exec help",
			Args:    cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return send(strings.Join(args, " "))
			},
		},
	)
	return root
}

func newSoundCmd(send func(string) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sound",
		Short: "Manage the sound library",
	}
	for _, sub := range []struct{ use, short string }{
		{"list", "List available sounds"},
		{"scan", "Rescan the sound directory"},
		{"info", "Show sound system information"},
	} {
		sub := sub
		cmd.AddCommand(&cobra.Command{
			Use:   sub.use,
			Short: sub.short,
			Args:  cobra.NoArgs,
			RunE: func(c *cobra.Command, args []string) error {
				return send("sound " + sub.use)
			},
		})
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "play <name>",
		Short: "Play a sound on the printer",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return send("sound play " + quote(args[0]))
		},
	})
	return cmd
}

func joinCommand(name string, args []string) string {
	return strings.TrimSpace(name + " " + strings.Join(args, " "))
}

// quote keeps names with spaces in one argument for the server's parser
func quote(s string) string {
	if strings.ContainsAny(s, " \t") {
		return `"` + s + `"`
	}
	return s
}

type CommandResult struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

var httpClient = &http.Client{Timeout: 5 * time.Minute}

func executeCommand(serverURL, command string) *CommandResult {
	url := strings.TrimSuffix(serverURL, "/") + "/command"

	jsonData, err := json.Marshal(map[string]string{"command": command})
	if err != nil {
		return &CommandResult{Error: fmt.Sprintf("failed to marshal request: %v", err)}
	}

	resp, err := httpClient.Post(url, "application/json", bytes.NewReader(jsonData))
	if err != nil {
		return &CommandResult{Error: fmt.Sprintf("failed to connect to server: %v", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &CommandResult{Error: fmt.Sprintf("failed to read response: %v", err)}
	}

	var result CommandResult
	if err := json.Unmarshal(body, &result); err != nil {
		return &CommandResult{Error: fmt.Sprintf("failed to parse response: %v", err)}
	}
	return &result
}

func printSuccess(w io.Writer, result *CommandResult) {
	if result.Message != "" {
		fmt.Fprintln(w, successStyle.Render(result.Message))
	}
	if result.Data == nil {
		return
	}

	if mapping, ok := result.Data["command_mapping"].(map[string]interface{}); ok {
		queries, _ := result.Data["query_mapping"].(map[string]interface{})
		fmt.Fprintln(w, titleStyle.Render("Key mappings"))
		for _, key := range sortedKeys(mapping) {
			line := fmt.Sprintf("  %-14s %v", key, mapping[key])
			if q, ok := queries[key]; ok {
				line += mutedStyle.Render(fmt.Sprintf("  (query %v)", q))
			}
			fmt.Fprintln(w, line)
		}
	}

	if status, ok := result.Data["status"].(map[string]interface{}); ok {
		fmt.Fprintln(w, field("printing", fmt.Sprint(status["is_printing"])))
		fmt.Fprintln(w, field("probing", fmt.Sprint(status["is_probing"])))
		fmt.Fprintln(w, field("fine tuning", fmt.Sprint(status["is_fine_tuning"])))
		fmt.Fprintln(w, field("z adjust", fmt.Sprint(status["accumulated_z_adjust"])))
		if pending, _ := status["z_offset_save_pending"].(bool); pending {
			fmt.Fprintln(w, warningStyle.Render("  offset save pending"))
		}
	}

	if sounds, ok := result.Data["sounds"].(map[string]interface{}); ok {
		fmt.Fprintln(w, titleStyle.Render("Sounds"))
		for _, name := range sortedKeys(sounds) {
			fmt.Fprintf(w, "  %s %s\n", name, mutedStyle.Render(fmt.Sprint(sounds[name])))
		}
	}

	if id, ok := result.Data["id"].(string); ok {
		fmt.Fprintln(w, field("update id", id))
	}
}

func printError(w io.Writer, result *CommandResult) {
	if result.Error != "" {
		fmt.Fprintln(w, errorStyle.Render("Error: "+result.Error))
	} else if result.Message != "" {
		fmt.Fprintln(w, errorStyle.Render(result.Message))
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
