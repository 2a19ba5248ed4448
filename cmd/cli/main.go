package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string
	userID    string
	timeout   string
	language  string
	role      string
	kind      string
	extension string
	fileName  string
	stream    bool
)

func main() {
	root := &cobra.Command{
		Use:          "labctl",
		Short:        "CLI client for the lab sandbox service",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", envOr("LAB_SERVER", "http://localhost:8080"), "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("LAB_API_KEY"), "API key")
	root.PersistentFlags().StringVar(&userID, "user", os.Getenv("LAB_USER"), "User ID sent as X-User-ID")

	templatesCmd := &cobra.Command{
		Use:   "templates [id]",
		Short: "List templates, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runTemplates,
	}
	templatesCmd.Flags().StringVar(&kind, "kind", "", "Only list templates of this kind")
	root.AddCommand(templatesCmd)

	root.AddCommand(&cobra.Command{
		Use:   "start [template]",
		Short: "Start an instance of a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return call(http.MethodPost, "/instances", map[string]string{"template_id": args[0]})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "get [instance]",
		Short: "Show an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return call(http.MethodGet, "/instances/"+url.PathEscape(args[0]), nil)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List your instances",
		RunE: func(_ *cobra.Command, _ []string) error {
			return call(http.MethodGet, "/instances", nil)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "stop [instance]",
		Short: "Stop an instance and release its resources",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return call(http.MethodDelete, "/instances/"+url.PathEscape(args[0]), nil)
		},
	})

	renewCmd := &cobra.Command{
		Use:   "renew [instance]",
		Short: "Extend an instance's deadline",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return call(http.MethodPost, "/instances/"+url.PathEscape(args[0])+"/renew", map[string]string{"extension": extension})
		},
	}
	renewCmd.Flags().StringVar(&extension, "by", "30m", "Extension")
	root.AddCommand(renewCmd)

	execCmd := &cobra.Command{
		Use:   "exec [instance] [command]",
		Short: "Run a shell command in an instance",
		Args:  cobra.ExactArgs(2),
		RunE:  runExec,
	}
	execCmd.Flags().StringVar(&timeout, "timeout", "", "Execution timeout")
	execCmd.Flags().StringVar(&role, "role", "", "Container role (defaults to the template's)")
	execCmd.Flags().BoolVar(&stream, "stream", false, "Stream output as it is produced")
	root.AddCommand(execCmd)

	runCmd := &cobra.Command{
		Use:   "run [instance] [file]",
		Short: "Run source code in a programming-language instance (reads stdin without a file)",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runCode,
	}
	runCmd.Flags().StringVar(&timeout, "timeout", "", "Execution timeout")
	runCmd.Flags().StringVarP(&language, "language", "l", "", "Language (defaults to the template's)")
	root.AddCommand(runCmd)

	uploadCmd := &cobra.Command{
		Use:   "upload [instance] [file]",
		Short: "Copy a local file into an instance's working directory",
		Args:  cobra.ExactArgs(2),
		RunE:  runUpload,
	}
	uploadCmd.Flags().StringVar(&fileName, "name", "", "Name in the instance (defaults to the file's base name)")
	uploadCmd.Flags().StringVar(&role, "role", "", "Container role (defaults to the template's)")
	root.AddCommand(uploadCmd)

	root.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Run a reclamation pass now",
		RunE: func(_ *cobra.Command, _ []string) error {
			return call(http.MethodPost, "/admin/sweep", nil)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(_ *cobra.Command, _ []string) error {
			return call(http.MethodGet, "/health", nil)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runTemplates(_ *cobra.Command, args []string) error {
	if len(args) == 1 {
		return call(http.MethodGet, "/templates/"+url.PathEscape(args[0]), nil)
	}
	path := "/templates"
	if kind != "" {
		path += "?kind=" + url.QueryEscape(kind)
	}
	return call(http.MethodGet, path, nil)
}

func runExec(_ *cobra.Command, args []string) error {
	payload := map[string]any{"command": args[1]}
	if timeout != "" {
		payload["timeout"] = timeout
	}
	if role != "" {
		payload["role"] = role
	}

	path := "/instances/" + url.PathEscape(args[0]) + "/exec"
	if stream {
		return streamExec(path+"/stream", payload)
	}
	return callExec(path, payload)
}

func runCode(_ *cobra.Command, args []string) error {
	var data []byte
	var err error
	if len(args) == 2 {
		data, err = os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}
	} else {
		data, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
	}

	payload := map[string]any{"code": string(data)}
	if language != "" {
		payload["language"] = language
	}
	if timeout != "" {
		payload["timeout"] = timeout
	}
	return callExec("/instances/"+url.PathEscape(args[0])+"/run", payload)
}

func runUpload(_ *cobra.Command, args []string) error {
	f, err := os.Open(args[1])
	if err != nil {
		return fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	name := fileName
	if name == "" {
		name = filepath.Base(args[1])
	}
	q := url.Values{"name": {name}}
	if role != "" {
		q.Set("role", role)
	}

	req, err := newRequest(http.MethodPost, "/instances/"+url.PathEscape(args[0])+"/files?"+q.Encode(), f)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := (&http.Client{Timeout: 5 * time.Minute}).Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	printJSON(result)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

// callExec prints the result and exits with the sandbox exit code.
func callExec(path string, payload any) error {
	resp, err := send(http.MethodPost, path, payload, 0)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	printJSON(result)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	if exitCode, ok := result["exit_code"].(float64); ok && exitCode != 0 {
		os.Exit(int(exitCode))
	}
	return nil
}

func streamExec(path string, payload any) error {
	resp, err := send(http.MethodPost, path, payload, 0)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var result any
		json.NewDecoder(resp.Body).Decode(&result)
		printJSON(result)
		return fmt.Errorf("server returned %s", resp.Status)
	}

	var event string
	var data []string
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		case line == "":
			msg := strings.Join(data, "\n")
			switch event {
			case "stdout":
				fmt.Fprint(os.Stdout, msg)
			case "stderr":
				fmt.Fprint(os.Stderr, msg)
			case "error":
				fmt.Fprintln(os.Stderr, msg)
				return fmt.Errorf("execution failed")
			case "done":
				var result struct {
					ExitCode int  `json:"exit_code"`
					TimedOut bool `json:"timed_out"`
				}
				if err := json.Unmarshal([]byte(msg), &result); err == nil {
					if result.TimedOut {
						fmt.Fprintln(os.Stderr, "execution timed out")
					}
					if result.ExitCode != 0 {
						os.Exit(result.ExitCode)
					}
				}
				return nil
			}
			event, data = "", nil
		}
	}
	return sc.Err()
}

func call(method, path string, payload any) error {
	resp, err := send(method, path, payload, 30*time.Second)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		fmt.Println("ok")
		return nil
	}

	var result any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	printJSON(result)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

// send issues the request. A zero clientTimeout leaves the deadline to the
// server, for executions that may run for minutes.
func send(method, path string, payload any, clientTimeout time.Duration) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}

	req, err := newRequest(method, path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: clientTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// newRequest builds a request to the server carrying the caller's
// credentials.
func newRequest(method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, strings.TrimRight(serverURL, "/")+path, body)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	return req, nil
}

func printJSON(v any) {
	formatted, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(formatted))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
