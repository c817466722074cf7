// quill is the command line client for the quilld task lifecycle API.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/throw-if-null/quill/internal/api"
	"github.com/throw-if-null/quill/internal/version"
)

func main() {
	_ = godotenv.Load()
	base := os.Getenv("QUILL_ADDR")
	if base == "" {
		base = fmt.Sprintf("http://%s:%d", api.DefaultHost, api.DefaultPort)
	}
	client := &http.Client{Timeout: 30 * time.Second}
	os.Exit(run(os.Args[1:], client, base, os.Stdout, os.Stderr))
}

func run(args []string, client *http.Client, baseURL string, out, errOut io.Writer) int {
	if len(args) < 1 {
		usage(errOut)
		return 2
	}

	switch args[0] {
	case "create":
		return create(args[1:], client, baseURL, out, errOut)
	case "submit":
		return trigger("submit", args[1:], client, baseURL, out, errOut)
	case "approve":
		return trigger("approve", args[1:], client, baseURL, out, errOut)
	case "status":
		return status(args[1:], client, baseURL, out, errOut)
	case "list":
		return list(args[1:], client, baseURL, out, errOut)
	case "version":
		fmt.Fprintf(out, "quill %s (%s)\n", version.Version, version.Commit)
		return 0
	default:
		usage(errOut)
		return 2
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage:")
	fmt.Fprintln(w, "  quill create --prompt <text>")
	fmt.Fprintln(w, "  quill submit <task-id>")
	fmt.Fprintln(w, "  quill approve <task-id>")
	fmt.Fprintln(w, "  quill status [--json] <task-id>")
	fmt.Fprintln(w, "  quill list [--limit <n>]")
	fmt.Fprintln(w, "  quill version")
}

func create(args []string, client *http.Client, baseURL string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var prompt string
	fs.StringVar(&prompt, "prompt", "", "task prompt")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if prompt == "" {
		fs.Usage()
		return 2
	}

	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(api.CreateTaskRequest{Prompt: prompt})
	body, code := do(client, http.MethodPost, baseURL+"/v1/tasks", &buf, errOut)
	if code != 0 {
		return code
	}
	var created api.CreateTaskResponse
	if err := json.Unmarshal(body, &created); err != nil {
		fmt.Fprintf(errOut, "bad response: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "%s\t%s\n", created.TaskID, created.Status)
	return 0
}

func trigger(action string, args []string, client *http.Client, baseURL string, out, errOut io.Writer) int {
	if len(args) != 1 {
		usage(errOut)
		return 2
	}
	url := fmt.Sprintf("%s/v1/tasks/%s/%s", baseURL, args[0], action)
	body, code := do(client, http.MethodPost, url, nil, errOut)
	if code != 0 {
		return code
	}
	var view api.TaskView
	if err := json.Unmarshal(body, &view); err != nil {
		fmt.Fprintf(errOut, "bad response: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "%s\t%s\n", view.TaskID, stateLabel(view))
	return 0
}

func status(args []string, client *http.Client, baseURL string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(errOut)
	asJSON := fs.Bool("json", false, "print raw JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		usage(errOut)
		return 2
	}

	body, code := do(client, http.MethodGet, baseURL+"/v1/tasks/"+fs.Arg(0), nil, errOut)
	if code != 0 {
		return code
	}
	if *asJSON {
		fmt.Fprintln(out, string(bytes.TrimSpace(body)))
		return 0
	}

	var view api.TaskView
	if err := json.Unmarshal(body, &view); err != nil {
		fmt.Fprintf(errOut, "bad response: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "task %s\n", view.TaskID)
	fmt.Fprintf(out, "  status: %s\n", stateLabel(view))
	fmt.Fprintf(out, "  prompt: %s\n", view.Prompt)
	if view.Result != nil {
		fmt.Fprintf(out, "  result:\n%s\n", *view.Result)
	}
	if len(view.AuditLog) > 0 {
		fmt.Fprintln(out, "  audit:")
		for _, e := range view.AuditLog {
			fmt.Fprintf(out, "    %s -> %s\t%s\t%s\n", e.FromStatus, e.ToStatus, e.Actor, e.At)
		}
	}
	return 0
}

func list(args []string, client *http.Client, baseURL string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(errOut)
	limit := fs.Int("limit", 0, "max tasks to return")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	url := baseURL + "/v1/tasks"
	if *limit > 0 {
		url = fmt.Sprintf("%s?limit=%d", url, *limit)
	}
	body, code := do(client, http.MethodGet, url, nil, errOut)
	if code != 0 {
		return code
	}
	fmt.Fprintln(out, string(bytes.TrimSpace(body)))
	return 0
}

func stateLabel(view api.TaskView) string {
	if view.Phase == "" {
		return view.Status
	}
	return fmt.Sprintf("%s (%s)", view.Status, view.Phase)
}

func do(client *http.Client, method, url string, body io.Reader, errOut io.Writer) ([]byte, int) {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return nil, 1
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return nil, 1
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return nil, 1
	}
	if resp.StatusCode >= 400 {
		fmt.Fprintf(errOut, "request failed: %s: %s\n", resp.Status, string(bytes.TrimSpace(b)))
		return nil, 1
	}
	return b, 0
}
