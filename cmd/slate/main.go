// Command slate is the slate CLI client.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/slateworks/slate/internal/version"
)

const defaultServer = "http://localhost:9190"

func main() {
	var (
		serverURL = flag.String("server", defaultServer, "slated server URL")
		token     = flag.String("token", os.Getenv("SLATE_TOKEN"), "JWT auth token")
	)
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	cli := &Client{
		BaseURL:    strings.TrimRight(*serverURL, "/"),
		Token:      *token,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}

	cmd := args[0]
	rest := args[1:]

	var err error
	switch cmd {
	case "version":
		err = cmdVersion(rest)
	case "login":
		err = cli.cmdLogin(rest)
	case "status":
		err = cli.cmdStatus(rest)
	case "agents":
		err = cli.cmdAgents(rest)
	case "agent":
		err = cli.cmdAgent(rest)
	case "workflows":
		err = cli.cmdWorkflows(rest)
	case "workflow":
		err = cli.cmdWorkflow(rest)
	case "start":
		err = cli.cmdStart(rest)
	case "pause":
		err = cli.cmdPause(rest)
	case "resume":
		err = cli.cmdResume(rest)
	case "history":
		err = cli.cmdHistory(rest)
	case "serve":
		fmt.Fprintln(os.Stderr, "use slated to run the daemon")
		os.Exit(1)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `slate - preproduction assistant CLI

Usage:
  slate [flags] <command> [args]

Flags:
  --server  <url>    server URL (default: http://localhost:9190)
  --token   <token>  JWT auth token (or $SLATE_TOKEN)

Commands:
  version               print version
  login <user>          obtain a token (password read from stdin)
  status                show daemon status
  agents                list agents
  agent show <id>       show agent detail and recent operations
  agent ping <id>       ping an agent over the bus
  workflows [status]    list workflows, optionally filtered by status
  workflow <id>         show workflow detail and checkpoints
  start <type> [proj]   start a workflow
  pause <id>            pause a running workflow
  resume <id>           resume a paused workflow
  history [topic]       show recent bus traffic
`)
}

// --- version ---

func cmdVersion(_ []string) error {
	fmt.Println(version.String())
	return nil
}

// Client holds HTTP client state for CLI commands.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// get performs a GET and decodes JSON into v.
func (c *Client) get(path string, v any) error {
	req, err := http.NewRequest(http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// post performs a POST and decodes JSON response into v (may be nil).
func (c *Client) post(path string, body io.Reader, v any) error {
	req, err := http.NewRequest(http.MethodPost, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if v != nil && resp.ContentLength != 0 {
		return json.NewDecoder(resp.Body).Decode(v)
	}
	return nil
}

// --- login ---

func (c *Client) cmdLogin(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: slate login <user>")
	}
	fmt.Fprint(os.Stderr, "password: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return fmt.Errorf("no password given")
	}
	body := fmt.Sprintf(`{"username":%q,"password":%q}`, args[0], scanner.Text())
	var result map[string]string
	if err := c.post("/api/login", strings.NewReader(body), &result); err != nil {
		return err
	}
	fmt.Println(result["token"])
	fmt.Fprintln(os.Stderr, "export SLATE_TOKEN=<token> to use it in later commands")
	return nil
}

// --- status ---

func (c *Client) cmdStatus(_ []string) error {
	var result map[string]any
	if err := c.get("/api/status", &result); err != nil {
		return err
	}
	fmt.Printf("status:  %s\n", strVal(result["status"]))
	fmt.Printf("version: %s\n", strVal(result["version"]))
	if up, ok := result["uptime_seconds"].(float64); ok {
		fmt.Printf("uptime:  %s\n", (time.Duration(up) * time.Second).String())
	}
	return nil
}

// --- agents ---

func (c *Client) cmdAgents(_ []string) error {
	var agents []map[string]any
	if err := c.get("/api/agents", &agents); err != nil {
		return err
	}
	if len(agents) == 0 {
		fmt.Println("no agents")
		return nil
	}
	fmt.Printf("%-16s %-16s %-10s %-10s %-10s\n", "ID", "NAME", "ROLE", "LIFECYCLE", "STATE")
	fmt.Println(strings.Repeat("-", 66))
	for _, a := range agents {
		fmt.Printf("%-16s %-16s %-10s %-10s %-10s\n",
			strVal(a["id"]),
			truncate(strVal(a["name"]), 15),
			strVal(a["role"]),
			strVal(a["lifecycle"]),
			strVal(a["state"]),
		)
	}
	return nil
}

// --- agent subcommands ---

func (c *Client) cmdAgent(args []string) error {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: slate agent <show|ping> <id>")
		os.Exit(1)
	}
	sub, id := args[0], args[1]
	switch sub {
	case "show":
		var detail map[string]any
		if err := c.get("/api/agents/"+url.PathEscape(id), &detail); err != nil {
			return err
		}
		fmt.Printf("id:        %s\n", strVal(detail["id"]))
		fmt.Printf("name:      %s\n", strVal(detail["name"]))
		fmt.Printf("role:      %s\n", strVal(detail["role"]))
		fmt.Printf("lifecycle: %s\n", strVal(detail["lifecycle"]))
		fmt.Printf("state:     %s\n", strVal(detail["state"]))
		if task := strVal(detail["current_task"]); task != "" {
			fmt.Printf("task:      %s\n", task)
		}
		ops, _ := detail["operations"].([]any)
		if len(ops) == 0 {
			return nil
		}
		fmt.Println()
		fmt.Printf("%-25s %-14s %-16s %s\n", "TIME", "ACTION", "PEER", "NOTE")
		fmt.Println(strings.Repeat("-", 80))
		for _, raw := range ops {
			op, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			fmt.Printf("%-25s %-14s %-16s %s\n",
				strVal(op["time"]),
				strVal(op["action"]),
				truncate(strVal(op["peer"]), 15),
				truncate(strVal(op["note"]), 30),
			)
		}
	case "ping":
		var result map[string]any
		if err := c.post("/api/agents/"+url.PathEscape(id)+"/ping", nil, &result); err != nil {
			return err
		}
		status := strVal(result["status"])
		if status == "success" {
			fmt.Printf("agent %s responded in %sms\n", id, strVal(result["latency_ms"]))
		} else {
			fmt.Printf("agent %s: %s (%s)\n", id, status, strVal(result["reason"]))
		}
	default:
		return fmt.Errorf("unknown agent subcommand: %s", sub)
	}
	return nil
}

// --- workflows ---

func (c *Client) cmdWorkflows(args []string) error {
	path := "/api/workflows"
	if len(args) > 0 {
		path += "?status=" + url.QueryEscape(args[0])
	}
	var flows []map[string]any
	if err := c.get(path, &flows); err != nil {
		return err
	}
	if len(flows) == 0 {
		fmt.Println("no workflows")
		return nil
	}
	fmt.Printf("%-36s %-16s %-10s %-18s %s\n", "ID", "TYPE", "STATUS", "STEP", "PROJECT")
	fmt.Println(strings.Repeat("-", 96))
	for _, w := range flows {
		fmt.Printf("%-36s %-16s %-10s %-18s %s\n",
			strVal(w["workflow_id"]),
			strVal(w["workflow_type"]),
			strVal(w["status"]),
			strVal(w["current_step"]),
			strVal(w["project_id"]),
		)
	}
	return nil
}

func (c *Client) cmdWorkflow(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: slate workflow <id>")
	}
	id := args[0]
	var w map[string]any
	if err := c.get("/api/workflows/"+url.PathEscape(id), &w); err != nil {
		return err
	}
	fmt.Printf("id:      %s\n", strVal(w["workflow_id"]))
	fmt.Printf("type:    %s\n", strVal(w["workflow_type"]))
	fmt.Printf("project: %s\n", strVal(w["project_id"]))
	fmt.Printf("status:  %s\n", strVal(w["status"]))
	fmt.Printf("step:    %s\n", strVal(w["current_step"]))
	if steps, ok := w["steps_completed"].([]any); ok && len(steps) > 0 {
		names := make([]string, 0, len(steps))
		for _, s := range steps {
			names = append(names, strVal(s))
		}
		fmt.Printf("done:    %s\n", strings.Join(names, ", "))
	}
	if errMsg := strVal(w["error"]); errMsg != "" {
		fmt.Printf("error:   %s\n", errMsg)
	}

	var cps []map[string]any
	if err := c.get("/api/workflows/"+url.PathEscape(id)+"/checkpoints", &cps); err != nil {
		return err
	}
	if len(cps) == 0 {
		return nil
	}
	fmt.Println()
	fmt.Printf("%-25s %s\n", "CHECKPOINT", "STEP")
	fmt.Println(strings.Repeat("-", 45))
	for _, cp := range cps {
		fmt.Printf("%-25s %s\n", strVal(cp["created_at"]), strVal(cp["step"]))
	}
	return nil
}

// --- workflow lifecycle ---

func (c *Client) cmdStart(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: slate start <type> [project]")
	}
	project := ""
	if len(args) > 1 {
		project = args[1]
	}
	body := fmt.Sprintf(`{"workflow_type":%q,"project_id":%q}`, args[0], project)
	var result map[string]any
	if err := c.post("/api/workflows", strings.NewReader(body), &result); err != nil {
		return err
	}
	fmt.Printf("started workflow %s (%s)\n", strVal(result["workflow_id"]), strVal(result["workflow_type"]))
	return nil
}

func (c *Client) cmdPause(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: slate pause <id>")
	}
	var result map[string]any
	if err := c.post("/api/workflows/"+url.PathEscape(args[0])+"/pause", nil, &result); err != nil {
		return err
	}
	fmt.Printf("workflow %s paused at %s\n", args[0], strVal(result["current_step"]))
	return nil
}

func (c *Client) cmdResume(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: slate resume <id>")
	}
	var result map[string]any
	if err := c.post("/api/workflows/"+url.PathEscape(args[0])+"/resume", nil, &result); err != nil {
		return err
	}
	fmt.Printf("workflow %s resumed at %s\n", args[0], strVal(result["current_step"]))
	return nil
}

// --- history ---

func (c *Client) cmdHistory(args []string) error {
	path := "/api/bus/history?limit=20"
	if len(args) > 0 {
		path += "&topic=" + url.QueryEscape(args[0])
	}
	var msgs []map[string]any
	if err := c.get(path, &msgs); err != nil {
		return err
	}
	if len(msgs) == 0 {
		fmt.Println("no messages")
		return nil
	}
	fmt.Printf("%-25s %-22s %-16s %s\n", "TIME", "TOPIC", "SENDER", "PRIORITY")
	fmt.Println(strings.Repeat("-", 75))
	for _, m := range msgs {
		fmt.Printf("%-25s %-22s %-16s %s\n",
			strVal(m["created_at"]),
			truncate(strVal(m["topic"]), 21),
			truncate(strVal(m["sender_id"]), 15),
			priorityName(m["priority"]),
		)
	}
	return nil
}

// --- helpers ---

func strVal(v any) string {
	if v == nil {
		return ""
	}
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		return fmt.Sprint(int64(f))
	}
	return fmt.Sprint(v)
}

// priorityName maps the numeric wire priority back to its name.
func priorityName(v any) string {
	f, ok := v.(float64)
	if !ok {
		return strVal(v)
	}
	switch int(f) {
	case 0:
		return "low"
	case 1:
		return "normal"
	case 2:
		return "high"
	case 3:
		return "urgent"
	default:
		return fmt.Sprint(int(f))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
