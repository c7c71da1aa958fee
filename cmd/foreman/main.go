// Command foreman is the Foreman CLI client.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/GoCodeAlone/foreman/internal/version"
)

const defaultServer = "http://localhost:9070"

func main() {
	var (
		serverURL = flag.String("server", defaultServer, "foreman server URL")
		token     = flag.String("token", os.Getenv("FOREMAN_TOKEN"), "JWT auth token")
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
	case "status":
		err = cli.cmdStatus(rest)
	case "tasks":
		err = cli.cmdTasks(rest)
	case "task":
		err = cli.cmdTask(rest)
	case "templates":
		err = cli.cmdTemplates(rest)
	case "deliverables":
		err = cli.cmdDeliverables(rest)
	case "deliverable":
		err = cli.cmdDeliverable(rest)
	case "events":
		err = cli.cmdEvents(rest)
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
	fmt.Fprint(os.Stderr, `foreman - Foreman CLI

Usage:
  foreman [flags] <command> [args]

Flags:
  --server  <url>    server URL (default: http://localhost:9070)
  --token   <token>  JWT auth token (or $FOREMAN_TOKEN)

Commands:
  version                          print version
  status                           show server status
  tasks                            list tasks
  task create <title>              create a task
  task dispatch <id>               dispatch a task to the runtime
  templates                        list worker templates
  deliverables                     list deliverables
  deliverable approve <id> <who>   approve a deliverable
  deliverable reject <id> <who> <notes>
                                   reject a deliverable
  deliverable deliver <id>         deliver an approved deliverable
  events                           show recent events
`)
}

// --- version ---

func cmdVersion(_ []string) error {
	fmt.Printf("foreman %s (commit %s, built %s)\n",
		version.Version, version.Commit, version.BuildDate)
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

// --- status ---

func (c *Client) cmdStatus(_ []string) error {
	var result map[string]any
	if err := c.get("/api/status", &result); err != nil {
		return err
	}
	fmt.Printf("status:  %s\n", strVal(result["status"]))
	fmt.Printf("version: %s\n", strVal(result["version"]))
	fmt.Printf("uptime:  %s\n", strVal(result["uptime"]))
	return nil
}

// --- tasks ---

func (c *Client) cmdTasks(_ []string) error {
	var tasks []map[string]any
	if err := c.get("/api/tasks", &tasks); err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return nil
	}
	fmt.Printf("%-36s %-30s %-12s\n", "ID", "TITLE", "STATUS")
	fmt.Println(strings.Repeat("-", 82))
	for _, t := range tasks {
		fmt.Printf("%-36s %-30s %-12s\n",
			strVal(t["id"]),
			truncate(strVal(t["title"]), 29),
			strVal(t["status"]),
		)
	}
	return nil
}

func (c *Client) cmdTask(args []string) error {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: foreman task <create|dispatch> ...")
		os.Exit(1)
	}
	sub := args[0]
	switch sub {
	case "create":
		if len(args) < 2 {
			return fmt.Errorf("usage: foreman task create <title>")
		}
		title := strings.Join(args[1:], " ")
		body := fmt.Sprintf(`{"title":%q}`, title)
		var result map[string]any
		if err := c.post("/api/tasks", strings.NewReader(body), &result); err != nil {
			return err
		}
		fmt.Printf("created task %s\n", strVal(result["id"]))
	case "dispatch":
		if len(args) < 2 {
			return fmt.Errorf("usage: foreman task dispatch <id>")
		}
		if err := c.post("/api/tasks/"+args[1]+"/dispatch", nil, nil); err != nil {
			return err
		}
		fmt.Printf("dispatched task %s\n", args[1])
	default:
		return fmt.Errorf("unknown task subcommand: %s", sub)
	}
	return nil
}

// --- templates ---

func (c *Client) cmdTemplates(_ []string) error {
	var templates []map[string]any
	if err := c.get("/api/templates", &templates); err != nil {
		return err
	}
	if len(templates) == 0 {
		fmt.Println("no templates")
		return nil
	}
	fmt.Printf("%-22s %-24s %-8s %-6s %-6s\n", "NAME", "DISPLAY", "STATUS", "MAX", "REVIEW")
	fmt.Println(strings.Repeat("-", 70))
	for _, t := range templates {
		fmt.Printf("%-22s %-24s %-8s %-6s %-6s\n",
			strVal(t["name"]),
			truncate(strVal(t["display_name"]), 23),
			strVal(t["status"]),
			strVal(t["max_parallel"]),
			strVal(t["review_every"]),
		)
	}
	return nil
}

// --- deliverables ---

func (c *Client) cmdDeliverables(_ []string) error {
	var deliverables []map[string]any
	if err := c.get("/api/deliverables", &deliverables); err != nil {
		return err
	}
	if len(deliverables) == 0 {
		fmt.Println("no deliverables")
		return nil
	}
	fmt.Printf("%-36s %-30s %-10s\n", "ID", "TITLE", "STATUS")
	fmt.Println(strings.Repeat("-", 80))
	for _, d := range deliverables {
		fmt.Printf("%-36s %-30s %-10s\n",
			strVal(d["id"]),
			truncate(strVal(d["title"]), 29),
			strVal(d["status"]),
		)
	}
	return nil
}

func (c *Client) cmdDeliverable(args []string) error {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: foreman deliverable <approve|reject|deliver|submit> <id> ...")
		os.Exit(1)
	}
	sub, id := args[0], args[1]
	switch sub {
	case "submit":
		if err := c.post("/api/deliverables/"+id+"/submit", nil, nil); err != nil {
			return err
		}
		fmt.Printf("deliverable %s submitted for review\n", id)
	case "approve":
		if len(args) < 3 {
			return fmt.Errorf("usage: foreman deliverable approve <id> <reviewer>")
		}
		body := fmt.Sprintf(`{"reviewer":%q}`, args[2])
		if err := c.post("/api/deliverables/"+id+"/approve", strings.NewReader(body), nil); err != nil {
			return err
		}
		fmt.Printf("deliverable %s approved\n", id)
	case "reject":
		if len(args) < 4 {
			return fmt.Errorf("usage: foreman deliverable reject <id> <reviewer> <notes>")
		}
		body := fmt.Sprintf(`{"reviewer":%q,"notes":%q}`, args[2], strings.Join(args[3:], " "))
		if err := c.post("/api/deliverables/"+id+"/reject", strings.NewReader(body), nil); err != nil {
			return err
		}
		fmt.Printf("deliverable %s rejected\n", id)
	case "deliver":
		if err := c.post("/api/deliverables/"+id+"/deliver", nil, nil); err != nil {
			return err
		}
		fmt.Printf("deliverable %s delivered\n", id)
	default:
		return fmt.Errorf("unknown deliverable subcommand: %s", sub)
	}
	return nil
}

// --- events ---

func (c *Client) cmdEvents(_ []string) error {
	var events []map[string]any
	if err := c.get("/api/events?limit=25", &events); err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("no events")
		return nil
	}
	for _, e := range events {
		fmt.Printf("%-24s %-24s %s\n",
			strVal(e["created_at"]),
			strVal(e["type"]),
			strVal(e["message"]),
		)
	}
	return nil
}

// --- helpers ---

func strVal(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
