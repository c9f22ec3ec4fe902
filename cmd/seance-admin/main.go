// ABOUTME: Operator CLI for seance-gateway
// ABOUTME: Drives the /api/ops HTTP surface for conversations, queues, and credentials

package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/seance-gateway/internal/credential"
)

const banner = `
  ___  ___  __ _ _ __   ___ ___        __ _  __| |_ __ ___ (_)_ __
 / __|/ _ \/ _' | '_ \ / __/ _ \_____ / _' |/ _' | '_ ' _ \| | '_ \
 \__ \  __/ (_| | | | | (_|  __/_____| (_| | (_| | | | | | | | | | |
 |___/\___|\__,_|_| |_|\___\___|      \__,_|\__,_|_| |_| |_|_|_| |_|
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	c := &client{
		baseURL:  gatewayURL(),
		operator: os.Getenv("SEANCE_OPERATOR"),
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "status":
		err = cmdStatus(c)
	case "conversations":
		err = cmdConversations(c, args)
	case "queue":
		err = cmdQueue(c, args)
	case "credentials":
		err = cmdCredentials(c, args)
	case "prefs":
		err = cmdPrefs(c, args)
	case "audit":
		err = cmdAudit(c, args)
	case "stats":
		err = cmdStats(c, args)
	case "chat":
		err = cmdChat(c, args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: seance-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  status                            Gateway health")
	fmt.Println("  conversations list <backend>      List continuity records")
	fmt.Println("  conversations destroy <backend> [user]")
	fmt.Println("                                    Destroy one user's conversation, or all")
	fmt.Println("  queue <backend>                   Show admission queue status")
	fmt.Println("  queue drain <backend>             Drop waiting tickets, keep the leased head")
	fmt.Println("  queue pop <backend>               Force-remove the queue head")
	fmt.Println("  credentials list <backend>        List pool records (secrets redacted)")
	fmt.Println("  credentials add <backend> <id> <secret>")
	fmt.Println("  credentials remove <backend> <id>")
	fmt.Println("  credentials reset <backend> <id>  Clear cooldown and strikes")
	fmt.Println("  credentials expire <backend> <id> Mark a credential expired")
	fmt.Println("  credentials import <backend> <file.toml> [--replace]")
	fmt.Println("  prefs <user> <mode> [voice-role]  Set output mode (text, image, audio)")
	fmt.Println("  audit [--actor X] [--action X] [--limit N]")
	fmt.Println("  stats [backend]                   Aggregate turn counters")
	fmt.Println("  chat <backend> [message]          Send a turn (REPL if no message)")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  SEANCE_GATEWAY_URL   Gateway base URL (default: http://localhost:8484)")
	fmt.Println("  SEANCE_OPERATOR      Operator name recorded in the audit log")
	fmt.Println()
}

func gatewayURL() string {
	if url := os.Getenv("SEANCE_GATEWAY_URL"); url != "" {
		return strings.TrimSuffix(url, "/")
	}
	return "http://localhost:8484"
}

// client is a thin JSON client over the gateway's HTTP surface.
type client struct {
	baseURL  string
	operator string
}

// errorResponse matches the gateway's JSON error body.
type errorResponse struct {
	Error string `json:"error"`
	Class string `json:"class,omitempty"`
}

func (c *client) do(method, path string, body, into any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.operator != "" {
		req.Header.Set("X-Operator", c.operator)
	}

	httpClient := &http.Client{Timeout: 5 * time.Minute}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr errorResponse
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	if into == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(into)
}

func (c *client) get(path string, into any) error {
	return c.do(http.MethodGet, path, nil, into)
}

// confirm posts a command and prints the gateway's confirmation message.
func (c *client) confirm(path string, body any) error {
	var resp struct {
		Message string `json:"message"`
	}
	if err := c.do(http.MethodPost, path, body, &resp); err != nil {
		return err
	}
	color.Green("  %s\n", resp.Message)
	return nil
}

func cmdStatus(c *client) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+"/health/ready", nil)
	if err != nil {
		return err
	}
	httpClient := &http.Client{Timeout: 5 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway not ready: %s", strings.TrimSpace(string(body)))
	}
	color.Green("  %s: %s\n", c.baseURL, strings.TrimSpace(string(body)))
	return nil
}

func cmdConversations(c *client, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: conversations list|destroy <backend> [user]")
	}
	switch args[0] {
	case "list":
		var records []struct {
			UserID    string `json:"user_id"`
			Turns     int    `json:"turns"`
			UpdatedAt string `json:"updated_at"`
		}
		if err := c.get("/api/ops/conversations?backend="+args[1], &records); err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("  No conversations")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "  USER\tTURNS\tUPDATED")
		for _, r := range records {
			fmt.Fprintf(w, "  %s\t%d\t%s\n", r.UserID, r.Turns, r.UpdatedAt)
		}
		return w.Flush()
	case "destroy":
		body := map[string]string{"backend": args[1]}
		if len(args) > 2 {
			body["user"] = args[2]
		}
		return c.confirm("/api/ops/conversations/destroy", body)
	default:
		return fmt.Errorf("unknown subcommand: %s", args[0])
	}
}

func cmdQueue(c *client, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: queue [drain|pop] <backend>")
	}
	switch args[0] {
	case "drain", "pop":
		if len(args) < 2 {
			return fmt.Errorf("usage: queue %s <backend>", args[0])
		}
		return c.confirm("/api/ops/queue/"+args[0], map[string]string{"backend": args[1]})
	default:
		var status struct {
			BackendID   string `json:"backend_id"`
			Length      int64  `json:"length"`
			LeaseHolder string `json:"lease_holder"`
		}
		if err := c.get("/api/ops/queue?backend="+args[0], &status); err != nil {
			return err
		}
		fmt.Printf("  Backend:      %s\n", status.BackendID)
		fmt.Printf("  Queue length: %d\n", status.Length)
		if status.LeaseHolder != "" {
			fmt.Printf("  Lease holder: %s\n", status.LeaseHolder)
		} else {
			fmt.Printf("  Lease holder: (none)\n")
		}
		return nil
	}
}

func cmdCredentials(c *client, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: credentials list|add|remove|reset|expire|import <backend> ...")
	}
	backend := args[1]
	switch args[0] {
	case "list":
		var views []struct {
			ID            string `json:"id"`
			State         string `json:"state"`
			Usage         int    `json:"usage"`
			CooldownUntil string `json:"cooldown_until"`
			Exception     int    `json:"exception"`
		}
		if err := c.get("/api/ops/credentials?backend="+backend, &views); err != nil {
			return err
		}
		if len(views) == 0 {
			fmt.Println("  No credentials")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "  ID\tSTATE\tUSAGE\tCOOLDOWN\tSTRIKES")
		for _, v := range views {
			cooldown := v.CooldownUntil
			if cooldown == "" {
				cooldown = "-"
			}
			fmt.Fprintf(w, "  %s\t%s\t%d\t%s\t%d\n", v.ID, v.State, v.Usage, cooldown, v.Exception)
		}
		return w.Flush()
	case "add":
		if len(args) < 4 {
			return fmt.Errorf("usage: credentials add <backend> <id> <secret>")
		}
		return c.confirm("/api/ops/credentials/add",
			map[string]string{"backend": backend, "id": args[2], "secret": args[3]})
	case "remove", "reset", "expire":
		if len(args) < 3 {
			return fmt.Errorf("usage: credentials %s <backend> <id>", args[0])
		}
		return c.confirm("/api/ops/credentials/"+args[0],
			map[string]string{"backend": backend, "id": args[2]})
	case "import":
		if len(args) < 3 {
			return fmt.Errorf("usage: credentials import <backend> <file.toml> [--replace]")
		}
		return importCredentials(c, backend, args[2], hasFlag(args[3:], "--replace"))
	default:
		return fmt.Errorf("unknown subcommand: %s", args[0])
	}
}

// importCredentials parses a local TOML seed file and uploads its entries,
// so malformed files fail before anything is sent.
func importCredentials(c *client, backend, path string, replace bool) error {
	records, err := credential.LoadSeedFile(path)
	if err != nil {
		return err
	}

	type seed struct {
		ID     string `json:"id"`
		Secret string `json:"secret"`
	}
	seeds := make([]seed, len(records))
	for i, r := range records {
		seeds[i] = seed{ID: r.ID, Secret: r.Secret}
	}

	return c.confirm("/api/ops/credentials/import", map[string]any{
		"backend":     backend,
		"credentials": seeds,
		"replace":     replace,
	})
}

func cmdPrefs(c *client, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: prefs <user> <mode> [voice-role]")
	}
	body := map[string]any{
		"user":        args[0],
		"output_mode": args[1],
		"suggestions": true,
	}
	if len(args) > 2 {
		body["voice_role"] = args[2]
	}
	return c.confirm("/api/ops/preferences", body)
}

func cmdAudit(c *client, args []string) error {
	query := []string{}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--actor", "--action", "--limit":
			if i+1 >= len(args) {
				return fmt.Errorf("%s requires a value", args[i])
			}
			query = append(query, strings.TrimPrefix(args[i], "--")+"="+args[i+1])
			i++
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	path := "/api/ops/audit"
	if len(query) > 0 {
		path += "?" + strings.Join(query, "&")
	}

	var entries []struct {
		Actor      string
		Action     string
		TargetType string
		TargetID   string
		Timestamp  time.Time
	}
	if err := c.get(path, &entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("  No audit entries")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "  TIME\tACTOR\tACTION\tTARGET")
	for _, e := range entries {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s/%s\n",
			e.Timestamp.Format(time.RFC3339), e.Actor, e.Action, e.TargetType, e.TargetID)
	}
	return w.Flush()
}

func cmdStats(c *client, args []string) error {
	path := "/api/ops/stats"
	if len(args) > 0 {
		path += "?backend=" + args[0]
	}
	var stats struct {
		Turns         int64
		Succeeded     int64
		Degraded      int64
		AvgDurationMs float64
	}
	if err := c.get(path, &stats); err != nil {
		return err
	}
	fmt.Printf("  Turns:        %d\n", stats.Turns)
	fmt.Printf("  Succeeded:    %d\n", stats.Succeeded)
	fmt.Printf("  Degraded:     %d\n", stats.Degraded)
	fmt.Printf("  Avg duration: %.0fms\n", stats.AvgDurationMs)
	return nil
}

func cmdChat(c *client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: chat <backend> [message]")
	}
	backend := args[0]
	user := c.operator
	if user == "" {
		user = "operator"
	}

	if len(args) > 1 {
		return sendTurn(c, backend, user, strings.Join(args[1:], " "))
	}

	// REPL mode
	cyan := color.New(color.FgCyan)
	cyan.Printf("Chatting with %s (Ctrl-D to exit)\n", backend)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := sendTurn(c, backend, user, line); err != nil {
			color.Red("  %v\n", err)
		}
	}
}

func sendTurn(c *client, backend, user, message string) error {
	var resp struct {
		Text        string   `json:"text"`
		Suggestions []string `json:"suggestions"`
		Turns       int      `json:"turns"`
		Degraded    bool     `json:"degraded"`
	}
	err := c.do(http.MethodPost, "/api/send", map[string]string{
		"user_id": user,
		"backend": backend,
		"message": message,
	}, &resp)
	if err != nil {
		return err
	}

	fmt.Println(resp.Text)
	if resp.Degraded {
		color.Yellow("  (degraded: all credentials throttled)")
	}
	if len(resp.Suggestions) > 0 {
		color.New(color.FgHiBlack).Printf("  suggestions: %s\n", strings.Join(resp.Suggestions, " | "))
	}
	return nil
}

func hasFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}
