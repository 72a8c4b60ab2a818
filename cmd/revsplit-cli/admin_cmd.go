package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
)

var rpcAdminToken = os.Getenv("REVSPLIT_ADMIN_TOKEN")

func runAdminCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: revsplit-cli admin <pause|resume|status> [module]")
		return 1
	}
	switch args[0] {
	case "pause", "resume":
		if len(args) < 2 {
			fmt.Fprintf(stderr, "Usage: revsplit-cli admin %s <module>\n", args[0])
			return 1
		}
		return runAdminSwitch(args[0], args[1], stdout, stderr)
	case "status":
		return runAdminStatus(stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown admin command: %s\n", args[0])
		return 1
	}
}

func runAdminSwitch(action, module string, stdout, stderr io.Writer) int {
	resp, err := doAdminRequest(http.MethodPost, "/admin/"+action+"/"+module)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		fmt.Fprintf(stdout, "Module %s %sd.\n", module, action)
		return 0
	}
	body, _ := io.ReadAll(resp.Body)
	fmt.Fprintf(stderr, "Error: node returned status %d: %s\n", resp.StatusCode, strings.TrimSpace(string(body)))
	return 1
}

func runAdminStatus(stdout, stderr io.Writer) int {
	resp, err := doAdminRequest(http.MethodGet, "/admin/status")
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(stderr, "Error: node returned status %d: %s\n", resp.StatusCode, strings.TrimSpace(string(body)))
		return 1
	}

	var status struct {
		Paused map[string]bool `json:"paused"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		fmt.Fprintln(stderr, "Failed to decode response from node")
		return 1
	}

	modules := make([]string, 0, len(status.Paused))
	for module := range status.Paused {
		modules = append(modules, module)
	}
	sort.Strings(modules)
	for _, module := range modules {
		state := "live"
		if status.Paused[module] {
			state = "paused"
		}
		fmt.Fprintf(stdout, "%s: %s\n", module, state)
	}
	return 0
}

func doAdminRequest(method, path string) (*http.Response, error) {
	if strings.TrimSpace(rpcAdminToken) == "" {
		return nil, fmt.Errorf("admin commands require REVSPLIT_ADMIN_TOKEN to be set")
	}
	req, err := http.NewRequest(method, strings.TrimRight(rpcEndpoint, "/")+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(rpcAdminToken))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, rpcEndpoint+path, err)
	}
	return resp, nil
}
