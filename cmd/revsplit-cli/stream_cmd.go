package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
)

func runEventsCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cursor := fs.String("cursor", "", "replay events recorded after this cursor")
	limit := fs.Int("limit", 0, "maximum number of events to return")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	params := map[string]interface{}{}
	if strings.TrimSpace(*cursor) != "" {
		params["cursor"] = strings.TrimSpace(*cursor)
	}
	if *limit > 0 {
		params["limit"] = *limit
	}

	result, rpcErr, err := callSplitRPC("split_events", params, false)
	if err != nil {
		fmt.Fprintf(stderr, "Error fetching events: %v\n", err)
		return 1
	}
	if rpcErr != nil {
		fmt.Fprintf(stderr, "Error from node: %s\n", rpcErr.Message)
		return 1
	}

	var resp struct {
		Events []struct {
			Sequence   uint64            `json:"sequence"`
			Cursor     string            `json:"cursor"`
			Type       string            `json:"type"`
			Attributes map[string]string `json:"attributes"`
		} `json:"events"`
		NextCursor string `json:"nextCursor"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		fmt.Fprintln(stderr, "Failed to decode response from node")
		return 1
	}

	if len(resp.Events) == 0 {
		fmt.Fprintln(stdout, "No events recorded.")
		return 0
	}
	for _, ev := range resp.Events {
		fmt.Fprintf(stdout, "%s  %-26s %s\n", ev.Cursor, ev.Type, formatAttributes(ev.Attributes))
	}
	if resp.NextCursor != "" {
		fmt.Fprintf(stdout, "More events available after cursor %s\n", resp.NextCursor)
	}
	return 0
}

func runHistoryCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(stderr)
	limit := fs.Int("limit", 0, "maximum number of settlements to return")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	rest := fs.Args()
	if len(rest) < 1 {
		fmt.Fprintln(stderr, "Usage: revsplit-cli history <address> [--limit N]")
		return 1
	}

	addr, err := resolveAddressArg(rest[0])
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	params := map[string]interface{}{"address": addr}
	if *limit > 0 {
		params["limit"] = *limit
	}

	result, rpcErr, err := callSplitRPC("split_history", params, false)
	if err != nil {
		fmt.Fprintf(stderr, "Error fetching history: %v\n", err)
		return 1
	}
	if rpcErr != nil {
		fmt.Fprintf(stderr, "Error from node: %s\n", rpcErr.Message)
		return 1
	}

	var resp struct {
		Address     string `json:"address"`
		Settlements []struct {
			Sequence  uint64 `json:"sequence"`
			Kind      string `json:"kind"`
			Amount    string `json:"amount"`
			Reference string `json:"reference"`
			Timestamp int64  `json:"timestamp"`
		} `json:"settlements"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		fmt.Fprintln(stderr, "Failed to decode response from node")
		return 1
	}

	if len(resp.Settlements) == 0 {
		fmt.Fprintf(stdout, "No settlements recorded for %s.\n", resp.Address)
		return 0
	}
	fmt.Fprintf(stdout, "Settlements for %s:\n", resp.Address)
	for _, s := range resp.Settlements {
		line := fmt.Sprintf("  seq %d  %-26s %s  at %d", s.Sequence, s.Kind, s.Amount, s.Timestamp)
		if s.Reference != "" {
			line += "  ref " + s.Reference
		}
		fmt.Fprintln(stdout, line)
	}
	return 0
}

func formatAttributes(attrs map[string]string) string {
	if len(attrs) == 0 {
		return ""
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+attrs[k])
	}
	return strings.Join(parts, " ")
}
