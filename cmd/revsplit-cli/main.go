package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"

	"revsplit/cmd/internal/passphrase"
	"revsplit/crypto"
)

var rpcEndpoint = defaultRPCEndpoint() // Defaults to localhost, can be overridden via RPC_URL or --rpc flag
var rpcAuthToken = os.Getenv("REVSPLIT_RPC_TOKEN")

const keystorePassEnv = "REVSPLIT_KEYSTORE_PASS"

func main() {
	args := os.Args[1:]
	var err error
	rpcEndpoint = defaultRPCEndpoint()
	args, err = applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if len(args) < 1 {
		printUsage()
		return
	}

	command := args[0]
	switch command {
	case "generate-key":
		generateKey(args[1:])
	case "balance":
		if len(args) < 2 {
			fmt.Println("Error: Please provide an address.")
			printUsage()
			return
		}
		getBalance(args[1])
	case "info":
		getInfo()
	case "pending":
		if len(args) < 2 {
			fmt.Println("Error: Please provide an address or key file.")
			printUsage()
			return
		}
		getPending(args[1])
	case "remaining-cap":
		getRemainingCap()
	case "deposit":
		if len(args) < 3 {
			fmt.Println("Error: Please provide a source address and an amount.")
			printUsage()
			return
		}
		reference := ""
		if len(args) > 3 {
			reference = args[3]
		}
		deposit(args[1], args[2], reference)
	case "withdraw":
		if len(args) < 2 {
			fmt.Println("Error: Please provide an address or key file.")
			printUsage()
			return
		}
		withdraw(args[1])
	case "events":
		code := runEventsCommand(args[1:], os.Stdout, os.Stderr)
		if code != 0 {
			os.Exit(code)
		}
		return
	case "history":
		code := runHistoryCommand(args[1:], os.Stdout, os.Stderr)
		if code != 0 {
			os.Exit(code)
		}
		return
	case "admin":
		code := runAdminCommand(args[1:], os.Stdout, os.Stderr)
		if code != 0 {
			os.Exit(code)
		}
		return
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
	}
}

func printUsage() {
	fmt.Println("Usage: revsplit-cli [--rpc <url>] <command>")
	fmt.Println("Commands:")
	fmt.Println("  generate-key [file]            Generate a payee key (default payee.key); --keystore writes an encrypted keystore")
	fmt.Println("  balance <address>              Show the settlement account for an address")
	fmt.Println("  info                           Show the ledger snapshot")
	fmt.Println("  pending <address|keyfile>      Show the claimable amount for a payee")
	fmt.Println("  remaining-cap                  Show the repayment cap headroom")
	fmt.Println("  deposit <source> <amount> [reference]")
	fmt.Println("                                 Record a revenue deposit (requires REVSPLIT_RPC_TOKEN)")
	fmt.Println("  withdraw <address|keyfile>     Release the pending amount to a payee (requires REVSPLIT_RPC_TOKEN)")
	fmt.Println("  events [--cursor C] [--limit N]")
	fmt.Println("                                 Replay the ledger event stream")
	fmt.Println("  history <address> [--limit N]  List persisted settlements for an address")
	fmt.Println("  admin <pause|resume|status>    Operator switchboard (requires REVSPLIT_ADMIN_TOKEN)")
}

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("RPC_URL")); v != "" {
		return v
	}
	return "http://localhost:8645"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--rpc" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --rpc")
			}
			rpcEndpoint = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--rpc=") {
			rpcEndpoint = strings.TrimPrefix(arg, "--rpc=")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}

func generateKey(args []string) {
	fs := flag.NewFlagSet("generate-key", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	keystorePath := fs.String("keystore", "", "write an encrypted keystore instead of a raw key file")
	if err := fs.Parse(args); err != nil {
		return
	}

	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		panic(err)
	}

	if strings.TrimSpace(*keystorePath) != "" {
		pass, err := passphrase.NewSource(keystorePassEnv).Get()
		if err != nil {
			fmt.Printf("Error resolving passphrase: %v\n", err)
			return
		}
		if err := crypto.SaveToKeystore(*keystorePath, key, pass); err != nil {
			fmt.Printf("Error writing keystore: %v\n", err)
			return
		}
		fmt.Printf("Generated new key in keystore %s\n", *keystorePath)
	} else {
		fileName := "payee.key"
		if rest := fs.Args(); len(rest) > 0 {
			fileName = rest[0]
		}
		if err := os.WriteFile(fileName, key.Bytes(), 0600); err != nil {
			panic(fmt.Sprintf("Failed to save key to %s: %v", fileName, err))
		}
		fmt.Printf("Generated new key and saved to %s\n", fileName)
	}

	fmt.Printf("Your payee address is: %s\n", key.PubKey().Address().String())
	fmt.Println("Store this file securely. Withdrawals settle to this address.")
}

func getBalance(addr string) {
	result, rpcErr, err := callSplitRPC("split_balance", map[string]string{"address": addr}, false)
	if err != nil {
		fmt.Printf("Error fetching balance: %v\n", err)
		return
	}
	if rpcErr != nil {
		fmt.Printf("Error from node: %s\n", rpcErr.Message)
		return
	}

	var resp struct {
		Address string `json:"address"`
		Balance string `json:"balance"`
		Nonce   uint64 `json:"nonce"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		fmt.Println("Failed to decode response from node")
		return
	}
	fmt.Printf("Account: %s\n", resp.Address)
	fmt.Printf("  Balance: %s\n", resp.Balance)
	fmt.Printf("  Nonce:   %d\n", resp.Nonce)
}

func getInfo() {
	result, rpcErr, err := callSplitRPC("split_info", nil, false)
	if err != nil {
		fmt.Printf("Error fetching ledger info: %v\n", err)
		return
	}
	if rpcErr != nil {
		fmt.Printf("Error from node: %s\n", rpcErr.Message)
		return
	}

	var resp struct {
		Participants []struct {
			Address  string `json:"address"`
			Share    uint64 `json:"share"`
			Released string `json:"released"`
			Pending  string `json:"pending"`
		} `json:"participants"`
		TotalShares   uint64          `json:"totalShares"`
		RepaymentCap  string          `json:"repaymentCap"`
		TotalReleased string          `json:"totalReleased"`
		PoolBalance   string          `json:"poolBalance"`
		RemainingCap  string          `json:"remainingCap"`
		CapReached    bool            `json:"capReached"`
		Paused        map[string]bool `json:"paused"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		fmt.Println("Failed to decode response from node")
		return
	}

	fmt.Printf("Pool balance:   %s\n", resp.PoolBalance)
	fmt.Printf("Total released: %s of %s\n", resp.TotalReleased, resp.RepaymentCap)
	fmt.Printf("Remaining cap:  %s\n", resp.RemainingCap)
	if resp.CapReached {
		fmt.Println("Repayment cap reached; the ledger is closed to further releases.")
	}
	fmt.Printf("Payees (%d shares total):\n", resp.TotalShares)
	for _, p := range resp.Participants {
		fmt.Printf("  %s  share %d  released %s  pending %s\n", p.Address, p.Share, p.Released, p.Pending)
	}
	modules := make([]string, 0, len(resp.Paused))
	for module := range resp.Paused {
		modules = append(modules, module)
	}
	sort.Strings(modules)
	for _, module := range modules {
		state := "live"
		if resp.Paused[module] {
			state = "paused"
		}
		fmt.Printf("  %s: %s\n", module, state)
	}
}

func getPending(arg string) {
	addr, err := resolveAddressArg(arg)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	result, rpcErr, err := callSplitRPC("split_pendingPayment", map[string]string{"address": addr}, false)
	if err != nil {
		fmt.Printf("Error fetching pending payment: %v\n", err)
		return
	}
	if rpcErr != nil {
		fmt.Printf("Error from node: %s\n", rpcErr.Message)
		return
	}

	var resp struct {
		Address string `json:"address"`
		Amount  string `json:"amount"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		fmt.Println("Failed to decode response from node")
		return
	}
	fmt.Printf("Pending payment for %s: %s\n", resp.Address, resp.Amount)
}

func getRemainingCap() {
	result, rpcErr, err := callSplitRPC("split_remainingCap", nil, false)
	if err != nil {
		fmt.Printf("Error fetching remaining cap: %v\n", err)
		return
	}
	if rpcErr != nil {
		fmt.Printf("Error from node: %s\n", rpcErr.Message)
		return
	}

	var resp struct {
		Remaining string `json:"remaining"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		fmt.Println("Failed to decode response from node")
		return
	}
	fmt.Printf("Remaining cap: %s\n", resp.Remaining)
}

func deposit(source, amount, reference string) {
	addr, err := resolveAddressArg(source)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	params := map[string]string{"source": addr, "amount": amount}
	if strings.TrimSpace(reference) != "" {
		params["reference"] = reference
	}
	result, rpcErr, err := callSplitRPC("split_deposit", params, true)
	if err != nil {
		fmt.Printf("Error sending deposit: %v\n", err)
		return
	}
	if rpcErr != nil {
		fmt.Printf("Error from node: %s\n", rpcErr.Message)
		return
	}

	var resp struct {
		Reference   string `json:"reference"`
		Amount      string `json:"amount"`
		PoolBalance string `json:"poolBalance"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		fmt.Println("Failed to decode response from node")
		return
	}
	fmt.Printf("Deposit %s accepted under reference %s.\n", resp.Amount, resp.Reference)
	fmt.Printf("Pool balance is now %s.\n", resp.PoolBalance)
}

func withdraw(arg string) {
	addr, err := resolveAddressArg(arg)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	result, rpcErr, err := callSplitRPC("split_withdraw", map[string]string{"address": addr}, true)
	if err != nil {
		fmt.Printf("Error sending withdrawal: %v\n", err)
		return
	}
	if rpcErr != nil {
		fmt.Printf("Error from node: %s\n", rpcErr.Message)
		return
	}

	var resp struct {
		Address       string `json:"address"`
		Amount        string `json:"amount"`
		TotalReleased string `json:"totalReleased"`
		RemainingCap  string `json:"remainingCap"`
		CapReached    bool   `json:"capReached"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		fmt.Println("Failed to decode response from node")
		return
	}
	fmt.Printf("Released %s to %s.\n", resp.Amount, resp.Address)
	fmt.Printf("Total released is now %s; remaining cap %s.\n", resp.TotalReleased, resp.RemainingCap)
	if resp.CapReached {
		fmt.Println("Repayment cap fully released; the ledger is closed.")
	}
}

// resolveAddressArg accepts either a bech32 address or a path to a raw key
// file and returns the bech32 address.
func resolveAddressArg(arg string) (string, error) {
	if info, err := os.Stat(arg); err == nil && !info.IsDir() {
		key, err := loadPrivateKey(arg)
		if err != nil {
			return "", err
		}
		return key.PubKey().Address().String(), nil
	}
	if _, err := crypto.DecodeAddress(strings.TrimSpace(arg)); err != nil {
		return "", fmt.Errorf("%q is neither a key file nor a valid address: %v", arg, err)
	}
	return strings.TrimSpace(arg), nil
}

func loadPrivateKey(path string) (*crypto.PrivateKey, error) {
	keyBytes, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("private key file %s not found. run ./revsplit-cli generate-key first", path)
		}
		return nil, fmt.Errorf("failed to read private key file %s: %w", path, err)
	}
	if len(keyBytes) == 0 {
		return nil, fmt.Errorf("private key file %s is empty. run ./revsplit-cli generate-key first", path)
	}
	privKey, err := crypto.PrivateKeyFromBytes(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key in %s: %w", path, err)
	}
	return privKey, nil
}

// --- RPC HELPER FUNCTIONS ---

type rpcErrorPayload struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func callSplitRPC(method string, param interface{}, requireAuth bool) (json.RawMessage, *rpcErrorPayload, error) {
	payload := map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": method}
	if param != nil {
		payload["params"] = []interface{}{param}
	} else {
		payload["params"] = []interface{}{}
	}
	body, _ := json.Marshal(payload)
	resp, err := doRPCRequest(body, requireAuth)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result json.RawMessage  `json:"result"`
		Error  *rpcErrorPayload `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, nil, fmt.Errorf("failed to decode response from node")
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error, nil
	}
	return rpcResp.Result, nil, nil
}

func doRPCRequest(payload []byte, requireAuth bool) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, rpcEndpoint, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if requireAuth {
		if strings.TrimSpace(rpcAuthToken) == "" {
			return nil, fmt.Errorf("privileged RPC call requires REVSPLIT_RPC_TOKEN to be set")
		}
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(rpcAuthToken))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", rpcEndpoint, err)
	}
	return resp, nil
}
