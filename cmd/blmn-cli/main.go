package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"blmnsale/crypto"
)

var rpcEndpoint = defaultRPCEndpoint()
var rpcAuthToken = os.Getenv("BLMN_RPC_TOKEN")

func defaultRPCEndpoint() string {
	if value := strings.TrimSpace(os.Getenv("RPC_URL")); value != "" {
		return value
	}
	return "http://127.0.0.1:8645"
}

func main() {
	args := os.Args[1:]
	if len(args) < 1 {
		printUsage()
		return
	}

	switch args[0] {
	case "generate-key":
		generateKey(args[1:])
	case "status":
		call("presale_getStatus", nil)
	case "info":
		call("ledger_getInfo", nil)
	case "balance":
		requireArgs(args, 2, "address")
		call("ledger_getBalance", map[string]string{"address": args[1]})
	case "user":
		requireArgs(args, 2, "buyer address")
		call("presale_getUser", map[string]string{"buyer": args[1]})
	case "create-stage":
		requireArgs(args, 3, "caller and price")
		call("presale_createStage", map[string]string{"caller": args[1], "priceUsd": args[2]})
	case "purchase":
		requireArgs(args, 4, "buyer, token amount and payment")
		call("presale_purchase", map[string]string{"buyer": args[1], "tokenAmount": args[2], "paymentWei": args[3]})
	case "end":
		requireArgs(args, 2, "caller")
		call("presale_endPresale", map[string]string{"caller": args[1]})
	case "claim":
		requireArgs(args, 2, "buyer")
		call("presale_claim", map[string]string{"buyer": args[1]})
	case "withdraw-payment":
		requireArgs(args, 2, "caller")
		call("presale_withdrawPayment", map[string]string{"caller": args[1]})
	case "withdraw-unsold":
		requireArgs(args, 2, "caller")
		call("presale_withdrawUnsold", map[string]string{"caller": args[1]})
	case "receipts":
		call("presale_listReceipts", nil)
	case "set-rate":
		requireArgs(args, 3, "caller and rate")
		call("oracle_setManualRate", map[string]string{"caller": args[1], "rate": args[2]})
	default:
		printUsage()
		os.Exit(1)
	}
}

func requireArgs(args []string, n int, what string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "Error: please provide %s.\n", what)
		printUsage()
		os.Exit(1)
	}
}

func generateKey(args []string) {
	path := "wallet.keystore"
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		path = args[0]
	}
	passphrase, err := crypto.PassphraseFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: generate key: %v\n", err)
		os.Exit(1)
	}
	if err := crypto.SaveToKeystore(path, key, passphrase); err != nil {
		fmt.Fprintf(os.Stderr, "Error: save keystore: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Generated new key and saved to %s\n", path)
	fmt.Printf("Your public address is: %s\n", key.PubKey().Address().String())
}

func call(method string, params interface{}) {
	payload := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	}
	if params != nil {
		payload["params"] = []interface{}{params}
	} else {
		payload["params"] = []interface{}{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: encode request: %v\n", err)
		os.Exit(1)
	}
	req, err := http.NewRequest(http.MethodPost, rpcEndpoint, bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: build request: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Content-Type", "application/json")
	if rpcAuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+rpcAuthToken)
	}
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: rpc call: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = resp.Body.Close() }()

	var pretty bytes.Buffer
	decoder := json.NewDecoder(resp.Body)
	var raw json.RawMessage
	if err := decoder.Decode(&raw); err != nil {
		fmt.Fprintf(os.Stderr, "Error: decode response: %v\n", err)
		os.Exit(1)
	}
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return
	}
	fmt.Println(pretty.String())
}

func printUsage() {
	fmt.Println("Usage: blmn-cli <command> [args]")
	fmt.Println("Commands:")
	fmt.Println("  generate-key [path]                       create a keystore file (BLMN_KEYSTORE_PASSPHRASE required)")
	fmt.Println("  info                                      token metadata")
	fmt.Println("  status                                    presale status")
	fmt.Println("  balance <address>                         token balance")
	fmt.Println("  user <buyer>                              buyer entitlement")
	fmt.Println("  create-stage <caller> <priceUsd>          open the next stage")
	fmt.Println("  purchase <buyer> <tokens> <paymentWei>    settle a purchase")
	fmt.Println("  end <caller>                              end the presale")
	fmt.Println("  claim <buyer>                             claim entitlement")
	fmt.Println("  withdraw-payment <caller>                 sweep collected payments")
	fmt.Println("  withdraw-unsold <caller>                  recover unsold inventory")
	fmt.Println("  receipts                                  list purchase receipts")
	fmt.Println("  set-rate <caller> <rate>                  record a manual oracle rate")
	fmt.Println("Environment: RPC_URL, BLMN_RPC_TOKEN")
}
