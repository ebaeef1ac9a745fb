// Package main is a thin client stub for ledgerd's admin JSON-RPC API. It
// issues a single parameterless JSON-RPC call (node_status unless -method
// names another) and prints the raw JSON-RPC response.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
)

func main() {
	addr := flag.String("api", "127.0.0.1:8090", "ledgerd admin API address")
	method := flag.String("method", "node_status", "JSON-RPC method to call")
	flag.Parse()

	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  *method,
		"id":      1,
	}
	body, err := json.Marshal(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "encode request:", err)
		os.Exit(1)
	}

	resp, err := http.Post("http://"+*addr+"/", "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintln(os.Stderr, "call ledgerd:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read response:", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}
