package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"quantbt/internal/api"
	"quantbt/internal/expr"
	"quantbt/internal/indicator"
	"quantbt/internal/store"
)

const version = "0.1.0"

func main() {
	_ = godotenv.Load()

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: quantbt-cli <command> [options]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  version                 Print the CLI version\n")
		fmt.Fprintf(os.Stderr, "  check <rule>            Parse a rule and list the indicators it uses\n")
		fmt.Fprintf(os.Stderr, "  indicators              List built-in indicators\n")
		fmt.Fprintf(os.Stderr, "  symbols [market]        List symbols in the local bar store\n")
		fmt.Fprintf(os.Stderr, "  run <backtest.yaml>     Run a backtest on quantbt-server\n")
		fmt.Fprintf(os.Stderr, "  summary <run-id>        Show a stored run summary from quantbt-server\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment: DATA_DIR (default data), QUANTBT_ADDR (default localhost:50051)\n")
	}

	if len(os.Args) < 2 {
		flag.Usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("quantbt-cli %s\n", version)
	case "check":
		err = checkRule(strings.Join(os.Args[2:], " "))
	case "indicators":
		for _, name := range indicator.Names(indicator.Builtins()) {
			fmt.Println(name)
		}
	case "symbols":
		market := "us"
		if len(os.Args) > 2 {
			market = os.Args[2]
		}
		err = listSymbols(market)
	case "run":
		if len(os.Args) < 3 {
			err = fmt.Errorf("run needs a backtest YAML file")
			break
		}
		err = runRemote(os.Args[2])
	case "summary":
		if len(os.Args) < 3 {
			err = fmt.Errorf("summary needs a run id")
			break
		}
		err = summary(os.Args[2])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		flag.Usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func checkRule(rule string) error {
	if strings.TrimSpace(rule) == "" {
		return fmt.Errorf("check needs a rule")
	}
	tree, err := expr.Compile(rule)
	if err != nil {
		return err
	}
	fmt.Printf("ok: %s\n", tree)
	for _, c := range tree.Calls() {
		fmt.Printf("  %s\n", c)
	}
	return nil
}

func listSymbols(market string) error {
	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}
	syms, err := store.NewParquetStore(dataDir).ListSymbols(context.Background(), market)
	if err != nil {
		return err
	}
	for _, s := range syms {
		fmt.Println(s)
	}
	return nil
}

func addr() string {
	if a := os.Getenv("QUANTBT_ADDR"); a != "" {
		return a
	}
	return "localhost:50051"
}

func runRemote(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	client, err := api.Dial(addr())
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	resp, err := client.RunBacktest(ctx, string(data), "")
	if err != nil {
		return err
	}
	out, err := resp.MarshalJSON()
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func summary(runID string) error {
	client, err := api.Dial(addr())
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	resp, err := client.GetSummary(ctx, runID)
	if err != nil {
		return err
	}
	out, err := resp.MarshalJSON()
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
