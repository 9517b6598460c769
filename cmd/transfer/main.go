package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"

	"swapline/agent/internal/clients"
	"swapline/agent/internal/models"
)

var addrFlag = cli.StringFlag{
	Name:  "addr",
	Usage: "base URL of the agent API",
	Value: "http://localhost:8000",
}

var submitCommand = cli.Command{
	Name:   "submit",
	Usage:  "Submit a transfer: venue withdrawal, on-chain conversion, venue deposit",
	Action: submitAction,
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "from", Usage: "asset to withdraw from the venue", Required: true},
		&cli.StringFlag{Name: "to", Usage: "asset to deposit back", Required: true},
		&cli.StringFlag{Name: "amount", Usage: "withdrawal amount in asset units", Required: true},
		&cli.StringFlag{Name: "min-out", Usage: "smallest acceptable converted amount"},
		&cli.StringFlag{Name: "network", Usage: "EVM network the conversion runs on", Value: "arbitrum"},
		&cli.StringFlag{Name: "account", Usage: "agent hot wallet address", Required: true},
		&cli.DurationFlag{Name: "deadline", Usage: "time budget for the whole transfer", Value: time.Hour},
		&cli.StringFlag{Name: "nonce", Usage: "client nonce, generated when empty"},
	},
}

var statusCommand = cli.Command{
	Name:      "status",
	Usage:     "Show the current record of a transfer",
	ArgsUsage: "<key>",
	Action:    statusAction,
}

var listCommand = cli.Command{
	Name:   "list",
	Usage:  "List transfers known to the agent",
	Action: listAction,
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "active", Usage: "only transfers still in flight"},
	},
}

var cancelCommand = cli.Command{
	Name:      "cancel",
	Usage:     "Request cancellation of a transfer that has not committed funds yet",
	ArgsUsage: "<key>",
	Action:    cancelAction,
}

func main() {
	app := cli.NewApp()
	app.Name = "transfer"
	app.Usage = "operator console for the swapline agent"
	app.Commands = []*cli.Command{
		&submitCommand,
		&statusCommand,
		&listCommand,
		&cancelCommand,
	}
	app.Flags = []cli.Flag{&addrFlag}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(fmt.Errorf("error: %v", err))
		os.Exit(1)
	}
}

func api(ctx *cli.Context) *clients.HttpClient {
	return clients.NewHttpClient(ctx.String("addr"))
}

func submitAction(ctx *cli.Context) error {
	amount, err := decimal.NewFromString(ctx.String("amount"))
	if err != nil {
		return fmt.Errorf("invalid amount: %w", err)
	}
	minOut := decimal.Zero
	if raw := ctx.String("min-out"); raw != "" {
		if minOut, err = decimal.NewFromString(raw); err != nil {
			return fmt.Errorf("invalid min-out: %w", err)
		}
	}
	nonce := ctx.String("nonce")
	if nonce == "" {
		nonce = uuid.NewString()
	}

	req := models.TransferRequest{
		FromAsset: ctx.String("from"),
		ToAsset:   ctx.String("to"),
		Amount:    amount,
		Network:   ctx.String("network"),
		Account:   ctx.String("account"),
		MinOut:    minOut,
		Deadline:  time.Now().Add(ctx.Duration("deadline")).UTC(),
		Nonce:     nonce,
	}
	body, err := api(ctx).Post(ctx.Context, "/api/v1/transfers", req)
	if err != nil {
		return err
	}
	return printJSON(body)
}

func statusAction(ctx *cli.Context) error {
	key := ctx.Args().First()
	if key == "" {
		return fmt.Errorf("transfer key is required")
	}
	body, err := api(ctx).Get(ctx.Context, "/api/v1/transfers/"+key, nil)
	if err != nil {
		return err
	}
	return printJSON(body)
}

func listAction(ctx *cli.Context) error {
	var query url.Values
	if ctx.Bool("active") {
		query = url.Values{"active": {"true"}}
	}
	body, err := api(ctx).Get(ctx.Context, "/api/v1/transfers", query)
	if err != nil {
		return err
	}

	var recs []models.TransferRecord
	if err := json.Unmarshal(body, &recs); err != nil {
		return fmt.Errorf("decoding transfer list: %w", err)
	}
	if len(recs) == 0 {
		fmt.Println("no transfers")
		return nil
	}
	for _, rec := range recs {
		fmt.Printf("%s  %-16s %s %s -> %s\n",
			rec.Key, rec.State, rec.Request.Amount, rec.Request.FromAsset, rec.Request.ToAsset)
	}
	return nil
}

func cancelAction(ctx *cli.Context) error {
	key := ctx.Args().First()
	if key == "" {
		return fmt.Errorf("transfer key is required")
	}
	body, err := api(ctx).Post(ctx.Context, "/api/v1/transfers/"+key+"/cancel", nil)
	if err != nil {
		return err
	}
	return printJSON(body)
}

func printJSON(body []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(buf.String())
	return nil
}
