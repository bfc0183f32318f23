package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/cobra"

	"cryptopay/internal/common/events"
	"cryptopay/internal/common/nats"
)

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [invoice-id]",
		Short: "Print the status of an invoice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, _ := cmd.Flags().GetString("url")
			history, _ := cmd.Flags().GetBool("transitions")

			path := "/api/v1/invoices/" + url.PathEscape(args[0])
			if history {
				path += "/transitions"
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+path, nil)
			if err != nil {
				return fmt.Errorf("creating request: %w", err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("requesting status: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			}

			var envelope struct {
				Data json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal(body, &envelope); err != nil {
				return fmt.Errorf("decoding response: %w", err)
			}
			return printJSON(envelope.Data)
		},
	}

	cmd.Flags().String("url", "http://localhost:8085", "Payment service base URL")
	cmd.Flags().BoolP("transitions", "t", false, "Print the transition log instead")

	return cmd
}

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream invoice events from NATS",
		Long: `Attaches an ordered consumer to the INVOICES stream and prints every
event published from now on. NATS_URL selects the server.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			invoiceID, _ := cmd.Flags().GetString("invoice")
			logger := newLogger(cmd)

			var cfg nats.Config
			if err := envconfig.Process("", &cfg); err != nil {
				return fmt.Errorf("processing nats config: %w", err)
			}
			cfg.Name = "payctl"

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := nats.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer client.Close()

			consumer, err := client.OrderedConsumer(ctx, nats.StreamInvoices, nats.SubjectInvoices)
			if err != nil {
				return err
			}

			err = nats.NewSubscriber(client, consumer, logger).Start(ctx, func(ctx context.Context, event *events.Event) error {
				if invoiceID != "" && event.AggregateID != invoiceID {
					return nil
				}
				fmt.Printf("%s  %-32s %s\n", event.OccurredAt.Format(time.RFC3339), event.Type, event.AggregateID)
				return printJSON(event.Data)
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringP("invoice", "i", "", "Only print events for this invoice")

	return cmd
}

func printJSON(raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("decoding json: %w", err)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
