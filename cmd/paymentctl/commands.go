package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Manoj-619/cartoo-new-sub001/internal/signature"
	pkgconfig "github.com/Manoj-619/cartoo-new-sub001/pkg/config"
	"github.com/Manoj-619/cartoo-new-sub001/pkg/httpclient"
)

// envPrefix namespaces the secrets so the tool can run next to the server.
const envPrefix = "PAYMENTCTL_"

const signatureHeader = "X-Processor-Signature"

// secrets are read from PAYMENTCTL_CLIENT_SIGNING_SECRET and
// PAYMENTCTL_WEBHOOK_SIGNING_SECRET unless --secret is given.
type secrets struct {
	Client  string `env:"CLIENT_SIGNING_SECRET"`
	Webhook string `env:"WEBHOOK_SIGNING_SECRET"`
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "paymentctl",
		Short:         "Sign, verify and replay payment processor messages",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(signClientCmd())
	rootCmd.AddCommand(verifyClientCmd())
	rootCmd.AddCommand(signWebhookCmd())
	rootCmd.AddCommand(sendWebhookCmd())
	return rootCmd
}

func resolveSecret(cmd *cobra.Command, pick func(secrets) string) ([]byte, error) {
	flag, _ := cmd.Flags().GetString("secret")
	if flag != "" {
		return []byte(flag), nil
	}
	var s secrets
	if err := pkgconfig.LoadWithPrefix(&s, envPrefix); err != nil {
		return nil, err
	}
	if v := pick(s); v != "" {
		return []byte(v), nil
	}
	return nil, errors.New("no signing secret: pass --secret or set the " + envPrefix + "*_SIGNING_SECRET variable")
}

func clientSecret(s secrets) string { return s.Client }
func webhookSecret(s secrets) string { return s.Webhook }

func signClientCmd() *cobra.Command {
	var orderID, paymentID string
	cmd := &cobra.Command{
		Use:   "sign-client",
		Short: "Print the client-channel signature for an order/payment pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := resolveSecret(cmd, clientSecret)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signature.Sign(secret, signature.ClientPayload(orderID, paymentID)))
			return nil
		},
	}

	cmd.Flags().StringVar(&orderID, "order", "", "Processor order id")
	cmd.Flags().StringVar(&paymentID, "payment", "", "Processor payment id")
	cmd.Flags().String("secret", "", "Client signing secret")
	_ = cmd.MarkFlagRequired("order")
	_ = cmd.MarkFlagRequired("payment")
	return cmd
}

func verifyClientCmd() *cobra.Command {
	var orderID, paymentID, sig string
	cmd := &cobra.Command{
		Use:   "verify-client",
		Short: "Check a client-channel signature",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := resolveSecret(cmd, clientSecret)
			if err != nil {
				return err
			}
			if !signature.Verify(secret, signature.ClientPayload(orderID, paymentID), sig) {
				return errors.New("signature does not match")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "signature ok")
			return nil
		},
	}

	cmd.Flags().StringVar(&orderID, "order", "", "Processor order id")
	cmd.Flags().StringVar(&paymentID, "payment", "", "Processor payment id")
	cmd.Flags().StringVar(&sig, "signature", "", "Hex signature to check")
	cmd.Flags().String("secret", "", "Client signing secret")
	_ = cmd.MarkFlagRequired("order")
	_ = cmd.MarkFlagRequired("payment")
	_ = cmd.MarkFlagRequired("signature")
	return cmd
}

// readBody reads a webhook body from a file, or stdin when path is "-".
// The bytes are used as-is; reformatting would change the signature.
func readBody(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read webhook body: %w", err)
	}
	return body, nil
}

func signWebhookCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "sign-webhook",
		Short: "Print the webhook signature of a raw body",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := resolveSecret(cmd, webhookSecret)
			if err != nil {
				return err
			}
			body, err := readBody(cmd, file)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signature.Sign(secret, body))
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "-", "Body file, - for stdin")
	cmd.Flags().String("secret", "", "Webhook signing secret")
	return cmd
}

func sendWebhookCmd() *cobra.Command {
	var (
		file    string
		target  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send-webhook",
		Short: "Sign a raw body and POST it to the webhook endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := resolveSecret(cmd, webhookSecret)
			if err != nil {
				return err
			}
			body, err := readBody(cmd, file)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			status, respBody, err := sendWebhook(ctx, target, body, signature.Sign(secret, body))
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%d %s\n", status, bytes.TrimSpace(respBody))
			if status != http.StatusOK {
				return fmt.Errorf("webhook rejected with status %d", status)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "-", "Body file, - for stdin")
	cmd.Flags().StringVar(&target, "url", "http://localhost:8006/api/v1/payments/webhook", "Webhook endpoint")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Overall timeout including retries")
	cmd.Flags().String("secret", "", "Webhook signing secret")
	return cmd
}

// sendWebhook posts body with its signature, retrying 5xx responses the way a
// processor would redeliver.
func sendWebhook(ctx context.Context, target string, body []byte, sig string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signatureHeader, sig)

	client := httpclient.New(httpclient.DefaultConfig())
	resp, err := client.Do(ctx, req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}
