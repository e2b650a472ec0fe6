// Command wactl is the operator CLI: it obtains API tokens, inspects and
// retries send jobs directly in Redis, and runs the server for development.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/wagate/internal/config"
	"github.com/dharsanguruparan/wagate/internal/queue"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "wactl: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	serverURL string
	redisAddr string
	redisPass string
	redisDB   int
	queueName string
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "wactl",
		Short: "wagate operator CLI",
		Long: `wactl talks to a running gateway for tokens and to its Redis queue for job
inspection. Defaults come from the same environment variables as the server.`,
		SilenceUsage: true,
	}
	defaults := defaultOptions()
	opts.redisPass = defaults.redisPass
	cmd.PersistentFlags().StringVar(&opts.serverURL, "server", defaults.serverURL, "Base URL of the gateway API")
	cmd.PersistentFlags().StringVar(&opts.redisAddr, "redis-addr", defaults.redisAddr, "Redis address backing the queue")
	cmd.PersistentFlags().IntVar(&opts.redisDB, "redis-db", defaults.redisDB, "Redis database number")
	cmd.PersistentFlags().StringVar(&opts.queueName, "queue", defaults.queueName, "Queue name")
	cmd.AddCommand(
		newTokenCmd(opts),
		newJobsCmd(opts),
		newRunCmd(),
	)
	return cmd
}

func defaultOptions() options {
	opts := options{
		serverURL: "http://localhost:3000",
		redisAddr: "localhost:6379",
		queueName: "whatsapp-messages",
	}
	cfg, err := config.Load()
	if err != nil {
		return opts
	}
	opts.serverURL = "http://localhost" + cfg.Server.Address
	opts.redisAddr = cfg.Redis.Address
	opts.redisPass = cfg.Redis.Password
	opts.redisDB = cfg.Redis.DB
	opts.queueName = cfg.Queue.Name
	return opts
}

func newTokenCmd(opts *options) *cobra.Command {
	var secret string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Exchange the secret word for a bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("SECRET_WORD")
			}
			token, err := requestToken(cmd.Context(), opts.serverURL, secret)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "Secret word (defaults to $SECRET_WORD)")
	return cmd
}

func requestToken(ctx context.Context, serverURL, secret string) (string, error) {
	body, err := json.Marshal(map[string]string{"secret_word": secret})
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(serverURL, "/")+"/login", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()
	var out struct {
		Token string `json:"token"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("decode login response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login rejected (status %d): %s", resp.StatusCode, out.Error)
	}
	return out.Token, nil
}

func newJobsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and retry send jobs",
	}
	var limit int
	failed := &cobra.Command{
		Use:   "failed",
		Short: "List jobs that exhausted their attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withInspector(opts, func(insp *queue.Inspector) error {
				jobs, err := insp.Failed(limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), jobs)
			})
		},
	}
	failed.Flags().IntVar(&limit, "limit", 50, "Maximum number of jobs to list")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withInspector(opts, func(insp *queue.Inspector) error {
				job, err := insp.Job(args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), job)
			})
		},
	}

	retry := &cobra.Command{
		Use:   "retry <id>",
		Short: "Move a failed job back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withInspector(opts, func(insp *queue.Inspector) error {
				if err := insp.Retry(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", args[0])
				return nil
			})
		},
	}
	cmd.AddCommand(failed, show, retry)
	return cmd
}

func withInspector(opts *options, fn func(*queue.Inspector) error) error {
	rdb := redis.NewClient(&redis.Options{Addr: opts.redisAddr, DB: opts.redisDB, Password: opts.redisPass})
	defer rdb.Close()
	return fn(queue.NewInspector(asynq.NewInspectorFromRedisClient(rdb), opts.queueName))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "go run ./cmd/server",
		RunE: func(cmd *cobra.Command, args []string) error {
			goArgs := append([]string{"run", "./cmd/server"}, args...)
			return runCommand(cmd.Context(), "go", goArgs...)
		},
	}
}

func runCommand(ctx context.Context, name string, args ...string) error {
	execCmd := exec.CommandContext(ctx, name, args...)
	execCmd.Stdout = os.Stdout
	execCmd.Stderr = os.Stderr
	execCmd.Stdin = os.Stdin
	return execCmd.Run()
}
