package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ambiyansyah-risyal/konduit"
	"github.com/ambiyansyah-risyal/konduit/config"
)

var rootCmd = &cobra.Command{
	Use:           "konduit",
	Short:         "Konduit sends requests through the konduit request pipeline",
	Long:          `Konduit issues API requests with connectivity checks, credentials, rate limiting and retries, and prints the structured response as JSON.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Persistent flags (available to all commands)
	rootCmd.PersistentFlags().String("config", "", "Config file (yaml, json or toml)")
	rootCmd.PersistentFlags().String("env-file", ".env", "Dotenv file with KONDUIT_* variables")
	rootCmd.PersistentFlags().String("base-url", "", "Override the API base URL")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-file", "", "Write logs to a rotated file instead of stderr")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Print rate limit state after each request")
}

// session is a configured client plus what must be released with it.
type session struct {
	client *konduit.Client
	cfg    *config.Config
	close  func()
}

func newSession(cmd *cobra.Command) (*session, error) {
	flags := cmd.Flags()
	configFile, _ := flags.GetString("config")
	envFile, _ := flags.GetString("env-file")

	cfg, _, err := config.Load(config.LoadOptions{File: configFile, EnvFile: envFile})
	if err != nil {
		return nil, err
	}
	if base, _ := flags.GetString("base-url"); base != "" {
		cfg.BaseURL = base
	}
	if level, _ := flags.GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if file, _ := flags.GetString("log-file"); file != "" {
		cfg.Log.File = file
	}

	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	var (
		out     io.Writer = cmd.ErrOrStderr()
		closers []func()
	)
	if cfg.Log.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   true,
		}
		out = rotator
		closers = append(closers, func() { _ = rotator.Close() })
	}
	logger := konduit.NewTextLogger(out, level)

	rdb := cfg.RedisClient()
	if rdb != nil {
		closers = append(closers, func() { _ = rdb.Close() })
	}

	opts := append(cfg.ClientOptions(rdb), konduit.WithLogger(logger))
	client := konduit.New(opts...)
	closers = append([]func(){client.Close}, closers...)

	s := &session{
		client: client,
		cfg:    cfg,
		close: func() {
			for _, c := range closers {
				c()
			}
		},
	}
	if !client.IsValid() {
		s.close()
		return nil, client.ValidationError()
	}
	if err := cfg.ApplyCredential(cmd.Context(), client.Credentials()); err != nil {
		s.close()
		return nil, fmt.Errorf("apply credential: %w", err)
	}
	return s, nil
}

func printVerbose(cmd *cobra.Command, s *session) {
	if verbose, _ := cmd.Flags().GetBool("verbose"); !verbose {
		return
	}
	info := s.client.RateLimitInfo()
	if !info.Present {
		fmt.Fprintln(cmd.ErrOrStderr(), "rate limit: no headers seen")
		return
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "rate limit: %d/%d remaining, resets %s\n",
		info.Remaining, info.Limit, info.ResetAt().Format("15:04:05"))
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func parseHeaders(raw []string) (map[string]string, error) {
	headers := make(map[string]string, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q (want Name: value)", h)
		}
		headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return headers, nil
}
