package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ambiyansyah-risyal/konduit"
)

var requestCmd = &cobra.Command{
	Use:   "request [METHOD] ENDPOINT",
	Short: "Send a request and print the structured response",
	Example: `  konduit request /projects
  konduit request POST /projects --data '{"name":"demo"}'
  konduit request DELETE /projects/42 -H 'X-Reason: cleanup'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		method, endpoint := http.MethodGet, args[0]
		if len(args) == 2 {
			method, endpoint = strings.ToUpper(args[0]), args[1]
		}

		rawHeaders, _ := cmd.Flags().GetStringArray("header")
		headers, err := parseHeaders(rawHeaders)
		if err != nil {
			return err
		}
		reqCfg := konduit.RequestConfig{Method: method, Headers: headers}

		data, _ := cmd.Flags().GetString("data")
		if strings.HasPrefix(data, "@") {
			b, err := os.ReadFile(strings.TrimPrefix(data, "@"))
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}
			data = string(b)
		}
		if data != "" {
			if !json.Valid([]byte(data)) {
				return fmt.Errorf("--data is not valid JSON")
			}
			reqCfg.Body = json.RawMessage(data)
		}

		reqCfg.SkipAuth, _ = cmd.Flags().GetBool("skip-auth")
		if timeout, _ := cmd.Flags().GetDuration("timeout"); timeout > 0 {
			reqCfg.Timeout = timeout
		}

		s, err := newSession(cmd)
		if err != nil {
			return err
		}
		defer s.close()

		if cmd.Flags().Changed("retries") {
			policy := s.cfg.Retry
			policy.MaxRetries, _ = cmd.Flags().GetInt("retries")
			reqCfg.Retry = &policy
		}

		resp := s.client.Request(commandContext(cmd), endpoint, reqCfg)
		printVerbose(cmd, s)
		if err := writeJSON(cmd, resp); err != nil {
			return err
		}
		if !resp.Success {
			return fmt.Errorf("request failed: %s", resp.Code)
		}
		return nil
	},
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	requestCmd.Flags().StringP("data", "d", "", "JSON request body, or @file")
	requestCmd.Flags().StringArrayP("header", "H", nil, "Extra header, 'Name: value' (repeatable)")
	requestCmd.Flags().Bool("skip-auth", false, "Do not attach stored credentials")
	requestCmd.Flags().Duration("timeout", 0, "Per-attempt timeout (default from config)")
	requestCmd.Flags().Int("retries", 0, "Maximum retries (default from config)")
	rootCmd.AddCommand(requestCmd)
}
