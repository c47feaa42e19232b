package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"
)

// Exit codes for the client commands.
const (
	ExitSuccess     = 0
	ExitFailure     = 1 // Bad input, unknown approval, or server error.
	ExitRefused     = 2 // Unauthorized, forbidden, already decided, or rate limited.
	ExitUnavailable = 3 // Gateway unreachable or store unavailable.
)

var (
	clientGatewayURL string
	clientAPIKey     string
	clientTimeout    int

	requestAssignee string
	requestNote     string
	decisionComment string
	listStatus      string
	listSubject     string
)

const clientExitHelp = `
Exit codes:
  0  success
  1  failure (bad input, unknown approval, server error)
  2  refused (unauthorized, not the assignee, already decided, rate limited)
  3  gateway or approval store unavailable`

var requestCmd = &cobra.Command{
	Use:   "request <subject>",
	Short: "Request approval for a unit of work",
	Long: `Create a pending approval request and print it.

Examples:
  signoff request report-2026-q3
  signoff request deploy-prod-42 --assign-to alice --note "canary green for 24h"` + clientExitHelp,
	Args: cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return runClient(http.MethodPost, "/v1/approvals", requestBody(args[0], requestAssignee, requestNote))
	},
}

// requestBody builds the create payload, leaving out empty optional fields.
func requestBody(subject, assignee, note string) map[string]string {
	body := map[string]string{"subject": subject}
	if assignee != "" {
		body["assigned_to"] = assignee
	}
	if note != "" {
		body["note"] = note
	}
	return body
}

var approveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a pending request",
	Long:  "Approve a pending request as the identity mapped to the API key." + clientExitHelp,
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return runDecision(args[0], "approve")
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <id>",
	Short: "Reject a pending request",
	Long:  "Reject a pending request as the identity mapped to the API key." + clientExitHelp,
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return runDecision(args[0], "reject")
	},
}

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show an approval",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid approval ID %q", args[0])
		}
		return runClient(http.MethodGet, "/v1/approvals/"+strconv.FormatInt(id, 10), nil)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List approvals",
	Long: `List approvals ordered by ID.

Examples:
  signoff list --status pending
  signoff list --subject report-2026-q3`,
	Args: cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		q := url.Values{}
		if listStatus != "" {
			q.Set("status", listStatus)
		}
		if listSubject != "" {
			q.Set("subject", listSubject)
		}
		path := "/v1/approvals"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}
		return runClient(http.MethodGet, path, nil)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{requestCmd, approveCmd, rejectCmd, getCmd, listCmd} {
		cmd.Flags().StringVar(&clientGatewayURL, "gateway-url", "http://localhost:8080", "gateway HTTP API URL (or SIGNOFF_GATEWAY_URL env)")
		cmd.Flags().StringVar(&clientAPIKey, "api-key", "", "API key for gateway authentication (or SIGNOFF_API_KEY env)")
		cmd.Flags().IntVar(&clientTimeout, "timeout", 30, "timeout in seconds")
	}
	requestCmd.Flags().StringVar(&requestAssignee, "assign-to", "", "only this approver may decide")
	requestCmd.Flags().StringVar(&requestNote, "note", "", "context shown to the approver")
	approveCmd.Flags().StringVarP(&decisionComment, "comment", "c", "", "comment recorded with the decision")
	rejectCmd.Flags().StringVarP(&decisionComment, "comment", "c", "", "comment recorded with the decision")
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status (pending, approved, rejected)")
	listCmd.Flags().StringVar(&listSubject, "subject", "", "filter by subject")
}

func runDecision(rawID, action string) error {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid approval ID %q", rawID)
	}
	var body any
	if decisionComment != "" {
		body = map[string]string{"comment": decisionComment}
	}
	return runClient(http.MethodPost, fmt.Sprintf("/v1/approvals/%d/%s", id, action), body)
}

// runClient sends one request to the gateway, prints the response body and
// exits with a code derived from the HTTP status.
func runClient(method, path string, body any) error {
	apiKey := goutils.Env("SIGNOFF_API_KEY", clientAPIKey)
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required (use --api-key or set SIGNOFF_API_KEY)")
		os.Exit(ExitRefused)
	}
	gatewayURL := goutils.Env("SIGNOFF_GATEWAY_URL", clientGatewayURL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(clientTimeout)*time.Second)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, gatewayURL+path, reader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitFailure)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach gateway at %s: %v\n", gatewayURL, err)
		os.Exit(ExitUnavailable)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	code := exitCodeFor(resp.StatusCode)
	if code == ExitSuccess {
		printJSON(respBody)
	} else {
		fmt.Fprintf(os.Stderr, "Error: gateway returned %d: %s\n", resp.StatusCode, bytes.TrimSpace(respBody))
	}
	os.Exit(code)
	return nil
}

func exitCodeFor(status int) int {
	switch {
	case status >= 200 && status < 300:
		return ExitSuccess
	case status == http.StatusUnauthorized, status == http.StatusForbidden,
		status == http.StatusConflict, status == http.StatusTooManyRequests:
		return ExitRefused
	case status == http.StatusServiceUnavailable, status == http.StatusBadGateway,
		status == http.StatusGatewayTimeout:
		return ExitUnavailable
	default:
		return ExitFailure
	}
}

func printJSON(data []byte) {
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(out.String())
}
