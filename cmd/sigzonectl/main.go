// Command sigzonectl is the control-API CLI for sigzone-server: change
// delegation/name records, force a sign cycle, and query zone status.
//
// Grounded on the teacher's tdns.ApiClient (apiclient.go: a small
// http.Client wrapper adding the X-API-Key header and pretty-printing
// JSON in debug mode) and its cli/cmd subcommand argument style,
// collapsed here into a single flat pflag command set since this
// repo's control API has only four endpoints.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/gookit/goutil/dump"
	"github.com/spf13/pflag"

	"github.com/sigzone/sigzone/internal/sigzonelog"
)

type apiClient struct {
	baseURL string
	apiKey  string
	debug   bool
	client  *http.Client
}

func (c *apiClient) post(endpoint string, data interface{}) (int, map[string]interface{}, error) {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(data); err != nil {
		return 0, nil, fmt.Errorf("encode request: %w", err)
	}

	if c.debug {
		var pretty bytes.Buffer
		_ = json.Indent(&pretty, buf.Bytes(), "", "  ")
		fmt.Fprintf(os.Stderr, "POST %s%s:\n%s\n", c.baseURL, endpoint, pretty.String())
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+endpoint, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed (is sigzone-server running?): %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}

	var out map[string]interface{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &out); err != nil {
			return resp.StatusCode, nil, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, out, nil
}

func main() {
	var (
		server  = pflag.StringP("server", "s", "http://127.0.0.1:8765", "sigzone-server control API base URL")
		apiKey  = pflag.StringP("apikey", "k", os.Getenv("SIGZONE_API_KEY"), "control API key (or set SIGZONE_API_KEY)")
		zone    = pflag.StringP("zone", "z", "", "zone name")
		debug   = pflag.BoolP("debug", "d", false, "print the raw request/response")
		point   = pflag.String("point", "", "delegation point owner name (for change-delegation)")
		force   = pflag.Bool("force", false, "send force=true with the sign request (the server runs the same cycle either way)")
	)
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <command> [rr...]\n\ncommands:\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "  change-delegation  update an NS/glue delegation point (needs --point, RRs on argv)")
		fmt.Fprintln(os.Stderr, "  change-name        replace all RRs for one or more owner names (RRs on argv)")
		fmt.Fprintln(os.Stderr, "  sign               run an immediate pipeline cycle")
		fmt.Fprintln(os.Stderr, "  status             report the zone's current serial")
		fmt.Fprintln(os.Stderr, "\nflags:")
		pflag.PrintDefaults()
	}
	pflag.Parse()
	sigzonelog.SetupCLI(false, *debug)

	args := pflag.Args()
	if len(args) < 1 {
		pflag.Usage()
		os.Exit(2)
	}
	if *zone == "" {
		fmt.Fprintln(os.Stderr, "sigzonectl: --zone is required")
		os.Exit(2)
	}
	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "sigzonectl: --apikey (or SIGZONE_API_KEY) is required")
		os.Exit(2)
	}

	c := &apiClient{baseURL: *server, apiKey: *apiKey, debug: *debug, client: &http.Client{}}

	cmd := args[0]
	rest := args[1:]

	var status int
	var resp map[string]interface{}
	var err error

	switch cmd {
	case "change-delegation":
		if *point == "" {
			fmt.Fprintln(os.Stderr, "sigzonectl: change-delegation requires --point")
			os.Exit(2)
		}
		status, resp, err = c.post("/api/v1/zone/delegation", map[string]interface{}{
			"zone": *zone, "point": *point, "rrs": rest,
		})
	case "change-name":
		status, resp, err = c.post("/api/v1/zone/rrset", map[string]interface{}{
			"zone": *zone, "rrs": rest,
		})
	case "sign":
		status, resp, err = c.post("/api/v1/zone/sign", map[string]interface{}{
			"zone": *zone, "force": *force,
		})
	case "status":
		status, resp, err = c.post("/api/v1/zone/status", map[string]interface{}{
			"zone": *zone,
		})
	default:
		fmt.Fprintf(os.Stderr, "sigzonectl: unknown command %q\n", cmd)
		pflag.Usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "sigzonectl: %v\n", err)
		os.Exit(1)
	}

	dump.P(resp)
	if status >= 400 {
		os.Exit(1)
	}
}
