// Package dispatchctl is an operator client for the dispatch HTTP API.
package dispatchctl

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fatih/color"
	entrypoint "github.com/louisbranch/dispatch/internal/platform/cmd"
	"github.com/louisbranch/dispatch/internal/platform/timeouts"
)

const usage = "usage: dispatchctl [flags] status|match|audit <request-id> | sweep"

// Config holds dispatchctl configuration.
type Config struct {
	Addr       string        `env:"DISPATCH_CTL_ADDR" envDefault:"http://localhost:8095"`
	Timeout    time.Duration `env:"DISPATCH_CTL_TIMEOUT"`
	JSONOutput bool
	NoColor    bool

	Command   string
	RequestID string
}

// ParseConfig parses environment, flags and the positional command.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = timeouts.RemoteCall
	}
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "dispatch HTTP API base URL")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "per-call timeout")
	fs.BoolVar(&cfg.JSONOutput, "json", false, "print raw JSON responses")
	fs.BoolVar(&cfg.NoColor, "no-color", cfg.NoColor, "disable colored output")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return Config{}, errors.New(usage)
	}
	cfg.Command = strings.ToLower(rest[0])
	switch cfg.Command {
	case "status", "match", "audit":
		if len(rest) != 2 || strings.TrimSpace(rest[1]) == "" {
			return Config{}, fmt.Errorf("%s requires a request id\n%s", cfg.Command, usage)
		}
		cfg.RequestID = strings.TrimSpace(rest[1])
	case "sweep":
		if len(rest) != 1 {
			return Config{}, errors.New(usage)
		}
	default:
		return Config{}, fmt.Errorf("unknown command %q\n%s", rest[0], usage)
	}
	if _, err := url.ParseRequestURI(cfg.Addr); err != nil {
		return Config{}, fmt.Errorf("invalid addr %q: %w", cfg.Addr, err)
	}
	return cfg, nil
}

type palette struct {
	header *color.Color
	good   *color.Color
	warn   *color.Color
	bad    *color.Color
	dim    *color.Color
}

func newPalette(disabled bool) palette {
	p := palette{
		header: color.New(color.FgCyan, color.Bold),
		good:   color.New(color.FgGreen),
		warn:   color.New(color.FgYellow),
		bad:    color.New(color.FgRed),
		dim:    color.New(color.FgHiBlack),
	}
	if disabled {
		for _, c := range []*color.Color{p.header, p.good, p.warn, p.bad, p.dim} {
			c.DisableColor()
		}
	}
	return p
}

func (p palette) status(value string) string {
	switch value {
	case "approved":
		return p.good.Sprint(value)
	case "declined", "expired":
		return p.bad.Sprint(value)
	case "awaiting_decision", "searching":
		return p.warn.Sprint(value)
	default:
		return value
	}
}

// Run executes the configured command and writes its report to out.
func Run(ctx context.Context, cfg Config, client *http.Client, out io.Writer) error {
	if out == nil {
		return errors.New("output is required")
	}
	if client == nil {
		client = &http.Client{}
	}
	c := apiClient{base: strings.TrimRight(cfg.Addr, "/"), http: client, timeout: cfg.Timeout}
	p := newPalette(cfg.NoColor)
	requestPath := "/v1/requests/" + url.PathEscape(cfg.RequestID)

	switch cfg.Command {
	case "status", "match":
		method, path := http.MethodGet, requestPath
		if cfg.Command == "match" {
			method, path = http.MethodPost, requestPath+"/match"
		}
		var status statusView
		raw, err := c.do(ctx, method, path, &status)
		if err != nil {
			return err
		}
		if cfg.JSONOutput {
			return writeRaw(out, raw)
		}
		return printStatus(out, p, status)
	case "audit":
		var audit auditView
		raw, err := c.do(ctx, http.MethodGet, requestPath+"/audit", &audit)
		if err != nil {
			return err
		}
		if cfg.JSONOutput {
			return writeRaw(out, raw)
		}
		return printAudit(out, p, audit)
	case "sweep":
		var result sweepView
		raw, err := c.do(ctx, http.MethodPost, "/v1/sla/sweep", &result)
		if err != nil {
			return err
		}
		if cfg.JSONOutput {
			return writeRaw(out, raw)
		}
		_, err = fmt.Fprintf(out, "%s reminders=%d auto_approved=%s expired=%s rerouted=%d skipped=%d\n",
			p.header.Sprint("sweep"), result.Reminders,
			p.good.Sprint(result.AutoApproved), p.bad.Sprint(result.Expired),
			result.Rerouted, result.Skipped)
		return err
	default:
		return fmt.Errorf("unknown command %q", cfg.Command)
	}
}

type apiClient struct {
	base    string
	http    *http.Client
	timeout time.Duration
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c apiClient) do(ctx context.Context, method, path string, target any) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var body apiError
		if json.Unmarshal(raw, &body) == nil && body.Error.Code != "" {
			return nil, fmt.Errorf("%s %s: %s: %s", method, path, body.Error.Code, body.Error.Message)
		}
		return nil, fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return raw, nil
}

func writeRaw(out io.Writer, raw []byte) error {
	_, err := fmt.Fprintln(out, strings.TrimSpace(string(raw)))
	return err
}
