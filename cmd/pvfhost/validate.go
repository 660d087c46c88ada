package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/pvfhost/internal/api"
	"github.com/mattjoyce/pvfhost/internal/config"
	"github.com/mattjoyce/pvfhost/internal/host"
	"github.com/mattjoyce/pvfhost/internal/log"
	"github.com/mattjoyce/pvfhost/internal/pvf"
)

// targetFlags select between an in-process host and a running server.
type targetFlags struct {
	remote     string
	token      string
	paramsFile string
	maxMemory  string
	verbose    bool
}

func (f *targetFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.remote, "remote", "", "Send the request to a running pvfhost API at this URL instead of starting a host")
	cmd.Flags().StringVar(&f.token, "token", os.Getenv("PVFHOST_TOKEN"), "Bearer token for --remote (default $PVFHOST_TOKEN)")
	cmd.Flags().StringVar(&f.paramsFile, "params", "", "YAML or JSON file with executor parameters")
	cmd.Flags().StringVar(&f.maxMemory, "max-memory", "", "Prechecking memory limit, e.g. 64MiB")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "Log host activity to stderr")
}

func (f *targetFlags) params() (pvf.ExecutorParams, error) {
	var p pvf.ExecutorParams
	if f.paramsFile != "" {
		data, err := os.ReadFile(f.paramsFile)
		if err != nil {
			return p, fmt.Errorf("read params: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&p); err != nil && err != io.EOF {
			return p, fmt.Errorf("parse params %s: %w", f.paramsFile, err)
		}
	}
	if f.maxMemory != "" {
		n, err := units.RAMInBytes(f.maxMemory)
		if err != nil || n <= 0 {
			return p, fmt.Errorf("invalid --max-memory %q", f.maxMemory)
		}
		p.PrecheckingMaxMemory = uint64(n)
	}
	return p, nil
}

// withLocalHost starts a host from the loaded config, runs fn and shuts the
// host down again.
func withLocalHost(cmd *cobra.Command, verbose bool, fn func(ctx context.Context, h *host.Host) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level := "warn"
	if verbose {
		level = cfg.LogLevel
	}
	log.SetupWriter(cmd.ErrOrStderr(), level, "text")

	ctx, cancel := context.WithCancel(cmd.Context())
	h, err := host.Start(ctx, cfg)
	if err != nil {
		cancel()
		return err
	}
	runErr := fn(ctx, h)
	cancel()
	if err := h.Wait(); err != nil && runErr == nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return runErr
}

func buildPrecheckCommand() *cobra.Command {
	var flags targetFlags
	cmd := &cobra.Command{
		Use:   "precheck FILE",
		Short: "Decide whether a PVF blob is acceptable",
		Long: "Compiles FILE under the strict prechecking limits and prints the verdict as JSON.\n" +
			"Exit status is 0 for valid, 2 for a rejected blob and 1 for an internal error.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read code: %w", err)
			}
			params, err := flags.params()
			if err != nil {
				return err
			}

			var resp api.PrecheckResponse
			if flags.remote != "" {
				err = postJSON(cmd.Context(), flags.remote, "/v1/precheck", flags.token,
					api.PrecheckRequest{Code: code, Params: params}, &resp)
			} else {
				err = withLocalHost(cmd, flags.verbose, func(ctx context.Context, h *host.Host) error {
					start := time.Now()
					perr := h.Precheck(ctx, code, params)
					resp = api.PrecheckResponse{
						Fingerprint: pvf.NewPrepJobSpec(code, params, 0, pvf.Prechecking).Fingerprint().String(),
						DurationMS:  time.Since(start).Milliseconds(),
					}
					resp.Result, resp.Kind = api.ClassifyPrecheck(perr)
					if perr != nil {
						resp.Error = perr.Error()
					}
					return nil
				})
			}
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
				return err
			}
			return verdictExit(resp.Result)
		},
	}
	flags.register(cmd)
	return cmd
}

func buildExecuteCommand() *cobra.Command {
	var (
		flags     targetFlags
		inputPath string
		timeout   time.Duration
		priority  string
		raw       bool
	)
	cmd := &cobra.Command{
		Use:   "execute FILE",
		Short: "Compile FILE if needed and run it against an input",
		Long: "Runs FILE with --input and prints the outcome as JSON, or the raw output with --raw.\n" +
			"Exit status is 0 for valid, 2 for an invalid candidate or failed preparation and 1 for an internal error.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read code: %w", err)
			}
			var input []byte
			switch inputPath {
			case "":
			case "-":
				if input, err = io.ReadAll(cmd.InOrStdin()); err != nil {
					return fmt.Errorf("read input: %w", err)
				}
			default:
				if input, err = os.ReadFile(inputPath); err != nil {
					return fmt.Errorf("read input: %w", err)
				}
			}
			prio, err := pvf.ParsePriority(priority)
			if err != nil {
				return err
			}
			params, err := flags.params()
			if err != nil {
				return err
			}

			var resp api.ExecuteResponse
			if flags.remote != "" {
				req := api.ExecuteRequest{Code: code, Input: input, Params: params, Priority: priority}
				if timeout > 0 {
					req.Timeout = timeout.String()
				}
				err = postJSON(cmd.Context(), flags.remote, "/v1/execute", flags.token, req, &resp)
			} else {
				err = withLocalHost(cmd, flags.verbose, func(ctx context.Context, h *host.Host) error {
					start := time.Now()
					out, xerr := h.Execute(ctx, code, timeout, input, prio, params)
					resp = api.ExecuteResponse{
						Fingerprint: pvf.NewPrepJobSpec(code, params, 0, pvf.Compilation).Fingerprint().String(),
						Output:      out,
						DurationMS:  time.Since(start).Milliseconds(),
					}
					resp.Result, resp.Reason, resp.Kind = api.ClassifyExecute(xerr)
					if xerr != nil {
						resp.Error = xerr.Error()
					}
					return nil
				})
			}
			if err != nil {
				return err
			}

			if raw && resp.Result == api.ResultValid {
				if _, err := cmd.OutOrStdout().Write(resp.Output); err != nil {
					return err
				}
			} else if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
				return err
			}
			return verdictExit(resp.Result)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "Input file for the candidate (- for stdin)")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Execution timeout (default: params or config)")
	cmd.Flags().StringVarP(&priority, "priority", "p", "normal", "Preparation priority: background, normal or critical")
	cmd.Flags().BoolVar(&raw, "raw", false, "Write the candidate output instead of JSON when valid")
	return cmd
}

func verdictExit(result string) error {
	switch result {
	case api.ResultValid:
		return nil
	case api.ResultInvalid, api.ResultPreparationFailed:
		return exitCode(exitRejected)
	default:
		return exitCode(1)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// postJSON sends body to a running host. Verdict responses carry their own
// body even on 5xx, so only bodies without a result are treated as errors.
func postJSON(ctx context.Context, baseURL, path, token string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("contact %s: %w", baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var probe struct {
		Result string `json:"result"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("%s: unexpected response (%s)", resp.Status, strings.TrimSpace(string(data)))
	}
	if probe.Result == "" {
		return fmt.Errorf("%s: %s", resp.Status, probe.Error)
	}
	return json.Unmarshal(data, out)
}

// remoteFromConfig derives the API base URL from a config's listen address.
func remoteFromConfig(cfg *config.Config) string {
	listen := cfg.API.Listen
	if strings.HasPrefix(listen, ":") {
		listen = "127.0.0.1" + listen
	}
	return "http://" + listen
}
