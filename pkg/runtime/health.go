package runtime

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/convoyctl/convoy/pkg/config"
)

const (
	defaultHealthRetries  = 10
	defaultHealthInterval = 5 * time.Second
	defaultProbeTimeout   = 5
	defaultHTTPStatus     = 200
)

// RunHealthcheck polls the service's declared probe, or composed probe
// profile, until it succeeds or the retry budget is exhausted. A passing
// attempt ends the loop immediately; on exhaustion the last observed failure
// text is returned.
func (d *Deployer) RunHealthcheck(ctx context.Context, name string, hc *config.Healthcheck) error {
	if hc == nil {
		return nil
	}

	retries := hc.Retries
	if retries <= 0 {
		retries = defaultHealthRetries
	}
	interval := defaultHealthInterval
	if hc.IntervalSecs > 0 {
		interval = time.Duration(hc.IntervalSecs) * time.Second
	}

	probes, err := d.healthProbes(name, hc)
	if err != nil {
		return err
	}
	mode := hc.Mode
	if mode == "" {
		mode = "all"
	}

	var lastFailure string
	for attempt := 1; attempt <= retries; attempt++ {
		ok, failure := d.runProbes(ctx, probes, mode)
		if ok {
			log.Debug().Str("service", name).Int("attempt", attempt).Msg("healthcheck passed")
			return nil
		}
		lastFailure = failure

		log.Debug().
			Str("service", name).
			Int("attempt", attempt).
			Int("retries", retries).
			Str("failure", lastFailure).
			Msg("healthcheck attempt failed")

		if attempt < retries {
			if err := d.sleep(ctx, interval); err != nil {
				return err
			}
		}
	}

	return fmt.Errorf("healthcheck for service %s failed after %d attempts: %s", name, retries, lastFailure)
}

// healthProbe pairs one composed probe command with the declaration that
// interprets its result.
type healthProbe struct {
	check *config.Healthcheck
	cmd   *Command
}

// healthProbes expands a health gate to its probe list: the gate itself for
// a single probe, one entry per child for a composed profile.
func (d *Deployer) healthProbes(name string, hc *config.Healthcheck) ([]healthProbe, error) {
	if len(hc.Checks) == 0 {
		cmd, err := d.probeCommand(name, hc)
		if err != nil {
			return nil, err
		}
		return []healthProbe{{check: hc, cmd: cmd}}, nil
	}

	probes := make([]healthProbe, 0, len(hc.Checks))
	for i := range hc.Checks {
		child := &hc.Checks[i]
		cmd, err := d.probeCommand(name, child)
		if err != nil {
			return nil, err
		}
		probes = append(probes, healthProbe{check: child, cmd: cmd})
	}
	return probes, nil
}

// runProbes evaluates every probe once. Under "any" the first success wins;
// under "all" the first failure ends the attempt.
func (d *Deployer) runProbes(ctx context.Context, probes []healthProbe, mode string) (bool, string) {
	var lastFailure string
	for i, p := range probes {
		result, runErr := d.runner.Run(ctx, p.cmd.String())
		var ok bool
		var failure string
		if runErr != nil {
			failure = runErr.Error()
		} else {
			ok, failure = probeOutcome(p.check, result)
		}

		if ok {
			if mode == "any" {
				return true, ""
			}
			continue
		}
		if len(probes) > 1 {
			failure = fmt.Sprintf("probe %d/%d: %s", i+1, len(probes), failure)
		}
		if mode != "any" {
			return false, failure
		}
		lastFailure = failure
	}

	if mode == "any" {
		return false, lastFailure
	}
	return true, ""
}

// probeCommand composes the single probe invocation for the declared shape.
func (d *Deployer) probeCommand(name string, hc *config.Healthcheck) (*Command, error) {
	switch {
	case len(hc.Command) > 0:
		return NewCommand("docker", "exec", name).Arg(hc.Command...), nil

	case hc.HTTP != nil:
		url := hc.HTTP.URL
		if url == "" {
			port := hc.HTTP.Port
			if port == 0 {
				port = 80
			}
			path := hc.HTTP.Path
			if path == "" {
				path = "/"
			}
			url = fmt.Sprintf("http://127.0.0.1:%d%s", port, path)
		}
		timeout := hc.HTTP.TimeoutSecs
		if timeout <= 0 {
			timeout = defaultProbeTimeout
		}
		return NewCommand("curl", "-s", "-o", "/dev/null").
			Flag("-w", "%{http_code}").
			Flag("--max-time", strconv.Itoa(timeout)).
			Arg(url), nil

	case hc.TCP != nil:
		host := hc.TCP.Host
		if host == "" {
			host = "127.0.0.1"
		}
		timeout := hc.TCP.TimeoutSecs
		if timeout <= 0 {
			timeout = defaultProbeTimeout
		}
		return NewCommand("nc", "-z").
			Flag("-w", strconv.Itoa(timeout)).
			Arg(host, strconv.Itoa(hc.TCP.Port)), nil
	}

	return nil, fmt.Errorf("healthcheck for service %s declares no probe", name)
}

// probeOutcome interprets a probe result. HTTP probes compare the reported
// status code; command and tcp probes use the exit status.
func probeOutcome(hc *config.Healthcheck, result Result) (bool, string) {
	if hc.HTTP != nil {
		code := strings.TrimSpace(result.Stdout)
		expected := hc.HTTP.ExpectedStatus
		if expected == 0 {
			expected = defaultHTTPStatus
		}
		if result.Success() && code == strconv.Itoa(expected) {
			return true, ""
		}
		return false, fmt.Sprintf("expected HTTP %d, got %q", expected, code)
	}

	if result.Success() {
		return true, ""
	}
	failure := firstLine(result.Stderr)
	if failure == "no error output" {
		failure = fmt.Sprintf("probe exited %d", result.ExitCode)
	}
	return false, failure
}
