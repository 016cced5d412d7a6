package mergegate

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/wisbric/forgebay/internal/trace"
)

// DeployDriver reloads the running application to the given release and can
// restore the previous one.
type DeployDriver interface {
	// Deploy invokes the reload command for releaseID, returning its
	// combined output for artifact attachment.
	Deploy(ctx context.Context, releaseID string) (output string, err error)

	// Rollback restores the given previous release as current.
	Rollback(ctx context.Context, previousReleaseID string) (output string, err error)
}

// HealthProbe checks that the deployed release is actually serving
// traffic correctly after a reload.
type HealthProbe interface {
	Check(ctx context.Context) error
}

// ExecDeployDriver shells out to an external reload command, the same
// non-interactive-subprocess approach gitdriver.ShellDriver uses for git.
// The command receives the release ID as its sole argument and as the
// FORGEBAY_RELEASE_ID environment variable.
type ExecDeployDriver struct {
	ReloadCommand string
	Timeout       time.Duration
}

// NewExecDeployDriver creates an ExecDeployDriver.
func NewExecDeployDriver(reloadCommand string, timeout time.Duration) *ExecDeployDriver {
	return &ExecDeployDriver{ReloadCommand: reloadCommand, Timeout: timeout}
}

func (d *ExecDeployDriver) invoke(ctx context.Context, releaseID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	fields := strings.Fields(d.ReloadCommand)
	if len(fields) == 0 {
		return "", fmt.Errorf("deploy reload command is not configured")
	}
	cmd := exec.CommandContext(ctx, fields[0], append(fields[1:], releaseID)...)
	cmd.Env = append(cmd.Environ(), "FORGEBAY_RELEASE_ID="+releaseID)
	if traceID := trace.FromContext(ctx); traceID != "" {
		cmd.Env = append(cmd.Env, trace.EnvVar+"="+traceID)
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("running deploy command: %w", err)
	}
	return out.String(), nil
}

// Deploy invokes the reload command for releaseID.
func (d *ExecDeployDriver) Deploy(ctx context.Context, releaseID string) (string, error) {
	return d.invoke(ctx, releaseID)
}

// Rollback invokes the same reload command with the previous release ID,
// relying on the reload command itself to know how to switch the current
// release symlink back.
func (d *ExecDeployDriver) Rollback(ctx context.Context, previousReleaseID string) (string, error) {
	return d.invoke(ctx, previousReleaseID)
}

// ExecHealthProbe runs an external health command and treats a non-zero
// exit (or a timeout) as unhealthy. Used when health is checked by a host
// script rather than an HTTP endpoint.
type ExecHealthProbe struct {
	HealthCommand string
	Timeout       time.Duration
}

// NewExecHealthProbe creates an ExecHealthProbe.
func NewExecHealthProbe(healthCommand string, timeout time.Duration) *ExecHealthProbe {
	return &ExecHealthProbe{HealthCommand: healthCommand, Timeout: timeout}
}

// Check runs the health command.
func (p *ExecHealthProbe) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	fields := strings.Fields(p.HealthCommand)
	if len(fields) == 0 {
		return fmt.Errorf("deploy health command is not configured")
	}
	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("running health command: %w: %s", err, strings.TrimSpace(out.String()))
	}
	return nil
}

// HTTPHealthProbe issues a GET against a fixed URL and treats any non-2xx
// response (or a request error) as unhealthy.
type HTTPHealthProbe struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

// NewHTTPHealthProbe creates an HTTPHealthProbe.
func NewHTTPHealthProbe(url string, timeout time.Duration) *HTTPHealthProbe {
	return &HTTPHealthProbe{URL: url, Client: &http.Client{Timeout: timeout}, Timeout: timeout}
}

// Check performs the health GET.
func (p *HTTPHealthProbe) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return fmt.Errorf("building health check request: %w", err)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("performing health check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}
