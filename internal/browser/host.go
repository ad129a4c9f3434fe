// Package browser locates, launches, and connects to Chromium-family
// browsers. A launched browser is always headless with a fresh profile; a
// connected browser is external and never owned.
package browser

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoBrowser is returned when no Chromium-family binary is discoverable.
	ErrNoBrowser = errors.New("browser: no chromium-family binary found")

	// ErrLaunchFailed is returned when the child exits or stays silent before
	// printing its DevTools WebSocket URL.
	ErrLaunchFailed = errors.New("browser: launch failed")
)

const launchDeadline = 10 * time.Second

var wsURLPattern = regexp.MustCompile(`ws://[^\s]+`)

// LaunchOptions tune the child process. The flag set itself is fixed; only
// the proxy and the profile directory are caller-controlled.
type LaunchOptions struct {
	// Proxy, when set, is passed as --proxy-server.
	Proxy string
	// UserDataDir overrides the default unique per-process temp profile.
	UserDataDir string
}

// Process is a handle to a launched headless browser.
type Process struct {
	WebSocketURL string
	Port         int

	cmd         *exec.Cmd
	userDataDir string
	ownsProfile bool
	logger      *zap.Logger
}

// Find resolves an installed Chromium-family binary from a short, ordered
// candidate list.
func Find() (string, error) {
	for _, path := range candidatePaths() {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "brave-browser", "microsoft-edge"} {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", ErrNoBrowser
}

func candidatePaths() []string {
	if runtime.GOOS == "darwin" {
		return []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
			"/Applications/Brave Browser.app/Contents/MacOS/Brave Browser",
			"/Applications/Microsoft Edge.app/Contents/MacOS/Microsoft Edge",
		}
	}
	return []string{
		"/usr/bin/google-chrome",
		"/usr/bin/google-chrome-stable",
		"/usr/bin/chromium",
		"/usr/bin/chromium-browser",
		"/usr/bin/brave-browser",
		"/usr/bin/microsoft-edge",
	}
}

// Launch spawns a headless browser with the fixed flag set and scrapes the
// DevTools WebSocket URL from its stderr.
func Launch(ctx context.Context, opts LaunchOptions, logger *zap.Logger) (*Process, error) {
	binary, err := Find()
	if err != nil {
		return nil, err
	}
	return LaunchBinary(ctx, binary, opts, logger)
}

// LaunchBinary is Launch with an explicit binary path.
func LaunchBinary(ctx context.Context, binary string, opts LaunchOptions, logger *zap.Logger) (*Process, error) {
	log := logger.Named("browser")

	userDataDir := opts.UserDataDir
	ownsProfile := false
	if userDataDir == "" {
		// Unique per-process so two instances never contend for one profile.
		userDataDir = filepath.Join(os.TempDir(), "pagescope-profile-"+uuid.NewString())
		ownsProfile = true
	}
	if err := os.MkdirAll(userDataDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create profile dir: %v", ErrLaunchFailed, err)
	}

	args := launchArgs(userDataDir, opts.Proxy)
	log.Debug("Launching browser.", zap.String("binary", binary), zap.Strings("args", args))

	cmd := exec.Command(binary, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrLaunchFailed, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}

	wsURL, captured, scanErr := scrapeWebSocketURL(ctx, stderr)
	if scanErr != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		if ownsProfile {
			_ = os.RemoveAll(userDataDir)
		}
		return nil, fmt.Errorf("%w: %v; stderr: %s", ErrLaunchFailed, scanErr, captured)
	}

	port := portFromURL(wsURL)
	log.Info("Browser launched.", zap.Int("pid", cmd.Process.Pid), zap.Int("port", port))

	return &Process{
		WebSocketURL: wsURL,
		Port:         port,
		cmd:          cmd,
		userDataDir:  userDataDir,
		ownsProfile:  ownsProfile,
		logger:       log,
	}, nil
}

// ConnectExisting queries the HTTP discovery endpoint of a browser already
// listening on the given debug port and returns its WebSocket URL.
func ConnectExisting(ctx context.Context, port int) (string, error) {
	endpoint := fmt.Sprintf("http://127.0.0.1:%d/json/version", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("browser: discovery endpoint on port %d: %w", port, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("browser: discovery endpoint returned status %d", resp.StatusCode)
	}

	var version struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&version); err != nil {
		return "", fmt.Errorf("browser: decode discovery response: %w", err)
	}
	if version.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("browser: discovery response has no webSocketDebuggerUrl")
	}
	return version.WebSocketDebuggerURL, nil
}

// Kill terminates the child and removes the owned temp profile.
func (p *Process) Kill() error {
	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	err := p.cmd.Process.Kill()
	_ = p.cmd.Wait()
	if p.ownsProfile {
		_ = os.RemoveAll(p.userDataDir)
	}
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("browser: kill: %w", err)
	}
	return nil
}

// Pid reports the child's process id, or zero for an unowned browser.
func (p *Process) Pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func launchArgs(userDataDir, proxy string) []string {
	args := []string{
		"--headless=new",
		"--remote-debugging-port=0",
		"--user-data-dir=" + userDataDir,
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-sync",
		"--disable-background-networking",
		"--disable-features=Translate,MediaRouter",
		"--disable-notifications",
		"--autoplay-policy=no-user-gesture-required",
		"--use-fake-device-for-media-stream",
		"--use-fake-ui-for-media-stream",
		"--mute-audio",
		"--hide-scrollbars",
		"--disable-gpu",
	}
	if proxy != "" {
		args = append(args, "--proxy-server="+proxy)
	}
	args = append(args, "about:blank")
	return args
}

// scrapeWebSocketURL reads the child's stderr until the first ws:// token or
// the 10 second deadline, whichever comes first. The captured stderr prefix
// is returned for diagnostics either way.
func scrapeWebSocketURL(ctx context.Context, stderr interface{ Read([]byte) (int, error) }) (string, string, error) {
	type scanResult struct {
		url      string
		captured string
	}
	resCh := make(chan scanResult, 1)

	var g errgroup.Group
	g.Go(func() error {
		var captured strings.Builder
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if captured.Len() < 8*1024 {
				captured.WriteString(line)
				captured.WriteByte('\n')
			}
			if match := wsURLPattern.FindString(line); match != "" {
				resCh <- scanResult{url: match, captured: captured.String()}
				return nil
			}
		}
		resCh <- scanResult{captured: captured.String()}
		return scanner.Err()
	})

	timer := time.NewTimer(launchDeadline)
	defer timer.Stop()

	select {
	case res := <-resCh:
		_ = g.Wait()
		if res.url == "" {
			return "", res.captured, errors.New("child exited before printing a WebSocket URL")
		}
		return res.url, res.captured, nil
	case <-timer.C:
		return "", "", errors.New("no WebSocket URL within 10s")
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
}

func portFromURL(wsURL string) int {
	u, err := url.Parse(wsURL)
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(u.Port())
	return port
}
