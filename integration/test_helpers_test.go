package integration

import (
	"net/http"
	"net/http/cookiejar"
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"
)

// trace logs a message if TRACE environment variable is set
func trace(t *testing.T, format string, args ...any) {
	if os.Getenv("TRACE") == "1" {
		t.Logf("TRACE: "+format, args...)
	}
}

// proxyEnv is the environment of a fully configured proxy talking to the fake
func proxyEnv() []string {
	return []string{
		"SALLA_CLIENT_ID=test-client",
		"SALLA_CLIENT_SECRET=test-secret",
		"SALLA_REDIRECT_URI=" + proxyURL + "/oauth/callback",
		"SALLA_ACCOUNTS_BASE=" + fakeURL,
		"SALLA_API_BASE=" + fakeURL,
		"APP_SESSION_SECRET=integration-secret",
		"SALLA_PROXY_ADDR=" + proxyAddr,
		"SALLA_PROXY_MAX_PAGES=10",
	}
}

// startSallaProxy starts the proxy configured from the environment
func startSallaProxy(t *testing.T, extraEnv ...string) {
	cmd := exec.Command(binary)

	cmd.Env = append(os.Environ(), proxyEnv()...)
	cmd.Env = append(cmd.Env, extraEnv...)

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cmd.Env = append(cmd.Env, "LOG_LEVEL="+logLevel)
	}
	if logFormat := os.Getenv("LOG_FORMAT"); logFormat != "" {
		cmd.Env = append(cmd.Env, "LOG_FORMAT="+logFormat)
	}

	if logFile := os.Getenv("SALLA_PROXY_LOG_FILE"); logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			cmd.Stderr = f
			cmd.Stdout = f
			t.Cleanup(func() { f.Close() })
		}
	}

	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start salla-proxy: %v", err)
	}

	t.Cleanup(func() {
		stopSallaProxy(cmd)
	})

	waitForSallaProxy(t)
}

// stopSallaProxy stops the proxy gracefully
func stopSallaProxy(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}

	if err := cmd.Process.Signal(syscall.SIGINT); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case <-done:
		return
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}
}

// waitForSallaProxy waits for the health endpoint
func waitForSallaProxy(t *testing.T) {
	t.Helper()
	for range 10 {
		resp, err := http.Get(proxyURL + "/healthz")
		if err == nil && resp.StatusCode == 200 {
			resp.Body.Close()
			return
		}
		if resp != nil {
			resp.Body.Close()
		}
		time.Sleep(1 * time.Second)
	}
	t.Fatal("salla-proxy failed to become ready after 10 seconds")
}

// newBrowser returns a client holding cookies like a browser. It stops at
// the redirect back to the app.
func newBrowser(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("Failed to create cookie jar: %v", err)
	}
	return &http.Client{
		Jar:     jar,
		Timeout: 10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			trace(t, "redirect to %s", req.URL)
			if req.URL.Path == "/" {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
}
