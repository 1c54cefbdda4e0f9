package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/psantana5/jobdriver/internal/config"
	"github.com/psantana5/jobdriver/pkg/logging"
	"github.com/psantana5/jobdriver/pkg/models"
	"github.com/psantana5/jobdriver/pkg/runtime"
	tlsutil "github.com/psantana5/jobdriver/pkg/tls"
)

func testConfig(t *testing.T, overrides map[string]interface{}) *config.Config {
	t.Helper()
	v := viper.New()
	v.Set("http.addr", "127.0.0.1:0")
	for k, val := range overrides {
		v.Set(k, val)
	}
	cfg, err := config.Load(v)
	require.NoError(t, err)
	return cfg
}

// useServer points the client commands at a and restores the globals after
// the test
func useServer(t *testing.T, a *app, apiKey string) {
	t.Helper()
	prevServer, prevKey, prevFormat := viper.GetString("server"), viper.GetString("http.api_key"), outputFormat
	viper.Set("server", a.URL())
	viper.Set("http.api_key", apiKey)
	t.Cleanup(func() {
		viper.Set("server", prevServer)
		viper.Set("http.api_key", prevKey)
		viper.Set("client.ca_cert", "")
		outputFormat = prevFormat
	})
}

func TestAppRunsJobToCompletion(t *testing.T) {
	textfile := filepath.Join(t.TempDir(), "hellodriver.prom")
	cfg := testConfig(t, map[string]interface{}{
		"runtime.evaluators": 2,
		"metrics.textfile":   textfile,
	})
	a, err := newApp(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)

	status, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, runtime.StatusCompleted, status)

	snap := a.dispatcher.Snapshot()
	assert.Equal(t, models.PhaseStopped, snap.Phase)
	assert.Equal(t, "HelloREEF", snap.DriverID)
	assert.Len(t, snap.CompletedTasks, 2)
	assert.Empty(t, snap.Contexts)

	prom, err := os.ReadFile(textfile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), `driver_job_phase{phase="stopped"} 1`)
}

func TestAppTimesOut(t *testing.T) {
	cfg := testConfig(t, map[string]interface{}{
		"driver.job_timeout_ms": 50,
		"runtime.task_duration": "10s",
	})
	a, err := newApp(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)

	status, err := a.Run(context.Background())
	assert.ErrorIs(t, err, runtime.ErrJobTimeout)
	assert.Equal(t, runtime.StatusTimedOut, status)
	assert.Equal(t, 2, status.ExitCode())
	assert.Equal(t, models.PhaseFailed, a.dispatcher.Snapshot().Phase)
}

func TestAppServesBridgeWhileRunning(t *testing.T) {
	cfg := testConfig(t, map[string]interface{}{
		"runtime.task_duration": "30s",
		"http.api_key":          "s3cret",
	})
	a, err := newApp(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	useServer(t, a, "s3cret")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan runtime.Status, 1)
	go func() {
		status, _ := a.Run(ctx)
		done <- status
	}()

	require.Eventually(t, func() bool {
		return a.dispatcher.Snapshot().Phase == models.PhaseRunning
	}, 5*time.Second, 10*time.Millisecond)

	var out bytes.Buffer
	require.NoError(t, runStatus(&out))
	assert.Contains(t, out.String(), "HelloREEF")
	assert.Contains(t, out.String(), "running")

	out.Reset()
	require.NoError(t, runCommand(&out, "echo hello from the bridge"))
	assert.Contains(t, out.String(), "accepted")

	require.Eventually(t, func() bool {
		msgs := a.dispatcher.Snapshot().Messages
		return len(msgs) == 1 && msgs[0].Status == models.CommandSucceeded
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "hello from the bridge", strings.TrimSpace(a.dispatcher.Snapshot().Messages[0].Output))

	out.Reset()
	outputFormat = "json"
	require.NoError(t, runMessages(&out, "succeeded"))
	assert.Contains(t, out.String(), `"count": 1`)

	out.Reset()
	outputFormat = "table"
	require.NoError(t, runEvents(&out, 50, ""))
	assert.Contains(t, out.String(), "driver_started")

	require.Eventually(t, func() bool {
		out.Reset()
		return runEvents(&out, 50, "client_message") == nil && strings.Contains(out.String(), "client_message")
	}, 5*time.Second, 20*time.Millisecond)
	assert.NotContains(t, out.String(), "driver_started")
	assert.Error(t, runEvents(&out, 50, "driver_paused"))

	viper.Set("http.api_key", "wrong")
	err = runStatus(&out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")

	cancel()
	select {
	case status := <-done:
		assert.Equal(t, runtime.StatusCompleted, status)
	case <-time.After(10 * time.Second):
		t.Fatal("driver did not stop after cancellation")
	}
	assert.Equal(t, models.PhaseStopped, a.dispatcher.Snapshot().Phase)
}

func TestAppServesHTTPS(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := filepath.Join(dir, "bridge.crt"), filepath.Join(dir, "bridge.key")
	require.NoError(t, tlsutil.GenerateSelfSigned(certFile, keyFile, "hellodriver", time.Hour))

	cfg := testConfig(t, map[string]interface{}{
		"runtime.task_duration": "30s",
		"http.tls_cert_file":    certFile,
		"http.tls_key_file":     keyFile,
	})
	a, err := newApp(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	useServer(t, a, "")
	assert.True(t, strings.HasPrefix(a.URL(), "https://"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool {
		return a.dispatcher.Snapshot().Phase == models.PhaseRunning
	}, 5*time.Second, 10*time.Millisecond)

	var out bytes.Buffer
	// the system roots do not trust a self-signed bridge
	require.Error(t, runStatus(&out))

	viper.Set("client.ca_cert", certFile)
	require.NoError(t, runStatus(&out))
	assert.Contains(t, out.String(), "HelloREEF")
}

func TestNewAppRejectsBadHash(t *testing.T) {
	cfg := testConfig(t, map[string]interface{}{"http.api_key_hash": "plain"})
	_, err := newApp(context.Background(), cfg, logging.Discard())
	assert.Error(t, err)
}

func TestConfigHashKey(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runConfigHashKey(strings.NewReader("s3cret\n"), &out, nil))

	line := strings.TrimSpace(out.String())
	require.True(t, strings.HasPrefix(line, "api_key_hash: "))
	hash := strings.TrimPrefix(line, "api_key_hash: ")
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")))

	out.Reset()
	require.NoError(t, runConfigHashKey(nil, &out, []string{"other"}))
	assert.Contains(t, out.String(), "api_key_hash: $2")
}

func TestConfigShowRedactsSecrets(t *testing.T) {
	viper.Set("http.api_key", "s3cret")
	t.Cleanup(func() { viper.Set("http.api_key", "") })

	var out bytes.Buffer
	require.NoError(t, runConfigShow(&out))
	assert.Contains(t, out.String(), "id: HelloREEF")
	assert.Contains(t, out.String(), "job_timeout_ms: 300000")
	assert.NotContains(t, out.String(), "s3cret")
	assert.Contains(t, out.String(), redacted)
}

func TestExitError(t *testing.T) {
	err := &ExitError{Code: 2, Err: runtime.ErrJobTimeout}
	assert.ErrorIs(t, err, runtime.ErrJobTimeout)
	assert.Equal(t, "exit status 1", (&ExitError{Code: 1}).Error())
}
