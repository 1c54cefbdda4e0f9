package cmd

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/jobdriver/internal/config"
	tlsutil "github.com/psantana5/jobdriver/pkg/tls"
)

var version = "dev"

var (
	cfgFile      string
	outputFormat string
)

// ExitError carries a process exit code out of a command
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "hellodriver",
	Short: "Driver for the hello job with an HTTP status and control bridge",
	Long: `hellodriver runs a job on the local runtime, dispatching its lifecycle
events to bound handlers, and serves the job's status and an operator command
endpoint over HTTP. The client subcommands talk to a running driver.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.hellodriver/config.yaml)")
	rootCmd.PersistentFlags().String("server", "http://localhost:8080", "driver URL used by client commands")
	rootCmd.PersistentFlags().String("api-key", "", "bearer API key")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json or yaml")
	rootCmd.PersistentFlags().String("ca-cert", "", "CA certificate trusted by client commands")
	rootCmd.PersistentFlags().String("client-cert", "", "client certificate for mutual TLS")
	rootCmd.PersistentFlags().String("client-key", "", "client key for mutual TLS")

	viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	viper.BindPFlag("http.api_key", rootCmd.PersistentFlags().Lookup("api-key"))
	viper.BindPFlag("client.ca_cert", rootCmd.PersistentFlags().Lookup("ca-cert"))
	viper.BindPFlag("client.cert", rootCmd.PersistentFlags().Lookup("client-cert"))
	viper.BindPFlag("client.key", rootCmd.PersistentFlags().Lookup("client-key"))
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	config.BindEnv(viper.GetViper())
	if err := config.ReadFile(viper.GetViper(), cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serverURL() string {
	return strings.TrimRight(viper.GetString("server"), "/")
}

func httpClient() (*http.Client, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	caFile, certFile := viper.GetString("client.ca_cert"), viper.GetString("client.cert")
	if caFile == "" && certFile == "" {
		return client, nil
	}
	tlsConfig, err := tlsutil.ClientConfig(caFile, certFile, viper.GetString("client.key"))
	if err != nil {
		return nil, err
	}
	client.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	return client, nil
}

// newRequest creates a request carrying the configured API key
func newRequest(method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, serverURL()+path, body)
	if err != nil {
		return nil, err
	}
	if key := viper.GetString("http.api_key"); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	return req, nil
}

// do sends req and returns the body when the status is want
func do(req *http.Request, want int) ([]byte, error) {
	client, err := httpClient()
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach driver: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != want {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
