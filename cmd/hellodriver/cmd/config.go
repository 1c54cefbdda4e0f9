package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/jobdriver/internal/config"
	"github.com/psantana5/jobdriver/pkg/auth"
	tlsutil "github.com/psantana5/jobdriver/pkg/tls"
)

const redacted = "********"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration and prepare API keys and certificates",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long: `Prints the configuration after merging defaults, the config file and
HELLODRIVER_ environment variables. Secrets are redacted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfigShow(cmd.OutOrStdout())
	},
}

var configHashKeyCmd = &cobra.Command{
	Use:   "hash-key [key]",
	Short: "Hash an API key for http.api_key_hash",
	Long: `Prints a bcrypt hash of the key for use as http.api_key_hash, so the plain
key never has to be stored in the driver's configuration. Without an argument
the key is read from stdin; with --generate a new random key is created and
printed alongside its hash.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfigHashKey(cmd.InOrStdin(), cmd.OutOrStdout(), args)
	},
}

var configGenCertCmd = &cobra.Command{
	Use:   "gen-cert [host...]",
	Short: "Generate a self-signed certificate for the HTTP bridge",
	Long: `Writes a self-signed certificate and key for http.tls_cert_file and
http.tls_key_file. localhost and the loopback addresses are always included;
extra hosts may be IPs or DNS names. Client commands trust it with --ca-cert.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := tlsutil.GenerateSelfSigned(certOut, keyOut, "hellodriver", certValidity, args...); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "tls_cert_file: %s\ntls_key_file: %s\n", certOut, keyOut)
		return nil
	},
}

var (
	generateKey  bool
	certOut      string
	keyOut       string
	certValidity time.Duration
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configHashKeyCmd)
	configCmd.AddCommand(configGenCertCmd)

	configHashKeyCmd.Flags().BoolVar(&generateKey, "generate", false, "generate a new random key")

	configGenCertCmd.Flags().StringVar(&certOut, "cert", "hellodriver.crt", "certificate output file")
	configGenCertCmd.Flags().StringVar(&keyOut, "key", "hellodriver.key", "key output file")
	configGenCertCmd.Flags().DurationVar(&certValidity, "valid-for", 365*24*time.Hour, "certificate lifetime")
}

func runConfigShow(out io.Writer) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if cfg.HTTP.APIKey != "" {
		cfg.HTTP.APIKey = redacted
	}
	if cfg.Journal.DSN != "" && cfg.Journal.Type != "sqlite" {
		cfg.Journal.DSN = redacted
	}

	if f := viper.ConfigFileUsed(); f != "" {
		fmt.Fprintf(out, "# loaded from %s\n", f)
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(cfg)
}

func runConfigHashKey(in io.Reader, out io.Writer, args []string) error {
	var key string
	switch {
	case generateKey:
		generated, err := auth.GenerateAPIKey()
		if err != nil {
			return err
		}
		key = generated
		fmt.Fprintf(out, "api_key: %s\n", key)
	case len(args) == 1:
		key = args[0]
	default:
		if f, ok := in.(*os.File); ok && f == os.Stdin {
			fmt.Fprint(os.Stderr, "API key: ")
		}
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && err != io.EOF {
			return fmt.Errorf("failed to read key: %w", err)
		}
		key = strings.TrimSpace(line)
	}

	hash, err := auth.HashKey(key)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "api_key_hash: %s\n", hash)
	return nil
}
