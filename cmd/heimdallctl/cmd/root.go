package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/heimdall/internal/config"
	"github.com/austindbirch/heimdall/internal/event"
	"github.com/austindbirch/heimdall/internal/heimdall"
	"github.com/austindbirch/heimdall/internal/logging"
	"github.com/austindbirch/heimdall/internal/queue"
	"github.com/austindbirch/heimdall/internal/transport"
)

const ingestPath = "/api/telemetry/ingest"

var (
	cfgFile    string
	serverURL  string
	timeout    time.Duration
	queuePath  string
	outputJSON bool
	prettyJSON bool
	compress   bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "heimdallctl",
	Short: "Heimdall CLI - emit and inspect telemetry",
	Long: `Heimdall CLI (heimdallctl) is a command line tool for the Heimdall
telemetry pipeline.

You can use it to emit traces and events through the durable client queue,
inspect, flush or purge that queue, read stored traces back from the
ingestion service and check its health.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.heimdallctl.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "ingestion service base URL")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	rootCmd.PersistentFlags().StringVar(&queuePath, "queue", defaultQueuePath(), "durable queue file")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&prettyJSON, "pretty", false, "use jq for pretty JSON formatting (requires jq)")
	rootCmd.PersistentFlags().BoolVar(&compress, "gzip", false, "gzip request bodies")

	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	_ = viper.BindPFlag("queue", rootCmd.PersistentFlags().Lookup("queue"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("pretty", rootCmd.PersistentFlags().Lookup("pretty"))
	_ = viper.BindPFlag("gzip", rootCmd.PersistentFlags().Lookup("gzip"))
}

func defaultQueuePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "heimdall-queue.json")
	}
	return filepath.Join(dir, "heimdall", "queue.json")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".heimdallctl")
	}

	viper.SetEnvPrefix("HEIMDALLCTL")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	// Override global variables with config values if flags weren't explicitly set
	flags := rootCmd.PersistentFlags()
	if !flags.Changed("server") {
		if s := viper.GetString("server"); s != "" {
			serverURL = s
		}
	}
	if !flags.Changed("timeout") {
		if d := viper.GetDuration("timeout"); d > 0 {
			timeout = d
		}
	}
	if !flags.Changed("queue") {
		if q := viper.GetString("queue"); q != "" {
			queuePath = q
		}
	}
	if !flags.Changed("json") {
		outputJSON = viper.GetBool("json")
	}
	if !flags.Changed("pretty") {
		prettyJSON = viper.GetBool("pretty")
	}
	if !flags.Changed("gzip") {
		compress = viper.GetBool("gzip")
	}
}

// clientConfig is the queueing emitter configuration the CLI runs with
func clientConfig() config.Client {
	cfg := config.FromEnv().Client
	cfg.Endpoint = strings.TrimRight(serverURL, "/") + ingestPath
	cfg.QueuePath = queuePath
	cfg.RequestTimeout = timeout
	cfg.Compress = compress
	return cfg
}

func ensureQueueDir() error {
	if err := os.MkdirAll(filepath.Dir(queuePath), 0o755); err != nil {
		return fmt.Errorf("create queue directory: %w", err)
	}
	return nil
}

// newClient builds an edge-runtime emitter over the CLI's queue file
func newClient(cmd *cobra.Command) (*heimdall.Client, error) {
	if err := ensureQueueDir(); err != nil {
		return nil, err
	}
	return heimdall.New(cmd.Context(), heimdall.Options{
		Runtime:        event.RuntimeEdge,
		Client:         clientConfig(),
		PersistOnClose: true,
		Logger:         logging.New("heimdallctl").SetOutput(cmd.ErrOrStderr()).SetLevel(logging.LevelWarn),
		ConsoleOut:     cmd.ErrOrStderr(),
	})
}

// openQueue opens the CLI's queue file without starting a flush loop
func openQueue(cmd *cobra.Command) *queue.Queue {
	cfg := clientConfig()
	log := logging.New("heimdallctl").SetOutput(cmd.ErrOrStderr()).SetLevel(logging.LevelWarn)
	sender := transport.NewHTTPSender(transport.Config{
		Endpoint: cfg.Endpoint,
		Timeout:  cfg.RequestTimeout,
		Compress: cfg.Compress,
	}, log)
	return queue.New(queue.NewFileStorage(cfg.QueuePath, cfg.QueueMaxBytes), sender, queue.Config{
		MaxBatchSize: cfg.MaxBatchSize,
		MaxAttempts:  cfg.MaxAttempts,
	}, log)
}

// makeHTTPRequest makes an HTTP request to the ingestion service
func makeHTTPRequest(method, path string, body any) (*http.Response, error) {
	client := &http.Client{Timeout: timeout}

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	url := strings.TrimRight(serverURL, "/") + path
	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return client.Do(req)
}

// checkJQAvailable checks if jq is available in PATH
func checkJQAvailable() bool {
	_, err := exec.LookPath("jq")
	return err == nil
}

// formatWithJQ formats JSON using jq for pretty printing
func formatWithJQ(jsonData []byte) (string, error) {
	if !checkJQAvailable() {
		return "", fmt.Errorf("jq not found in PATH")
	}

	cmd := exec.Command("jq", ".")
	cmd.Stdin = bytes.NewReader(jsonData)

	var out bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("jq formatting failed: %s", stderr.String())
	}

	return out.String(), nil
}

// printOutput prints v in the requested format
func printOutput(w io.Writer, v any) {
	if !outputJSON {
		fmt.Fprintf(w, "%+v\n", v)
		return
	}

	if prettyJSON {
		jsonData, err := json.Marshal(v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error marshaling to JSON: %v\n", err)
			return
		}
		formatted, jqErr := formatWithJQ(jsonData)
		if jqErr == nil {
			fmt.Fprint(w, formatted)
			return
		}
		// Fall back to standard pretty printing if jq fails
		fmt.Fprintf(os.Stderr, "Warning: %v, falling back to standard formatting\n", jqErr)
	}

	jsonData, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling to JSON: %v\n", err)
		return
	}
	fmt.Fprintln(w, string(jsonData))
}

// parsePayload parses a JSON object given on the command line
func parsePayload(jsonStr string) (map[string]any, error) {
	if jsonStr == "" {
		return nil, nil
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return data, nil
}
