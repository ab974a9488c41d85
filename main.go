// Command poseoverlay draws human pose keypoints onto videos.
//
// Usage:
//
//	poseoverlay serve [-config config.yaml]     # web UI and HTTP API
//	poseoverlay process [flags] input [output]  # annotate files offline
//	poseoverlay version
//	poseoverlay health [-addr http://localhost:8501]
//
// Dropping video files onto the executable processes them with the defaults.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"poseoverlay/internal/config"
)

// Set at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if 2 > len(os.Args) {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		os.Exit(runServe(os.Args[2:]))
	case "process":
		os.Exit(runProcess(os.Args[2:]))
	case "version":
		printVersion()
	case "health":
		os.Exit(runHealthCheck(os.Args[2:]))
	case "help", "-h", "--help":
		printUsage()
	default:
		if isFile(os.Args[1]) {
			os.Exit(runProcess(os.Args[1:]))
		}

		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return nil == err && info.Mode().IsRegular()
}

// loadConfig loads the configuration or exits.
func loadConfig(path string) *config.Config {
	cfg, err := config.NewLoader().WithConfigPath(path).Load()
	if nil != err {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	return cfg
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	_ = fs.Parse(args)

	cfg := loadConfig(*configPath)

	logger, err := initLogger(cfg.Log)
	if nil != err {
		fmt.Fprintf(os.Stderr, "Failed to init logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting poseoverlay",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	server, err := NewServer(cfg, logger)
	if nil != err {
		logger.Error("failed to build server", zap.Error(err))
		return 1
	}

	if err := server.Start(); nil != err {
		logger.Error("failed to start server", zap.Error(err))
		server.Shutdown()
		return 1
	}

	if err := server.WaitForShutdown(); nil != err {
		logger.Error("server stopped with error", zap.Error(err))
		return 1
	}

	logger.Info("poseoverlay stopped")
	return 0
}

func runHealthCheck(args []string) int {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8501", "Server address")
	_ = fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(strings.TrimSuffix(*addr, "/") + "/health")
	if nil != err {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if http.StatusOK != resp.StatusCode {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	fmt.Println("OK")
	return 0
}

func printVersion() {
	fmt.Printf("poseoverlay %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`poseoverlay - draw pose keypoints onto videos

Usage:
  poseoverlay <command> [options]

Commands:
  serve     Start the web UI and HTTP API
  process   Annotate video files offline
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve':
  -config <path>   Path to configuration file (YAML)

Options for 'process':
  -config <path>          Path to configuration file (YAML)
  -keypoints <names>      Comma separated keypoint names (default: all)
  -line-color <#RRGGBB>   Connection color (default: #FF0000)
  -line-thickness <n>     Connection thickness 1-10 (default: 2)
  -keypoint-color <hex>   Marker color (default: #00FF00)
  -keypoint-size <n>      Marker radius 1-20 (default: 5)

Environment variables POSEOVERLAY_<SECTION>_<FIELD> override the config file,
e.g. POSEOVERLAY_SERVER_HTTP_PORT=9000.

Examples:
  poseoverlay serve -config /etc/poseoverlay/config.yaml
  poseoverlay process -keypoints "Left Shoulder,Right Shoulder" dance.mp4
  poseoverlay health -addr http://localhost:8501`)
}

func initLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if nil != err {
		return nil, err
	}

	var zapCfg zap.Config
	if "console" == cfg.Format {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
		zapCfg.EncoderConfig.TimeKey = "timestamp"
		zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapCfg.Level = zap.NewAtomicLevelAt(level)
	if 0 < len(cfg.OutputPaths) {
		zapCfg.OutputPaths = cfg.OutputPaths
	}

	return zapCfg.Build()
}
