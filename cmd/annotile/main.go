// Package main is the entry point for annotile, a command-line client for the
// tile-keyed annotation cache.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/soma-tiles/annotations/internal/annotation"
	"github.com/soma-tiles/annotations/internal/api"
	"github.com/soma-tiles/annotations/internal/config"
	"github.com/soma-tiles/annotations/internal/logger"
	"github.com/soma-tiles/annotations/internal/service"
	"github.com/soma-tiles/annotations/internal/tile"
)

const usage = `Usage: annotile <command> [flags] [args]

Commands:
  get <key>...             Load tiles ("level,x,y") and print their annotations
  post <type> <json>       Apply a write, modify or remove mutation
  locate <x> <y>           Print the tile/bin slots of a position
  serve                    Run the local HTTP bridge

Run "annotile <command> --help" for command flags.
`

var errUsage = errors.New("invalid usage")

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		fmt.Fprint(stdout, usage)
		return 0
	}

	var cmd func(args []string, stdin io.Reader, stdout io.Writer) error
	switch args[0] {
	case "get":
		cmd = runGet
	case "post":
		cmd = runPost
	case "locate":
		cmd = runLocate
	case "serve":
		cmd = func(args []string, _ io.Reader, _ io.Writer) error { return runServe(args) }
	default:
		fmt.Fprintf(stderr, "error: unknown command %q\n\n%s", args[0], usage)
		return 2
	}

	if err := cmd(args[1:], stdin, stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, "error:", err)
		if errors.Is(err, errUsage) {
			return 2
		}
		return 1
	}
	return 0
}

// commonFlags are shared by every subcommand.
type commonFlags struct {
	configPath string
	logLevel   string
}

func newFlagSet(name string, stdout io.Writer) (*flag.FlagSet, *commonFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stdout)
	c := &commonFlags{}
	fs.StringVarP(&c.configPath, "config", "c", "config/annotile.yaml", "Path to configuration file")
	fs.StringVar(&c.logLevel, "log-level", "", "Override the configured log level")
	return fs, c
}

// setup loads configuration and builds the service. Command output goes to
// stdout, so logs go to stderr.
func (c *commonFlags) setup(logOutput string) (*config.Config, *zap.Logger, *service.AnnotationService, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}

	log, err := logger.NewTo(cfg.Log.Level, logOutput)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	svc, err := service.NewFromConfig(cfg, log)
	if err != nil {
		log.Sync()
		return nil, nil, nil, fmt.Errorf("failed to initialize annotation service: %w", err)
	}
	return cfg, log, svc, nil
}

func runGet(args []string, _ io.Reader, stdout io.Writer) error {
	fs, common := newFlagSet("get", stdout)
	wait := fs.Duration("wait", 0, "How long to wait for tiles (default: bridge wait timeout)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("%w: get needs at least one tile key", errUsage)
	}

	keys := make([]tile.Key, 0, fs.NArg())
	for _, s := range fs.Args() {
		key, err := tile.ParseKey(s)
		if err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		keys = append(keys, key)
	}

	cfg, log, svc, err := common.setup("stderr")
	if err != nil {
		return err
	}
	defer log.Sync()
	defer svc.Close()

	timeout := *wait
	if timeout <= 0 {
		timeout = cfg.Bridge.WaitTimeout()
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	loaded, pending, err := svc.LoadTiles(ctx, keys)
	if err != nil {
		return err
	}

	resp := api.TilesResponse{Tiles: make([]api.TileResponse, 0, len(loaded)), Pending: pending}
	if resp.Pending == nil {
		resp.Pending = []tile.Key{}
	}
	for _, e := range loaded {
		resp.Tiles = append(resp.Tiles, api.TileResponse{Key: e.Key, Data: e.Bins})
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return err
	}
	if len(pending) > 0 {
		return fmt.Errorf("%d tile(s) still loading after %s", len(pending), timeout)
	}
	return nil
}

func runPost(args []string, stdin io.Reader, stdout io.Writer) error {
	fs, common := newFlagSet("post", stdout)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		return fmt.Errorf("%w: post needs a type and an annotation (or - for stdin)", errUsage)
	}
	kind, err := annotation.ParseKind(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	var raw []byte
	if fs.NArg() == 1 || fs.Arg(1) == "-" {
		raw, err = io.ReadAll(stdin)
		if err != nil {
			return fmt.Errorf("read annotation: %w", err)
		}
	} else {
		raw = []byte(fs.Arg(1))
	}
	m, err := annotation.DecodeMutation(string(kind), raw)
	if err != nil {
		return err
	}

	_, log, svc, err := common.setup("stderr")
	if err != nil {
		return err
	}
	defer log.Sync()

	defer svc.Close()

	if err := svc.Apply(context.Background(), m); err != nil {
		return err
	}
	svc.Wait()
	if failed, _ := svc.Stats()["mutations_failed"].(int); failed > 0 {
		return fmt.Errorf("server rejected %s mutation", kind)
	}
	fmt.Fprintf(stdout, "%s posted\n", kind)
	return nil
}

func runLocate(args []string, _ io.Reader, stdout io.Writer) error {
	fs, common := newFlagSet("locate", stdout)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("%w: locate needs x and y", errUsage)
	}
	x, errX := strconv.ParseFloat(fs.Arg(0), 64)
	y, errY := strconv.ParseFloat(fs.Arg(1), 64)
	if errX != nil || errY != nil {
		return fmt.Errorf("%w: x and y must be numbers", errUsage)
	}

	_, log, svc, err := common.setup("stderr")
	if err != nil {
		return err
	}
	defer log.Sync()
	defer svc.Close()

	locs := svc.Locate(annotation.Annotation{X: x, Y: y})
	if len(locs) == 0 {
		return fmt.Errorf("position %g,%g is outside the pyramid", x, y)
	}
	var b strings.Builder
	for _, l := range locs {
		fmt.Fprintf(&b, "%s\t%s\n", l.Tile, l.Bin)
	}
	_, err = io.WriteString(stdout, b.String())
	return err
}

func runServe(args []string) error {
	fs, common := newFlagSet("serve", os.Stdout)
	port := fs.Int("port", 0, "Bridge port (default: configured port)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, log, svc, err := common.setup("stdout")
	if err != nil {
		return err
	}
	defer log.Sync()
	defer svc.Close()

	if *port > 0 {
		cfg.Bridge.Port = *port
	}

	router := api.NewRouter(api.RouterConfig{
		Service:     svc,
		CORSOrigins: cfg.Bridge.CORSOrigins,
		WaitTimeout: cfg.Bridge.WaitTimeout(),
		Logger:      log.Named("bridge"),
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Bridge.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Bridge.WaitTimeout() + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("bridge listening",
			zap.Int("port", cfg.Bridge.Port),
			zap.String("upstream", cfg.Server.BaseURL),
			zap.String("layer", cfg.Server.Layer),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("bridge failed: %w", err)
	}

	log.Info("shutting down bridge")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("bridge forced to shutdown", zap.Error(err))
	}

	log.Info("bridge stopped")
	return nil
}
