package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/go-kit/log/level"
	"github.com/prometheus/common/version"
	"github.com/spf13/afero"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/retrace/pkg/util"
)

var cfg struct {
	config string
	debug  bool
	quiet  bool
}

func main() {
	app := kingpin.New(filepath.Base(os.Args[0]), "Retrace obfuscated Java and Kotlin stack traces with R8 and ProGuard mapping files.").UsageWriter(os.Stdout)
	app.Version(version.Print("retrace"))
	app.HelpFlag.Short('h')
	app.Flag("config", "YAML configuration file.").StringVar(&cfg.config)
	app.Flag("debug", "Enable debug logging.").Default("false").BoolVar(&cfg.debug)
	app.Flag("quiet", "Only log errors. Mapping warnings are not printed.").Short('q').Default("false").BoolVar(&cfg.quiet)

	retraceCmd := app.Command("retrace", "Retrace a stack trace read from a file or stdin.").Default()
	retraceParams := addRetraceParams(retraceCmd)

	serveCmd := app.Command("serve", "Serve the retrace HTTP API.")
	serveParams := addServeParams(serveCmd)

	// parse command line arguments
	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	logger := util.NewLogger(os.Stderr, cfg.debug, cfg.quiet)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fs := afero.NewOsFs()
	conf, err := loadConfig(fs, cfg.config)
	if err != nil {
		os.Exit(checkError(err))
	}

	switch parsedCmd {
	case retraceCmd.FullCommand():
		if err := runRetrace(ctx, logger, fs, conf, retraceParams, os.Stdin, os.Stdout); err != nil {
			os.Exit(checkError(err))
		}
	case serveCmd.FullCommand():
		if err := runServe(ctx, logger, conf, serveParams); err != nil {
			os.Exit(checkError(err))
		}
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
	}
}

func checkError(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}
