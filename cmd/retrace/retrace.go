package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/go-kit/log"
	"github.com/spf13/afero"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/retrace/pkg/diagnostics"
	"github.com/grafana/retrace/pkg/iter"
	"github.com/grafana/retrace/pkg/mapping"
	"github.com/grafana/retrace/pkg/retrace"
	"github.com/grafana/retrace/pkg/stacktrace"
	"github.com/grafana/retrace/pkg/symbolizer"
	"github.com/grafana/retrace/pkg/util"
)

type retraceParams struct {
	mapping      string
	stacktrace   string
	regex        string
	template     string
	verbose      bool
	showHidden   bool
	ambiguity    string
	printMapping bool
	color        string
}

func addRetraceParams(cmd *kingpin.CmdClause) *retraceParams {
	params := &retraceParams{}
	cmd.Arg("mapping", "Mapping file, optionally gzip or zstd compressed.").Required().StringVar(&params.mapping)
	cmd.Arg("stacktrace", "Stack trace file. Reads stdin when omitted.").StringVar(&params.stacktrace)
	cmd.Flag("regex", "Regular expression with %c, %m, %s, %l ... placeholders matching stack trace lines.").StringVar(&params.regex)
	cmd.Flag("template", "Line template with %c, %m, %s, %l ... placeholders; other text matches literally.").StringVar(&params.template)
	cmd.Flag("verbose", "Print full method signatures and field types.").Default("false").BoolVar(&params.verbose)
	cmd.Flag("show-hidden", "Print synthesized, outline and rewritten frames.").Default("false").BoolVar(&params.showHidden)
	cmd.Flag("ambiguity", "How to print ambiguous frames: all or first.").EnumVar(&params.ambiguity, string(retrace.AllAlternatives), string(retrace.FirstAlternative))
	cmd.Flag("print-mapping", "Print the parsed mapping instead of retracing.").Default("false").BoolVar(&params.printMapping)
	cmd.Flag("color", "Highlight alternative frames: auto, always or never.").Default("auto").EnumVar(&params.color, "auto", "always", "never")
	return params
}

func (p *retraceParams) options(conf retrace.Options) retrace.Options {
	conf.Verbose = conf.Verbose || p.verbose
	conf.ShowHidden = conf.ShowHidden || p.showHidden
	if p.ambiguity != "" {
		conf.Ambiguity = retrace.AmbiguityPolicy(p.ambiguity)
	}
	return conf
}

func (p *retraceParams) parser(conf symbolizer.Config) (*stacktrace.Parser, error) {
	switch {
	case p.regex != "" && p.template != "":
		return nil, errors.New("--regex and --template are mutually exclusive")
	case p.template != "":
		return stacktrace.CompileTemplate(p.template)
	case p.regex != "":
		return stacktrace.CompileRegularExpression(p.regex)
	case conf.RegularExpression != "" && conf.RegularExpression != stacktrace.DefaultRegularExpression:
		return stacktrace.CompileRegularExpression(conf.RegularExpression)
	default:
		return stacktrace.Default(), nil
	}
}

func readModel(fs afero.Fs, path string, sink diagnostics.Sink) (*mapping.Model, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mapping: %w", err)
	}
	defer f.Close()

	data, err := symbolizer.Decompress(f)
	if err != nil {
		return nil, err
	}
	model, _, err := mapping.Parse(iter.NewLineIterator(bytes.NewReader(data)), sink)
	if err != nil {
		return nil, fmt.Errorf("parse mapping %s: %w", path, err)
	}
	return model, nil
}

func runRetrace(ctx context.Context, logger log.Logger, fs afero.Fs, conf symbolizer.Config, params *retraceParams, stdin io.Reader, stdout io.Writer) error {
	opts := params.options(conf.Retrace)
	if err := opts.Validate(); err != nil {
		return err
	}
	parser, err := params.parser(conf)
	if err != nil {
		return err
	}

	sink := diagnostics.NewLoggerSink(util.LoggerWithMapping(params.mapping, logger))
	model, err := readModel(fs, params.mapping, sink)
	if err != nil {
		return err
	}
	if params.printMapping {
		_, err := model.WriteTo(stdout)
		return err
	}

	in := io.NopCloser(stdin)
	if params.stacktrace != "" {
		f, err := fs.Open(params.stacktrace)
		if err != nil {
			return fmt.Errorf("open stack trace: %w", err)
		}
		in = f
	}

	session := retrace.NewSession(retrace.New(model, retrace.WithDiagnostics(sink)), parser, opts)
	lines := session.RetraceIterator(iter.NewLineIterator(in))
	defer lines.Close()

	out := newOutput(stdout, opts.OrMarker, params.color)
	for lines.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := out.WriteLine(lines.At()); err != nil {
			return err
		}
	}
	if err := lines.Err(); err != nil {
		return err
	}
	return out.Flush()
}
