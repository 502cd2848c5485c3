// Package symbolizer serves retrace requests for mappings kept in object
// storage. Parsed mappings are cached and traces are retraced concurrently.
package symbolizer

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/thanos-io/objstore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/grafana/retrace/pkg/diagnostics"
	"github.com/grafana/retrace/pkg/iter"
	"github.com/grafana/retrace/pkg/mapping"
	"github.com/grafana/retrace/pkg/retrace"
	"github.com/grafana/retrace/pkg/stacktrace"
	"github.com/grafana/retrace/pkg/util"
)

type Config struct {
	CacheSize         int             `yaml:"cache_size"`
	MaxConcurrency    int             `yaml:"max_concurrency" category:"advanced"`
	RegularExpression string          `yaml:"regular_expression"`
	StoragePrefix     string          `yaml:"storage_prefix"`
	Retrace           retrace.Options `yaml:"retrace"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&cfg.CacheSize, "symbolizer.cache-size", 32, "Number of parsed mappings kept in memory.")
	f.IntVar(&cfg.MaxConcurrency, "symbolizer.max-concurrency", 10, "Maximum number of stack traces retraced concurrently per request.")
	f.StringVar(&cfg.RegularExpression, "symbolizer.regular-expression", stacktrace.DefaultRegularExpression, "Regular expression matching stack trace lines.")
	f.StringVar(&cfg.StoragePrefix, "symbolizer.storage-prefix", "mappings/", "Object storage prefix of mapping files.")
	cfg.Retrace.RegisterFlags(f)
}

func (cfg *Config) Validate() error {
	if cfg.CacheSize < 1 {
		return fmt.Errorf("invalid cache-size value, must be positive")
	}
	if cfg.MaxConcurrency < 1 {
		return fmt.Errorf("invalid max-concurrency value, must be positive")
	}
	if cfg.RegularExpression != "" {
		if _, err := stacktrace.CompileRegularExpression(cfg.RegularExpression); err != nil {
			return fmt.Errorf("invalid regular-expression: %w", err)
		}
	}
	return cfg.Retrace.Validate()
}

type Symbolizer struct {
	logger  log.Logger
	store   MappingStore
	parser  *stacktrace.Parser
	metrics *metrics
	cfg     Config

	cache *lru.Cache[string, *retrace.Retracer]
	// Used to deduplicate concurrent loads of the same mapping
	group singleflight.Group
}

func New(logger log.Logger, cfg Config, reg prometheus.Registerer, bucket objstore.Bucket) (*Symbolizer, error) {
	return NewWithStore(logger, cfg, reg, NewObjstoreMappingStore(bucket, cfg.StoragePrefix))
}

func NewWithStore(logger log.Logger, cfg Config, reg prometheus.Registerer, store MappingStore) (*Symbolizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	parser := stacktrace.Default()
	if cfg.RegularExpression != "" && cfg.RegularExpression != stacktrace.DefaultRegularExpression {
		p, err := stacktrace.CompileRegularExpression(cfg.RegularExpression)
		if err != nil {
			return nil, err
		}
		parser = p
	}

	s := &Symbolizer{
		logger:  logger,
		store:   store,
		parser:  parser,
		metrics: newMetrics(reg),
		cfg:     cfg,
	}
	cache, err := lru.NewWithEvict(cfg.CacheSize, func(key string, _ *retrace.Retracer) {
		s.metrics.cacheOperations.WithLabelValues("evict", statusSuccess).Inc()
		level.Debug(s.logger).Log("msg", "evicted mapping", "key", key)
	})
	if err != nil {
		return nil, err
	}
	s.cache = cache
	return s, nil
}

// Upload stores a mapping file and drops its parsed copy from the cache.
func (s *Symbolizer) Upload(ctx context.Context, key string, r io.Reader) error {
	if err := s.store.Put(ctx, key, r); err != nil {
		return fmt.Errorf("upload mapping %s: %w", key, err)
	}
	s.cache.Remove(key)
	s.metrics.cacheEntries.Set(float64(s.cache.Len()))
	return nil
}

// Retracer returns the retracer for the mapping stored under key.
func (s *Symbolizer) Retracer(ctx context.Context, key string) (*retrace.Retracer, error) {
	if _, err := sanitizeKey(key); err != nil {
		return nil, err
	}
	if r, ok := s.cache.Get(key); ok {
		s.metrics.cacheOperations.WithLabelValues("get", statusSuccess).Inc()
		return r, nil
	}
	s.metrics.cacheOperations.WithLabelValues("get", "miss").Inc()

	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		if r, ok := s.cache.Get(key); ok {
			return r, nil
		}
		// Shared by every waiter for key.
		r, err := s.load(context.WithoutCancel(ctx), key)
		if err != nil {
			return nil, err
		}
		s.add(key, r)
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*retrace.Retracer), nil
}

// RetracerForContent returns the retracer for a mapping given inline. The
// parsed mapping is cached by content.
func (s *Symbolizer) RetracerForContent(data []byte) (*retrace.Retracer, error) {
	key := "inline/" + strconv.FormatUint(xxhash.Sum64(data), 16)
	if r, ok := s.cache.Get(key); ok {
		s.metrics.cacheOperations.WithLabelValues("get", statusSuccess).Inc()
		return r, nil
	}
	s.metrics.cacheOperations.WithLabelValues("get", "miss").Inc()
	r, err := s.parse(key, data)
	if err != nil {
		return nil, err
	}
	s.add(key, r)
	return r, nil
}

func (s *Symbolizer) add(key string, r *retrace.Retracer) {
	s.cache.Add(key, r)
	s.metrics.cacheOperations.WithLabelValues("set", statusSuccess).Inc()
	s.metrics.cacheEntries.Set(float64(s.cache.Len()))
}

func (s *Symbolizer) load(ctx context.Context, key string) (_ *retrace.Retracer, err error) {
	start := time.Now()
	defer func() {
		s.metrics.mappingLoadDuration.WithLabelValues(errorStatus(err)).Observe(time.Since(start).Seconds())
	}()

	rc, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := readAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read mapping %s: %w", key, err)
	}
	return s.parse(key, data)
}

func (s *Symbolizer) parse(key string, data []byte) (*retrace.Retracer, error) {
	start := time.Now()
	compressedSize := len(data)
	data, compression, err := decompress(data)
	if err != nil {
		return nil, fmt.Errorf("mapping %s: %w", key, err)
	}
	s.metrics.mappingFileSize.WithLabelValues(compression).Observe(float64(len(data)))

	logger := util.LoggerWithMapping(key, s.logger)
	model, diags, err := mapping.Parse(iter.NewLineIterator(bytes.NewReader(data)), diagnostics.NewLoggerSink(logger))
	if err != nil {
		return nil, fmt.Errorf("parse mapping %s: %w", key, err)
	}
	s.metrics.mappingWarnings.Add(float64(len(diags)))

	level.Info(logger).Log(
		"msg", "loaded mapping",
		"size", humanize.Bytes(uint64(len(data))),
		"compressed_size", humanize.Bytes(uint64(compressedSize)),
		"compression", compression,
		"classes", model.Len(),
		"warnings", len(diags),
		"duration", time.Since(start),
	)
	return retrace.New(model, retrace.WithDiagnostics(diagnostics.NewLoggerSink(logger))), nil
}

// Retrace retraces one stack trace against the mapping stored under key.
func (s *Symbolizer) Retrace(ctx context.Context, key string, trace []string) ([]string, error) {
	r, err := s.Retracer(ctx, key)
	if err != nil {
		return nil, err
	}
	out, err := s.RetraceBatch(ctx, r, [][]string{trace})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// RetraceBatch retraces several independent stack traces concurrently.
// A trace that fails is left nil in the result and its error is part of
// the returned error; the other traces are still retraced.
func (s *Symbolizer) RetraceBatch(ctx context.Context, r *retrace.Retracer, traces [][]string) ([][]string, error) {
	session := retrace.NewSession(r, s.parser, s.cfg.Retrace)
	results := make([][]string, len(traces))

	var (
		mu   sync.Mutex
		errs *multierror.Error
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrency)

	for i, trace := range traces {
		i, trace := i, trace
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			start := time.Now()
			var out []string
			err := util.RecoverPanic(func() (err error) {
				out, err = session.Retrace(trace)
				return err
			})()
			s.metrics.traceRetrace.WithLabelValues(errorStatus(err)).Observe(time.Since(start).Seconds())
			s.metrics.linesTotal.Add(float64(len(trace)))
			if err != nil {
				level.Warn(s.logger).Log("msg", "failed to retrace stack trace", "trace", i, "err", err)
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("trace %d: %w", i, err))
				mu.Unlock()
				return nil
			}
			results[i] = out
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, errs.ErrorOrNil()
}

func errorStatus(err error) string {
	var parseErr *mapping.ParseError
	var descErr *mapping.InvalidDescriptorError
	switch {
	case err == nil:
		return statusSuccess
	case errors.Is(err, ErrMappingNotFound):
		return statusErrorNotFound
	case isInvalidMappingKeyError(err):
		return statusErrorInvalidKey
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return statusErrorCanceled
	case errors.Is(err, mapping.ErrBinaryInput), errors.As(err, &parseErr), errors.As(err, &descErr):
		return statusErrorParse
	default:
		return statusErrorOther
	}
}
