package symbolizer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-kit/log"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/thanos-io/objstore"
	"go.uber.org/goleak"

	"github.com/grafana/retrace/pkg/mapping"
	"github.com/grafana/retrace/pkg/retrace"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testMapping = `com.android.tools.r8.R8 -> a.b.c:
    3:3:boolean foo():7 -> a
com.example.Main -> a:
    void run() -> a
      # {"id":"com.android.tools.r8.residualsignature","signature":"(Q)V"}
    void ok() -> b
`

var testTrace = []string{
	`Exception in thread "main" java.lang.NullPointerException: Something happened`,
	"    at a.b.c.a(SourceFile:3)",
}

var wantTrace = []string{
	`Exception in thread "main" java.lang.NullPointerException: Something happened`,
	"    at com.android.tools.r8.R8.foo(R8.java:7)",
}

func testConfig() Config {
	return Config{CacheSize: 4, MaxConcurrency: 2, StoragePrefix: "mappings/"}
}

func newTestSymbolizer(t *testing.T, cfg Config) (*Symbolizer, objstore.Bucket) {
	t.Helper()
	bucket := objstore.NewInMemBucket()
	s, err := New(log.NewNopLogger(), cfg, prometheus.NewRegistry(), bucket)
	require.NoError(t, err)
	return s, bucket
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "valid", modify: func(*Config) {}},
		{name: "cache size", modify: func(c *Config) { c.CacheSize = 0 }, wantErr: "cache-size"},
		{name: "concurrency", modify: func(c *Config) { c.MaxConcurrency = 0 }, wantErr: "max-concurrency"},
		{name: "expression", modify: func(c *Config) { c.RegularExpression = "%x" }, wantErr: "regular-expression"},
		{name: "ambiguity", modify: func(c *Config) { c.Retrace.Ambiguity = "joined" }, wantErr: "ambiguity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func gzipped(t *testing.T, data string) []byte {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write([]byte(data))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func zstded(t *testing.T, data string) []byte {
	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf, zstd.WithEncoderConcurrency(1))
	require.NoError(t, err)
	_, err = w.Write([]byte(data))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestRetrace(t *testing.T) {
	tests := []struct {
		name string
		data func(t *testing.T) []byte
	}{
		{name: "plain", data: func(*testing.T) []byte { return []byte(testMapping) }},
		{name: "gzip", data: func(t *testing.T) []byte { return gzipped(t, testMapping) }},
		{name: "zstd", data: func(t *testing.T) []byte { return zstded(t, testMapping) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestSymbolizer(t, testConfig())
			ctx := context.Background()
			require.NoError(t, s.Upload(ctx, "app/1.0", bytes.NewReader(tt.data(t))))

			got, err := s.Retrace(ctx, "app/1.0", testTrace)
			require.NoError(t, err)
			require.Equal(t, wantTrace, got)
			require.Equal(t, float64(len(testTrace)), testutil.ToFloat64(s.metrics.linesTotal))
			require.Equal(t, 1, testutil.CollectAndCount(s.metrics.mappingFileSize))
		})
	}
}

func TestRetracerCache(t *testing.T) {
	s, _ := newTestSymbolizer(t, testConfig())
	ctx := context.Background()
	require.NoError(t, s.Upload(ctx, "app", strings.NewReader(testMapping)))

	first, err := s.Retracer(ctx, "app")
	require.NoError(t, err)
	second, err := s.Retracer(ctx, "app")
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, float64(1), testutil.ToFloat64(s.metrics.cacheOperations.WithLabelValues("get", "miss")))
	require.Equal(t, float64(1), testutil.ToFloat64(s.metrics.cacheOperations.WithLabelValues("get", statusSuccess)))
	require.Equal(t, float64(1), testutil.ToFloat64(s.metrics.cacheEntries))

	require.NoError(t, s.Upload(ctx, "app", strings.NewReader("com.example.Other -> a.b.c:\n")))
	require.Equal(t, float64(0), testutil.ToFloat64(s.metrics.cacheEntries))
	third, err := s.Retracer(ctx, "app")
	require.NoError(t, err)
	require.NotSame(t, first, third)
	require.Equal(t, "com.example.Other", third.RetraceClass("a.b.c").Name())
}

func TestCacheEviction(t *testing.T) {
	cfg := testConfig()
	cfg.CacheSize = 1
	s, _ := newTestSymbolizer(t, cfg)
	ctx := context.Background()
	require.NoError(t, s.Upload(ctx, "one", strings.NewReader(testMapping)))
	require.NoError(t, s.Upload(ctx, "two", strings.NewReader(testMapping)))

	_, err := s.Retracer(ctx, "one")
	require.NoError(t, err)
	_, err = s.Retracer(ctx, "two")
	require.NoError(t, err)
	require.Equal(t, float64(1), testutil.ToFloat64(s.metrics.cacheOperations.WithLabelValues("evict", statusSuccess)))
	require.Equal(t, float64(1), testutil.ToFloat64(s.metrics.cacheEntries))
}

func TestRetracerErrors(t *testing.T) {
	s, bucket := newTestSymbolizer(t, testConfig())
	ctx := context.Background()

	_, err := s.Retracer(ctx, "missing")
	require.ErrorIs(t, err, ErrMappingNotFound)
	require.Equal(t, statusErrorNotFound, errorStatus(err))

	for _, key := range []string{"", "../etc/passwd", "a//b", "a/./b", "a b"} {
		_, err = s.Retracer(ctx, key)
		require.True(t, isInvalidMappingKeyError(err), key)
		require.Equal(t, statusErrorInvalidKey, errorStatus(err), key)
	}

	require.NoError(t, bucket.Upload(ctx, "mappings/binary", bytes.NewReader([]byte("\x00\x01\x02"))))
	_, err = s.Retracer(ctx, "binary")
	require.ErrorIs(t, err, mapping.ErrBinaryInput)
	require.Equal(t, statusErrorParse, errorStatus(err))
}

type countingStore struct {
	MappingStore
	gets atomic.Int32
}

func (s *countingStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	s.gets.Add(1)
	return s.MappingStore.Get(ctx, key)
}

func TestConcurrentLoad(t *testing.T) {
	store := &countingStore{MappingStore: NewObjstoreMappingStore(objstore.NewInMemBucket(), "mappings/")}
	s, err := NewWithStore(log.NewNopLogger(), testConfig(), nil, store)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Upload(ctx, "app", strings.NewReader(testMapping)))

	var wg sync.WaitGroup
	results := make([]*retrace.Retracer, 8)
	errs := make([]error, len(results))
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.Retracer(ctx, "app")
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	for _, r := range results[1:] {
		require.Same(t, results[0], r)
	}
	require.Equal(t, int32(1), store.gets.Load())
}

type blockingStore struct {
	MappingStore
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (s *blockingStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	s.once.Do(func() { close(s.started) })
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.MappingStore.Get(ctx, key)
}

func TestLoadSurvivesCancelledCaller(t *testing.T) {
	store := &blockingStore{
		MappingStore: NewObjstoreMappingStore(objstore.NewInMemBucket(), "mappings/"),
		started:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	s, err := NewWithStore(log.NewNopLogger(), testConfig(), nil, store)
	require.NoError(t, err)
	require.NoError(t, s.Upload(context.Background(), "app", strings.NewReader(testMapping)))

	ctx, cancel := context.WithCancel(context.Background())
	var (
		wg               sync.WaitGroup
		first, second    *retrace.Retracer
		firstErr, sndErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		first, firstErr = s.Retracer(ctx, "app")
	}()
	<-store.started
	cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		second, sndErr = s.Retracer(context.Background(), "app")
	}()
	close(store.release)
	wg.Wait()

	require.NoError(t, firstErr)
	require.NoError(t, sndErr)
	require.Same(t, first, second)
}

func TestErrorStatus(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want string
	}{
		{err: nil, want: statusSuccess},
		{err: mappingNotFoundError{key: "a"}, want: statusErrorNotFound},
		{err: invalidMappingKeyError{key: "a b"}, want: statusErrorInvalidKey},
		{err: fmt.Errorf("load: %w", context.Canceled), want: statusErrorCanceled},
		{err: mapping.ErrBinaryInput, want: statusErrorParse},
		{err: fmt.Errorf("parse mapping app: %w", &mapping.ParseError{Line: 3, Message: "reading mapping", Err: io.ErrUnexpectedEOF}), want: statusErrorParse},
		{err: &mapping.InvalidDescriptorError{Descriptor: "(Q)V", Reason: "unexpected 'Q'"}, want: statusErrorParse},
		{err: errors.New("boom"), want: statusErrorOther},
	} {
		require.Equal(t, tc.want, errorStatus(tc.err), fmt.Sprint(tc.err))
	}
}

func TestRetraceBatch(t *testing.T) {
	s, _ := newTestSymbolizer(t, testConfig())
	r, err := s.RetracerForContent([]byte(testMapping))
	require.NoError(t, err)

	traces := [][]string{
		testTrace,
		{"java.lang.IllegalStateException", "    at a.a(SourceFile:1)"},
		{"    at a.b(SourceFile:4)"},
		{"no frames here"},
	}
	got, err := s.RetraceBatch(context.Background(), r, traces)
	require.Error(t, err)
	require.ErrorContains(t, err, "trace 1")
	var descErr *mapping.InvalidDescriptorError
	require.True(t, errors.As(err, &descErr))

	require.Equal(t, [][]string{
		wantTrace,
		nil,
		{"    at com.example.Main.ok(Main.java:4)"},
		{"no frames here"},
	}, got)
	require.Equal(t, 2, testutil.CollectAndCount(s.metrics.traceRetrace))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.RetraceBatch(ctx, r, traces)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRetracerForContent(t *testing.T) {
	s, _ := newTestSymbolizer(t, testConfig())
	first, err := s.RetracerForContent([]byte(testMapping))
	require.NoError(t, err)
	second, err := s.RetracerForContent(gzipped(t, testMapping))
	require.NoError(t, err)
	require.NotSame(t, first, second)
	third, err := s.RetracerForContent([]byte(testMapping))
	require.NoError(t, err)
	require.Same(t, first, third)
}

func TestStoreKeys(t *testing.T) {
	store := NewObjstoreMappingStore(objstore.NewInMemBucket(), "mappings/")
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "app/1.0", strings.NewReader(testMapping)))
	require.NoError(t, store.Put(ctx, "app/2.0", strings.NewReader(testMapping)))
	require.NoError(t, store.Put(ctx, "other", strings.NewReader(testMapping)))

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"app/1.0", "app/2.0", "other"}, keys)

	require.Error(t, store.Put(ctx, "../escape", strings.NewReader("")))
}

func TestDecompress(t *testing.T) {
	for name, data := range map[string][]byte{
		"plain": []byte(testMapping),
		"gzip":  gzipped(t, testMapping),
		"zstd":  zstded(t, testMapping),
	} {
		got, err := Decompress(bytes.NewReader(data))
		require.NoError(t, err, name)
		require.Equal(t, testMapping, string(got), name)
	}
}
