// Command httpcached runs a standalone RFC 7234 caching HTTP proxy in front
// of a single forward host, wiring httpcache.CachingExecutor to a listener.
package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/net/http2"

	"github.com/cachekit/httpcache"
	"github.com/cachekit/httpcache/layer"
)

// Config is the structure for the configuration file.
type Config struct {
	Listen  ListenConfig  `mapstructure:"listen_config"`
	Forward ForwardConfig `mapstructure:"forward_config"`
	Cache   CacheConfig   `mapstructure:"cache_config"`
	Storage StorageConfig `mapstructure:"storage_config"`
}

type ListenConfig struct {
	Address     string          `mapstructure:"address"`
	EnableTLS   bool            `mapstructure:"tls"`
	TLSAddress  string          `mapstructure:"tls_address"`
	TLSCerts    []TLSCertConfig `mapstructure:"tls_certs"`
	EnableHTTP2 bool            `mapstructure:"http2"`
}

type TLSCertConfig struct {
	CertificatePath string `mapstructure:"cert"`
	KeyPath         string `mapstructure:"key"`
}

type ForwardConfig struct {
	Host        string `mapstructure:"host"`
	TLS         bool   `mapstructure:"tls"`
	EnableHTTP2 bool   `mapstructure:"http2"`
}

type CacheConfig struct {
	MaxObjectSize              int64 `mapstructure:"max_object_size"`
	SharedCache                bool  `mapstructure:"shared_cache"`
	Caching303Enabled          bool  `mapstructure:"cache_303_enabled"`
	NeverCacheHTTP10WithQuery  bool  `mapstructure:"never_cache_http10_with_query"`
	WeakETagOnPutDeleteAllowed bool  `mapstructure:"weak_etag_on_put_delete_allowed"`
	AsyncRevalidationWorkers   int   `mapstructure:"async_revalidation_workers"`
}

// StorageConfig selects and sizes the layer.CacheLayer backing the cache.
// A non-empty DiskPath layers a LevelDBCacheLayer under the in-memory tier
// so a disk-backed cold tier backs the in-memory hot tier.
type StorageConfig struct {
	MemoryBytes int    `mapstructure:"memory_bytes"`
	DiskPath    string `mapstructure:"disk_path"`
	JanitorCron string `mapstructure:"janitor_cron"`
}

func (c CacheConfig) toRealCacheConfig(revalidator *httpcache.AsyncRevalidator) *httpcache.CacheConfig {
	cfg := httpcache.NewCacheConfig()
	if c.MaxObjectSize > 0 {
		cfg.MaxObjectSize = c.MaxObjectSize
	}
	cfg.SharedCache = c.SharedCache
	cfg.Caching303Enabled = c.Caching303Enabled
	cfg.NeverCacheHTTP10WithQuery = c.NeverCacheHTTP10WithQuery
	cfg.WeakETagOnPutDeleteAllowed = c.WeakETagOnPutDeleteAllowed
	cfg.AsyncRevalidator = revalidator
	return cfg
}

func init() {
	viper.SetDefault("listen_config.address", ":8080")
	viper.SetDefault("cache_config.max_object_size", httpcache.DefaultMaxObjectSize)
	viper.SetDefault("cache_config.shared_cache", true)
	viper.SetDefault("cache_config.never_cache_http10_with_query", true)
	viper.SetDefault("cache_config.async_revalidation_workers", 4)
	viper.SetDefault("storage_config.memory_bytes", 128*1024*1024)
	viper.SetDefault("storage_config.janitor_cron", "@every 1m")
}

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	var config Config
	if err := initConfig(&config); err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	errChan := make(chan error, 1)

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		errChan <- fmt.Errorf("interrupted")
	}()

	if err := startServer(ctx, &config, log, errChan, &wg); err != nil {
		log.WithError(err).Fatal("failed to start server")
	}

	if err := <-errChan; err != nil {
		log.WithError(err).Warn("shutting down")
	}

	cancel()
	wg.Wait()
	log.Info("exited")
}

func startServer(ctx context.Context, config *Config, log *logrus.Logger, errChan chan error, wg *sync.WaitGroup) error {
	storageLayer, closeLayer, err := buildStorageLayer(&config.Storage, log)
	if err != nil {
		return err
	}

	revalidator := httpcache.NewAsyncRevalidator(config.Cache.AsyncRevalidationWorkers, log)
	revalidator.Start()

	cache := httpcache.NewHttpCache(storageLayer)
	cacheConfig := config.Cache.toRealCacheConfig(revalidator)

	transport, err := buildOriginTransport(&config.Forward)
	if err != nil {
		return err
	}
	proceed := httpcache.NewOriginProceed(transport)

	executor := httpcache.NewCachingExecutor(cache, storageLayer, cacheConfig, log)

	if spec := config.Storage.JanitorCron; spec != "" {
		startJanitor(ctx, spec, log, storageLayer, executor)
	}

	handler := forwardingHandler(config.Forward, executor, proceed, log)

	httpServer := &http.Server{Handler: handler}

	listener, err := net.Listen("tcp", config.Listen.Address)
	if err != nil {
		return err
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.WithField("addr", listener.Addr().String()).Info("listening for http")
		if err := httpServer.Serve(listener); err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	if config.Listen.EnableTLS {
		tlsConfig, err := buildTLSConfig(config.Listen.TLSCerts)
		if err != nil {
			return err
		}
		if config.Listen.EnableHTTP2 {
			if err := http2.ConfigureServer(httpServer, nil); err != nil {
				return err
			}
		}
		tlsListener, err := tls.Listen("tcp", config.Listen.TLSAddress, tlsConfig)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.WithField("addr", tlsListener.Addr().String()).Info("listening for https")
			if err := httpServer.Serve(tlsListener); err != http.ErrServerClosed {
				errChan <- err
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		httpServer.Shutdown(context.Background())
		revalidator.Stop()
		if closeLayer != nil {
			closeLayer()
		}
	}()

	return nil
}

// forwardingHandler builds the HTTP handler run in front of the executor,
// turning an inbound request into a rewritten backend request plus a
// Proceed call.
func forwardingHandler(forward ForwardConfig, executor *httpcache.CachingExecutor, proceed httpcache.Proceed, log *logrus.Logger) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		outreq := req.Clone(req.Context())
		outreq.URL.Host = forward.Host
		if forward.TLS {
			outreq.URL.Scheme = "https"
		} else {
			outreq.URL.Scheme = "http"
		}
		outreq.RequestURI = ""

		rc := httpcache.NewRequestContext(httpcache.Scope{Route: req.URL.Path})
		resp, err := executor.Execute(req.Context(), outreq, proceed, rc)
		if err != nil {
			log.WithError(err).Error("request failed")
			http.Error(rw, "bad gateway", http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		log.WithField(httpcache.ResponseStatusAttribute, rc.ResponseStatus()).Debug("request served")

		for name, values := range resp.Header {
			for _, v := range values {
				rw.Header().Add(name, v)
			}
		}
		rw.WriteHeader(resp.StatusCode)
		buf := make([]byte, 32*1024)
		for {
			n, rerr := resp.Body.Read(buf)
			if n > 0 {
				if _, werr := rw.Write(buf[:n]); werr != nil {
					return
				}
			}
			if rerr != nil {
				return
			}
		}
	})
}

func buildOriginTransport(forward *ForwardConfig) (http.RoundTripper, error) {
	pool, err := x509.SystemCertPool()
	if err != nil {
		return nil, err
	}
	if forward.EnableHTTP2 {
		return &http2.Transport{TLSClientConfig: &tls.Config{RootCAs: pool}}, nil
	}
	return &http.Transport{
		TLSClientConfig:    &tls.Config{RootCAs: pool},
		DisableCompression: true,
	}, nil
}

func buildTLSConfig(certs []TLSCertConfig) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	for _, c := range certs {
		cert, err := tls.LoadX509KeyPair(c.CertificatePath, c.KeyPath)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = append(cfg.Certificates, cert)
	}
	return cfg, nil
}

// buildStorageLayer stacks a LevelDBCacheLayer behind an InMemoryCacheLayer
// when a disk path is configured, otherwise it runs the in-memory layer
// alone. The two tiers compose through layer.TieredCacheLayer, which reads
// hot-then-cold and writes to both.
func buildStorageLayer(storage *StorageConfig, log *logrus.Logger) (layer.CacheLayer, func(), error) {
	memory := layer.NewInMemoryCacheLayer(storage.MemoryBytes)
	if storage.DiskPath == "" {
		return memory, nil, nil
	}

	disk, err := layer.NewLevelDBCacheLayer(storage.DiskPath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening leveldb cache at %q: %w", storage.DiskPath, err)
	}
	log.WithField("path", storage.DiskPath).Info("disk cache tier enabled")
	return layer.NewTieredCacheLayer(memory, disk), func() { disk.Close() }, nil
}

// startJanitor schedules a periodic expired-entry sweep plus a statistics
// log line. Sweeping is best effort: a storage layer that doesn't implement
// layer.Sweeper is simply left to evict lazily on Get.
func startJanitor(ctx context.Context, spec string, log *logrus.Logger, storage layer.CacheLayer, executor *httpcache.CachingExecutor) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if sweeper, ok := storage.(layer.Sweeper); ok {
			removed, err := sweeper.Sweep()
			if err != nil {
				log.WithError(err).Warn("sweep failed")
			} else if removed > 0 {
				log.WithField("removed", removed).Info("swept expired entries")
			}
		}
		log.WithFields(logrus.Fields{
			"hits":     executor.Hits(),
			"misses":   executor.Misses(),
			"updates":  executor.Updates(),
			"failures": executor.Failures(),
		}).Info("cache statistics")
	})
	if err != nil {
		log.WithError(err).Warn("failed to schedule janitor")
		return
	}
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
}

func initConfig(config *Config) error {
	flagSet := pflag.NewFlagSet("httpcached", pflag.ContinueOnError)
	configPath := flagSet.String("config", "config.yaml", "path to the httpcached config file")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		flagSet.PrintDefaults()
	}
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	viper.SetConfigType("yaml")
	configBytes, err := os.ReadFile(*configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return viper.Unmarshal(config)
		}
		return err
	}
	if err := viper.ReadConfig(bytes.NewReader(configBytes)); err != nil {
		return err
	}
	return viper.Unmarshal(config)
}
