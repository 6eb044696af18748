/*
   Copyright The Sentinel COG Service Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/containerd/log"
	"github.com/sirupsen/logrus"

	"github.com/dl4eo/cogserv/cog"
	"github.com/dl4eo/cogserv/config"
	"github.com/dl4eo/cogserv/geotiff"
	"github.com/dl4eo/cogserv/internal/catalog"
	"github.com/dl4eo/cogserv/metrics"
	"github.com/dl4eo/cogserv/service"
	"github.com/dl4eo/cogserv/status"
	"github.com/dl4eo/cogserv/store"
	"github.com/dl4eo/cogserv/tile"
)

const defaultLogLevel = logrus.InfoLevel

var (
	configPath = flag.String("config", config.DefaultConfigPath, "path to the configuration file")
	address    = flag.String("address", "", "listen address, overrides the configuration file")
	logLevel   = flag.String("log-level", defaultLogLevel.String(), "set the logging level [trace, debug, info, warn, error, fatal, panic]")
)

func main() {
	flag.Parse()
	lvl, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		log.L.WithError(err).Fatal("failed to prepare logger")
	}
	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: log.RFC3339NanoFixed,
	})
	ctx := log.WithLogger(context.Background(), log.L)

	cfg, err := config.NewConfigFromToml(*configPath)
	if err != nil {
		log.G(ctx).WithError(err).Fatal("failed to load configuration")
	}
	if *address != "" {
		cfg.Address = *address
	}
	if cfg.Catalog.Username == "" || cfg.Catalog.Password == "" {
		log.G(ctx).Warn("CDSE_USERNAME or CDSE_PASSWORD not set, conversion requests will fail to authenticate")
	}

	if err := os.MkdirAll(cfg.RootPath, 0755); err != nil {
		log.G(ctx).WithError(err).Fatalf("failed to prepare root directory %q", cfg.RootPath)
	}
	jobs, err := status.Open(filepath.Join(cfg.RootPath, "status.db"))
	if err != nil {
		log.G(ctx).WithError(err).Fatal("failed to open status database")
	}
	defer jobs.Close()
	blobs, err := store.NewFileStore(filepath.Join(cfg.RootPath, "blobs"))
	if err != nil {
		log.G(ctx).WithError(err).Fatal("failed to prepare artifact store")
	}

	tokens, err := catalog.NewTokenSource(cfg.Catalog.TokenURL, cfg.Catalog.ClientID, cfg.Catalog.Username, cfg.Catalog.Password)
	if err != nil {
		log.G(ctx).WithError(err).Fatal("failed to configure catalog auth")
	}
	client := catalog.NewClient(cfg.Catalog.QueryURL, cfg.Catalog.DownloadURL, tokens)

	builder, err := cog.NewBuilder(cog.WithProductType(cfg.Convert.ProductType))
	if err != nil {
		log.G(ctx).WithError(err).Fatal("failed to configure artifact builder")
	}
	converter := service.NewConverter(client, builder, blobs, jobs, cfg.DefaultBucket,
		cfg.Convert.MaxConcurrent, cfg.ConvertTimeout())

	cache := tile.NewReaderCache(cfg.Tiles.CacheSize, cfg.TileCacheTTL(), func(location string) (tile.Reader, error) {
		bucket, key, err := store.ParseLocation(location)
		if err != nil {
			return nil, err
		}
		path, err := blobs.Path(bucket, key)
		if err != nil {
			return nil, err
		}
		return geotiff.Open(path)
	})
	defer cache.Purge()
	renderer := tile.NewRenderer(cache, cfg.Tiles.MinZoom, cfg.Tiles.BlurZoom)

	metrics.Register()
	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           service.NewServer(converter, renderer, jobs, blobs).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	errCh := make(chan error, 1)
	go func() {
		log.G(ctx).WithField("address", cfg.Address).Info("serving")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		log.G(ctx).WithError(err).Fatal("server exited")
	case <-ctx.Done():
	}
	log.G(ctx).Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.G(ctx).WithError(err).Error("graceful shutdown failed")
	}
}
