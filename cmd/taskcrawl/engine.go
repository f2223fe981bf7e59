package main

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/crawlkit/taskcrawl/pkg/config"
	"github.com/crawlkit/taskcrawl/pkg/crawler"
	"github.com/crawlkit/taskcrawl/pkg/process"
	"github.com/crawlkit/taskcrawl/pkg/storage"
)

// engineRuntime is a running engine with the store and sink it owns.
type engineRuntime struct {
	engine *crawler.Engine
	store  *storage.BadgerStore
	sink   *crawler.ResultSink
	log    *logrus.Entry

	stop    context.CancelFunc
	runDone chan error
}

// startEngine opens the visited DB and output sink and starts an engine's
// workers. resume keeps the existing visited DB and appends to outputs.
func startEngine(appCfg *config.AppConfig, resume bool, log *logrus.Entry) (*engineRuntime, error) {
	store, err := storage.NewBadgerStore(appCfg.StateDir, resume, log)
	if err != nil {
		return nil, err
	}

	rt := &engineRuntime{store: store, log: log, runDone: make(chan error, 1)}
	var opts []crawler.Option
	if appCfg.OutputBaseDir != "" {
		rt.sink = crawler.NewResultSink(appCfg.OutputBaseDir, resume, log, sinkOptions(appCfg, log)...)
		opts = append(opts, crawler.WithSink(rt.sink))
	}
	rt.engine = crawler.New(appCfg, store, log, opts...)

	ctx, stop := context.WithCancel(context.Background())
	rt.stop = stop
	go func() { rt.runDone <- rt.engine.Run(ctx) }()
	return rt, nil
}

// sinkOptions maps the output settings onto the result sink, loading the
// tokenizer when either token counts or chunking needs it.
func sinkOptions(appCfg *config.AppConfig, log *logrus.Entry) []crawler.SinkOption {
	var opts []crawler.SinkOption
	if appCfg.EnableTokenCounting || appCfg.EnableChunking {
		if err := process.InitTokenizer(appCfg.TokenizerEncoding); err != nil {
			log.Warnf("Failed to initialize tokenizer with encoding '%s': %v. Chunks will be sized in characters.", appCfg.TokenizerEncoding, err)
		} else {
			log.Infof("Tokenizer ready with encoding: %s", appCfg.TokenizerEncoding)
		}
	}
	if appCfg.EnableTokenCounting {
		opts = append(opts, crawler.WithTokenCounts())
	}
	if appCfg.EnableChunking {
		opts = append(opts, crawler.WithChunks(process.ChunkerConfig{
			MaxChunkSize: appCfg.ChunkMaxSize,
			ChunkOverlap: appCfg.ChunkOverlap,
		}))
	}
	return opts
}

// Close drains the workers, then closes the sink and the store.
func (rt *engineRuntime) Close() {
	rt.engine.Shutdown()
	if err := <-rt.runDone; err != nil {
		rt.log.Warnf("Engine stopped: %v", err)
	}
	rt.stop()
	if rt.sink != nil {
		if err := rt.sink.Close(); err != nil {
			rt.log.Errorf("Closing page output: %v", err)
		}
	}
	if err := rt.store.Close(); err != nil {
		rt.log.Errorf("Closing visited DB: %v", err)
	}
}
