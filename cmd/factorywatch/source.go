package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"factorywatch/internal/api"
	"factorywatch/internal/config"
	"factorywatch/internal/source"
	"factorywatch/internal/storage"
)

type openedSource struct {
	source source.Source
	// push is set only for the in-process feed.
	push   api.EventSink
	closer func() error
}

func (o openedSource) close() {
	if o.closer != nil {
		_ = o.closer()
	}
}

func openSource(ctx context.Context, cfg *config.Config, logger *slog.Logger) (openedSource, error) {
	sc := cfg.Source
	switch strings.ToLower(sc.Driver) {
	case "memory":
		feed := source.NewMemoryFeed(sc.Collection, sc.DocLimit)
		return openedSource{source: feed, push: feed, closer: feed.Close}, nil
	case "sql":
		store, err := storage.NewStore(sc.SQL, sc.Collection)
		if err != nil {
			return openedSource{}, err
		}
		if err := store.Init(ctx); err != nil {
			_ = store.Close()
			return openedSource{}, fmt.Errorf("init %s store: %w", sc.SQL.Driver, err)
		}
		return openedSource{source: storage.NewPoller(store, sc.PollInterval, logger), closer: store.Close}, nil
	case "kafka":
		feed := source.NewKafkaFeed(sc, logger)
		feed.Start(ctx)
		return openedSource{source: feed, closer: feed.Close}, nil
	case "redis":
		client := source.NewRedisClient(sc.Redis)
		feed := source.NewRedisFeed(sc, client, logger)
		feed.Start(ctx)
		return openedSource{source: feed, closer: func() error {
			_ = feed.Close()
			return client.Close()
		}}, nil
	case "mqtt":
		feed := source.NewMQTTFeed(sc, logger)
		if err := feed.Start(ctx); err != nil {
			return openedSource{}, err
		}
		return openedSource{source: feed, closer: feed.Close}, nil
	}
	return openedSource{}, fmt.Errorf("%w: %s", source.ErrUnknownDriver, sc.Driver)
}
