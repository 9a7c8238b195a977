package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/mcdev12/tilesync/go/internal/dbconfig"
	"github.com/mcdev12/tilesync/go/internal/natschan"
	"github.com/mcdev12/tilesync/go/internal/relay"
	"github.com/mcdev12/tilesync/go/internal/settings"
	"github.com/mcdev12/tilesync/go/internal/settings/pgstore"
	"github.com/mcdev12/tilesync/go/internal/settings/sqlstore"
	"github.com/mcdev12/tilesync/go/internal/settings/yamlstore"
	"github.com/mcdev12/tilesync/go/internal/turns/transport"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openChannel connects the group channel for one peer. Local mode is served
// by the shared bus instead.
func openChannel(ctx context.Context, s settings.Settings, peerID string) (transport.Channel, io.Closer, error) {
	switch s.Transport {
	case settings.TransportNATS:
		cfg := natschan.DefaultConfig()
		cfg.URL = s.NATSURL
		ch, err := natschan.Dial(cfg, peerID)
		if err != nil {
			return nil, nil, err
		}
		return ch, ch, nil

	case settings.TransportJetStream:
		cfg := natschan.DefaultStreamConfig()
		cfg.URL = s.NATSURL
		ch, err := natschan.DialStream(ctx, cfg, peerID)
		if err != nil {
			return nil, nil, err
		}
		return ch, ch, nil

	case settings.TransportRelay:
		ch, err := relay.NewClient(relay.ClientConfig{BaseURL: s.RelayURL, PeerID: peerID})
		if err != nil {
			return nil, nil, err
		}
		return ch, ch, nil
	}
	return nil, nil, fmt.Errorf("transport %q has no network channel", s.Transport)
}

// openStore picks the settings store from a spec such as "yaml:./peers",
// "sqlite:file:tilesync.db" or "postgres". An empty spec means no store.
func openStore(ctx context.Context, spec string) (settings.Store, io.Closer, error) {
	kind, arg, _ := strings.Cut(spec, ":")
	switch kind {
	case "":
		return nil, nopCloser{}, nil
	case "yaml":
		if arg == "" {
			arg = "."
		}
		st, err := yamlstore.New(arg)
		if err != nil {
			return nil, nil, err
		}
		return st, nopCloser{}, nil
	case "sqlite":
		if arg == "" {
			arg = "file:tilesync.db"
		}
		st, err := sqlstore.Open(ctx, arg)
		if err != nil {
			return nil, nil, err
		}
		return st, st, nil
	case "postgres":
		cfg, err := dbconfig.NewConfigFromEnv()
		if err != nil {
			return nil, nil, err
		}
		st, err := pgstore.Connect(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return st, closerFunc(func() error { st.Close(); return nil }), nil
	}
	return nil, nil, fmt.Errorf("unknown settings store %q", kind)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
