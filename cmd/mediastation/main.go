package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/anacrolix/torrent/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/jkaberg/mediastation/config"
	"github.com/jkaberg/mediastation/history"
	"github.com/jkaberg/mediastation/http"
	dlog "github.com/jkaberg/mediastation/log"
	"github.com/jkaberg/mediastation/metrics"
	"github.com/jkaberg/mediastation/search"
	"github.com/jkaberg/mediastation/torrent"
	"github.com/jkaberg/mediastation/torrent/watchers"
)

const (
	configFlag = "config"
	portFlag   = "http-port"
	limitFlag  = "limit"
)

func main() {
	app := &cli.App{
		Name:  "mediastation",
		Usage: "Personal media station: search for movies and download them.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    configFlag,
				Value:   "./mediastation-data/config/config.yaml",
				EnvVars: []string{"MEDIASTATION_CONFIG"},
				Usage:   "YAML file containing mediastation configuration.",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the download engine and the web API.",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    portFlag,
						EnvVars: []string{"MEDIASTATION_HTTP_PORT"},
						Usage:   "HTTP port for the web API. Overrides the configuration file.",
					},
				},
				Action: serveAction,
			},
			{
				Name:      "search",
				Usage:     "Search the movie index and print ranked results.",
				ArgsUsage: "<query>",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  limitFlag,
						Value: 10,
						Usage: "Maximum number of results to print.",
					},
				},
				Action: searchAction,
			},
		},
		Action: serveAction,

		HideHelpCommand: true,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("problem starting application")
	}
}

func serveAction(c *cli.Context) error {
	err := serve(c.Context, c.String(configFlag), c.Int(portFlag))

	// stop program execution on errors to avoid flashing consoles
	if err != nil && runtime.GOOS == "windows" {
		log.Error().Err(err).Msg("problem starting application")
		fmt.Print("Press 'Enter' to continue...")
		bufio.NewReader(os.Stdin).ReadBytes('\n')
	}

	return err
}

func searchAction(c *cli.Context) error {
	conf, err := config.NewHandler(c.String(configFlag)).Get()
	if err != nil {
		return fmt.Errorf("error loading configuration: %w", err)
	}

	s := newSearcher(conf, conf.Torrent.ExtraTrackers, c.Int(limitFlag))

	res, err := s.Search(c.Context, c.Args().First())
	if err != nil {
		return err
	}

	for _, r := range res {
		fmt.Printf("%-60s %-6s %10s %5d seeds  %s\n", r.Title, r.Quality, torrent.FormatBytes(r.SizeBytes), r.Seeds, r.Magnet)
	}
	return nil
}

func newSearcher(conf *config.Root, trackers []string, limit int) *search.Searcher {
	return search.New(search.NewYTS(conf.Search.YTSURL, trackers, nil), search.Options{
		Timeout:           time.Duration(conf.Search.TimeoutSeconds) * time.Second,
		Limit:             limit,
		RequestsPerMinute: conf.Search.RequestsPerMinute,
	})
}

func serve(ctx context.Context, configPath string, port int) error {
	ch := config.NewHandler(configPath)

	conf, err := ch.Get()
	if err != nil {
		return fmt.Errorf("error loading configuration: %w", err)
	}

	dlog.Load(conf.Log)

	if port != 0 {
		conf.HTTPGlobal.Port = port
	}

	if err := os.MkdirAll(conf.Torrent.MetadataFolder, 0744); err != nil {
		return fmt.Errorf("error creating metadata folder: %w", err)
	}
	if err := os.MkdirAll(conf.Torrent.DownloadFolder, 0744); err != nil {
		return fmt.Errorf("error creating download folder: %w", err)
	}

	fis, err := torrent.NewFileItemStore(filepath.Join(conf.Torrent.MetadataFolder, "items"), 2*time.Hour)
	if err != nil {
		return fmt.Errorf("error starting item store: %w", err)
	}
	defer fis.Close()

	id, err := torrent.GetOrCreatePeerID(filepath.Join(conf.Torrent.MetadataFolder, "ID"))
	if err != nil {
		return fmt.Errorf("error creating node ID: %w", err)
	}

	st := storage.NewFile(conf.Torrent.DownloadFolder)
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Msg("problem closing download storage")
		}
	}()

	c, limits, err := torrent.NewClient(st, fis, conf.Torrent, id)
	if err != nil {
		return fmt.Errorf("error starting torrent client: %w", err)
	}
	defer c.Close()

	trackers := append([]string{}, conf.Torrent.ExtraTrackers...)
	if conf.Torrent.ExtraTrackersURL != "" {
		fetched, err := torrent.FetchTrackerList(ctx, conf.Torrent.ExtraTrackersURL)
		if err != nil {
			log.Warn().Err(err).Str("url", conf.Torrent.ExtraTrackersURL).Msg("error fetching extra trackers")
		} else {
			trackers = append(trackers, fetched...)
		}
	}

	engine := torrent.NewEngine(torrent.NewClientTransport(c), torrent.Config{
		PollInterval:  time.Duration(conf.Torrent.PollIntervalMs) * time.Millisecond,
		DownloadDir:   conf.Torrent.DownloadFolder,
		ExtraTrackers: trackers,
	})

	hdb, err := history.NewDB(filepath.Join(conf.Torrent.MetadataFolder, "history"))
	if err != nil {
		return fmt.Errorf("error starting history database: %w", err)
	}
	defer hdb.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(reg)
	reg.MustRegister(metrics.NewEngineCollector(engine))

	hub := http.NewHub()

	unsubs := []func(){
		engine.Subscribe(history.NewRecorder(hdb)),
		engine.Subscribe(metrics.Outcomes{}),
		engine.Subscribe(hub),
	}

	engine.Start()

	var fw *watchers.FolderWatcher
	if conf.Watch != nil && conf.Watch.Folder != "" {
		fw, err = watchers.NewFolderWatcher(engine, conf.Watch.Folder, "", time.Duration(conf.Watch.IntervalSeconds)*time.Second)
		if err != nil {
			return fmt.Errorf("error creating folder watcher: %w", err)
		}
		if err := fw.Start(); err != nil {
			log.Error().Err(err).Msg("error starting folder watcher")
		}
	}

	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := http.NewRouter(http.Deps{
		Engine:   engine,
		Searcher: newSearcher(conf, trackers, conf.Search.Limit),
		History:  hdb,
		Limits:   limits,
		Config:   ch,
		Hub:      hub,
		Gatherer: reg,
		LogPath:  filepath.Join(conf.Log.Path, dlog.FileName),
	})

	err = http.Serve(sctx, r, conf.HTTPGlobal)
	if err != nil {
		log.Error().Err(err).Msg("error running HTTP server")
	}

	log.Info().Msg("shutting down...")
	if fw != nil {
		if err := fw.Close(); err != nil {
			log.Warn().Err(err).Msg("problem closing folder watcher")
		}
	}
	hub.Close()
	for _, u := range unsubs {
		u()
	}
	log.Info().Msg("closing engine...")
	if err := engine.Close(); err != nil {
		log.Warn().Err(err).Msg("problem closing engine")
	}

	log.Info().Msg("exiting")
	return err
}
