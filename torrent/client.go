package torrent

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/anacrolix/dht/v2"
	"github.com/anacrolix/dht/v2/bep44"
	tlog "github.com/anacrolix/log"
	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/storage"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/jkaberg/mediastation/config"
	dlog "github.com/jkaberg/mediastation/log"
)

// dhtItemTTL is how long mutable DHT items are kept in the item store.
const dhtItemTTL = 2 * time.Hour

// NewClient builds the BitTorrent client shared by every session. Sessions
// added without a target directory write to st; the others get their own
// storage from sessionStorage.
func NewClient(st storage.ClientImpl, fis bep44.Store, cfg *config.TorrentGlobal, id [20]byte) (*torrent.Client, *Limits, error) {
	ccfg, limits, err := clientConfig(st, fis, cfg, id)
	if err != nil {
		return nil, nil, err
	}

	c, err := torrent.NewClient(ccfg)
	if err != nil {
		return nil, nil, err
	}

	log.Info().
		Bool("seed", ccfg.Seed).
		Int("port", ccfg.ListenPort).
		Float64("download-limit-mbit", cfg.DownloadLimitMbit).
		Float64("upload-limit-mbit", cfg.UploadLimitMbit).
		Msg("torrent client started")
	return c, limits, nil
}

// clientConfig maps the torrent settings onto a client configuration. The
// returned limits own the client's rate limiters.
func clientConfig(st storage.ClientImpl, fis bep44.Store, cfg *config.TorrentGlobal, id [20]byte) (*torrent.ClientConfig, *Limits, error) {
	ccfg := torrent.NewDefaultClientConfig()
	ccfg.PeerID = string(id[:])
	ccfg.DefaultStorage = st

	// finished downloads keep uploading only when seeding is enabled
	ccfg.Seed = cfg.Seed

	if cfg.ListenPort > 0 {
		ccfg.ListenPort = cfg.ListenPort
	}
	ccfg.DisableIPv6 = cfg.DisableIPv6
	ccfg.DisableTCP = cfg.DisableTCP
	ccfg.DisableUTP = cfg.DisableUTP

	if cfg.IP != "" {
		ip := net.ParseIP(cfg.IP)
		if ip == nil {
			return nil, nil, fmt.Errorf("invalid provided IP: %q", cfg.IP)
		}
		ccfg.PublicIp4 = ip
	}

	tl := tlog.NewLogger()
	tl.SetHandlers(&dlog.Torrent{L: log.Logger.With().Str("component", "torrent-client").Logger()})
	ccfg.Logger = tl

	if fis != nil {
		ccfg.ConfigureAnacrolixDhtServer = func(dcfg *dht.ServerConfig) {
			dcfg.Store = fis
			dcfg.Exp = dhtItemTTL
			dcfg.NoSecurity = false
		}
	}

	dl := rate.NewLimiter(rate.Inf, 0)
	ul := rate.NewLimiter(rate.Inf, 0)
	ccfg.DownloadRateLimiter = dl
	ccfg.UploadRateLimiter = ul

	limits := NewLimits(dl, ul)
	limits.Set(cfg.DownloadLimitMbit, cfg.UploadLimitMbit)

	return ccfg, limits, nil
}

// sessionStorage returns file storage rooted at dir for a session with its own
// target directory, creating the directory first. An empty dir means the
// client's default storage.
func sessionStorage(dir string) (storage.ClientImplCloser, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0744); err != nil {
		return nil, fmt.Errorf("error creating target folder: %w", err)
	}
	return storage.NewFile(dir), nil
}
